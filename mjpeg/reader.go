package mjpeg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
)

// ErrMalformedPart is returned for parts that do not follow the stream framing
var ErrMalformedPart = errors.New("malformed multipart part")

// Part is one decoded stream part
type Part struct {
	ContentType   string
	ContentLength int
	Data          []byte
}

// Reader decodes a stream produced by Writer, the way a browser client would.
type Reader struct {
	r *textproto.Reader
	b *bufio.Reader
}

// NewReader wraps r
func NewReader(r io.Reader) *Reader {
	b := bufio.NewReader(r)
	return &Reader{r: textproto.NewReader(b), b: b}
}

// ReadHeader consumes the status line and response headers, returning the content type
func (r *Reader) ReadHeader() (string, error) {
	status, err := r.r.ReadLine()
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(status, "HTTP/1.1 200") {
		return "", fmt.Errorf("unexpected status line %q", status)
	}
	hdr, err := r.r.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return hdr.Get("Content-Type"), nil
}

// ReadPart reads the next part. It returns io.EOF when the stream ends on a part boundary.
func (r *Reader) ReadPart() (*Part, error) {
	line, err := r.r.ReadLine()
	if err != nil {
		return nil, err
	}
	if line != "--"+Boundary {
		return nil, fmt.Errorf("%w: expected boundary, got %q", ErrMalformedPart, line)
	}

	hdr, err := r.r.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPart, err)
	}
	n, err := strconv.Atoi(hdr.Get("Content-Length"))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: bad Content-Length %q", ErrMalformedPart, hdr.Get("Content-Length"))
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r.b, data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPart, err)
	}
	trailer, err := r.r.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPart, err)
	}
	if trailer != "" {
		return nil, fmt.Errorf("%w: missing part trailer", ErrMalformedPart)
	}

	return &Part{
		ContentType:   hdr.Get("Content-Type"),
		ContentLength: n,
		Data:          data,
	}, nil
}
