// Package mjpeg implements the multipart/x-mixed-replace JPEG stream framing.
package mjpeg

import (
	"io"
	"strconv"
)

// Boundary is the multipart boundary token used on the wire
const Boundary = "frame"

// ContentType is the stream response content type
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

const (
	responseHeader = "HTTP/1.1 200 OK\r\nContent-Type: " + ContentType + "\r\n\r\n"
	partPrefix     = "--" + Boundary + "\r\nContent-Type: image/jpeg\r\nContent-Length: "
)

// Writer emits the stream response header once and then one part per frame.
// It writes directly to the connection; nothing is buffered between parts.
type Writer struct {
	w      io.Writer
	header bool
	parts  uint64
	bytes  uint64
	// scratch for the per-part header
	buf []byte
}

// NewWriter creates a stream writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, buf: make([]byte, 0, 96)}
}

// WriteHeader writes the status line and multipart content type
func (w *Writer) WriteHeader() error {
	if w.header {
		return nil
	}
	if _, err := io.WriteString(w.w, responseHeader); err != nil {
		return err
	}
	w.header = true
	return nil
}

// WritePart writes one JPEG as a part: boundary, image/jpeg, exact
// Content-Length, blank line, payload and trailing CRLF.
func (w *Writer) WritePart(jpeg []byte) error {
	w.buf = append(w.buf[:0], partPrefix...)
	w.buf = strconv.AppendInt(w.buf, int64(len(jpeg)), 10)
	w.buf = append(w.buf, "\r\n\r\n"...)

	if _, err := w.w.Write(w.buf); err != nil {
		return err
	}
	if _, err := w.w.Write(jpeg); err != nil {
		return err
	}
	if _, err := io.WriteString(w.w, "\r\n"); err != nil {
		return err
	}

	w.parts++
	w.bytes += uint64(len(jpeg))
	return nil
}

// Parts returns the number of parts written
func (w *Writer) Parts() uint64 {
	return w.parts
}

// Bytes returns the total JPEG payload bytes written
func (w *Writer) Bytes() uint64 {
	return w.bytes
}
