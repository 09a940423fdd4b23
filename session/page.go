package session

import (
	"bytes"
	"html/template"
	"io"
	"strconv"
)

var pageTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<img src="{{.StreamPath}}" width="640"/>
<p>Motion: {{if .Motion}}YES{{else}}NO{{end}}</p>
</body>
</html>
`))

// PageData is rendered into the status page
type PageData struct {
	Title      string
	StreamPath string
	Motion     bool
}

// RenderPage writes the status page body
func RenderPage(w io.Writer, data PageData) error {
	return pageTemplate.Execute(w, data)
}

// writePage writes a complete 200 response with the rendered page
func writePage(w io.Writer, data PageData) (int, error) {
	var body bytes.Buffer
	if err := RenderPage(&body, data); err != nil {
		return 0, err
	}

	header := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"Content-Length: " + strconv.Itoa(body.Len()) + "\r\n" +
		"Connection: close\r\n" +
		"\r\n"

	if _, err := io.WriteString(w, header); err != nil {
		return 0, err
	}
	return w.Write(body.Bytes())
}
