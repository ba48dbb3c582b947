package internal

import (
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

// ContentType reads up to the first 512 bytes and sniffs the mime type.
// Parameters such as "; charset=utf-8" are stripped.
func ContentType(r io.Reader) (string, error) {
	buf := make([]byte, 512)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	ct := http.DetectContentType(buf[:n])
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	return ct, nil
}

// ContentTypeByName falls back to the file extension when sniffing only
// yields a generic type.
func ContentTypeByName(name, sniffed string) string {
	if sniffed != "" && sniffed != "application/octet-stream" && !strings.HasPrefix(sniffed, "text/plain") {
		return sniffed
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			return mt
		}
		return ct
	}
	return sniffed
}
