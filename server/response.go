package server

import (
	"bytes"
	"strconv"
)

// CreateResponseBytes builds an HTTP response as bytes
func CreateResponseBytes(statusCode, contentType, statusMessage string, body []byte) ([]byte, string) {
	buf := responseBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	defer func() {
		if buf.Cap() <= maxPoolBufferSize {
			responseBufferPool.Put(buf)
		}
	}()

	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(statusCode)
	buf.WriteString(" ")
	buf.WriteString(statusMessage)
	buf.WriteString("\r\nContent-Type: ")
	buf.WriteString(contentType)
	buf.WriteString("\r\nConnection: keep-alive")
	buf.WriteString("\r\nContent-Length: ")
	buf.WriteString(strconv.Itoa(len(body)))
	buf.WriteString("\r\n\r\n")
	buf.Write(body)

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, statusCode
}

var (
	keepAliveHeader = []byte("\r\nConnection: keep-alive\r\n")
	closeHeader     = []byte("\r\nConnection: close\r\n")
)

// withConnectionClose rewrites the Connection header of a response built by
// CreateResponseBytes so the client knows the socket is about to close.
func withConnectionClose(resp []byte) []byte {
	head := resp
	if i := bytes.Index(resp, []byte("\r\n\r\n")); i >= 0 {
		head = resp[:i+2]
	}
	if !bytes.Contains(head, keepAliveHeader) {
		return resp
	}
	return bytes.Replace(resp, keepAliveHeader, closeHeader, 1)
}

// Serve201 returns a 201 Created with message as a plain-text body.
func Serve201(message string) ([]byte, string) {
	return CreateResponseBytes("201", "text/plain", "Created", []byte(message))
}

// Serve204 returns an empty 204 No Content.
func Serve204() ([]byte, string) {
	return CreateResponseBytes("204", "text/plain", "No Content", nil)
}

// Serve400 returns a 400 Bad Request with message as the body.
func Serve400(message string) ([]byte, string) {
	return CreateResponseBytes("400", "text/plain", "Bad Request", []byte(message))
}

// Serve401 returns a 401 Unauthorized with message as the body.
func Serve401(message string) ([]byte, string) {
	return CreateResponseBytes("401", "text/plain", "Unauthorized", []byte(message))
}

// Serve403 returns a 403 Forbidden with message as the body.
func Serve403(message string) ([]byte, string) {
	return CreateResponseBytes("403", "text/plain", "Forbidden", []byte(message))
}

// Serve404 returns the plain-text 404 for a missing route.
func Serve404() ([]byte, string) {
	return CreateResponseBytes("404", "text/plain", "Not Found", []byte("Route Not Found"))
}

// Serve429 returns a 429 Too Many Requests with message as the body.
func Serve429(message string) ([]byte, string) {
	return CreateResponseBytes("429", "text/plain", "Too Many Requests", []byte(message))
}

// Serve500 returns a 500 Internal Server Error with message as the body.
func Serve500(message string) ([]byte, string) {
	return CreateResponseBytes("500", "text/plain", "Internal Server Error", []byte(message))
}
