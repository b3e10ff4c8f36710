package server

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
)

// Header is one parsed header field. Name and Value alias the buffer that
// was parsed and must be copied before that buffer changes.
type Header struct {
	Name  []byte
	Value []byte
}

// isToken reports whether c may appear in a method or header name (RFC 9110 tchar).
func isToken(c byte) bool {
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}

// nextLine returns the line starting at pos without its terminator and the
// offset just past the terminator. ok is false if no LF has arrived yet.
func nextLine(buf []byte, pos int) (line []byte, next int, ok bool) {
	i := bytes.IndexByte(buf[pos:], '\n')
	if i < 0 {
		return nil, 0, false
	}
	line = buf[pos : pos+i]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, pos + i + 1, true
}

// parseHead frames one HTTP/1.x request head. It fills headers from the
// front and returns the length of the head including the blank line and the
// number of populated header slots. errIncomplete means the terminator has
// not arrived; any other error wraps ErrMalformedFrame.
func parseHead(buf []byte, headers []Header) (headLen, count int, err error) {
	pos := 0

	// Tolerate empty lines left over from a previous request.
	for {
		line, next, ok := nextLine(buf, pos)
		if !ok {
			if err := checkPartialRequestLine(buf[pos:]); err != nil {
				return 0, 0, err
			}
			return 0, 0, errIncomplete
		}
		if len(line) > 0 {
			if err := parseRequestLineBytes(line); err != nil {
				return 0, 0, err
			}
			pos = next
			break
		}
		pos = next
	}

	for {
		line, next, ok := nextLine(buf, pos)
		if !ok {
			return 0, 0, errIncomplete
		}
		pos = next

		if len(line) == 0 {
			return pos, count, nil
		}

		if count == len(headers) {
			return 0, 0, ErrTooManyHeaders
		}

		name, value, err := parseHeaderLine(line)
		if err != nil {
			return 0, 0, err
		}
		headers[count] = Header{Name: name, Value: value}
		count++
	}
}

// checkPartialRequestLine rejects a request line that is already invalid
// before its terminator arrives, so garbage is not buffered up to the limit.
func checkPartialRequestLine(partial []byte) error {
	for _, c := range partial {
		if c == ' ' || c == '\r' {
			return nil
		}
		if !isToken(c) {
			return errors.Wrapf(ErrMalformedFrame, "invalid method byte 0x%02x", c)
		}
	}
	return nil
}

// parseRequestLineBytes validates "METHOD SP target SP HTTP/1.x".
func parseRequestLineBytes(line []byte) error {
	parts := bytes.Split(line, []byte(" "))
	if len(parts) != 3 {
		return errors.Wrap(ErrMalformedFrame, "invalid request line")
	}

	method, target, version := parts[0], parts[1], parts[2]
	if len(method) == 0 {
		return errors.Wrap(ErrMalformedFrame, "empty method")
	}
	for _, c := range method {
		if !isToken(c) {
			return errors.Wrapf(ErrMalformedFrame, "invalid method byte 0x%02x", c)
		}
	}

	if len(target) == 0 {
		return errors.Wrap(ErrMalformedFrame, "empty request target")
	}
	for _, c := range target {
		if c <= ' ' || c == 0x7f {
			return errors.Wrapf(ErrMalformedFrame, "invalid target byte 0x%02x", c)
		}
	}

	if len(version) != 8 || !bytes.HasPrefix(version, []byte("HTTP/1.")) || version[7] < '0' || version[7] > '9' {
		return errors.Wrapf(ErrMalformedFrame, "unsupported version %q", version)
	}
	return nil
}

// parseHeaderLine splits "Name: value", trimming optional whitespace.
func parseHeaderLine(line []byte) (name, value []byte, err error) {
	if line[0] == ' ' || line[0] == '\t' {
		return nil, nil, errors.Wrap(ErrMalformedFrame, "obsolete line folding")
	}

	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return nil, nil, errors.Wrap(ErrMalformedFrame, "header line without separator")
	}

	name = line[:colon]
	for _, c := range name {
		if !isToken(c) {
			return nil, nil, errors.Wrapf(ErrMalformedFrame, "invalid header name byte 0x%02x", c)
		}
	}

	value = bytes.Trim(line[colon+1:], " \t")
	for _, c := range value {
		if c < ' ' && c != '\t' || c == 0x7f {
			return nil, nil, errors.Wrapf(ErrMalformedFrame, "invalid header value byte 0x%02x", c)
		}
	}
	return name, value, nil
}
