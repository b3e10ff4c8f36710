package server

import "github.com/pkg/errors"

var (
	// ErrExhausted is returned by Accept when every identifier is in use.
	// The caller should stop accepting until a connection closes.
	ErrExhausted = errors.New("identifier pool exhausted")

	// ErrWouldBlock means no connection or data is available right now.
	ErrWouldBlock = errors.New("operation would block")

	// ErrMalformedFrame is the root of every framing error. A connection that
	// reports it must be closed.
	ErrMalformedFrame = errors.New("malformed request frame")

	ErrHeadTooLarge    = errors.Wrap(ErrMalformedFrame, "request head too large")
	ErrBodyTooLarge    = errors.Wrap(ErrMalformedFrame, "request body too large")
	ErrTooManyHeaders  = errors.Wrap(ErrMalformedFrame, "too many headers")
	ErrUnsupportedBody = errors.Wrap(ErrMalformedFrame, "unsupported transfer encoding")

	// ErrEntropyUnavailable is fatal to server startup.
	ErrEntropyUnavailable = errors.New("entropy source unavailable")

	// ErrServerStarted is returned by a second ListenAndServe on one Server.
	ErrServerStarted = errors.New("server already started")

	// errIncomplete is internal to the parser: more bytes are needed.
	errIncomplete = errors.New("incomplete request head")
)

// IsMalformed reports whether err is a framing error.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedFrame)
}
