package server

// RequestUnit is one complete request split off a connection's stream. It
// owns its bytes; nothing else holds a reference to them.
type RequestUnit struct {
	data        []byte
	headLen     int
	headerCount int
	id          Identifier
}

// NewRequestUnit bundles a framed request. data must not be shared with
// anything that will mutate it afterwards.
func NewRequestUnit(data []byte, headLen, headerCount int, id Identifier) *RequestUnit {
	if headLen > len(data) {
		headLen = len(data)
	}
	return &RequestUnit{
		data:        data,
		headLen:     headLen,
		headerCount: headerCount,
		id:          id,
	}
}

// Bytes returns the whole frame. Callers must treat it as read-only.
func (u *RequestUnit) Bytes() []byte { return u.data }

// Head returns the request line and headers, including the blank line.
func (u *RequestUnit) Head() []byte { return u.data[:u.headLen] }

// Body returns the bytes after the head, if any.
func (u *RequestUnit) Body() []byte { return u.data[u.headLen:] }

// Len is the size of the framed request, head and body.
func (u *RequestUnit) Len() int { return len(u.data) }

// HeaderCount is the number of header fields in the head.
func (u *RequestUnit) HeaderCount() int { return u.headerCount }

// ID is the identifier of the connection the request arrived on.
func (u *RequestUnit) ID() Identifier { return u.id }
