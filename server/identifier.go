package server

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20"
)

// Identifier names one connection's claim on a pool slot and its reactor
// registration. Identifiers are unique enough for bookkeeping, not secrets.
type Identifier uint64

// String renders the identifier as fixed-width hex for log fields.
func (id Identifier) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// Token converts the identifier to its reactor registration handle.
func (id Identifier) Token() Token {
	return Token(id)
}

// IdentifierFromToken maps a reactor handle back to the identifier it was
// registered under. It returns false for the reserved listener token.
func IdentifierFromToken(t Token) (Identifier, bool) {
	if t == listenerToken {
		return 0, false
	}
	return Identifier(t), true
}

// IdentifierFactory produces identifiers from a ChaCha20 keystream seeded
// from the operating system.
type IdentifierFactory struct {
	stream *chacha20.Cipher
	zero   [8]byte
	out    [8]byte
}

// NewIdentifierFactory seeds a factory from crypto/rand.
func NewIdentifierFactory() (*IdentifierFactory, error) {
	return NewIdentifierFactoryFrom(rand.Reader)
}

// NewIdentifierFactoryFrom seeds a factory from src. A short or failed read
// is reported as ErrEntropyUnavailable.
func NewIdentifierFactoryFrom(src io.Reader) (*IdentifierFactory, error) {
	var seed [chacha20.KeySize + chacha20.NonceSize]byte
	if _, err := io.ReadFull(src, seed[:]); err != nil {
		return nil, errors.Wrapf(ErrEntropyUnavailable, "read seed: %v", err)
	}

	stream, err := chacha20.NewUnauthenticatedCipher(seed[:chacha20.KeySize], seed[chacha20.KeySize:])
	if err != nil {
		return nil, errors.Wrap(err, "init chacha20")
	}

	return &IdentifierFactory{stream: stream}, nil
}

// Next returns the next identifier in the stream.
func (f *IdentifierFactory) Next() Identifier {
	f.stream.XORKeyStream(f.out[:], f.zero[:])
	return Identifier(binary.LittleEndian.Uint64(f.out[:]))
}
