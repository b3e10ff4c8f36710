package server

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifierFactorySeedFailure(t *testing.T) {
	_, err := NewIdentifierFactoryFrom(iotest.ErrReader(errors.New("no entropy")))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEntropyUnavailable)

	_, err = NewIdentifierFactoryFrom(bytes.NewReader([]byte{1, 2, 3}))
	assert.ErrorIs(t, err, ErrEntropyUnavailable)
}

func TestIdentifierFactoryFromOS(t *testing.T) {
	f, err := NewIdentifierFactory()
	require.NoError(t, err)
	assert.NotEqual(t, f.Next(), f.Next())
}

func TestIdentifierFactoryDeterministicForSeed(t *testing.T) {
	a := testFactory(t)
	b := testFactory(t)
	for i := 0; i < 100; i++ {
		require.Equal(t, a.Next(), b.Next())
	}
}

func TestIdentifierFactoryNoCollisions(t *testing.T) {
	f := testFactory(t)
	seen := make(map[Identifier]struct{}, 200000)
	for i := 0; i < 200000; i++ {
		id := f.Next()
		_, dup := seen[id]
		require.False(t, dup, "duplicate identifier after %d draws", i)
		seen[id] = struct{}{}
	}
}

func TestIdentifierTokenRoundTrip(t *testing.T) {
	for _, id := range []Identifier{1, 42, math.MaxUint32, math.MaxUint32 + 1, math.MaxUint64} {
		back, ok := IdentifierFromToken(id.Token())
		require.True(t, ok)
		assert.Equal(t, id, back)
	}

	_, ok := IdentifierFromToken(listenerToken)
	assert.False(t, ok)
}

func TestIdentifierString(t *testing.T) {
	assert.Equal(t, "000000000000002a", Identifier(42).String())
	assert.Equal(t, "ffffffffffffffff", Identifier(math.MaxUint64).String())
}
