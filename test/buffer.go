package test

import (
	"testing"

	"github.com/slackhq/gdma/hal"
	"github.com/stretchr/testify/assert"
)

const (
	guardSize = 64
	guardByte = 0xa5
)

// Pattern returns an aligned buffer of n bytes filled with a sequence that
// does not repeat every 256 bytes, so misplaced segments are noticed.
func Pattern(n, alignment int, seed byte) []byte {
	b := hal.Alloc(n, alignment)
	for i := range b {
		b[i] = byte(i) ^ byte(i>>8)*7 ^ seed
	}
	return b
}

// Guarded is an aligned buffer followed by guard bytes that must never be
// written.
type Guarded struct {
	Buf   []byte
	whole []byte
}

// NewGuarded allocates a guarded buffer of n bytes.
func NewGuarded(n, alignment int) *Guarded {
	whole := hal.Alloc(n+guardSize, alignment)
	for i := n; i < len(whole); i++ {
		whole[i] = guardByte
	}
	return &Guarded{
		Buf:   whole[:n:n],
		whole: whole,
	}
}

// AssertIntact checks that nothing was written past the buffer.
func (g *Guarded) AssertIntact(t *testing.T) bool {
	t.Helper()
	for i := len(g.Buf); i < len(g.whole); i++ {
		if g.whole[i] != guardByte {
			return assert.Fail(t, "buffer overrun", "guard byte %d was overwritten with %#x", i-len(g.Buf), g.whole[i])
		}
	}
	return true
}
