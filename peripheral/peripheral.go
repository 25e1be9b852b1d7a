// Package peripheral contains the programs run by fixed-function units that
// sit between a TX and an RX DMA channel.
package peripheral

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"
)

// Transform turns one input frame into one output frame. ok is false for a
// unit that never finishes the frame, the hardware then never signals
// completion.
type Transform func(in []byte) (out []byte, ok bool)

// Identity returns the input untouched. It is the loopback program used to
// validate the transfer path.
func Identity(in []byte) ([]byte, bool) {
	out := make([]byte, len(in))
	copy(out, in)
	return out, true
}

// Invert flips every bit.
func Invert(in []byte) ([]byte, bool) {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = ^b
	}
	return out, true
}

// BitReverse reverses the bit order of every byte.
func BitReverse(in []byte) ([]byte, bool) {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = bits.Reverse8(b)
	}
	return out, true
}

// Stuck never completes a frame.
func Stuck([]byte) ([]byte, bool) {
	return nil, false
}

// XOR combines the input with a repeating key.
func XOR(key []byte) Transform {
	k := append([]byte(nil), key...)
	return func(in []byte) ([]byte, bool) {
		out := make([]byte, len(in))
		if len(k) == 0 {
			copy(out, in)
			return out, true
		}
		for i, b := range in {
			out[i] = b ^ k[i%len(k)]
		}
		return out, true
	}
}

// Truncate wraps t and keeps at most n bytes of its output.
func Truncate(t Transform, n int) Transform {
	return func(in []byte) ([]byte, bool) {
		out, ok := t(in)
		if ok && len(out) > n {
			out = out[:n]
		}
		return out, ok
	}
}

// Hash is a hash engine: every frame produces its BLAKE2b-256 digest.
func Hash(in []byte) ([]byte, bool) {
	sum := blake2b.Sum256(in)
	return sum[:], true
}

// Cipher is a cipher engine: every frame is XORed with a ChaCha20 key stream
// that restarts at counter 0 for each frame, so running a frame twice
// restores the plain text.
func Cipher(key, nonce []byte) (Transform, error) {
	if len(key) != chacha20.KeySize {
		return nil, fmt.Errorf("cipher key must be %d bytes, got %d", chacha20.KeySize, len(key))
	}
	if len(nonce) != chacha20.NonceSize && len(nonce) != chacha20.NonceSizeX {
		return nil, fmt.Errorf("cipher nonce must be %d or %d bytes, got %d",
			chacha20.NonceSize, chacha20.NonceSizeX, len(nonce))
	}

	k := append([]byte(nil), key...)
	n := append([]byte(nil), nonce...)
	return func(in []byte) ([]byte, bool) {
		c, err := chacha20.NewUnauthenticatedCipher(k, n)
		if err != nil {
			// Sizes were validated above.
			return nil, false
		}
		out := make([]byte, len(in))
		c.XORKeyStream(out, in)
		return out, true
	}, nil
}

var programs = map[string]Transform{
	"identity":   Identity,
	"invert":     Invert,
	"bitreverse": BitReverse,
	"stuck":      Stuck,
	"hash":       Hash,
}

// Lookup resolves a program by the name used in configuration files.
func Lookup(name string) (Transform, error) {
	t, ok := programs[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown program `%s`. possible programs: %s", name, Names())
	}
	return t, nil
}

// Names returns the names accepted by [Lookup].
func Names() []string {
	names := make([]string, 0, len(programs))
	for n := range programs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
