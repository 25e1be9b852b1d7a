package gdma

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/slackhq/gdma/hal"
	"github.com/slackhq/gdma/peripheral"
	"github.com/slackhq/gdma/util"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/sync/errgroup"
)

// SelfTest moves every configured size through a unit running the configured
// program and checks the result against the program run in software.
func (c *Control) SelfTest(ctx context.Context) error {
	unit := c.soc.NewUnit("selftest", c.st.program)
	p, err := Create(c.l, c.soc, c.soc.Memory(), unit, c.cfg)
	if err != nil {
		return util.NewContextualError("Failed to create the self test channel pair", nil, err)
	}
	defer c.free(p)

	for i, size := range c.st.sizes {
		if err := c.roundTrip(ctx, p.Run, c.st.program, size, byte(i)); err != nil {
			return err
		}
	}
	return nil
}

// TimeoutProbe checks that a unit that never finishes times out and that the
// pair works again once the unit behaves.
func (c *Control) TimeoutProbe(ctx context.Context) error {
	unit := c.soc.NewUnit("probe", peripheral.Stuck)
	p, err := Create(c.l, c.soc, c.soc.Memory(), unit, c.cfg)
	if err != nil {
		return util.NewContextualError("Failed to create the probe channel pair", nil, err)
	}
	defer c.free(p)

	size := min(32, c.cfg.MaxTransferBytes)
	alignment := c.soc.Memory().Alignment()
	_, err = p.Run(ctx, hal.Alloc(size, alignment), hal.Alloc(size, alignment))
	if !errors.Is(err, ErrTimeout) {
		return util.NewContextualError("Stuck unit did not time out", map[string]any{"result": err}, ErrFail)
	}

	unit.Load(peripheral.Identity)
	return c.roundTrip(ctx, p.Run, peripheral.Identity, size, 0x5a)
}

// SharedCrypto runs hash and cipher frames concurrently over one shared pair.
func (c *Control) SharedCrypto(ctx context.Context) error {
	key := make([]byte, chacha20.KeySize)
	nonce := make([]byte, chacha20.NonceSize)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	cipher, err := peripheral.Cipher(key, nonce)
	if err != nil {
		return err
	}

	s, err := NewShared(c.l, c.soc, c.soc.Memory(), c.cfg)
	if err != nil {
		return util.NewContextualError("Failed to create the shared crypto pair", nil, err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			c.l.WithError(err).Error("Failed to close the shared crypto pair")
		}
	}()

	hashUnit := c.soc.NewUnit("hash", peripheral.Hash)
	cipherUnit := c.soc.NewUnit("cipher", cipher)
	size := c.st.sizes[len(c.st.sizes)-1]

	g, ctx := errgroup.WithContext(ctx)
	for i := range c.st.iterations {
		g.Go(func() error {
			run := func(ctx context.Context, in, out []byte) (int, error) {
				return s.Run(ctx, hashUnit, in, out)
			}
			return c.roundTrip(ctx, run, peripheral.Hash, size, byte(i))
		})
		g.Go(func() error {
			run := func(ctx context.Context, in, out []byte) (int, error) {
				return s.Run(ctx, cipherUnit, in, out)
			}
			return c.roundTrip(ctx, run, cipher, size, byte(i)+0x80)
		})
	}
	return g.Wait()
}

// Soak runs the self test on several pairs at the same time.
func (c *Control) Soak(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for w := range c.st.workers {
		g.Go(func() error {
			unit := c.soc.NewUnit(fmt.Sprintf("soak-%d", w), c.st.program)
			p, err := Create(c.l, c.soc, c.soc.Memory(), unit, c.cfg)
			if err != nil {
				return util.NewContextualError("Failed to create a soak channel pair", map[string]any{"worker": w}, err)
			}
			defer c.free(p)

			for i := range c.st.iterations {
				for _, size := range c.st.sizes {
					if err := c.roundTrip(ctx, p.Run, c.st.program, size, byte(w*31+i)); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

type runFunc func(ctx context.Context, in, out []byte) (int, error)

// roundTrip moves size bytes through run and compares the result with what
// program produces for the same input.
func (c *Control) roundTrip(ctx context.Context, run runFunc, program peripheral.Transform, size int, seed byte) error {
	alignment := c.soc.Memory().Alignment()
	in := hal.Alloc(size, alignment)
	for i := range in {
		in[i] = byte(i) ^ byte(i>>8)*7 ^ seed
	}

	want, ok := program(in)
	if !ok {
		return util.NewContextualError("Program never completes a frame", map[string]any{"size": size}, ErrInvalidArg)
	}
	out := hal.Alloc(len(want), alignment)

	n, err := run(ctx, in, out)
	if err != nil {
		return util.NewContextualError("Transfer failed", map[string]any{"size": size}, err)
	}
	if n != len(want) || !bytes.Equal(out[:n], want) {
		return util.NewContextualError("Transfer returned wrong data",
			map[string]any{"size": size, "written": n, "expected": len(want)}, ErrFail)
	}
	return nil
}

func (c *Control) free(p *Pair) {
	if err := p.Free(); err != nil {
		c.l.WithError(err).Error("Failed to free channel pair")
	}
}
