package gdma

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/slackhq/gdma/descriptor"
	"github.com/slackhq/gdma/hal"
	"github.com/slackhq/gdma/peripheral"
	"github.com/slackhq/gdma/sim"
	"github.com/slackhq/gdma/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTripSizes covers every small size, both sides of every segment
// boundary and a sweep across the whole range up to limit.
func roundTripSizes(limit, segment int) []int {
	seen := map[int]bool{}
	var sizes []int
	add := func(n int) {
		if n >= 1 && n <= limit && !seen[n] {
			seen[n] = true
			sizes = append(sizes, n)
		}
	}

	for n := 1; n <= 128; n++ {
		add(n)
	}
	for b := segment; b <= limit+segment; b += segment {
		for d := -2; d <= 2; d++ {
			add(b + d)
		}
	}
	for n := 1; n <= limit; n += 509 {
		add(n)
	}
	for d := 0; d < 4; d++ {
		add(limit - d)
	}
	return sizes
}

func TestRun_RoundTripIdentity(t *testing.T) {
	soc := newTestSoC(t, sim.Options{Pairs: 1})
	cfg := testPairConfig()
	p, _ := newTestPair(t, soc, peripheral.Identity, cfg)
	mem := soc.Memory().(*sim.WriteBack)

	sizes := roundTripSizes(cfg.MaxTransferBytes, p.segment)
	for i, n := range sizes {
		in := test.Pattern(n, mem.Alignment(), byte(i))
		out := test.NewGuarded(n, mem.Alignment())

		written, err := p.Run(context.Background(), in, out.Buf)
		require.NoError(t, err, "size %d", n)
		require.Equal(t, n, written, "size %d", n)
		require.Equal(t, in, out.Buf, "size %d", n)
		out.AssertIntact(t)
	}

	// Only descriptor memory and lines shared with neighbouring memory are
	// left in the device view.
	assert.Less(t, mem.Lines(), 2*len(sizes)+100)
	assert.EqualValues(t, len(sizes), count(cfg, "gdma.transfers"))
	assert.EqualValues(t, 0, count(cfg, "gdma.rx.missing_eof"))
	assert.EqualValues(t, 0, count(cfg, "gdma.rx.truncated"))
}

func TestRun_SmallTransfer(t *testing.T) {
	soc := newTestSoC(t, sim.Options{Pairs: 1})
	p, unit := newTestPair(t, soc, peripheral.Identity, testPairConfig())

	in := test.Pattern(32, 4, 1)
	out := aligned(t, 32, soc.Memory())
	n, err := p.Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Equal(t, 32, n)
	assert.Equal(t, in, out)

	tx, rx := simChannels(p)
	assert.EqualValues(t, 1, tx.Starts())
	assert.EqualValues(t, 1, rx.Starts())
	assert.EqualValues(t, 1, unit.Starts())
}

func TestRun_MultiDescriptorTransfer(t *testing.T) {
	soc := newTestSoC(t, sim.Options{Pairs: 1})
	p, _ := newTestPair(t, soc, peripheral.Identity, testPairConfig())

	in := test.Pattern(0x4000, 4, 2)
	out := aligned(t, 0x4000, soc.Memory())
	n, err := p.Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Equal(t, 0x4000, n)
	assert.Equal(t, in, out)

	// 0x4000 bytes take five 4092 byte segments, the last one ending the
	// chain.
	want := descriptor.Count(0x4000, p.segment)
	assert.Equal(t, 5, want)
	for i := range want - 1 {
		assert.NotZero(t, p.txChain.At(i).Next())
	}
	assert.Zero(t, p.txChain.At(want-1).Next())
	assert.True(t, p.txChain.At(want-1).SucEOF())
}

func TestRun_Programs(t *testing.T) {
	key := []byte{0xde, 0xad, 0xbe, 0xef}
	tests := []struct {
		name    string
		program peripheral.Transform
	}{
		{"invert", peripheral.Invert},
		{"bitreverse", peripheral.BitReverse},
		{"xor", peripheral.XOR(key)},
		{"hash", peripheral.Hash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			soc := newTestSoC(t, sim.Options{Pairs: 1})
			p, _ := newTestPair(t, soc, tt.program, testPairConfig())

			in := test.Pattern(5000, 4, 3)
			want, _ := tt.program(in)
			out := aligned(t, len(want), soc.Memory())

			n, err := p.Run(context.Background(), in, out)
			require.NoError(t, err)
			assert.Equal(t, len(want), n)
			assert.Equal(t, want, out)
		})
	}
}

func TestRun_CoherentMemory(t *testing.T) {
	mem, err := sim.NewCoherent(16)
	require.NoError(t, err)
	soc := newTestSoC(t, sim.Options{Pairs: 1, Memory: mem})
	p, _ := newTestPair(t, soc, peripheral.Identity, testPairConfig())
	assert.Equal(t, descriptor.MaxSegmentSize(16), p.segment)

	in := test.Pattern(9000, 16, 4)
	out := aligned(t, 9000, mem)
	n, err := p.Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Equal(t, 9000, n)
	assert.Equal(t, in, out)
	assert.EqualValues(t, 5, mem.Syncs(), "three flushes and two invalidates")
}

func TestRun_RejectsInvalidBuffersWithoutTouchingHardware(t *testing.T) {
	soc := newTestSoC(t, sim.Options{Pairs: 1})
	cfg := testPairConfig()
	p, unit := newTestPair(t, soc, peripheral.Identity, cfg)
	mem := soc.Memory()

	ok := aligned(t, 64, mem)
	tests := []struct {
		name    string
		in, out []byte
	}{
		{"empty input", aligned(t, 0, mem), ok},
		{"nil output", ok, nil},
		{"oversized input", aligned(t, cfg.MaxTransferBytes+1, mem), ok},
		{"oversized output", ok, aligned(t, cfg.MaxTransferBytes+1, mem)},
		{"misaligned input", aligned(t, 65, mem)[1:], ok},
		{"misaligned output", ok, aligned(t, 66, mem)[2:]},
	}

	before := snapshot(p, unit, soc.Memory())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := p.Run(context.Background(), tt.in, tt.out)
			assert.ErrorIs(t, err, ErrInvalidArg)
			assert.Equal(t, StatusInvalidArg, StatusOf(err))
			assert.Zero(t, n)
		})
	}

	assert.Equal(t, before, snapshot(p, unit, soc.Memory()))
	assert.EqualValues(t, len(tests), count(cfg, "gdma.rejected"))

	// The largest allowed size still works.
	in := test.Pattern(cfg.MaxTransferBytes, mem.Alignment(), 5)
	out := aligned(t, cfg.MaxTransferBytes, mem)
	n, err := p.Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Equal(t, cfg.MaxTransferBytes, n)
}

func TestRun_TimeoutAndRecovery(t *testing.T) {
	soc := newTestSoC(t, sim.Options{Pairs: 1})
	cfg := testPairConfig()
	p, unit := newTestPair(t, soc, peripheral.Stuck, cfg)
	mem := soc.Memory()

	in := test.Pattern(32, 4, 6)
	out := aligned(t, 32, mem)
	timeout := transferTimeout(32, 32, cfg.MinThroughput, cfg.BaseMargin)
	start := time.Now()
	n, err := p.Run(context.Background(), in, out)
	elapsed := time.Since(start)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StatusTimeout, StatusOf(err))
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+250*time.Millisecond)
	assert.EqualValues(t, 1, count(cfg, "gdma.timeouts"))

	// The pair was reset on the way out.
	tx, rx := simChannels(p)
	assert.EqualValues(t, 2, tx.Resets())
	assert.EqualValues(t, 2, rx.Resets())
	assert.EqualValues(t, 2, unit.Resets())

	unit.Load(peripheral.Identity)
	n, err = p.Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Equal(t, 32, n)
	assert.Equal(t, in, out)
}

func TestRun_LateFrameIsDropped(t *testing.T) {
	soc := newTestSoC(t, sim.Options{Pairs: 1})
	cfg := testPairConfig()
	cfg.BaseMargin = 5 * time.Millisecond

	release := make(chan struct{})
	slow := func(in []byte) ([]byte, bool) {
		<-release
		return peripheral.Invert(in)
	}
	p, unit := newTestPair(t, soc, slow, cfg)
	mem := soc.Memory()

	first := test.Pattern(64, 4, 7)
	firstOut := aligned(t, 64, mem)
	_, err := p.Run(context.Background(), first, firstOut)
	require.ErrorIs(t, err, ErrTimeout)

	// The abandoned frame finishes after the reset and must neither write
	// nor signal anything.
	unit.Load(peripheral.Identity)
	close(release)
	soc.Wait()

	second := test.Pattern(64, 4, 8)
	out := aligned(t, 64, mem)
	n, err := p.Run(context.Background(), second, out)
	require.NoError(t, err)
	assert.Equal(t, 64, n)
	assert.Equal(t, second, out)

	require.NoError(t, mem.Sync(addrOf(firstOut), len(firstOut), hal.SyncFromDevice))
	assert.Equal(t, make([]byte, 64), firstOut)
	assert.EqualValues(t, 0, count(cfg, "gdma.completion.double_give"))
}

func TestRun_ContextCancelled(t *testing.T) {
	soc := newTestSoC(t, sim.Options{Pairs: 1})
	cfg := testPairConfig()
	cfg.BaseMargin = time.Minute
	p, unit := newTestPair(t, soc, peripheral.Stuck, cfg)
	mem := soc.Memory()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	in := test.Pattern(32, 4, 9)
	out := aligned(t, 32, mem)
	_, err := p.Run(ctx, in, out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 0, count(cfg, "gdma.timeouts"))

	unit.Load(peripheral.Identity)
	n, err := p.Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Equal(t, 32, n)
}

func TestRun_TruncatesUndersizedOutput(t *testing.T) {
	soc := newTestSoC(t, sim.Options{Pairs: 1})
	cfg := testPairConfig()
	p, _ := newTestPair(t, soc, peripheral.Identity, cfg)

	for _, tt := range []struct{ in, out int }{{100, 40}, {9000, 4100}, {0x4000, 4}} {
		in := test.Pattern(tt.in, 4, 10)
		out := test.NewGuarded(tt.out, 4)

		n, err := p.Run(context.Background(), in, out.Buf)
		require.NoError(t, err)
		assert.Equal(t, tt.out, n)
		assert.Equal(t, in[:tt.out], out.Buf)
		out.AssertIntact(t)
	}
	assert.EqualValues(t, 3, count(cfg, "gdma.rx.truncated"))
}

func TestRun_MissingEndOfFrame(t *testing.T) {
	soc := newTestSoC(t, sim.Options{Pairs: 1})
	cfg := testPairConfig()
	p, unit := newTestPair(t, soc, peripheral.Truncate(peripheral.Identity, 8), cfg)
	unit.OmitEOF(true)

	// The output spans three descriptors, only the first one is written.
	in := test.Pattern(32, 4, 11)
	out := aligned(t, 9000, soc.Memory())
	n, err := p.Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, in[:8], out[:8])
	assert.Equal(t, 3, descriptor.Count(len(out), p.segment))
	assert.EqualValues(t, 1, count(cfg, "gdma.rx.missing_eof"))
	assert.EqualValues(t, 0, count(cfg, "gdma.rx.truncated"))
}

func TestRun_WithoutAutoUpdateOnlyTheHeadDescriptorIsUsed(t *testing.T) {
	soc := newTestSoC(t, sim.Options{Pairs: 1})
	cfg := testPairConfig()
	cfg.Strategy.AutoUpdateDescriptors = false
	p, _ := newTestPair(t, soc, peripheral.Identity, cfg)
	mem := soc.Memory()

	in := test.Pattern(32, 4, 12)
	out := aligned(t, 32, mem)
	n, err := p.Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Equal(t, 32, n)

	in = test.Pattern(5000, 4, 13)
	_, err = p.Run(context.Background(), in, aligned(t, 5000, mem))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRun_Serialized(t *testing.T) {
	soc := newTestSoC(t, sim.Options{Pairs: 1, Latency: time.Millisecond})
	p, _ := newTestPair(t, soc, peripheral.Invert, testPairConfig())

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 10 {
				in := test.Pattern(1000+i*100+j, 4, byte(i))
				want, _ := peripheral.Invert(in)
				out := hal.Alloc(len(in), 4)

				n, err := p.Run(context.Background(), in, out)
				if assert.NoError(t, err) {
					assert.Equal(t, len(in), n)
					assert.Equal(t, want, out)
				}
			}
		}()
	}
	wg.Wait()
}

func TestValidateBuffers_Context(t *testing.T) {
	err := validateBuffers(16, 4, hal.Alloc(17, 4), hal.Alloc(4, 4))
	assert.EqualError(t, err, "Input buffer exceeds the maximum transfer size (map[in:17 max:16 out:4]): gdma: invalid argument")
}

// stackRoundTrip runs a transfer on arrays that would live on the goroutine
// stack, depth frames below the caller so the stack has grown by then.
//
//go:noinline
func stackRoundTrip(p *Pair, seed byte, depth int) (bool, error) {
	if depth > 0 {
		var pad [256]byte
		pad[depth%len(pad)] = seed
		ok, err := stackRoundTrip(p, seed, depth-1)
		return ok && pad[depth%len(pad)] == seed, err
	}

	var in, out [64]byte
	for i := range in {
		in[i] = byte(i) ^ seed
	}
	n, err := p.Run(context.Background(), in[:], out[:])
	return n == len(in) && in == out, err
}

func TestRun_BuffersDoNotMoveDuringATransfer(t *testing.T) {
	mem, err := sim.NewCoherent(1)
	require.NoError(t, err)
	soc := newTestSoC(t, sim.Options{Pairs: 1, Memory: mem, Latency: 30 * time.Millisecond})
	cfg := testPairConfig()
	cfg.BaseMargin = 5 * time.Second
	p, _ := newTestPair(t, soc, peripheral.Identity, cfg)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				runtime.GC()
			}
		}
	}()

	for i := range 3 {
		ok, err := stackRoundTrip(p, byte(i), 64)
		if !assert.NoError(t, err) || !assert.True(t, ok, "round %d", i) {
			break
		}
	}
	close(stop)
	wg.Wait()
}

func TestRun_DeviceViewStaysBounded(t *testing.T) {
	soc := newTestSoC(t, sim.Options{Pairs: 1})
	p, _ := newTestPair(t, soc, peripheral.Identity, testPairConfig())
	mem := soc.Memory().(*sim.WriteBack)

	for i := range 50 {
		in := test.Pattern(0x4000, 4, byte(i))
		out := aligned(t, 0x4000, mem)
		n, err := p.Run(context.Background(), in, out)
		require.NoError(t, err)
		require.Equal(t, 0x4000, n)
	}

	// Everything left belongs to the two descriptor chains.
	assert.LessOrEqual(t, mem.Lines(), 2*p.txChain.ByteSize(p.txChain.Cap())/mem.Alignment()+2)
}
