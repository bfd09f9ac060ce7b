package pipe_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c35s/gfpipe/mem"
	"github.com/c35s/gfpipe/pipe"
	"github.com/c35s/gfpipe/wire"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// fakeHost is a scripted pipe device host. Commands go to handle, which runs
// without the host's lock held so that it can block or signal.
type fakeHost struct {
	t     *testing.T
	arena *mem.Arena

	mu        sync.Mutex
	version   uint32
	writes    []regWrite
	sigBuf    uint64
	sigCount  uint32
	openBuf   uint64
	cmdBufs   map[uint32]uint64
	calls     []wire.Command
	pending   []wire.SignalledPipe
	overcount uint32
	handle    func(c *call) (status, consumed int32)
	raise     func()
}

type regWrite struct {
	Off int
	V   uint32
}

// call is a command as seen by the host.
type call struct {
	*wire.Command
	h *fakeHost
}

func newFakeHost(t *testing.T, arena *mem.Arena) *fakeHost {
	return &fakeHost{
		t:       t,
		arena:   arena,
		version: wire.DeviceVersion,
		cmdBufs: make(map[uint32]uint64),
	}
}

func (h *fakeHost) ReadUint32(off int) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch off {
	case wire.RegVersion:
		return h.version

	case wire.RegGetSignalled:
		return h.drainLocked()

	default:
		h.t.Errorf("read of register %d", off)
		return 0
	}
}

func (h *fakeHost) WriteUint32(off int, v uint32) {
	if off == wire.RegCmd {
		h.doorbell(v)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.writes = append(h.writes, regWrite{off, v})

	switch off {
	case wire.RegSignalBufferHigh:
		h.sigBuf = uint64(v)<<32 | h.sigBuf&0xffffffff

	case wire.RegSignalBuffer:
		h.sigBuf = h.sigBuf&^0xffffffff | uint64(v)

	case wire.RegSignalBufferCount:
		h.sigCount = v

	case wire.RegOpenBufferHigh:
		h.openBuf = uint64(v)<<32 | h.openBuf&0xffffffff

	case wire.RegOpenBuffer:
		h.openBuf = h.openBuf&^0xffffffff | uint64(v)
	}
}

func (h *fakeHost) doorbell(id uint32) {
	h.mu.Lock()

	addr, ok := h.cmdBufs[id]
	if !ok {
		b, err := h.arena.MemAt(h.openBuf, wire.SizeofOpenParams)
		if err != nil {
			h.mu.Unlock()
			h.t.Error(err)
			return
		}

		addr = wire.OpenParamsView(b).Get().CommandBuffer
		h.cmdBufs[id] = addr
	}

	handle := h.handle
	h.mu.Unlock()

	b, err := h.arena.MemAt(addr, wire.SizeofCommand)
	if err != nil {
		h.t.Error(err)
		return
	}

	v := wire.CommandView(b)
	c, err := v.Get()
	if err != nil {
		h.t.Error(err)
		return
	}

	h.mu.Lock()
	h.calls = append(h.calls, *c)
	if c.Cmd == wire.CmdClose {
		delete(h.cmdBufs, id)
	}

	h.mu.Unlock()

	var status, consumed int32
	if handle != nil {
		status, consumed = handle(&call{Command: c, h: h})
	}

	if c.Cmd == wire.CmdOpen && status < 0 {
		h.mu.Lock()
		delete(h.cmdBufs, id)
		h.mu.Unlock()
	}

	v.SetStatus(status)
	if c.Cmd == wire.CmdRead || c.Cmd == wire.CmdWrite {
		v.SetConsumedSize(consumed)
	}
}

// signal queues a signalled pipe entry and raises the interrupt.
func (h *fakeHost) signal(id int, flags uint32) {
	h.mu.Lock()
	h.pending = append(h.pending, wire.SignalledPipe{ID: uint32(id), Flags: flags})
	raise := h.raise
	h.mu.Unlock()

	if raise != nil {
		raise()
	}
}

func (h *fakeHost) drainLocked() uint32 {
	n := min(uint32(len(h.pending)), h.sigCount)
	if n == 0 {
		return 0
	}

	b, err := h.arena.MemAt(h.sigBuf, int(n)*wire.SizeofSignalledPipe)
	if err != nil {
		h.t.Error(err)
		return 0
	}

	sv := wire.SignalBufferView(b)
	for i := range int(n) {
		sv.PutEntry(i, h.pending[i])
	}

	h.pending = h.pending[n:]

	if h.overcount > 0 {
		n, h.overcount = h.overcount, 0
	}

	return n
}

// cmds returns the commands the host has seen, in order.
func (h *fakeHost) cmds() []wire.Cmd {
	h.mu.Lock()
	defer h.mu.Unlock()

	cc := make([]wire.Cmd, len(h.calls))
	for i, c := range h.calls {
		cc[i] = c.Cmd
	}

	return cc
}

func (h *fakeHost) setHandler(f func(c *call) (status, consumed int32)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handle = f
}

// gather returns the bytes of a write.
func (c *call) gather() []byte {
	var out []byte
	for _, b := range c.Params.(*wire.RWParams).Buffers {
		p, err := c.h.arena.MemAt(b.Addr, int(b.Size))
		if err != nil {
			c.h.t.Error(err)
			return nil
		}

		out = append(out, p...)
	}

	return out
}

// scatter copies p into the buffers of a read.
func (c *call) scatter(p []byte) int {
	var n int
	for _, b := range c.Params.(*wire.RWParams).Buffers {
		q, err := c.h.arena.MemAt(b.Addr, int(b.Size))
		if err != nil {
			c.h.t.Error(err)
			return n
		}

		n += copy(q, p[n:])
	}

	return n
}

// size returns the total size of a transfer's buffers.
func (c *call) size() int {
	var n int
	for _, b := range c.Params.(*wire.RWParams).Buffers {
		n += int(b.Size)
	}

	return n
}

type testDevice struct {
	*pipe.Device
	host  *fakeHost
	arena *mem.Arena
	as    *mem.AddressSpace
	reg   *prometheus.Registry
}

func newTestDevice(t *testing.T, cfg pipe.Config) *testDevice {
	t.Helper()

	arena, err := mem.NewArena(mem.ArenaConfig{Size: 4 << 20})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { arena.Close() })

	h := newFakeHost(t, arena)
	reg := prometheus.NewRegistry()

	cfg.Regs = h
	cfg.Memory = arena
	cfg.Registerer = reg

	d, err := pipe.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	h.raise = d.Raise

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)

	go func() { done <- d.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("run: %v", err)
		}

		d.Close()
	})

	return &testDevice{
		Device: d,
		host:   h,
		arena:  arena,
		as:     mem.NewAddressSpace(arena),
		reg:    reg,
	}
}

func (td *testDevice) open(t *testing.T, flags pipe.OpenFlags) *pipe.Pipe {
	t.Helper()

	p, err := td.Open(context.Background(), flags)
	if err != nil {
		t.Fatal(err)
	}

	return p
}

// alloc allocates user memory holding data, or size zeroed bytes if data
// is nil.
func (td *testDevice) alloc(t *testing.T, size int, data []byte) uint64 {
	t.Helper()

	addr, err := td.as.Alloc(size)
	if err != nil {
		t.Fatal(err)
	}

	if data != nil {
		if _, err := td.as.WriteAt(data, int64(addr)); err != nil {
			t.Fatal(err)
		}
	}

	return addr
}

// metric returns the value of the named unlabeled counter or gauge.
func (td *testDevice) metric(t *testing.T, name string) float64 {
	t.Helper()

	mfs, err := td.reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}

		return value(mf.GetMetric()[0])
	}

	return 0
}

func value(m *dto.Metric) float64 {
	if c := m.GetCounter(); c != nil {
		return c.GetValue()
	}

	return m.GetGauge().GetValue()
}

// eventually polls cond until it's true or a second has passed.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}

		time.Sleep(time.Millisecond)
	}
}
