package pipe

import (
	"context"
	"sync/atomic"

	"github.com/c35s/gfpipe/wire"
	"golang.org/x/sys/unix"
)

// Pipe is an open channel to a host service.
type Pipe struct {
	dev *Device
	id  int32

	// flags holds the pipe's wake bits
	flags atomic.Uint32

	// lock is held while a command is in flight; it's a channel so that
	// waiting for it can be interrupted
	lock chan struct{}

	// command buffer, shared with the host
	cmdAddr uint64
	cmd     wire.CommandView
	bufs    []wire.Buffer

	wq       waitQueue
	dma      *dmaRegion
	nonblock atomic.Bool
	closed   atomic.Bool
}

// pipe wake bits
const (
	flagClosedOnHost = 1 << 0
	flagWakeOnWrite  = 1 << 1
	flagWakeOnRead   = 1 << 2
)

// OpenFlags configure a new pipe.
type OpenFlags struct {

	// Nonblock makes transfers fail with unix.EAGAIN instead of waiting
	// for the host.
	Nonblock bool
}

// PollMask is the readiness of a pipe.
type PollMask uint32

const (
	PollIn PollMask = 1 << iota
	PollOut
	PollHup
	PollErr
)

// Open opens a new pipe. The pipe isn't connected to a service until the
// first bytes written to it name one.
func (d *Device) Open(ctx context.Context, flags OpenFlags) (*Pipe, error) {
	if err := ctx.Err(); err != nil {
		return nil, restartError(ctx)
	}

	addr, err := d.mem.AllocPage()
	if err != nil {
		return nil, unix.ENOMEM
	}

	page, err := d.mem.MemAt(addr, wire.PageSize)
	if err != nil {
		d.mem.FreePage(addr)
		return nil, err
	}

	p := &Pipe{
		dev:     d,
		lock:    make(chan struct{}, 1),
		cmdAddr: addr,
		cmd:     wire.CommandView(page[:wire.SizeofCommand]),
		bufs:    make([]wire.Buffer, 0, wire.MaxBuffersPerCommand),
	}

	p.nonblock.Store(flags.Nonblock)

	// The open params live in a device-wide buffer, so the id allocation, the
	// params and the command have to happen under one hold of the device lock.
	d.mu.Lock()

	if d.detached {
		d.mu.Unlock()
		d.mem.FreePage(addr)
		return nil, ErrClosed
	}

	id, err := d.reg.alloc(p)
	if err != nil {
		d.mu.Unlock()
		d.mem.FreePage(addr)
		return nil, err
	}

	p.id = id
	d.open.Put(wire.OpenParams{
		CommandBuffer: addr,
		MaxBuffers:    wire.MaxBuffersPerCommand,
	})

	status := p.commandLocked(wire.CmdOpen, nil)
	if status < 0 {
		d.reg.unlink(id)
		d.reg.release(id)
		d.mu.Unlock()
		d.mem.FreePage(addr)
		return nil, statusError(status)
	}

	d.mu.Unlock()

	d.metrics.pipes.Inc()
	d.log.Debug("pipe opened", "id", id)

	return p, nil
}

// ID returns the pipe's id, which is unique among open pipes.
func (p *Pipe) ID() int {
	return int(p.id)
}

// SetNonblock sets whether transfers wait for the host.
func (p *Pipe) SetNonblock(nonblock bool) {
	p.nonblock.Store(nonblock)
}

// Poll returns the pipe's readiness as reported by the host.
func (p *Pipe) Poll(ctx context.Context) (PollMask, error) {
	status, err := p.command(ctx, wire.CmdPoll, nil)
	if err != nil {
		return 0, err
	}

	if status < 0 {
		return 0, statusError(status)
	}

	var m PollMask
	if status&wire.PollIn != 0 {
		m |= PollIn
	}

	if status&wire.PollOut != 0 {
		m |= PollOut
	}

	if status&wire.PollHup != 0 {
		m |= PollHup
	}

	if p.flags.Load()&flagClosedOnHost != 0 {
		m |= PollErr
	}

	return m, nil
}

// Woken returns a channel that's closed the next time the pipe's waiters are
// woken. Callers should poll again after it's closed.
func (p *Pipe) Woken() <-chan struct{} {
	return p.wq.channel()
}

// ClosedOnHost reports whether the host has closed the pipe.
func (p *Pipe) ClosedOnHost() bool {
	return p.flags.Load()&flagClosedOnHost != 0
}

// Close closes the pipe and frees its resources. The host is told first, so
// that no signal for the pipe can arrive once it's gone from the registry.
// Transfers blocked on the pipe fail with ErrClosed.
func (p *Pipe) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	d := p.dev
	p.wq.wakeAll()

	p.lock <- struct{}{}
	p.releaseDMAHostLocked()
	if status := p.commandLocked(wire.CmdClose, nil); status < 0 {
		d.log.Debug("pipe close failed on host", "id", p.id, "status", status)
	}

	<-p.lock

	d.mu.Lock()
	d.reg.unlink(p.id)
	d.reg.release(p.id)
	d.mu.Unlock()

	p.releaseDMAGuest()
	d.mem.FreePage(p.cmdAddr)

	d.metrics.pipes.Dec()
	d.log.Debug("pipe closed", "id", p.id)

	return nil
}

// commandLocked runs cmd on the host and returns its status. The status is
// preset to invalid so that a host that ignores the doorbell fails the command.
// The caller must hold the pipe lock, or the device lock during open.
func (p *Pipe) commandLocked(cmd wire.Cmd, params wire.Params) int32 {
	c := wire.Command{
		Cmd:    cmd,
		ID:     p.id,
		Status: wire.StatusInval,
		Params: params,
	}

	if err := p.cmd.Put(&c); err != nil {
		panic(err)
	}

	p.dev.regs.WriteUint32(wire.RegCmd, uint32(p.id))

	status := p.cmd.Status()
	p.dev.metrics.command(cmd, status)

	return status
}

// command runs cmd with the pipe lock held.
func (p *Pipe) command(ctx context.Context, cmd wire.Cmd, params wire.Params) (int32, error) {
	if err := p.acquire(ctx); err != nil {
		return 0, err
	}

	defer p.release()
	return p.commandLocked(cmd, params), nil
}

// acquire takes the pipe lock. It fails if ctx is done first or if the pipe
// has been closed.
func (p *Pipe) acquire(ctx context.Context) error {
	select {
	case p.lock <- struct{}{}:
	case <-ctx.Done():
		return restartError(ctx)
	}

	if p.closed.Load() {
		<-p.lock
		return ErrClosed
	}

	return nil
}

func (p *Pipe) release() {
	<-p.lock
}
