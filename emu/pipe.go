package emu

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/c35s/gfpipe/wire"
)

// hostPipe is the host's state for one pipe.
type hostPipe struct {
	id  uint32
	cmd wire.CommandView

	name   []byte // service name, until it's complete
	ep     Endpoint
	failed bool

	wantRead  bool
	wantWrite bool

	dma *wire.DMAParams
}

// doorbell runs the command in the buffer of the pipe with the given id.
// The status is left alone if the command can't be found.
func (h *Host) doorbell(id uint32) (closing []Endpoint, raise bool, err error) {
	hp, ok := h.pipes[id]
	if !ok {
		return nil, false, h.open(id)
	}

	c, err := hp.cmd.Get()
	if err != nil || c.ID != int32(id) {
		hp.cmd.SetStatus(wire.StatusInval)
		return nil, false, nil
	}

	var (
		status   int32
		consumed int32
	)

	switch c.Cmd {
	case wire.CmdOpen:
		status = wire.StatusInval

	case wire.CmdClose:
		delete(h.pipes, id)
		h.unqueue(id)

		if hp.ep != nil {
			closing = append(closing, hp.ep)
		}

	case wire.CmdPoll:
		status = h.poll(hp)

	case wire.CmdWrite:
		status, consumed = h.write(hp, c.Params.(*wire.RWParams))
		hp.cmd.SetConsumedSize(consumed)

	case wire.CmdRead:
		status, consumed = h.read(hp, c.Params.(*wire.RWParams))
		hp.cmd.SetConsumedSize(consumed)

	case wire.CmdWakeOnWrite:
		hp.wantWrite = true

	case wire.CmdWakeOnRead:
		hp.wantRead = true

	case wire.CmdWakeOnDoneIO:
		// nothing to do; transfers complete synchronously

	case wire.CmdDMAHostMap:
		hp.dma = c.Params.(*wire.DMAParams)
		h.maps++

	case wire.CmdDMAHostUnmap:
		hp.dma = nil
		h.unmaps++
	}

	hp.cmd.SetStatus(status)

	if c.Cmd != wire.CmdClose {
		raise = h.check(hp)
	}

	return closing, raise, nil
}

// open handles an open command, whose buffer is found through the open
// params rather than through the pipe.
func (h *Host) open(id uint32) error {
	ob, err := h.memAt(h.state.openBuffer, wire.SizeofOpenParams)
	if err != nil {
		return err
	}

	op := wire.OpenParamsView(ob).Get()
	if op.MaxBuffers < wire.MaxBuffersPerCommand {
		h.log.Warn("pipe open with small buffer capacity", "id", id, "max", op.MaxBuffers)
	}

	b, err := h.memAt(op.CommandBuffer, wire.SizeofCommand)
	if err != nil {
		return err
	}

	v := wire.CommandView(b)
	if v.Cmd() != wire.CmdOpen || v.ID() != int32(id) {
		v.SetStatus(wire.StatusInval)
		return nil
	}

	h.pipes[id] = &hostPipe{id: id, cmd: v}
	v.SetStatus(0)

	h.log.Debug("pipe opened on host", "id", id)

	return nil
}

func (h *Host) poll(hp *hostPipe) int32 {
	switch {
	case hp.failed:
		return wire.PollHup

	case hp.ep == nil:
		return wire.PollOut

	default:
		return int32(hp.ep.Poll())
	}
}

// write moves bytes from the guest, connecting the pipe to a service first
// if it isn't connected yet.
func (h *Host) write(hp *hostPipe, params *wire.RWParams) (status, consumed int32) {
	if hp.failed {
		return wire.StatusIO, 0
	}

	var n int
	for _, b := range params.Buffers {
		p, err := h.memAt(b.Addr, int(b.Size))
		if err != nil {
			return wire.StatusInval, int32(n)
		}

		for len(p) > 0 {
			if hp.ep == nil {
				m, err := h.connect(hp, p)
				n += m
				p = p[m:]

				if err != nil {
					h.log.Warn("pipe service connection failed", "id", hp.id, "err", err)
					h.fail(hp)
					return wire.StatusIO, 0
				}

				continue
			}

			m, err := hp.ep.Send(p)
			n += m

			if err != nil {
				h.fail(hp)
				return result(n, wire.StatusIO)
			}

			if m < len(p) {
				return result(n, wire.StatusAgain)
			}

			p = p[m:]
		}
	}

	return result(n, wire.StatusAgain)
}

// read moves bytes to the guest.
func (h *Host) read(hp *hostPipe, params *wire.RWParams) (status, consumed int32) {
	if hp.failed || hp.ep == nil {
		return wire.StatusIO, 0
	}

	var n int
	for _, b := range params.Buffers {
		p, err := h.memAt(b.Addr, int(b.Size))
		if err != nil {
			return wire.StatusInval, int32(n)
		}

		for len(p) > 0 {
			m, err := hp.ep.Recv(p)
			n += m

			if errors.Is(err, io.EOF) {
				return int32(n), int32(n)
			}

			if err != nil {
				h.fail(hp)
				return result(n, wire.StatusIO)
			}

			if m == 0 {
				return result(n, wire.StatusAgain)
			}

			p = p[m:]
		}
	}

	return result(n, wire.StatusAgain)
}

// connect consumes service name bytes from p. Once the name is complete the
// pipe is connected to the named service.
func (h *Host) connect(hp *hostPipe, p []byte) (int, error) {
	i := bytes.IndexByte(p, 0)
	if i < 0 {
		hp.name = append(hp.name, p...)
		if len(hp.name) > MaxServiceName+len("pipe:") {
			return len(p), errors.New("service name is too long")
		}

		return len(p), nil
	}

	name := strings.TrimPrefix(string(append(hp.name, p[:i]...)), "pipe:")
	hp.name = nil

	svc, ok := h.services[name]
	if !ok {
		return i + 1, errors.New("unknown service " + name)
	}

	ep, err := svc.Connect(func() { h.ready(hp) })
	if err != nil {
		return i + 1, err
	}

	hp.ep = ep
	h.log.Debug("pipe connected", "id", hp.id, "service", name)

	return i + 1, nil
}

// fail marks the pipe as broken and tells the guest the host closed it.
func (h *Host) fail(hp *hostPipe) {
	if hp.failed {
		return
	}

	hp.failed = true
	h.queue(hp.id, wire.WakeClosed)
}

// check queues a signal for the directions the guest is waiting on that are
// now ready. It reports whether anything new is pending.
func (h *Host) check(hp *hostPipe) bool {
	if hp.failed {
		// fail has already queued the closure
		return h.pendingFor(hp.id)
	}

	ready := uint32(wire.PollOut)
	if hp.ep != nil {
		ready = hp.ep.Poll()
	}

	var flags uint32
	if hp.wantRead && ready&(wire.PollIn|wire.PollHup) != 0 {
		hp.wantRead = false
		flags |= wire.WakeRead
	}

	if hp.wantWrite && ready&wire.PollOut != 0 {
		hp.wantWrite = false
		flags |= wire.WakeWrite
	}

	if flags == 0 {
		return false
	}

	h.queue(hp.id, flags)

	return true
}

// ready is called by a pipe's endpoint when its readiness may have changed.
func (h *Host) ready(hp *hostPipe) {
	h.mu.Lock()
	raise := h.pipes[hp.id] == hp && h.check(hp)
	h.mu.Unlock()

	if raise {
		h.raise()
	}
}

func (h *Host) pendingFor(id uint32) bool {
	for _, s := range h.pending {
		if s.ID == id {
			return true
		}
	}

	return false
}

// result reports n bytes moved if there are any, or else the error status.
func result(n int, status int32) (int32, int32) {
	if n > 0 {
		return int32(n), int32(n)
	}

	return status, 0
}
