package pipe

import (
	"context"

	"github.com/c35s/gfpipe/wire"
	"golang.org/x/sys/unix"
)

// Read reads up to n bytes from the pipe into user memory at addr. It blocks
// until at least one byte is read, unless the pipe is non-blocking. It returns
// 0 and a nil error at end of stream.
func (p *Pipe) Read(ctx context.Context, um UserMemory, addr uint64, n int) (int, error) {
	return p.transfer(ctx, um, addr, n, false)
}

// Write writes up to n bytes to the pipe from user memory at addr. It blocks
// until at least one byte is written, unless the pipe is non-blocking.
func (p *Pipe) Write(ctx context.Context, um UserMemory, addr uint64, n int) (int, error) {
	return p.transfer(ctx, um, addr, n, true)
}

// transfer moves bytes in rounds of at most wire.MaxBuffersPerCommand pages,
// stopping at the first round that doesn't complete. Bytes moved by earlier
// rounds are reported in preference to a later error.
func (p *Pipe) transfer(ctx context.Context, um UserMemory, addr uint64, n int, write bool) (int, error) {
	if p.flags.Load()&flagClosedOnHost != 0 {
		return 0, unix.EIO
	}

	if n < 0 {
		return 0, unix.EINVAL
	}

	if n == 0 {
		return 0, nil
	}

	if !um.Accessible(addr, n) {
		return 0, unix.EFAULT
	}

	var (
		end          = addr + uint64(n)
		lastPage     = (end - 1) & wire.PageMask
		lastPageSize = int((end-1)&^wire.PageMask) + 1
		cmd          = wire.CmdRead
		count        int
		err          error
	)

	if write {
		cmd = wire.CmdWrite
	}

	for addr < end {
		consumed, status, xerr := p.transferRound(ctx, um, cmd, addr, end, lastPage, lastPageSize)
		if xerr != nil {
			err = xerr
			break
		}

		if consumed > 0 {
			count += int(consumed)
			addr += uint64(consumed)
		}

		if status > 0 {
			continue
		}

		if status == 0 {
			break
		}

		if count > 0 {
			if status != wire.StatusAgain {
				p.dev.logBackendError(p, cmd, status)
			}

			break
		}

		if status != wire.StatusAgain || p.nonblock.Load() {
			err = statusError(status)
			break
		}

		if err := p.waitForHostSignal(ctx, write); err != nil {
			return 0, err
		}
	}

	if count > 0 {
		p.dev.metrics.transferred(cmd, count)
		return count, nil
	}

	return 0, err
}

// transferRound pins the pages of [addr, end), up to the per-command limit,
// and runs one command over them.
func (p *Pipe) transferRound(ctx context.Context, um UserMemory, cmd wire.Cmd, addr, end, lastPage uint64, lastPageSize int) (consumed, status int32, err error) {
	if err := p.acquire(ctx); err != nil {
		return 0, 0, err
	}

	defer p.release()

	ps, err := pinPages(um, addr&wire.PageMask, lastPage, lastPageSize, cmd == wire.CmdRead)
	if err != nil {
		return 0, 0, err
	}

	defer func() {
		ps.release(cmd == wire.CmdRead && consumed > 0)
	}()

	p.bufs = ps.buffers(p.bufs[:0], addr, end)
	status = p.commandLocked(cmd, &wire.RWParams{Buffers: p.bufs})
	consumed = p.cmd.ConsumedSize()

	return consumed, status, nil
}

// pageSet is a run of pinned user pages. It must be released.
type pageSet struct {
	um   UserMemory
	phys []uint64

	firstPage uint64
	lastPage  uint64

	// size of the final pinned page's contribution
	tailSize int
}

// pinPages pins the pages from firstPage through lastPage, but at most
// wire.MaxBuffersPerCommand of them. If fewer pages than needed are pinned,
// the final pinned page contributes a whole page.
func pinPages(um UserMemory, firstPage, lastPage uint64, lastPageSize int, write bool) (*pageSet, error) {
	want := int((lastPage-firstPage)/wire.PageSize) + 1
	tail := lastPageSize

	if want > wire.MaxBuffersPerCommand {
		want = wire.MaxBuffersPerCommand
		tail = wire.PageSize
	}

	phys, err := um.Pin(firstPage, want, write)
	if err != nil || len(phys) == 0 {
		return nil, unix.EFAULT
	}

	if len(phys) < want {
		tail = wire.PageSize
	}

	ps := &pageSet{
		um:        um,
		phys:      phys,
		firstPage: firstPage,
		lastPage:  lastPage,
		tailSize:  tail,
	}

	return ps, nil
}

func (ps *pageSet) release(dirty bool) {
	ps.um.Unpin(ps.phys, dirty)
}

// buffers appends the descriptors for the pinned part of [addr, end) to bufs.
// Physically adjacent pages are merged into one descriptor.
func (ps *pageSet) buffers(bufs []wire.Buffer, addr, end uint64) []wire.Buffer {
	off := addr &^ wire.PageMask

	size := wire.PageSize - off
	if ps.firstPage == ps.lastPage {
		size = end - addr
	}

	bufs = append(bufs, wire.Buffer{
		Addr: ps.phys[0] | off,
		Size: uint32(size),
	})

	for i := 1; i < len(ps.phys); i++ {
		size := uint32(wire.PageSize)
		if i == len(ps.phys)-1 {
			size = uint32(ps.tailSize)
		}

		if ps.phys[i] == ps.phys[i-1]+wire.PageSize {
			bufs[len(bufs)-1].Size += size
			continue
		}

		bufs = append(bufs, wire.Buffer{
			Addr: ps.phys[i],
			Size: size,
		})
	}

	return bufs
}
