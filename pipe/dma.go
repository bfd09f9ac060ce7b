package pipe

import (
	"context"

	"github.com/c35s/gfpipe/wire"
	"golang.org/x/sys/unix"
)

// DMA region size limits
const (
	DMASizeMin = wire.PageSize
	DMASizeMax = 256 << 20
)

// dmaRegion is a pipe's DMA region. It's created without memory, which is
// allocated and announced to the host when the region is first mapped. Its
// fields are guarded by the pipe lock.
type dmaRegion struct {
	size   int
	phys   uint64
	end    uint64
	mapped bool
}

// DMAInfo describes a pipe's DMA region.
type DMAInfo struct {
	PhysBegin uint64
	Size      uint64
}

// ControlOp is a DMA control operation. The values match the ioctl numbers
// of the goldfish DMA interface.
type ControlOp uint32

const (
	ControlDMALock         = ControlOp(0xc0104700)
	ControlDMAUnlock       = ControlOp(0xc0104701)
	ControlDMAGetOff       = ControlOp(0xc0104702)
	ControlDMACreateRegion = ControlOp(0xc0104703)
)

func validDMASize(size int) bool {
	return size >= DMASizeMin && size <= DMASizeMax && size%wire.PageSize == 0
}

// CreateDMARegion records the size of the pipe's DMA region. No memory is
// allocated until the region is mapped. A pipe has at most one region.
func (p *Pipe) CreateDMARegion(ctx context.Context, size int) error {
	if !validDMASize(size) {
		p.dev.log.Error("bad pipe DMA region size", "id", p.id, "size", size)
		return unix.EINVAL
	}

	if err := p.acquire(ctx); err != nil {
		return err
	}

	defer p.release()

	if p.dma != nil {
		p.dev.log.Error("pipe DMA region already exists", "id", p.id, "size", p.dma.size)
		return unix.EBUSY
	}

	p.dma = &dmaRegion{size: size}

	return nil
}

// MapDMARegion allocates the pipe's DMA region and tells the host about it,
// if that hasn't already happened.
func (p *Pipe) MapDMARegion(ctx context.Context) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}

	defer p.release()
	return p.mapDMALocked()
}

func (p *Pipe) mapDMALocked() error {
	r := p.dma
	if r == nil {
		return unix.EINVAL
	}

	if r.mapped {
		return nil
	}

	phys, err := p.dev.mem.AllocCoherent(r.size)
	if err != nil {
		p.dev.log.Error("pipe DMA allocation failed", "id", p.id, "size", r.size, "err", err)
		return unix.ENOMEM
	}

	r.phys = phys
	r.end = phys + uint64(r.size)
	r.mapped = true

	p.dev.dmaTotal.Add(int64(r.size))
	p.dev.metrics.dmaBytes.Add(float64(r.size))

	// the map status isn't meaningful: hosts that don't support DMA report
	// an error, and transfers still work without it
	status := p.commandLocked(wire.CmdDMAHostMap, &wire.DMAParams{
		Addr: phys,
		Size: uint64(r.size),
	})

	p.dev.log.Debug("pipe DMA region mapped", "id", p.id, "phys", phys, "size", r.size, "status", status)

	return nil
}

// Mmap maps the first size bytes of the pipe's DMA region into user memory
// at addr, mapping the region first if needed.
func (p *Pipe) Mmap(ctx context.Context, um UserMemory, addr uint64, size int) error {
	if !validDMASize(size) {
		p.dev.log.Error("bad pipe DMA mapping size", "id", p.id, "size", size)
		return unix.EINVAL
	}

	if err := p.acquire(ctx); err != nil {
		return err
	}

	defer p.release()

	if p.dma == nil || size > p.dma.size {
		return unix.EINVAL
	}

	if err := p.mapDMALocked(); err != nil {
		return err
	}

	if err := um.MapPhys(addr, p.dma.phys, size); err != nil {
		p.dev.log.Error("pipe DMA remap failed", "id", p.id, "addr", addr, "err", err)
		return unix.EAGAIN
	}

	return nil
}

// DMAInfo returns the physical range of the pipe's DMA region. It's zero if
// the pipe has no region, and PhysBegin is 0 until the region is mapped.
func (p *Pipe) DMAInfo(ctx context.Context) (DMAInfo, error) {
	if err := p.acquire(ctx); err != nil {
		return DMAInfo{}, err
	}

	defer p.release()

	if p.dma == nil {
		return DMAInfo{}, nil
	}

	info := DMAInfo{
		PhysBegin: p.dma.phys,
		Size:      uint64(p.dma.size),
	}

	return info, nil
}

// DMALock does nothing. Ownership of the region is coordinated by the host.
func (p *Pipe) DMALock() error {
	return nil
}

// DMAUnlock wakes the pipe's waiters.
func (p *Pipe) DMAUnlock() error {
	p.wq.wakeAll()
	return nil
}

// Control runs a DMA control operation. CreateRegion reads the size from
// info, and GetOff fills info in. It returns unix.ENOTTY for unknown ops.
func (p *Pipe) Control(ctx context.Context, op ControlOp, info *DMAInfo) error {
	switch op {
	case ControlDMALock:
		return p.DMALock()

	case ControlDMAUnlock:
		return p.DMAUnlock()

	case ControlDMAGetOff:
		if info == nil {
			return unix.EFAULT
		}

		got, err := p.DMAInfo(ctx)
		if err != nil {
			return err
		}

		*info = got
		return nil

	case ControlDMACreateRegion:
		if info == nil {
			return unix.EFAULT
		}

		if info.Size > DMASizeMax {
			return unix.EINVAL
		}

		return p.CreateDMARegion(ctx, int(info.Size))

	default:
		return unix.ENOTTY
	}
}

// releaseDMAHostLocked tells the host to stop using the region.
func (p *Pipe) releaseDMAHostLocked() {
	if p.dma == nil || !p.dma.mapped {
		return
	}

	p.commandLocked(wire.CmdDMAHostUnmap, &wire.DMAParams{
		Addr: p.dma.phys,
		Size: uint64(p.dma.size),
	})
}

// releaseDMAGuest frees the region's memory. The host must already have
// been told.
func (p *Pipe) releaseDMAGuest() {
	r := p.dma
	if r == nil || !r.mapped {
		return
	}

	p.dev.mem.FreeCoherent(r.phys, r.size)
	p.dev.dmaTotal.Add(-int64(r.size))
	p.dev.metrics.dmaBytes.Sub(float64(r.size))

	p.dma = nil
}
