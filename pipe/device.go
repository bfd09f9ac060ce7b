// Package pipe is the guest side of the goldfish pipe device: a paravirtual
// device that multiplexes byte-stream channels between guest processes and
// services on the host.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c35s/gfpipe/wire"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Regs is the device's register window. Writes to wire.RegCmd are doorbells:
// the host has processed the command by the time WriteUint32 returns.
type Regs interface {
	ReadUint32(off int) uint32
	WriteUint32(off int, v uint32)
}

// Memory is guest physical memory shared with the host.
type Memory interface {

	// AllocPage allocates a zeroed page and returns its physical address.
	AllocPage() (uint64, error)
	FreePage(addr uint64)

	// AllocCoherent allocates a physically contiguous region of size bytes.
	AllocCoherent(size int) (uint64, error)
	FreeCoherent(addr uint64, size int)

	// MemAt returns a slice aliasing size bytes of memory at addr.
	MemAt(addr uint64, size int) ([]byte, error)
}

// UserMemory is the address space of a pipe's caller.
type UserMemory interface {

	// Accessible reports whether every byte in [addr, addr+n) is mapped.
	Accessible(addr uint64, n int) bool

	// Pin pins up to npages pages starting at the page-aligned addr and
	// returns their physical addresses. It may pin fewer pages than asked
	// for, but never zero without returning an error. If write is set the
	// pages must be writable.
	Pin(addr uint64, npages int, write bool) ([]uint64, error)

	// Unpin releases pages returned by Pin, marking them modified if dirty
	// is set.
	Unpin(phys []uint64, dirty bool)

	// MapPhys maps size bytes of physical memory at phys to addr.
	MapPhys(addr, phys uint64, size int) error
}

// Config describes a new Device.
type Config struct {

	// Regs is the device's register window. It must be set.
	Regs Regs

	// Memory is guest physical memory. It must be set.
	Memory Memory

	// Logger receives the device's logs.
	// If Logger is nil, slog.Default() is used.
	Logger *slog.Logger

	// InitialCapacity is the initial size of the pipe table.
	// The table doubles whenever it fills up. If InitialCapacity is 0,
	// the table starts with 64 slots.
	InitialCapacity int

	// MaxPipes, if set, bounds the size of the pipe table. Opening a pipe when
	// the table is full and can't grow fails with unix.ENOMEM.
	MaxPipes int

	// Registerer, if set, registers the device's metrics.
	Registerer prometheus.Registerer
}

// Device is an attached pipe device.
type Device struct {
	regs    Regs
	mem     Memory
	log     *slog.Logger
	errs    *rate.Limiter
	metrics *metrics

	// mu guards the registry and serializes opens and interrupt handling
	// against each other
	mu       sync.Mutex
	reg      registry
	bufAddr  uint64
	open     wire.OpenParamsView
	signals  wire.SignalBufferView
	detached bool

	irq  chan struct{}
	task chan struct{}
	done chan struct{}

	dmaTotal atomic.Int64
}

const CapacityDefault = 64

// New attaches to the device behind cfg.Regs. It checks the device version
// and hands the host the addresses of the signal and open buffers.
func New(cfg Config) (*Device, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	cfg.Regs.WriteUint32(wire.RegVersion, wire.DriverVersion)
	if v := cfg.Regs.ReadUint32(wire.RegVersion); v < wire.DeviceVersion {
		return nil, fmt.Errorf("%w: %d < %d", ErrVersion, v, wire.DeviceVersion)
	}

	addr, err := cfg.Memory.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAlloc, err)
	}

	page, err := cfg.Memory.MemAt(addr, wire.PageSize)
	if err != nil {
		cfg.Memory.FreePage(addr)
		return nil, fmt.Errorf("%w: %w", ErrAlloc, err)
	}

	d := &Device{
		regs:    cfg.Regs,
		mem:     cfg.Memory,
		log:     cfg.Logger,
		errs:    rate.NewLimiter(rate.Every(500*time.Millisecond), 10),
		metrics: newMetrics(cfg.Registerer),
		bufAddr: addr,
		open:    wire.OpenParamsView(page[wire.OffsetOpenParams:wire.OffsetSignalBuffer]),
		signals: wire.SignalBufferView(page[wire.OffsetSignalBuffer:wire.SizeofDeviceBuffers]),
		irq:     make(chan struct{}, 1),
		task:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	d.reg.init(cfg.InitialCapacity, cfg.MaxPipes)

	d.writeAddr(wire.RegSignalBufferHigh, wire.RegSignalBuffer, addr+wire.OffsetSignalBuffer)
	d.regs.WriteUint32(wire.RegSignalBufferCount, wire.MaxSignalledPipes)
	d.writeAddr(wire.RegOpenBufferHigh, wire.RegOpenBuffer, addr+wire.OffsetOpenParams)

	d.log.Debug("pipe device attached", "buffers", fmt.Sprintf("%#x", addr))

	return d, nil
}

// Run handles interrupts and runs the deferred wake task until ctx is done or
// the device is closed. Interrupts are delivered by Raise.
func (d *Device) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil

			case <-d.done:
				return nil

			case <-d.irq:
				// the line stays asserted while the host has entries
				for d.Interrupt() {
				}
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil

			case <-d.done:
				return nil

			case <-d.task:
				d.wakeSignalled()
			}
		}
	})

	return g.Wait()
}

// Raise asserts the device's interrupt line. It never blocks, and raises that
// arrive before Run handles the first one are coalesced.
func (d *Device) Raise() {
	select {
	case d.irq <- struct{}{}:
	default:
	}
}

// DMAAllocTotal returns the number of bytes of DMA memory held by all pipes.
func (d *Device) DMAAllocTotal() int64 {
	return d.dmaTotal.Load()
}

// Close detaches the device. Pipes must be closed first.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.detached {
		return nil
	}

	if d.reg.open > 0 {
		d.log.Warn("pipe device detached with open pipes", "open", d.reg.open)
	}

	d.detached = true
	close(d.done)

	d.mem.FreePage(d.bufAddr)
	d.open = nil
	d.signals = nil

	return nil
}

func (d *Device) writeAddr(high, low int, addr uint64) {
	d.regs.WriteUint32(high, uint32(addr>>32))
	d.regs.WriteUint32(low, uint32(addr))
}

// logBackendError logs a failed transfer that had already made progress.
func (d *Device) logBackendError(p *Pipe, cmd wire.Cmd, status int32) {
	if d.errs.Allow() {
		d.log.Error("pipe backend error", "id", p.id, "cmd", cmd, "status", status)
	}
}

func (cfg Config) validate() error {
	if cfg.Regs == nil {
		return errors.New("regs are not set")
	}

	if cfg.Memory == nil {
		return errors.New("memory is not set")
	}

	if cfg.InitialCapacity < 1 {
		return fmt.Errorf("initial capacity is too small: %d < 1", cfg.InitialCapacity)
	}

	if cfg.MaxPipes < 0 {
		return fmt.Errorf("max pipes is negative: %d", cfg.MaxPipes)
	}

	if cfg.MaxPipes > 0 && cfg.MaxPipes < cfg.InitialCapacity {
		return fmt.Errorf("max pipes is less than the initial capacity: %d < %d", cfg.MaxPipes, cfg.InitialCapacity)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.InitialCapacity == 0 {
		cfg.InitialCapacity = CapacityDefault
	}

	return cfg
}
