// Package emu emulates the host side of the pipe device. A Host implements the
// device's registers and command set over guest memory and connects each pipe
// to a named service.
package emu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c35s/gfpipe/wire"
	"golang.org/x/sys/unix"
)

// Config describes a new Host.
type Config struct {

	// MemAt is called to access guest memory. It must be set.
	MemAt func(addr uint64, size int) ([]byte, error)

	// Notify, if set, is called to assert the device's interrupt line.
	// It's never called with the host's lock held, but it must not read
	// the device's registers before returning.
	Notify func()

	// Services maps service names to services. A pipe connects to a service
	// by writing its name, optionally prefixed with "pipe:", followed by a
	// zero byte.
	Services map[string]Service

	// Logger receives the host's logs.
	// If Logger is nil, slog.Default() is used.
	Logger *slog.Logger
}

// Host is an emulated pipe device host.
type Host struct {
	memAt    func(addr uint64, size int) ([]byte, error)
	notify   func()
	services map[string]Service
	log      *slog.Logger

	mu      sync.Mutex
	state   hostState
	pipes   map[uint32]*hostPipe
	pending []wire.SignalledPipe
	maps    int
	unmaps  int
}

type hostState struct {
	driverVersion uint32
	signalBuffer  uint64
	signalCount   uint32
	openBuffer    uint64
}

// MaxServiceName is the longest service name a pipe can connect to.
const MaxServiceName = 255

var (
	ErrConfig = errors.New("emu: invalid config")

	ne = binary.NativeEndian
)

// New creates a new host.
func New(cfg Config) (*Host, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	h := &Host{
		memAt:    cfg.MemAt,
		notify:   cfg.Notify,
		services: cfg.Services,
		log:      cfg.Logger,
		pipes:    make(map[uint32]*hostPipe),
	}

	return h, nil
}

// HandleMMIO handles an access to the register at off.
func (h *Host) HandleMMIO(off int, data []byte, isWrite bool) error {
	if len(data) != 4 {
		return unix.EINVAL
	}

	var (
		closing []Endpoint
		raise   bool
		err     error
	)

	h.mu.Lock()

	if isWrite {
		closing, raise, err = h.writeMMIO(off, ne.Uint32(data))
	} else {
		var v uint32
		v, raise, err = h.readMMIO(off)
		ne.PutUint32(data, v)
	}

	h.mu.Unlock()

	for _, ep := range closing {
		if err := ep.Close(); err != nil {
			h.log.Debug("pipe service close failed", "err", err)
		}
	}

	if raise {
		h.raise()
	}

	return err
}

// ReadUint32 reads the register at off.
func (h *Host) ReadUint32(off int) uint32 {
	var b [4]byte
	if err := h.HandleMMIO(off, b[:], false); err != nil {
		h.log.Error("pipe register read failed", "off", off, "err", err)
	}

	return ne.Uint32(b[:])
}

// WriteUint32 writes v to the register at off.
func (h *Host) WriteUint32(off int, v uint32) {
	var b [4]byte
	ne.PutUint32(b[:], v)

	if err := h.HandleMMIO(off, b[:], true); err != nil {
		h.log.Error("pipe register write failed", "off", off, "err", err)
	}
}

// Pipes returns the number of open pipes.
func (h *Host) Pipes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pipes)
}

// DMAMaps returns the number of DMA map and unmap commands the host has
// handled.
func (h *Host) DMAMaps() (maps, unmaps int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maps, h.unmaps
}

// Signal queues flags for the pipe with the given id and asserts the
// interrupt line. It returns false if there's no such pipe.
func (h *Host) Signal(id uint32, flags uint32) bool {
	h.mu.Lock()
	_, ok := h.pipes[id]
	if ok {
		h.queue(id, flags)
	}

	h.mu.Unlock()

	if ok {
		h.raise()
	}

	return ok
}

// Close closes every pipe's service connection.
func (h *Host) Close() error {
	h.mu.Lock()

	var eps []Endpoint
	for id, hp := range h.pipes {
		if hp.ep != nil {
			eps = append(eps, hp.ep)
		}

		delete(h.pipes, id)
	}

	h.pending = nil
	h.mu.Unlock()

	var errs []error
	for _, ep := range eps {
		errs = append(errs, ep.Close())
	}

	return errors.Join(errs...)
}

func (h *Host) readMMIO(off int) (v uint32, raise bool, err error) {
	switch off {
	case wire.RegVersion:
		return wire.DeviceVersion, false, nil

	case wire.RegGetSignalled:
		return h.drainSignalled()

	default:
		return 0, false, unix.EINVAL
	}
}

func (h *Host) writeMMIO(off int, v uint32) (closing []Endpoint, raise bool, err error) {
	switch off {
	case wire.RegCmd:
		return h.doorbell(v)

	case wire.RegSignalBufferHigh:
		h.state.signalBuffer = uint64(v) << 32

	case wire.RegSignalBuffer:
		h.state.signalBuffer |= uint64(v)

	case wire.RegSignalBufferCount:
		h.state.signalCount = min(v, wire.MaxSignalledPipes)

	case wire.RegOpenBufferHigh:
		h.state.openBuffer = uint64(v) << 32

	case wire.RegOpenBuffer:
		h.state.openBuffer |= uint64(v)

	case wire.RegVersion:
		h.state.driverVersion = v

	default:
		return nil, false, unix.EINVAL
	}

	return nil, false, nil
}

// drainSignalled copies pending signals into the guest's signal buffer and
// returns how many it copied. The line is raised again if any remain.
func (h *Host) drainSignalled() (n uint32, raise bool, err error) {
	n = min(uint32(len(h.pending)), h.state.signalCount)
	if n == 0 {
		return 0, false, nil
	}

	b, err := h.memAt(h.state.signalBuffer, int(n)*wire.SizeofSignalledPipe)
	if err != nil {
		return 0, false, err
	}

	v := wire.SignalBufferView(b)
	for i := range int(n) {
		v.PutEntry(i, h.pending[i])
	}

	h.pending = h.pending[n:]

	return n, len(h.pending) > 0, nil
}

// queue adds a pending signal, merging it with an earlier one for the same pipe.
func (h *Host) queue(id uint32, flags uint32) {
	for i := range h.pending {
		if h.pending[i].ID == id {
			h.pending[i].Flags |= flags
			return
		}
	}

	h.pending = append(h.pending, wire.SignalledPipe{ID: id, Flags: flags})
}

func (h *Host) unqueue(id uint32) {
	for i := range h.pending {
		if h.pending[i].ID == id {
			h.pending = append(h.pending[:i], h.pending[i+1:]...)
			return
		}
	}
}

func (h *Host) raise() {
	if h.notify != nil {
		h.notify()
	}
}

func (cfg Config) validate() error {
	if cfg.MemAt == nil {
		return errors.New("memAt is not set")
	}

	for name := range cfg.Services {
		if name == "" || len(name) > MaxServiceName {
			return fmt.Errorf("bad service name %q", name)
		}
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg
}
