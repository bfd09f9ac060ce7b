// Package mem provides simulated guest physical memory and user address spaces
// for the pipe driver: a page allocator with coherent (physically contiguous)
// allocations, and page tables that can pin user pages and map physical ranges.
package mem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/c35s/gfpipe/wire"
	"golang.org/x/sys/unix"
)

// ArenaConfig describes a new Arena.
type ArenaConfig struct {

	// Size is the size of the arena in bytes. It must be a multiple of
	// wire.PageSize. If Size is 0, the arena is 64M.
	Size int

	// Base is the physical address of the first byte of the arena. It must be
	// page-aligned and non-zero so that a zero address is never valid.
	// If Base is 0, it defaults to 1G.
	Base uint64
}

// Arena is a range of physical memory with a first-fit page allocator.
// It is safe for concurrent use.
type Arena struct {
	base uint64
	mem  []byte

	mu    sync.Mutex
	used  []bool
	inUse int
}

const (
	SizeMin     = 1 << 16 // 64K
	SizeDefault = 64 << 20
	SizeMax     = 1 << 36 // 64G
	BaseDefault = 1 << 30
)

var (
	ErrConfig = errors.New("mem: invalid config")
	ErrAlloc  = errors.New("mem: arena allocation failed")
)

// NewArena allocates a new arena.
func NewArena(cfg ArenaConfig) (*Arena, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	b, err := allocBacking(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAlloc, err)
	}

	a := &Arena{
		base: cfg.Base,
		mem:  b,
		used: make([]bool, cfg.Size/wire.PageSize),
	}

	return a, nil
}

// Base returns the physical address of the first byte of the arena.
func (a *Arena) Base() uint64 {
	return a.base
}

// Size returns the size of the arena in bytes.
func (a *Arena) Size() int {
	return len(a.mem)
}

// InUse returns the number of allocated pages.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// AllocPages allocates n physically contiguous, zeroed pages and returns the
// physical address of the first one. It returns unix.ENOMEM if no run of n
// free pages exists.
func (a *Arena) AllocPages(n int) (uint64, error) {
	if n <= 0 {
		return 0, unix.EINVAL
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	run := 0
	for i := range a.used {
		if a.used[i] {
			run = 0
			continue
		}

		run++
		if run < n {
			continue
		}

		first := i - n + 1
		for j := first; j <= i; j++ {
			a.used[j] = true
		}

		a.inUse += n

		off := first * wire.PageSize
		clear(a.mem[off : off+n*wire.PageSize])

		return a.base + uint64(off), nil
	}

	return 0, unix.ENOMEM
}

// FreePages frees n pages starting at addr. Freeing a page that isn't
// allocated panics.
func (a *Arena) FreePages(addr uint64, n int) {
	first, err := a.pageIndex(addr)
	if err != nil {
		panic(err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := first; i < first+n; i++ {
		if i >= len(a.used) || !a.used[i] {
			panic(fmt.Sprintf("mem: double free of page %#x", a.base+uint64(i*wire.PageSize)))
		}

		a.used[i] = false
	}

	a.inUse -= n
	releaseBacking(a.mem[first*wire.PageSize : (first+n)*wire.PageSize])
}

// AllocPage allocates a single zeroed page.
func (a *Arena) AllocPage() (uint64, error) {
	return a.AllocPages(1)
}

// FreePage frees a page allocated by AllocPage.
func (a *Arena) FreePage(addr uint64) {
	a.FreePages(addr, 1)
}

// AllocCoherent allocates a physically contiguous region of size bytes, which
// must be a multiple of the page size.
func (a *Arena) AllocCoherent(size int) (uint64, error) {
	if size <= 0 || size%wire.PageSize != 0 {
		return 0, unix.EINVAL
	}

	return a.AllocPages(size / wire.PageSize)
}

// FreeCoherent frees a region allocated by AllocCoherent.
func (a *Arena) FreeCoherent(addr uint64, size int) {
	a.FreePages(addr, size/wire.PageSize)
}

// MemAt returns a slice aliasing size bytes of physical memory at addr.
// It returns unix.EFAULT if the range isn't inside the arena.
func (a *Arena) MemAt(addr uint64, size int) ([]byte, error) {
	if size < 0 || addr < a.base || addr-a.base+uint64(size) > uint64(len(a.mem)) {
		return nil, unix.EFAULT
	}

	off := addr - a.base
	return a.mem[off : off+uint64(size) : off+uint64(size)], nil
}

// Close releases the arena's backing memory. Slices returned by MemAt must not
// be used after Close.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return nil
	}

	err := freeBacking(a.mem)
	a.mem = nil

	return err
}

func (a *Arena) pageIndex(addr uint64) (int, error) {
	if addr%wire.PageSize != 0 || addr < a.base || addr-a.base >= uint64(len(a.mem)) {
		return 0, fmt.Errorf("mem: bad page address %#x", addr)
	}

	return int((addr - a.base) / wire.PageSize), nil
}

func (cfg ArenaConfig) validate() error {
	if cfg.Size%wire.PageSize != 0 {
		return fmt.Errorf("arena size must be a multiple of the page size (%d)", wire.PageSize)
	}

	if cfg.Size < SizeMin {
		return fmt.Errorf("arena is too small: %d < %d", cfg.Size, SizeMin)
	}

	if cfg.Size > SizeMax {
		return fmt.Errorf("arena is too large: %d > %d", cfg.Size, SizeMax)
	}

	if cfg.Base%wire.PageSize != 0 {
		return fmt.Errorf("arena base %#x isn't page-aligned", cfg.Base)
	}

	return nil
}

func (cfg ArenaConfig) withDefaults() ArenaConfig {
	if cfg.Size == 0 {
		cfg.Size = SizeDefault
	}

	if cfg.Base == 0 {
		cfg.Base = BaseDefault
	}

	return cfg
}
