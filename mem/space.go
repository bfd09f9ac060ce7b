package mem

import (
	"sync"

	"github.com/c35s/gfpipe/wire"
	"golang.org/x/sys/unix"
)

// AddressSpace is a user address space backed by an Arena. Virtual pages map
// to physical pages through a page table; pages can be pinned while the host
// accesses them. It is safe for concurrent use.
type AddressSpace struct {
	arena *Arena

	mu    sync.Mutex
	pt    map[uint64]*pte  // virtual page -> entry
	pages map[uint64]*page // physical page -> state
	next  uint64
}

type pte struct {
	phys  uint64
	owned bool // allocated by Alloc, freed by Unmap
	ro    bool
}

type page struct {
	pins  int
	dirty bool
}

// UserBase is the lowest address returned by Alloc.
const UserBase = 0x10000

// NewAddressSpace returns an empty address space backed by a.
func NewAddressSpace(a *Arena) *AddressSpace {
	return &AddressSpace{
		arena: a,
		pt:    make(map[uint64]*pte),
		pages: make(map[uint64]*page),
		next:  UserBase,
	}
}

// Alloc maps size bytes of fresh, physically contiguous memory and returns its
// virtual address. Each allocation is followed by an unmapped guard page.
func (as *AddressSpace) Alloc(size int) (uint64, error) {
	if size <= 0 {
		return 0, unix.EINVAL
	}

	n := (size + wire.PageSize - 1) / wire.PageSize
	phys, err := as.arena.AllocPages(n)
	if err != nil {
		return 0, err
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	addr := as.next
	as.next += uint64(n+1) * wire.PageSize

	for i := 0; i < n; i++ {
		as.pt[addr+uint64(i*wire.PageSize)] = &pte{
			phys:  phys + uint64(i*wire.PageSize),
			owned: true,
		}
	}

	return addr, nil
}

// Reserve returns a page-aligned virtual range of size bytes that nothing is
// mapped at, for use with MapPhys.
func (as *AddressSpace) Reserve(size int) uint64 {
	n := (size + wire.PageSize - 1) / wire.PageSize

	as.mu.Lock()
	defer as.mu.Unlock()

	addr := as.next
	as.next += uint64(n+1) * wire.PageSize

	return addr
}

// MapPhys maps size bytes of physical memory at phys to the virtual address
// addr. Both addresses and size must be page-aligned, and nothing may already
// be mapped in the virtual range.
func (as *AddressSpace) MapPhys(addr, phys uint64, size int) error {
	if addr%wire.PageSize != 0 || phys%wire.PageSize != 0 || size <= 0 || size%wire.PageSize != 0 {
		return unix.EINVAL
	}

	if _, err := as.arena.MemAt(phys, size); err != nil {
		return err
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	for off := 0; off < size; off += wire.PageSize {
		if _, ok := as.pt[addr+uint64(off)]; ok {
			return unix.EEXIST
		}
	}

	for off := 0; off < size; off += wire.PageSize {
		as.pt[addr+uint64(off)] = &pte{phys: phys + uint64(off)}
	}

	return nil
}

// Protect makes the pages in the range read-only or read-write.
func (as *AddressSpace) Protect(addr uint64, size int, readOnly bool) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	for va := addr &^ (wire.PageSize - 1); va < addr+uint64(size); va += wire.PageSize {
		e, ok := as.pt[va]
		if !ok {
			return unix.EFAULT
		}

		e.ro = readOnly
	}

	return nil
}

// Unmap removes the mappings in the range and frees pages that were allocated
// by Alloc. It returns unix.EBUSY without changing anything if a page in the
// range is pinned.
func (as *AddressSpace) Unmap(addr uint64, size int) error {
	if addr%wire.PageSize != 0 {
		return unix.EINVAL
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	for va := addr; va < addr+uint64(size); va += wire.PageSize {
		if e, ok := as.pt[va]; ok && as.pinsLocked(e.phys) > 0 {
			return unix.EBUSY
		}
	}

	for va := addr; va < addr+uint64(size); va += wire.PageSize {
		e, ok := as.pt[va]
		if !ok {
			continue
		}

		delete(as.pt, va)
		if e.owned {
			delete(as.pages, e.phys)
			as.arena.FreePage(e.phys)
		}
	}

	return nil
}

// Accessible reports whether every byte in [addr, addr+n) is mapped.
func (as *AddressSpace) Accessible(addr uint64, n int) bool {
	if n <= 0 {
		return true
	}

	if addr+uint64(n) < addr {
		return false
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	for va := addr &^ (wire.PageSize - 1); va < addr+uint64(n); va += wire.PageSize {
		if _, ok := as.pt[va]; !ok {
			return false
		}
	}

	return true
}

// Pin pins up to npages consecutive pages starting at the page-aligned addr and
// returns their physical addresses. Like a fast user-page walk, it stops early
// at the first page that is unmapped, or read-only when write is set. It
// returns unix.EFAULT if not even the first page can be pinned.
func (as *AddressSpace) Pin(addr uint64, npages int, write bool) ([]uint64, error) {
	if addr%wire.PageSize != 0 || npages <= 0 {
		return nil, unix.EINVAL
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	phys := make([]uint64, 0, npages)
	for i := 0; i < npages; i++ {
		e, ok := as.pt[addr+uint64(i*wire.PageSize)]
		if !ok || (write && e.ro) {
			break
		}

		phys = append(phys, e.phys)
	}

	if len(phys) == 0 {
		return nil, unix.EFAULT
	}

	for _, pa := range phys {
		as.pageLocked(pa).pins++
	}

	return phys, nil
}

// Unpin releases pages pinned by Pin. If dirty is set the pages are marked as
// modified.
func (as *AddressSpace) Unpin(phys []uint64, dirty bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	for _, pa := range phys {
		pg := as.pages[pa]
		if pg == nil || pg.pins == 0 {
			panic("mem: unpin of a page that isn't pinned")
		}

		pg.pins--
		pg.dirty = pg.dirty || dirty
	}
}

// Pinned returns the total number of outstanding pins.
func (as *AddressSpace) Pinned() int {
	as.mu.Lock()
	defer as.mu.Unlock()

	var n int
	for _, pg := range as.pages {
		n += pg.pins
	}

	return n
}

// Dirty reports whether the page mapped at addr was marked dirty by Unpin.
func (as *AddressSpace) Dirty(addr uint64) bool {
	as.mu.Lock()
	defer as.mu.Unlock()

	e, ok := as.pt[addr&^(wire.PageSize-1)]
	if !ok {
		return false
	}

	pg := as.pages[e.phys]
	return pg != nil && pg.dirty
}

// Translate returns the physical address mapped at addr.
func (as *AddressSpace) Translate(addr uint64) (uint64, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	e, ok := as.pt[addr&^(wire.PageSize-1)]
	if !ok {
		return 0, unix.EFAULT
	}

	return e.phys + addr%wire.PageSize, nil
}

// ReadAt copies from user memory at off into p.
func (as *AddressSpace) ReadAt(p []byte, off int64) (n int, err error) {
	return as.copy(p, uint64(off), false)
}

// WriteAt copies p into user memory at off.
func (as *AddressSpace) WriteAt(p []byte, off int64) (n int, err error) {
	return as.copy(p, uint64(off), true)
}

func (as *AddressSpace) copy(p []byte, addr uint64, write bool) (n int, err error) {
	for n < len(p) {
		pa, err := as.Translate(addr)
		if err != nil {
			return n, err
		}

		chunk := min(len(p)-n, wire.PageSize-int(addr%wire.PageSize))
		b, err := as.arena.MemAt(pa, chunk)
		if err != nil {
			return n, err
		}

		if write {
			copy(b, p[n:n+chunk])
		} else {
			copy(p[n:n+chunk], b)
		}

		n += chunk
		addr += uint64(chunk)
	}

	return n, nil
}

func (as *AddressSpace) pageLocked(pa uint64) *page {
	pg, ok := as.pages[pa]
	if !ok {
		pg = new(page)
		as.pages[pa] = pg
	}

	return pg
}

func (as *AddressSpace) pinsLocked(pa uint64) int {
	if pg, ok := as.pages[pa]; ok {
		return pg.pins
	}

	return 0
}
