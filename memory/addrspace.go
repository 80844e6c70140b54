// Package memory implements the AddressSpace collaborator: a
// virtual-memory container addressable by virtual page. The real kernel
// backs this with a physical-frame allocator and a per-address-space
// page-table walker, both external hardware-facing collaborators this
// repository does not implement. PhysicalMemory and AddressSpace here are
// the simulated stand-ins needed to drive and test Process, the ELF
// loader, and the scheduler: same contract, byte-slice backing instead of
// real frames.
package memory

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// PageSize matches the x86 32-bit protected-mode page size the kernel
// targets.
const PageSize = 0x1000

// Prot is a bitmask of page protection flags, mirroring PROT_READ /
// PROT_WRITE / PROT_EXEC.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// AlignDown rounds addr down to the previous page boundary.
func AlignDown(addr uintptr) uintptr {
	return addr &^ (PageSize - 1)
}

// AlignUp rounds size up to the next page boundary.
func AlignUp(size uintptr) uintptr {
	return (size + PageSize - 1) &^ (PageSize - 1)
}

var (
	// ErrNotMapped is returned when an operation targets a vaddr with no
	// covering mapping.
	ErrNotMapped = errors.New("address not mapped")

	// ErrOverlap is returned when a requested mapping would overlap an
	// existing one in the same address space.
	ErrOverlap = errors.New("overlapping mapping")

	// ErrNoPhysicalRange is returned by PhysicalMemory.Lookup when no
	// registered range covers the requested physical span.
	ErrNoPhysicalRange = errors.New("no such physical range")
)

// PhysicalMemory is the simulated physical-frame allocator. Bytes
// registered as a physical range can be mapped into an AddressSpace with
// MapRange. boot.Run does not take this path: it hands each module's bytes
// to the loader directly, without registering or mapping them.
type PhysicalMemory struct {
	mu     sync.Mutex
	ranges map[uintptr][]byte
}

// NewPhysicalMemory constructs an empty physical memory pool.
func NewPhysicalMemory() *PhysicalMemory {
	return &PhysicalMemory{ranges: make(map[uintptr][]byte)}
}

// RegisterRange records data as physically resident starting at paddr,
// so that MapRange can later map it into an address space.
func (p *PhysicalMemory) RegisterRange(paddr uintptr, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ranges[paddr] = data
}

// Lookup returns the byte slice backing [paddr, paddr+size), if a single
// registered range covers it entirely.
func (p *PhysicalMemory) Lookup(paddr uintptr, size int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for base, data := range p.ranges {
		if paddr >= base && paddr+uintptr(size) <= base+uintptr(len(data)) {
			off := paddr - base
			return data[off : off+uintptr(size)], nil
		}
	}

	return nil, errors.Wrapf(ErrNoPhysicalRange, "paddr=%#x size=%#x", paddr, size)
}

// AllocFrames returns a fresh, zeroed byte slice of size bytes, standing
// in for size/PageSize newly allocated physical frames.
func (p *PhysicalMemory) AllocFrames(size int) []byte {
	return make([]byte, size)
}

// mapping is one non-overlapping virtual range in an AddressSpace.
type mapping struct {
	vaddr   uintptr
	backing []byte
	prot    Prot
	// owned is false for windows opened via MapFromOtherAddressSpace:
	// unmapping them must not free or zero the backing store, since
	// another address space still owns it.
	owned bool
}

func (m *mapping) end() uintptr { return m.vaddr + uintptr(len(m.backing)) }

// AddressSpace is a virtual-memory container. Installing it on the CPU
// (Activate) changes what userland addresses mean. A distinguished
// Kernel instance exists for the process lifetime; every other
// AddressSpace is owned by exactly one Process.
type AddressSpace struct {
	mu       sync.Mutex
	phys     *PhysicalMemory
	mappings []*mapping
	nextAnon uintptr
}

// New constructs an empty AddressSpace backed by phys.
func New(phys *PhysicalMemory) *AddressSpace {
	return &AddressSpace{phys: phys, nextAnon: 0x40000000}
}

var (
	mu     sync.Mutex
	active *AddressSpace
)

// Activate installs this container on the (single, simulated) CPU.
func (a *AddressSpace) Activate() {
	mu.Lock()
	defer mu.Unlock()
	active = a
}

// Active returns the AddressSpace currently installed on the CPU.
func Active() *AddressSpace {
	mu.Lock()
	defer mu.Unlock()
	return active
}

func (a *AddressSpace) findLocked(vaddr uintptr) *mapping {
	for _, m := range a.mappings {
		if vaddr >= m.vaddr && vaddr < m.end() {
			return m
		}
	}
	return nil
}

func (a *AddressSpace) insertLocked(m *mapping) error {
	idx := sort.Search(len(a.mappings), func(i int) bool {
		return a.mappings[i].vaddr >= m.vaddr
	})

	if idx > 0 && a.mappings[idx-1].end() > m.vaddr {
		return errors.Wrapf(ErrOverlap, "vaddr=%#x", m.vaddr)
	}
	if idx < len(a.mappings) && m.end() > a.mappings[idx].vaddr {
		return errors.Wrapf(ErrOverlap, "vaddr=%#x", m.vaddr)
	}

	a.mappings = append(a.mappings, nil)
	copy(a.mappings[idx+1:], a.mappings[idx:])
	a.mappings[idx] = m
	return nil
}

func (a *AddressSpace) removeLocked(m *mapping) {
	for i, cur := range a.mappings {
		if cur == m {
			a.mappings = append(a.mappings[:i], a.mappings[i+1:]...)
			return
		}
	}
}

// Map reserves [vaddr, vaddr+nPages*PageSize) backed by freshly allocated,
// zeroed frames with the given protection. Used by the ELF loader to
// reserve the target region for a PT_LOAD segment.
func (a *AddressSpace) Map(vaddr uintptr, nPages int, prot Prot) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := nPages * PageSize
	m := &mapping{vaddr: vaddr, backing: a.phys.AllocFrames(size), prot: prot, owned: true}
	return a.insertLocked(m)
}

// MapRange maps nPages worth of already-resident physical memory starting
// at paddrStart, returning the vaddr chosen for the mapping. The range
// must lie inside a single range registered with RegisterRange.
func (a *AddressSpace) MapRange(paddrStart uintptr, nPages int, prot Prot) (uintptr, error) {
	size := nPages * PageSize

	backing, err := a.phys.Lookup(paddrStart, size)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	vaddr := a.nextAnon
	a.nextAnon += uintptr(AlignUp(uintptr(size)))

	m := &mapping{vaddr: vaddr, backing: backing, prot: prot, owned: false}
	if err := a.insertLocked(m); err != nil {
		return 0, err
	}
	return vaddr, nil
}

// MapMemory allocates size bytes of fresh, zeroed anonymous memory
// somewhere in this container's address range and returns the chosen
// vaddr. Used for the initial user stack and kernel stacks.
func (a *AddressSpace) MapMemory(size int, prot Prot) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	vaddr := a.nextAnon
	a.nextAnon += AlignUp(uintptr(size))

	m := &mapping{vaddr: vaddr, backing: a.phys.AllocFrames(size), prot: prot, owned: true}
	if err := a.insertLocked(m); err != nil {
		return 0, err
	}
	return vaddr, nil
}

// MapFromOtherAddressSpace opens a temporary window in this container
// through which other's [vaddr, vaddr+size) is writable, returning the
// vaddr in this container the window lives at. The window aliases other's
// backing store directly: writes through it are visible to other.
func (a *AddressSpace) MapFromOtherAddressSpace(other *AddressSpace, vaddr uintptr, size int, prot Prot) (uintptr, error) {
	other.mu.Lock()
	m := other.findLocked(vaddr)
	if m == nil || m.end() < vaddr+uintptr(size) {
		other.mu.Unlock()
		return 0, errors.Wrapf(ErrNotMapped, "vaddr=%#x size=%#x", vaddr, size)
	}
	off := vaddr - m.vaddr
	backing := m.backing[off : off+uintptr(size)]
	other.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	dest := a.nextAnon
	a.nextAnon += AlignUp(uintptr(size))

	win := &mapping{vaddr: dest, backing: backing, prot: prot, owned: false}
	if err := a.insertLocked(win); err != nil {
		return 0, err
	}
	return dest, nil
}

// Unmap removes the single mapping starting exactly at vaddr, releasing
// its backing frames if this address space owned them.
func (a *AddressSpace) Unmap(vaddr uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.findLocked(vaddr)
	if m == nil || m.vaddr != vaddr {
		return errors.Wrapf(ErrNotMapped, "vaddr=%#x", vaddr)
	}
	a.removeLocked(m)
	return nil
}

// UnmapRange removes the single mapping that starts exactly at vaddr, as
// Unmap does. nPages is not consulted: the whole mapping is removed
// whatever its length, and mappings after it are left in place.
func (a *AddressSpace) UnmapRange(vaddr uintptr, nPages int) error {
	return a.Unmap(vaddr)
}

// UnmapPhysical tears down a temporary window opened by
// MapFromOtherAddressSpace. It never frees the backing store: that
// memory belongs to the other address space the window looks onto.
func (a *AddressSpace) UnmapPhysical(vaddr uintptr, size int) error {
	return a.Unmap(vaddr)
}

// Read copies len(buf) bytes out of this address space starting at vaddr.
func (a *AddressSpace) Read(vaddr uintptr, buf []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.findLocked(vaddr)
	if m == nil || vaddr+uintptr(len(buf)) > m.end() {
		return errors.Wrapf(ErrNotMapped, "vaddr=%#x len=%#x", vaddr, len(buf))
	}
	off := vaddr - m.vaddr
	copy(buf, m.backing[off:])
	return nil
}

// Write copies buf into this address space starting at vaddr.
func (a *AddressSpace) Write(vaddr uintptr, buf []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.findLocked(vaddr)
	if m == nil || vaddr+uintptr(len(buf)) > m.end() {
		return errors.Wrapf(ErrNotMapped, "vaddr=%#x len=%#x", vaddr, len(buf))
	}
	off := vaddr - m.vaddr
	copy(m.backing[off:], buf)
	return nil
}

// Fork returns a fresh AddressSpace that is a deep duplicate of this one:
// every mapping, owned or not, is copied into newly allocated backing
// storage that the child owns.
// Fork never uses copy-on-write; the caller pays the copy cost up front.
func (a *AddressSpace) Fork() *AddressSpace {
	a.mu.Lock()
	defer a.mu.Unlock()

	child := New(a.phys)
	child.nextAnon = a.nextAnon

	for _, m := range a.mappings {
		backing := make([]byte, len(m.backing))
		copy(backing, m.backing)
		child.mappings = append(child.mappings, &mapping{
			vaddr:   m.vaddr,
			backing: backing,
			prot:    m.prot,
			owned:   true,
		})
	}

	return child
}
