// Package kernel implements the process table, the ELF-driven process
// lifecycle (execute, fork, exit), and the round-robin scheduler that the
// timer ISR invokes. These three are tightly coupled: the scheduler walks
// the same intrusive list execute/fork/exit maintain, and both cross the
// interrupt-time/task-time boundary the rest of the system never has to
// think about.
package kernel

import (
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"

	"github.com/carverh/dennix/memory"
	"github.com/carverh/dennix/loader"
	"github.com/carverh/dennix/kernelerr"
	"github.com/carverh/dennix/log"
	"github.com/carverh/dennix/fs"
)

// OpenMax is the size of a process's file descriptor table.
const OpenMax = 20

// kernelStackSize matches the one-page kernel stack the real kernel gives
// every process.
const kernelStackSize = memory.PageSize

// Process is a single runnable (or about-to-be-runnable, or just-exited)
// program. Every non-idle Process reachable from the process table's
// first pointer forms a doubly-linked ring via prev/next; the scheduler
// advances one step along it per timer tick.
type Process struct {
	Pid uint64

	addressSpace *memory.AddressSpace

	// kernelStackVaddr is the vaddr of this process's one-page kernel
	// stack, mapped in the kernel address space. The real kernel places
	// context at the top of that stack; here context is tracked
	// separately since Go has no way to address a raw stack slot.
	kernelStackVaddr uintptr
	context          *InterruptContext

	fd            [OpenMax]*fs.FileHandle
	rootFd, cwdFd *fs.FileHandle

	prev, next *Process

	// contextChanged, when set, tells the next scheduler tick to resume
	// from context as Execute just wrote it rather than from the
	// interrupt frame the ISR captured for the syscall that called
	// Execute.
	contextChanged bool

	// fdInitialized guards the one-time stdin/stdout/stderr/root/cwd
	// setup Execute performs.
	fdInitialized bool

	// executed is true once this process's address space has been
	// populated by an ELF image at least once, so a second Execute call
	// knows to discard the old mappings instead of layering onto them.
	executed bool
}

// AddressSpace returns the address space this process is running in.
func (p *Process) AddressSpace() *memory.AddressSpace { return p.addressSpace }

// RootFd and CwdFd return the process's root and working-directory
// descriptors.
func (p *Process) RootFd() *fs.FileHandle { return p.rootFd }
func (p *Process) CwdFd() *fs.FileHandle  { return p.cwdFd }

// Fd returns descriptor table slot i, or nil if it is empty.
func (p *Process) Fd(i int) *fs.FileHandle { return p.fd[i] }

// Next and Prev expose the ring pointers, chiefly so tests can assert the
// list invariants directly.
func (p *Process) Next() *Process { return p.next }
func (p *Process) Prev() *Process { return p.prev }

// DebugDump renders the process's scheduling-relevant state for trace
// logging.
func (p *Process) DebugDump() string {
	return spew.Sdump(struct {
		Pid            uint64
		ContextChanged bool
		FdInitialized  bool
	}{p.Pid, p.contextChanged, p.fdInitialized})
}

// RegisterFileDescriptor installs h in the lowest empty slot of the
// descriptor table, or fails with Mfile if the table is full.
func (p *Process) RegisterFileDescriptor(h *fs.FileHandle) (int, error) {
	for i, cur := range p.fd {
		if cur == nil {
			p.fd[i] = h
			return i, nil
		}
	}
	return 0, errors.Wrap(kernelerr.Mfile, "registerFileDescriptor: table full")
}

// ProcessManager owns the process-wide singletons: the intrusive
// round-robin ring, the idle process, and the pid counter. In the real
// kernel these are mutated only from ISR context or from single-threaded
// boot, so no lock is needed; here a mutex stands in for that
// interrupt-disablement discipline so the type is safe to exercise from
// ordinary goroutines in tests.
type ProcessManager struct {
	mu sync.Mutex

	current *Process
	first   *Process
	idle    *Process

	nextPid uint64

	kernelAS *memory.AddressSpace
	phys     *memory.PhysicalMemory
	loader   *loader.Loader
	terminal *fs.FileNode
}

// NewProcessManager constructs a ProcessManager. It is not usable until
// Initialize is called.
func NewProcessManager(kernelAS *memory.AddressSpace, phys *memory.PhysicalMemory, loader *loader.Loader, terminal *fs.FileNode) *ProcessManager {
	return &ProcessManager{
		kernelAS: kernelAS,
		phys:     phys,
		loader:   loader,
		terminal: terminal,
	}
}

func (t *ProcessManager) allocPidLocked() uint64 {
	pid := t.nextPid
	t.nextPid++
	return pid
}

// Initialize creates the distinguished idle process, whose address space
// is the kernel's own (it does not own one), and makes it current. The
// idle process never joins the runnable ring; the scheduler selects it
// only when the ring is empty.
func (t *ProcessManager) Initialize(root *fs.FileHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idle := &Process{
		Pid:          t.allocPidLocked(),
		addressSpace: t.kernelAS,
		context:      &InterruptContext{},
		rootFd:       root,
	}

	t.idle = idle
	t.current = idle
	t.first = nil
}

// NewProcess allocates a pid for a new, otherwise-empty Process. Callers
// populate it via Execute and link it in with AddProcess; Fork and
// CreateInitProcess call NewProcess themselves.
func (t *ProcessManager) NewProcess() *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &Process{Pid: t.allocPidLocked()}
}

// AddProcess prepends p to the runnable ring.
func (t *ProcessManager) AddProcess(p *Process) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addProcessLocked(p)
}

func (t *ProcessManager) addProcessLocked(p *Process) {
	p.next = t.first
	if p.next != nil {
		p.next.prev = p
	}
	p.prev = nil
	t.first = p
}

// Current returns the process whose address space is presently active.
func (t *ProcessManager) Current() *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Idle returns the distinguished idle process.
func (t *ProcessManager) Idle() *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idle
}

// LoadELFFresh parses elfBytes into a brand new address space and returns
// it along with the entry point. This is the "bare function" form the
// boot path uses: there is no prior Process to replace an image in, only
// frames to populate from scratch.
func (t *ProcessManager) LoadELFFresh(elfBytes []byte) (*memory.AddressSpace, uint32, error) {
	as := memory.New(t.phys)
	entry, err := t.loader.Load(elfBytes, as, t.kernelAS)
	if err != nil {
		return nil, 0, err
	}
	return as, entry, nil
}

// LoadELF populates p's address space from elfBytes. If p has run an
// image before, its address space is discarded and replaced with a fresh
// one first, so a second Execute never layers new segments over old
// ones.
func (p *Process) LoadELF(t *ProcessManager, elfBytes []byte) (uint32, error) {
	if p.addressSpace == nil || p.executed {
		p.addressSpace = memory.New(t.phys)
	}

	entry, err := t.loader.Load(elfBytes, p.addressSpace, t.kernelAS)
	if err != nil {
		return 0, err
	}

	p.executed = true
	return entry, nil
}

// Execute loads the ELF image backing handle's node into a fresh address
// space, sets up an initial user stack and kernel stack, and writes the
// InterruptContext that will resume this process in user mode at the
// image's entry point. argv and envp are accepted and ignored. If p is
// the currently running process, contextChanged is set so the scheduler
// tick that follows the syscall which triggered this Execute does not
// clobber the freshly written context with that syscall's interrupt
// frame.
func (t *ProcessManager) Execute(p *Process, handle *fs.FileHandle, argv, envp []string) error {
	node := handle.Node()
	elfBytes := make([]byte, node.Size())
	if _, err := node.Read(elfBytes, 0); err != nil {
		return errors.Wrap(err, "execute: reading elf image")
	}

	entry, err := p.LoadELF(t, elfBytes)
	if err != nil {
		return errors.Wrap(err, "execute: loading elf image")
	}

	if err := t.launch(p, entry); err != nil {
		return errors.Wrap(err, "execute")
	}

	if p == t.Current() {
		t.mu.Lock()
		p.contextChanged = true
		t.mu.Unlock()
	}

	log.L.Trace("process-execute", "pid", p.Pid, "entry", entry)
	return nil
}

// launch sets up the user stack, kernel stack, initial InterruptContext
// and (once, lazily) the stdio/root/cwd descriptors a freshly loaded
// process needs before it can be scheduled. Execute and the boot path's
// CreateInitProcess share this: both hand launch a process whose address
// space has already been populated by an ELF image, the only difference
// being how that process came to exist.
func (t *ProcessManager) launch(p *Process, entry uint32) error {
	userStack, err := p.addressSpace.MapMemory(memory.PageSize, memory.ProtRead|memory.ProtWrite)
	if err != nil {
		return errors.Wrap(err, "mapping user stack")
	}

	kstack, err := t.kernelAS.MapMemory(kernelStackSize, memory.ProtRead|memory.ProtWrite)
	if err != nil {
		return errors.Wrap(err, "mapping kernel stack")
	}
	p.kernelStackVaddr = kstack

	p.context = &InterruptContext{
		EIP:    entry,
		ESP:    uint32(userStack) + memory.PageSize,
		EFlags: eflagsIF,
		CS:     userCodeSelector,
		SS:     userDataSelector,
	}

	if !p.fdInitialized {
		p.fd[0] = fs.NewFileHandle(t.terminal)
		p.fd[1] = fs.NewFileHandle(t.terminal)
		p.fd[2] = fs.NewFileHandle(t.terminal)

		idle := t.Idle()
		p.rootFd = idle.rootFd.Clone()
		p.cwdFd = p.rootFd.Clone()
		p.fdInitialized = true
	}

	return nil
}

// CreateInitProcess is the boot-time counterpart to Execute: it builds a
// brand new process from an ELF image handed to it directly (a multiboot
// module, rather than something reachable through a FileHandle), runs it
// through the same launch sequence, and links it into the runnable ring.
func (t *ProcessManager) CreateInitProcess(elfBytes []byte) (*Process, error) {
	p := t.NewProcess()

	as, entry, err := t.LoadELFFresh(elfBytes)
	if err != nil {
		return nil, errors.Wrap(err, "create-init-process: loading elf image")
	}
	p.addressSpace = as
	p.executed = true

	if err := t.launch(p, entry); err != nil {
		return nil, errors.Wrap(err, "create-init-process")
	}

	t.AddProcess(p)

	log.L.Info("process-created", "pid", p.Pid, "entry", entry)
	return p, nil
}

// Fork creates a new process whose InterruptContext is seeded from
// registers (the caller's explicit register image — the "regfork" shape
// lets the caller choose exactly what the child resumes into, without
// the scheduler needing a return-value distinction), whose address space
// is a deep duplicate of the caller's, and whose descriptor table, root
// and cwd are cloned slot-for-slot. The new process is linked into the
// runnable ring before it is returned.
func (t *ProcessManager) Fork(parent *Process, registers *InterruptContext) (*Process, error) {
	child := t.NewProcess()

	kstack, err := t.kernelAS.MapMemory(kernelStackSize, memory.ProtRead|memory.ProtWrite)
	if err != nil {
		return nil, errors.Wrap(err, "fork: mapping kernel stack")
	}
	child.kernelStackVaddr = kstack

	child.context = &InterruptContext{
		EAX: registers.EAX, EBX: registers.EBX, ECX: registers.ECX, EDX: registers.EDX,
		ESI: registers.ESI, EDI: registers.EDI, EBP: registers.EBP,
		EIP: registers.EIP, ESP: registers.ESP,
		CS: userCodeSelector, SS: userDataSelector, EFlags: eflagsIF,
	}

	child.addressSpace = parent.addressSpace.Fork()
	child.executed = parent.executed

	for i, h := range parent.fd {
		if h != nil {
			child.fd[i] = h.Clone()
		}
	}
	if parent.rootFd != nil {
		child.rootFd = parent.rootFd.Clone()
	}
	if parent.cwdFd != nil {
		child.cwdFd = parent.cwdFd.Clone()
	}
	child.fdInitialized = parent.fdInitialized

	t.AddProcess(child)

	log.L.Trace("process-fork", "parent", parent.Pid, "child", child.Pid)
	return child, nil
}

// Exit unlinks p from the runnable ring and releases its address space
// and descriptor table. It does not free p's kernel stack or the Process
// record itself: the CPU is still executing on that stack when exit is
// called from a syscall, so final teardown must wait for the next
// scheduler pass to observe the unlink and move on.
func (t *ProcessManager) Exit(p *Process, status int) {
	t.mu.Lock()
	if p.next != nil {
		p.next.prev = p.prev
	}
	if p.prev != nil {
		p.prev.next = p.next
	}
	if p == t.first {
		t.first = p.next
	}
	p.prev, p.next = nil, nil
	t.mu.Unlock()

	p.addressSpace = nil
	for i := range p.fd {
		p.fd[i] = nil
	}
	p.rootFd = nil
	p.cwdFd = nil

	log.L.Info("process-exit", "pid", p.Pid, "status", status)
}

// Schedule is invoked from the timer ISR with the interrupt frame of the
// just-interrupted process. It saves that frame (unless the outgoing
// process just published its own via Execute), advances to the next
// process in the ring — or the idle process if the ring is empty — and
// activates that process's address space before returning the frame the
// ISR epilogue should restore.
func (t *ProcessManager) Schedule(ctx *InterruptContext) *InterruptContext {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.current
	if !cur.contextChanged {
		cur.context = ctx
	} else {
		cur.contextChanged = false
	}

	var next *Process
	switch {
	case cur.next != nil:
		next = cur.next
	case t.first != nil:
		next = t.first
	default:
		next = t.idle
	}

	t.current = next

	// setKernelStack(top-of next.kernelStackVaddr) belongs to the
	// ring-transition glue, an out-of-scope collaborator; activating the
	// address space is the part owned by this package.
	next.addressSpace.Activate()

	return next.context
}
