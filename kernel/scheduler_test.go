package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/carverh/dennix/memory"
	"github.com/carverh/dennix/loader"
	"github.com/carverh/dennix/fs"
	"github.com/carverh/dennix/kernelerr"
)

func newTestManager(t *testing.T) *ProcessManager {
	t.Helper()

	phys := memory.NewPhysicalMemory()
	kernelAS := memory.New(phys)
	loader := loader.NewLoader(loader.NewLoaderCache(8))
	terminal := fs.NewFileNode(nil)

	mgr := NewProcessManager(kernelAS, phys, loader, terminal)

	root := fs.NewFileHandle(fs.NewFileNode(nil))
	mgr.Initialize(root)

	return mgr
}

func TestRoundRobinScheduling(t *testing.T) {
	n := neko.Modern(t)

	n.It("schedules the idle process when the ring is empty", func(t *testing.T) {
		mgr := newTestManager(t)

		ctx := &InterruptContext{EIP: 0x1234}
		next := mgr.Schedule(ctx)

		require.Same(t, mgr.Idle(), mgr.Current())
		require.Same(t, mgr.idle.context, next)
	})

	n.It("advances one step per tick and wraps around", func(t *testing.T) {
		mgr := newTestManager(t)

		a := mgr.NewProcess()
		a.addressSpace = memory.New(mgr.phys)
		a.context = &InterruptContext{EIP: 0xA}
		mgr.AddProcess(a)

		b := mgr.NewProcess()
		b.addressSpace = memory.New(mgr.phys)
		b.context = &InterruptContext{EIP: 0xB}
		mgr.AddProcess(b)

		// AddProcess prepends, so the ring is now: b -> a.
		require.Same(t, b, mgr.first)
		require.Same(t, a, b.next)

		mgr.current = b

		next := mgr.Schedule(&InterruptContext{EIP: 0xFF})
		require.Same(t, a, mgr.Current())
		require.Same(t, a.context, next)

		next = mgr.Schedule(&InterruptContext{EIP: 0xFE})
		require.Same(t, b, mgr.Current())
		require.Same(t, b.context, next)
	})

	n.It("preserves the context Execute just published instead of the interrupted frame", func(t *testing.T) {
		mgr := newTestManager(t)

		p := mgr.NewProcess()
		p.addressSpace = memory.New(mgr.phys)
		publishedContext := &InterruptContext{EIP: 0x400000}
		p.context = publishedContext
		p.contextChanged = true
		mgr.AddProcess(p)
		mgr.current = p

		interruptedFrame := &InterruptContext{EIP: 0xDEAD}
		mgr.Schedule(interruptedFrame)

		require.Same(t, publishedContext, p.context)
		require.False(t, p.contextChanged)
	})

	n.Meow()
}

func TestProcessDescriptorTable(t *testing.T) {
	n := neko.Modern(t)

	n.It("assigns the lowest free slot", func(t *testing.T) {
		p := &Process{}
		h1 := fs.NewFileHandle(fs.NewFileNode(nil))
		h2 := fs.NewFileHandle(fs.NewFileNode(nil))

		fd1, err := p.RegisterFileDescriptor(h1)
		require.NoError(t, err)
		require.Equal(t, 0, fd1)

		fd2, err := p.RegisterFileDescriptor(h2)
		require.NoError(t, err)
		require.Equal(t, 1, fd2)
	})

	n.It("fails with Mfile once the table is full", func(t *testing.T) {
		p := &Process{}
		for i := 0; i < OpenMax; i++ {
			_, err := p.RegisterFileDescriptor(fs.NewFileHandle(fs.NewFileNode(nil)))
			require.NoError(t, err)
		}

		_, err := p.RegisterFileDescriptor(fs.NewFileHandle(fs.NewFileNode(nil)))
		require.ErrorIs(t, err, kernelerr.Mfile)
	})

	n.Meow()
}

func TestForkLinksChildIntoRing(t *testing.T) {
	mgr := newTestManager(t)

	parent := mgr.NewProcess()
	parent.addressSpace = memory.New(mgr.phys)
	require.NoError(t, parent.addressSpace.Map(0x400000, 1, memory.ProtRead|memory.ProtWrite))
	require.NoError(t, parent.addressSpace.Write(0x400000, []byte("parent-data")))
	mgr.AddProcess(parent)

	h := fs.NewFileHandle(fs.NewFileNode([]byte("stdin")))
	_, err := parent.RegisterFileDescriptor(h)
	require.NoError(t, err)

	regs := &InterruptContext{EAX: 1, EIP: 0x400010, ESP: 0x40001000}
	child, err := mgr.Fork(parent, regs)
	require.NoError(t, err)

	require.Same(t, mgr.first, child)
	require.Same(t, parent, child.next)
	require.Equal(t, uint32(0x400010), child.context.EIP)

	require.NoError(t, child.addressSpace.Write(0x400000, []byte("child--data-")))
	buf := make([]byte, len("parent-data"))
	require.NoError(t, parent.addressSpace.Read(0x400000, buf))
	require.Equal(t, "parent-data", string(buf))

	require.NotNil(t, child.Fd(0))
	require.NotSame(t, parent.Fd(0), child.Fd(0))
}

func TestExitUnlinksFromRing(t *testing.T) {
	mgr := newTestManager(t)

	a := mgr.NewProcess()
	a.addressSpace = memory.New(mgr.phys)
	mgr.AddProcess(a)

	b := mgr.NewProcess()
	b.addressSpace = memory.New(mgr.phys)
	mgr.AddProcess(b)

	c := mgr.NewProcess()
	c.addressSpace = memory.New(mgr.phys)
	mgr.AddProcess(c)

	// Ring is c -> b -> a.
	mgr.Exit(b, 0)

	require.Same(t, a, c.next)
	require.Same(t, c, a.prev)
	require.Nil(t, b.next)
	require.Nil(t, b.prev)
}
