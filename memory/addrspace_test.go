package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapReserveAndWrite(t *testing.T) {
	phys := NewPhysicalMemory()
	as := New(phys)

	require.NoError(t, as.Map(0x400000, 1, ProtRead|ProtWrite|ProtExec))

	require.NoError(t, as.Write(0x400000, []byte("hi")))

	buf := make([]byte, 2)
	require.NoError(t, as.Read(0x400000, buf))
	require.Equal(t, []byte("hi"), buf)
}

func TestMapRangeExposesRegisteredPhysicalBytes(t *testing.T) {
	phys := NewPhysicalMemory()
	module := make([]byte, PageSize)
	copy(module, []byte("module bytes"))
	phys.RegisterRange(0x100000, module)

	kernel := New(phys)
	vaddr, err := kernel.MapRange(0x100000, 1, ProtRead)
	require.NoError(t, err)

	buf := make([]byte, len("module bytes"))
	require.NoError(t, kernel.Read(vaddr, buf))
	require.Equal(t, "module bytes", string(buf))
}

func TestMapFromOtherAddressSpaceAliasesBackingStore(t *testing.T) {
	phys := NewPhysicalMemory()
	target := New(phys)
	kernel := New(phys)

	require.NoError(t, target.Map(0x400000, 1, ProtRead|ProtWrite|ProtExec))

	window, err := kernel.MapFromOtherAddressSpace(target, 0x400000, PageSize, ProtWrite)
	require.NoError(t, err)

	require.NoError(t, kernel.Write(window, []byte("zeroed-then-copied")))

	buf := make([]byte, len("zeroed-then-copied"))
	require.NoError(t, target.Read(0x400000, buf))
	require.Equal(t, "zeroed-then-copied", string(buf))

	require.NoError(t, kernel.UnmapPhysical(window, PageSize))

	// The window is gone from kernel space but target's mapping survives.
	require.NoError(t, target.Read(0x400000, buf))
}

func TestForkDeepDuplicatesMappings(t *testing.T) {
	phys := NewPhysicalMemory()
	parent := New(phys)
	require.NoError(t, parent.Map(0x400000, 1, ProtRead|ProtWrite))
	require.NoError(t, parent.Write(0x400000, []byte("parent")))

	child := parent.Fork()

	require.NoError(t, child.Write(0x400000, []byte("CHILD!")))

	parentBuf := make([]byte, 6)
	require.NoError(t, parent.Read(0x400000, parentBuf))
	require.Equal(t, "parent", string(parentBuf))

	childBuf := make([]byte, 6)
	require.NoError(t, child.Read(0x400000, childBuf))
	require.Equal(t, "CHILD!", string(childBuf))
}

func TestOverlappingMapIsRejected(t *testing.T) {
	phys := NewPhysicalMemory()
	as := New(phys)

	require.NoError(t, as.Map(0x400000, 2, ProtRead))
	err := as.Map(0x401000, 1, ProtRead)
	require.Error(t, err)
}

func TestActivateTracksCurrentAddressSpace(t *testing.T) {
	phys := NewPhysicalMemory()
	a := New(phys)
	b := New(phys)

	a.Activate()
	require.Same(t, a, Active())

	b.Activate()
	require.Same(t, b, Active())
}
