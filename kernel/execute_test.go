package kernel

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carverh/dennix/fs"
	"github.com/carverh/dennix/memory"
)

const (
	testEhdrSize = 52
	testPhdrSize = 32
)

// buildELF assembles a minimal 32-bit ELF image with a single PT_LOAD
// segment, just enough to drive Execute end to end.
func buildELF(t *testing.T, entry, paddr uint32, payload []byte) []byte {
	t.Helper()

	var buf bytes.Buffer

	type header struct {
		Ident     [16]byte
		Type      uint16
		Machine   uint16
		Version   uint32
		Entry     uint32
		Phoff     uint32
		Shoff     uint32
		Flags     uint32
		Ehsize    uint16
		Phentsize uint16
		Phnum     uint16
		Shentsize uint16
		Shnum     uint16
		Shstrndx  uint16
	}

	type progHeader struct {
		Type   uint32
		Offset uint32
		Vaddr  uint32
		Paddr  uint32
		Filesz uint32
		Memsz  uint32
		Flags  uint32
		Align  uint32
	}

	hdr := header{
		Type:      2,
		Machine:   3,
		Version:   1,
		Entry:     entry,
		Phoff:     testEhdrSize,
		Phentsize: testPhdrSize,
		Phnum:     1,
		Ehsize:    testEhdrSize,
	}
	hdr.Ident[0] = 0x7f
	copy(hdr.Ident[1:4], "ELF")
	hdr.Ident[4] = 1
	hdr.Ident[5] = 1

	require.NoError(t, binary.Write(&buf, binary.LittleEndian, hdr))

	fileOffset := uint32(testEhdrSize + testPhdrSize)
	ph := progHeader{
		Type:   1,
		Offset: fileOffset,
		Vaddr:  paddr,
		Paddr:  paddr,
		Filesz: uint32(len(payload)),
		Memsz:  uint32(len(payload)),
		Flags:  7,
		Align:  0x1000,
	}
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, ph))
	buf.Write(payload)

	return buf.Bytes()
}

func TestExecuteSetsEntryAsSavedEIP(t *testing.T) {
	mgr := newTestManager(t)

	elf := buildELF(t, 0x500000, 0x500000, bytes.Repeat([]byte{0x90}, 0x40))
	node := fs.NewFileNode(elf)
	handle := fs.NewFileHandle(node)

	p := mgr.NewProcess()
	mgr.AddProcess(p)
	mgr.current = p

	require.NoError(t, mgr.Execute(p, handle, nil, nil))
	require.True(t, p.contextChanged)
	require.Equal(t, uint32(0x500000), p.context.EIP)

	next := mgr.Schedule(&InterruptContext{EIP: 0xDEAD})
	require.False(t, p.contextChanged)
	require.Equal(t, uint32(0x500000), next.EIP)
}

func TestExecuteOnNonCurrentProcessLeavesContextChangedUnset(t *testing.T) {
	mgr := newTestManager(t)

	elf := buildELF(t, 0x600000, 0x600000, bytes.Repeat([]byte{0x90}, 0x10))
	node := fs.NewFileNode(elf)
	handle := fs.NewFileHandle(node)

	p := mgr.NewProcess()
	p.addressSpace = memory.New(mgr.phys)
	mgr.AddProcess(p)

	require.NoError(t, mgr.Execute(p, handle, nil, nil))
	require.False(t, p.contextChanged)
	require.Equal(t, uint32(0x600000), p.context.EIP)
}
