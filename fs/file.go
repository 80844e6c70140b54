// Package fs implements the kernel's regular-file node: a sized heap
// buffer with positional read/write under a mutex, and the non-owning
// handle that process descriptor tables reference it by. There is no
// directory tree, no inode numbers, no path resolution: every file here
// is an in-memory blob supplied at boot (a module image, or one of the
// standard streams) and reached directly through a descriptor slot.
package fs

import (
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"

	"github.com/carverh/dennix/kernelerr"
)

// FileNode is an in-memory regular file: module images supplied by the
// boot loader and the three standard streams are all backed by one of
// these. Every read and write is serialized by mu; growth is exact, never
// geometric, since the kernel has no allocator pressure to amortize at
// this scale.
type FileNode struct {
	mu   sync.Mutex
	data []byte
}

// NewFileNode allocates a FileNode whose backing storage is a copy of buf.
// A freshly booted module image is loaded this way.
func NewFileNode(buf []byte) *FileNode {
	data := make([]byte, len(buf))
	copy(data, buf)
	return &FileNode{data: data}
}

// IsSeekable reports whether the node supports positional I/O. Always
// true: FileNode has no other kind today.
func (f *FileNode) IsSeekable() bool {
	return true
}

// Size returns the live length of the backing buffer.
func (f *FileNode) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

// Read copies min(len(buf), max(0, fileSize-offset)) bytes from the node
// into buf starting at offset, and returns the number of bytes copied.
// Reads past end-of-file are clamped to zero rather than erroring.
func (f *FileNode) Read(buf []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, errors.Wrap(kernelerr.Inval, "read: negative offset")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if offset >= int64(len(f.data)) {
		return 0, nil
	}

	n := copy(buf, f.data[offset:])
	return n, nil
}

// Write copies len(buf) bytes into the node at offset, growing the
// backing storage exactly to offset+len(buf) if that exceeds the current
// size. Writes never shrink the node.
func (f *FileNode) Write(buf []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, errors.Wrap(kernelerr.Inval, "write: negative offset")
	}

	size := int64(len(buf))

	newSize := offset + size
	if newSize < offset {
		// offset+size overflowed the offset type.
		return 0, errors.Wrap(kernelerr.Nospc, "write: offset+size overflow")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if newSize > int64(len(f.data)) {
		grown := make([]byte, newSize)
		copy(grown, f.data)
		f.data = grown
	}

	copy(f.data[offset:], buf)
	return len(buf), nil
}

// DebugDump renders the node's current state for trace logging.
func (f *FileNode) DebugDump() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return spew.Sdump(struct {
		Size int
	}{Size: len(f.data)})
}
