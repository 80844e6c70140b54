package fs

// FileHandle is a non-owning reference to a FileNode. Process descriptor
// tables hold these, not FileNodes directly, so that stdin/stdout/stderr
// can all point at the same terminal node, and root and cwd at the same
// root node, without anyone racing to free it.
//
// There is no shared refcount to the node: nodes backing boot modules and
// the terminal have static, boot-bound lifetimes, so destroying a handle
// is a no-op with respect to node storage.
type FileHandle struct {
	node *FileNode
}

// NewFileHandle wraps node in a fresh handle.
func NewFileHandle(node *FileNode) *FileHandle {
	return &FileHandle{node: node}
}

// Node returns the FileNode this handle refers to.
func (h *FileHandle) Node() *FileNode {
	return h.node
}

// Clone returns an independent handle to the same underlying node.
// Mutating one clone's node contents is observable through every other
// clone, by design: fork relies on this.
func (h *FileHandle) Clone() *FileHandle {
	return &FileHandle{node: h.node}
}
