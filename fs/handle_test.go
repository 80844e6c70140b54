package fs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileHandleCloneSharesNode(t *testing.T) {
	node := NewFileNode([]byte("shared"))
	h1 := NewFileHandle(node)
	h2 := h1.Clone()

	require.Same(t, h1.Node(), h2.Node())

	_, err := h2.Node().Write([]byte("X"), 0)
	require.NoError(t, err)

	buf := make([]byte, 1)
	_, err = h1.Node().Read(buf, 0)
	require.NoError(t, err)
	require.Equal(t, byte('X'), buf[0])
}
