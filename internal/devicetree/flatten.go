package devicetree

import (
	"fmt"

	"github.com/u-root/uio/uio"
)

// Flattened layout, little endian:
//
//	node:     nProperties u32, nChildren u32, properties..., children...
//	property: name [32]byte, length u32, value padded to 4 bytes
const (
	nodeHeaderSize     = 8
	propertyHeaderSize = PropNameLength + 4
)

func roundToWord(n int) int { return (n + 3) &^ 3 }

// FlattenedSize returns the number of bytes Flatten will produce.
func (t *Tree) FlattenedSize() int {
	return flattenedSize(t.root)
}

func flattenedSize(n *Node) int {
	size := nodeHeaderSize
	for _, p := range n.props {
		size += propertyHeaderSize + roundToWord(len(p.Value))
	}
	for _, c := range n.children {
		size += flattenedSize(c)
	}
	return size
}

// FlattenInto serialises the tree into buf and returns the bytes used.
// buf must hold at least FlattenedSize bytes.
func (t *Tree) FlattenInto(buf []byte) (int, error) {
	size := t.FlattenedSize()
	if len(buf) < size {
		return 0, fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(buf), size)
	}
	w := uio.NewLittleEndianBuffer(buf[:0:size])
	flattenNode(w, t.root)
	return len(w.Data()), nil
}

// Flatten serialises the tree into a new buffer.
func (t *Tree) Flatten() []byte {
	buf := make([]byte, t.FlattenedSize())
	n, _ := t.FlattenInto(buf)
	return buf[:n]
}

func flattenNode(w *uio.Lexer, n *Node) {
	w.Write32(uint32(len(n.props)))
	w.Write32(uint32(len(n.children)))
	for _, p := range n.props {
		var name [PropNameLength]byte
		copy(name[:], p.Name)
		w.WriteBytes(name[:])
		w.Write32(uint32(len(p.Value)))
		w.WriteBytes(p.Value)
		if pad := roundToWord(len(p.Value)) - len(p.Value); pad > 0 {
			w.WriteBytes(make([]byte, pad))
		}
	}
	for _, c := range n.children {
		flattenNode(w, c)
	}
}
