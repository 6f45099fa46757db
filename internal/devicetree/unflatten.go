package devicetree

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/u-root/uio/uio"
)

var ErrMalformed = errors.New("malformed flattened device tree")

// maxDepth bounds recursion when reading untrusted buffers.
const maxDepth = 64

// Unflatten parses a flattened tree. It returns the tree and the number of
// bytes consumed. Node names come from each node's name property.
func Unflatten(b []byte) (*Tree, int, error) {
	r := uio.NewLittleEndianBuffer(b)
	root, err := readNode(r, nil, 0)
	if err != nil {
		return nil, 0, err
	}
	return &Tree{root: root}, len(b) - r.Len(), nil
}

func readNode(r *uio.Lexer, parent *Node, depth int) (*Node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrMalformed, maxDepth)
	}
	nProps := r.Read32()
	nChildren := r.Read32()
	if err := r.Error(); err != nil {
		return nil, fmt.Errorf("%w: node header: %v", ErrMalformed, err)
	}
	if uint64(nProps)*propertyHeaderSize+uint64(nChildren)*nodeHeaderSize > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: %d properties and %d children do not fit in %d bytes", ErrMalformed, nProps, nChildren, r.Len())
	}

	n := &Node{parent: parent}
	for i := uint32(0); i < nProps; i++ {
		rawName := r.Consume(PropNameLength)
		length := r.Read32()
		if err := r.Error(); err != nil {
			return nil, fmt.Errorf("%w: property header: %v", ErrMalformed, err)
		}
		if uint64(roundToWord(int(length))) > uint64(r.Len()) {
			return nil, fmt.Errorf("%w: property value of %d bytes past end of buffer", ErrMalformed, length)
		}
		value := r.CopyN(int(length))
		r.Consume(roundToWord(int(length)) - int(length))
		if err := r.Error(); err != nil {
			return nil, fmt.Errorf("%w: property value: %v", ErrMalformed, err)
		}
		n.props = append(n.props, Property{Name: cstring(rawName), Value: value})
	}
	if name, ok := n.Property(NameProperty); ok {
		n.name = cstring(name)
	}

	for i := uint32(0); i < nChildren; i++ {
		child, err := readNode(r, n, depth+1)
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, child)
	}
	return n, nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
