// Package devicetree builds the named configuration tree handed to the
// kernel. Nodes hold ordered, named byte properties; the tree is flattened
// into one contiguous buffer just before control transfer.
package devicetree

import (
	"errors"
	"fmt"
	"strings"
)

// PropNameLength is the fixed size of a property name field in the
// flattened form, including the terminating NUL.
const PropNameLength = 32

// NameProperty holds every node's own name.
const NameProperty = "name"

var (
	ErrNameTooLong = errors.New("property name too long")
	ErrShortBuffer = errors.New("buffer too small for flattened tree")
)

// Property is a named byte value. Values are copied on insertion.
type Property struct {
	Name  string
	Value []byte
}

// Node is a device tree node.
type Node struct {
	name     string
	parent   *Node
	props    []Property
	children []*Node
}

// Tree owns the root node.
type Tree struct {
	root *Node
}

// New returns a tree holding only the root node "/".
func New() *Tree {
	t := &Tree{}
	t.root = newNode(nil, "/")
	return t
}

func newNode(parent *Node, name string) *Node {
	n := &Node{name: name, parent: parent}
	// Names are short path components; this cannot exceed the limit.
	_ = n.AddProperty(NameProperty, append([]byte(name), 0))
	return n
}

// Root returns the root node.
func (t *Tree) Root() *Node { return t.root }

// FindNode resolves a slash separated path from the root. Missing
// components are created when create is set; otherwise FindNode returns nil.
func (t *Tree) FindNode(path string, create bool) *Node {
	node := t.root
	for _, component := range strings.Split(path, "/") {
		if component == "" {
			continue
		}
		child := node.Child(component)
		if child == nil {
			if !create {
				return nil
			}
			child = node.AddChild(component)
		}
		node = child
	}
	return node
}

// Walk visits every node depth first, parents before children, children
// in insertion order. A non-nil error from fn stops the walk.
func (t *Tree) Walk(fn func(n *Node) error) error {
	return walk(t.root, fn)
}

func walk(n *Node, fn func(n *Node) error) error {
	if err := fn(n); err != nil {
		return err
	}
	for _, c := range n.children {
		if err := walk(c, fn); err != nil {
			return err
		}
	}
	return nil
}

// AddChild appends a new child called name.
func (n *Node) AddChild(name string) *Node {
	child := newNode(n, name)
	n.children = append(n.children, child)
	return child
}

// AddProperty appends a property. Property names must fit the flattened
// name field with room for a NUL.
func (n *Node) AddProperty(name string, value []byte) error {
	if len(name) >= PropNameLength {
		return fmt.Errorf("%w: %q on %s", ErrNameTooLong, name, n.Path())
	}
	n.props = append(n.props, Property{Name: name, Value: append([]byte(nil), value...)})
	return nil
}

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// Parent returns the parent node, or nil for the root.
func (n *Node) Parent() *Node { return n.parent }

// Path returns the absolute path of n.
func (n *Node) Path() string {
	if n.parent == nil {
		return "/"
	}
	parent := n.parent.Path()
	if parent == "/" {
		return "/" + n.name
	}
	return parent + "/" + n.name
}

// Properties returns the properties in insertion order.
func (n *Node) Properties() []Property {
	return append([]Property(nil), n.props...)
}

// Property returns the value of the first property called name.
func (n *Node) Property(name string) ([]byte, bool) {
	for _, p := range n.props {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

// Children returns the children in insertion order.
func (n *Node) Children() []*Node {
	return append([]*Node(nil), n.children...)
}

// Child returns the first child called name, or nil.
func (n *Node) Child(name string) *Node {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}
