// Package tree holds the intermediate form an export is built in before
// it is serialized to XML.
//
// Nodes are tagged variants stored in an arena and referenced by integer
// handles. The arena makes the cross-reference structure explicit: a
// record that appears in several places of an export is one node with
// many handles pointing at it, and cycle breaking is a cache lookup on
// the node key rather than pointer identity.
package tree

import (
	"fmt"
	"sync"
)

// Handle references a node in an Arena. The zero Handle is invalid and
// doubles as "no node".
type Handle int32

// None is the absent handle.
const None Handle = 0

// Kind tags a node variant. Only these four occur; the serializer
// rejects anything else.
type Kind int

const (
	KindObject Kind = iota + 1
	KindProperty
	KindTable
	KindRow
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindProperty:
		return "property"
	case KindTable:
		return "table"
	case KindRow:
		return "row"
	}
	return "invalid"
}

// Node is one export tree node. Which fields are meaningful depends on
// Kind:
//
//   - Object: Model, RecID, Type, RuleCode, UUID, NoReplace, DontCreate,
//     LinkKeys (search-key properties), Children (properties and tables).
//   - Property: Name, Type, RuleCode, and exactly one of Value (scalar),
//     Empty, or Ref (a nested Object).
//   - Table: Name, Children (rows).
//   - Row: Children (properties).
//
// Npp is assigned to Object nodes during serialization and is zero
// until then.
type Node struct {
	Kind Kind

	Name     string
	Type     string
	RuleCode string

	Model string
	RecID int64
	UUID  string

	NoReplace   bool
	DontCreate  bool
	RefUUIDOnly bool

	ParamName string // serialize a property as ЗначениеПараметра under this name

	Value any
	Empty bool

	Ref      Handle
	LinkKeys []Handle
	Children []Handle

	Npp int
}

// Arena owns the nodes of one export run. It is not safe for concurrent
// use; an export builds its tree from a single goroutine.
type Arena struct {
	nodes []Node
}

// NewArena creates an arena. Index 0 is a sentinel so that the zero
// Handle never names a real node.
func NewArena() *Arena {
	return &Arena{nodes: make([]Node, 1)}
}

// New appends a node and returns its handle.
func (a *Arena) New(n Node) Handle {
	a.nodes = append(a.nodes, n)
	return Handle(len(a.nodes) - 1)
}

// At returns a mutable pointer to the node behind h. It panics on an
// invalid handle; handles only come from New, so an invalid one is a
// bug, not an input error.
func (a *Arena) At(h Handle) *Node {
	if h <= 0 || int(h) >= len(a.nodes) {
		panic(fmt.Sprintf("tree: invalid handle %d (arena size %d)", h, len(a.nodes)))
	}
	return &a.nodes[h]
}

// Len returns the number of live nodes.
func (a *Arena) Len() int { return len(a.nodes) - 1 }

// Key identifies an exported record for cycle breaking: the conversion
// rule it was exported through plus the record identity.
type Key struct {
	RuleCode string
	Model    string
	RecID    int64
}

func (k Key) String() string {
	return fmt.Sprintf("r:%s o:%s id:%d", k.RuleCode, k.Model, k.RecID)
}

// Cache maps export keys to handles. The builder consults it before
// descending into a referenced record; a hit means the record is
// already in the tree and only a back reference is needed, which is
// what terminates reference cycles.
type Cache struct {
	mu sync.Mutex
	m  map[Key]Handle
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{m: make(map[Key]Handle)}
}

// Lookup returns the handle cached for k, or None.
func (c *Cache) Lookup(k Key) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[k]
}

// Store records k -> h. Later stores win; the builder only stores once
// per key.
func (c *Cache) Store(k Key, h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[k] = h
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
