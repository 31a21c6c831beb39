// Package graph defines the property-graph data model and the datastore
// capability contract that storage backends implement.
//
// The model is deliberately small:
//   - Vertex: a 128-bit id plus an immutable type label
//   - Edge: a directed (outbound, type, inbound) triple plus an update timestamp
//   - Property: a named JSON value owned by a vertex or an edge
//
// Graph structure is never held as in-memory object references. Vertices and
// edges refer to each other only by id, and traversal is always answered by the
// backing store.
//
// Example Usage:
//
//	person, _ := graph.NewIdentifier("person")
//	alice := graph.NewVertex(person)
//	bob := graph.NewVertex(person)
//
//	ds.CreateVertex(alice)
//	ds.CreateVertex(bob)
//
//	knows, _ := graph.NewIdentifier("knows")
//	ds.CreateEdge(graph.EdgeKey{OutboundID: alice.ID, Type: knows, InboundID: bob.ID})
package graph

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxIdentifierLength is the longest identifier that can be stored. Identifiers
// are length-prefixed with a single byte in the key space.
const MaxIdentifierLength = 255

// Identifier is a validated name used for vertex types, edge types and
// property names.
//
// Valid identifiers are 1-255 bytes of ASCII letters, digits, '-' and '_'.
// Keeping the alphabet small means identifiers never need escaping when they
// are embedded in keys.
type Identifier string

// NewIdentifier validates s and returns it as an Identifier.
func NewIdentifier(s string) (Identifier, error) {
	if err := validateIdentifier(s); err != nil {
		return "", err
	}
	return Identifier(s), nil
}

// MustIdentifier is like NewIdentifier but panics on invalid input.
// Intended for constants and tests.
func MustIdentifier(s string) Identifier {
	id, err := NewIdentifier(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Validate reports whether the identifier is well formed.
func (i Identifier) Validate() error {
	return validateIdentifier(string(i))
}

func (i Identifier) String() string {
	return string(i)
}

func validateIdentifier(s string) error {
	if len(s) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if len(s) > MaxIdentifierLength {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidIdentifier, len(s), MaxIdentifierLength)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return fmt.Errorf("%w: invalid character %q", ErrInvalidIdentifier, c)
		}
	}
	return nil
}

// Vertex is a typed node. The type is fixed at creation.
type Vertex struct {
	ID   uuid.UUID  `json:"id"`
	Type Identifier `json:"type"`
}

// NewVertex returns a vertex with a fresh time-ordered id.
//
// UUIDv7 ids sort by creation time, so range scans over the vertex partition
// visit vertices roughly in insertion order.
func NewVertex(t Identifier) Vertex {
	return Vertex{ID: newID(), Type: t}
}

// NewVertexWithID returns a vertex with a caller-chosen id.
func NewVertexWithID(id uuid.UUID, t Identifier) Vertex {
	return Vertex{ID: id, Type: t}
}

func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source fails.
		return uuid.New()
	}
	return id
}

// EdgeKey identifies an edge. At most one live edge exists per key.
type EdgeKey struct {
	OutboundID uuid.UUID  `json:"outbound_id"`
	Type       Identifier `json:"type"`
	InboundID  uuid.UUID  `json:"inbound_id"`
}

// Reversed swaps the endpoints. Used for inbound-edge cursors.
func (k EdgeKey) Reversed() EdgeKey {
	return EdgeKey{OutboundID: k.InboundID, Type: k.Type, InboundID: k.OutboundID}
}

func (k EdgeKey) String() string {
	return fmt.Sprintf("(%s)-[%s]->(%s)", k.OutboundID, k.Type, k.InboundID)
}

// Edge is a stored relationship. UpdatedAt is refreshed every time the same
// key is created again.
type Edge struct {
	Key       EdgeKey   `json:"key"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VertexProperty is a named value attached to a vertex.
type VertexProperty struct {
	ID    uuid.UUID  `json:"id"`
	Name  Identifier `json:"name"`
	Value any        `json:"value"`
}

// EdgeProperty is a named value attached to an edge.
type EdgeProperty struct {
	Key   EdgeKey    `json:"key"`
	Name  Identifier `json:"name"`
	Value any        `json:"value"`
}

// NamedProperty is a property without its owner, as returned by owner scans.
type NamedProperty struct {
	Name  Identifier `json:"name"`
	Value any        `json:"value"`
}

// EdgeQuery describes an outbound or inbound edge scan.
//
// Type narrows the scan to one edge type. Cursor resumes a previous page: the
// scan starts strictly after it. Cursor is always expressed in the orientation
// of the returned edges (outbound, type, inbound). Limit <= 0 means unbounded.
// High, when set, keeps only edges whose UpdatedAt is at or before it.
type EdgeQuery struct {
	VertexID uuid.UUID
	Type     *Identifier
	Cursor   *EdgeKey
	Limit    int
	High     *time.Time
}

// EdgePage is one page of an edge scan. Next is nil when the scan is exhausted
// and otherwise holds the cursor for the following page.
type EdgePage struct {
	Edges []Edge
	Next  *EdgeKey
}

// PropertyMatches holds the owners found by a property-equality lookup.
type PropertyMatches struct {
	Vertices []Vertex
	Edges    []Edge
}

// BulkItemKind tags the record carried by a BulkItem.
type BulkItemKind int

const (
	BulkVertex BulkItemKind = iota
	BulkEdge
	BulkVertexProperty
	BulkEdgeProperty
)

func (k BulkItemKind) String() string {
	switch k {
	case BulkVertex:
		return "vertex"
	case BulkEdge:
		return "edge"
	case BulkVertexProperty:
		return "vertex_property"
	case BulkEdgeProperty:
		return "edge_property"
	default:
		return fmt.Sprintf("BulkItemKind(%d)", int(k))
	}
}

// BulkItem is one record for the bulk loader. Only the field matching Kind is read.
type BulkItem struct {
	Kind           BulkItemKind
	Vertex         Vertex
	Edge           Edge
	VertexProperty VertexProperty
	EdgeProperty   EdgeProperty
}

// VertexItem wraps a vertex as a BulkItem.
func VertexItem(v Vertex) BulkItem {
	return BulkItem{Kind: BulkVertex, Vertex: v}
}

// EdgeItem wraps an edge as a BulkItem. A zero UpdatedAt is filled in by the loader.
func EdgeItem(key EdgeKey, updatedAt time.Time) BulkItem {
	return BulkItem{Kind: BulkEdge, Edge: Edge{Key: key, UpdatedAt: updatedAt}}
}

// VertexPropertyItem wraps a vertex property as a BulkItem.
func VertexPropertyItem(id uuid.UUID, name Identifier, value any) BulkItem {
	return BulkItem{Kind: BulkVertexProperty, VertexProperty: VertexProperty{ID: id, Name: name, Value: value}}
}

// EdgePropertyItem wraps an edge property as a BulkItem.
func EdgePropertyItem(key EdgeKey, name Identifier, value any) BulkItem {
	return BulkItem{Kind: BulkEdgeProperty, EdgeProperty: EdgeProperty{Key: key, Name: name, Value: value}}
}
