// Package keys maps graph entities to ordered byte keys and back.
//
// The whole store lives in a single key space split into partitions by the
// first byte of each key:
//
//	0x01 vertex           01 id                           -> type
//	0x02 edge             02 out len(t) t in              -> updated-at
//	0x03 reverse edge     03 in len(t) t out              -> updated-at
//	0x04 vertex property  04 id len(n) n                  -> canonical JSON
//	0x05 edge property    05 out len(t) t in len(n) n     -> canonical JSON
//	0x06 type index       06 kind len(t) t owner          -> empty
//	0x07 value index      07 kind len(n) n hash[32] owner -> empty
//	                      07 00 len(n) n                  -> empty (index declaration)
//	                      07 03 len(n) n                  -> empty (property name guard)
//
// Ids are 16 raw UUID bytes, so byte order equals id order. Identifiers are
// prefixed with a one-byte length. Within a partition keys therefore sort by
// first id, then by type (shorter types first, then bytewise), then by second
// id. Every range query in the storage layer depends on this ordering.
//
// The prefixes and field order are the on-disk format. Changing either is a
// breaking change and no migration is provided.
package keys

import (
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/orneryd/graphkv/pkg/graph"
)

// Partition prefixes.
const (
	PrefixVertex         = byte(0x01)
	PrefixEdge           = byte(0x02)
	PrefixReverseEdge    = byte(0x03)
	PrefixVertexProperty = byte(0x04)
	PrefixEdgeProperty   = byte(0x05)
	PrefixTypeIndex      = byte(0x06)
	PrefixValueIndex     = byte(0x07)
)

// OwnerKind distinguishes vertex-owned from edge-owned index entries.
type OwnerKind byte

const (
	ownerDeclaration = OwnerKind(0x00)
	OwnerVertex      = OwnerKind(0x01)
	OwnerEdge        = OwnerKind(0x02)
	ownerNameGuard   = OwnerKind(0x03)
)

const (
	idLen   = 16
	HashLen = blake2b.Size256
)

// Owner is the decoded owner part of an index key.
type Owner struct {
	Kind     OwnerKind
	VertexID uuid.UUID
	Edge     graph.EdgeKey
}

// PartitionName returns a human readable name for the partition a key belongs to.
func PartitionName(key []byte) string {
	if len(key) == 0 {
		return "empty"
	}
	switch key[0] {
	case PrefixVertex:
		return "vertex"
	case PrefixEdge:
		return "edge"
	case PrefixReverseEdge:
		return "reverse-edge"
	case PrefixVertexProperty:
		return "vertex-property"
	case PrefixEdgeProperty:
		return "edge-property"
	case PrefixTypeIndex:
		return "type-index"
	case PrefixValueIndex:
		return "value-index"
	default:
		return "unknown"
	}
}

func appendID(buf []byte, id uuid.UUID) []byte {
	return append(buf, id[:]...)
}

func appendIdent(buf []byte, s graph.Identifier) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func appendEdge(buf []byte, first uuid.UUID, t graph.Identifier, second uuid.UUID) []byte {
	buf = appendID(buf, first)
	buf = appendIdent(buf, t)
	return appendID(buf, second)
}

func edgeLen(t graph.Identifier) int {
	return idLen + 1 + len(t) + idLen
}

// ============================================================================
// Vertices
// ============================================================================

// Vertex returns the primary key of a vertex.
func Vertex(id uuid.UUID) []byte {
	key := make([]byte, 0, 1+idLen)
	key = append(key, PrefixVertex)
	return appendID(key, id)
}

// VertexPrefix covers the whole vertex partition.
func VertexPrefix() []byte {
	return []byte{PrefixVertex}
}

// VertexValue encodes the stored value of a vertex.
func VertexValue(t graph.Identifier) []byte {
	return []byte(t)
}

// ============================================================================
// Edges
// ============================================================================

// Edge returns the primary key of an edge.
func Edge(k graph.EdgeKey) []byte {
	key := make([]byte, 0, 1+edgeLen(k.Type))
	key = append(key, PrefixEdge)
	return appendEdge(key, k.OutboundID, k.Type, k.InboundID)
}

// ReverseEdge returns the reverse-partition key of an edge, ordered by inbound id.
func ReverseEdge(k graph.EdgeKey) []byte {
	key := make([]byte, 0, 1+edgeLen(k.Type))
	key = append(key, PrefixReverseEdge)
	return appendEdge(key, k.InboundID, k.Type, k.OutboundID)
}

// EdgePartitionPrefix covers the whole edge partition.
func EdgePartitionPrefix() []byte {
	return []byte{PrefixEdge}
}

// OutboundPrefix covers every edge leaving id.
func OutboundPrefix(id uuid.UUID) []byte {
	return appendID([]byte{PrefixEdge}, id)
}

// OutboundTypePrefix covers every edge of type t leaving id.
func OutboundTypePrefix(id uuid.UUID, t graph.Identifier) []byte {
	return appendIdent(OutboundPrefix(id), t)
}

// InboundPrefix covers every edge entering id.
func InboundPrefix(id uuid.UUID) []byte {
	return appendID([]byte{PrefixReverseEdge}, id)
}

// InboundTypePrefix covers every edge of type t entering id.
func InboundTypePrefix(id uuid.UUID, t graph.Identifier) []byte {
	return appendIdent(InboundPrefix(id), t)
}

// ============================================================================
// Properties
// ============================================================================

// VertexProperty returns the key of a vertex property.
func VertexProperty(id uuid.UUID, name graph.Identifier) []byte {
	key := make([]byte, 0, 1+idLen+1+len(name))
	key = append(key, PrefixVertexProperty)
	key = appendID(key, id)
	return appendIdent(key, name)
}

// VertexPropertyPrefix covers every property of one vertex.
func VertexPropertyPrefix(id uuid.UUID) []byte {
	return appendID([]byte{PrefixVertexProperty}, id)
}

// VertexPropertyPartitionPrefix covers every vertex property.
func VertexPropertyPartitionPrefix() []byte {
	return []byte{PrefixVertexProperty}
}

// EdgeProperty returns the key of an edge property.
func EdgeProperty(k graph.EdgeKey, name graph.Identifier) []byte {
	key := make([]byte, 0, 1+edgeLen(k.Type)+1+len(name))
	key = append(key, PrefixEdgeProperty)
	key = appendEdge(key, k.OutboundID, k.Type, k.InboundID)
	return appendIdent(key, name)
}

// EdgePropertyPrefix covers every property of one edge.
func EdgePropertyPrefix(k graph.EdgeKey) []byte {
	key := make([]byte, 0, 1+edgeLen(k.Type))
	key = append(key, PrefixEdgeProperty)
	return appendEdge(key, k.OutboundID, k.Type, k.InboundID)
}

// EdgePropertyPartitionPrefix covers every edge property.
func EdgePropertyPartitionPrefix() []byte {
	return []byte{PrefixEdgeProperty}
}

// ============================================================================
// Type index
// ============================================================================

// VertexTypeIndex returns the type-index key for a vertex.
func VertexTypeIndex(t graph.Identifier, id uuid.UUID) []byte {
	return appendID(VertexTypeIndexPrefix(t), id)
}

// VertexTypeIndexPrefix covers every vertex of type t.
func VertexTypeIndexPrefix(t graph.Identifier) []byte {
	return appendIdent([]byte{PrefixTypeIndex, byte(OwnerVertex)}, t)
}

// EdgeTypeIndex returns the type-index key for an edge.
func EdgeTypeIndex(k graph.EdgeKey) []byte {
	return appendEdge(EdgeTypeIndexPrefix(k.Type), k.OutboundID, k.Type, k.InboundID)
}

// EdgeTypeIndexPrefix covers every edge of type t.
func EdgeTypeIndexPrefix(t graph.Identifier) []byte {
	return appendIdent([]byte{PrefixTypeIndex, byte(OwnerEdge)}, t)
}

// ============================================================================
// Value index
// ============================================================================

// ValueHash returns the fixed-width digest used to place a canonical value in
// the value index.
func ValueHash(canonical []byte) [HashLen]byte {
	return blake2b.Sum256(canonical)
}

// ValueIndexPrefix covers every owner of the given kind whose property name
// hashes to h.
func ValueIndexPrefix(kind OwnerKind, name graph.Identifier, h [HashLen]byte) []byte {
	key := make([]byte, 0, 2+1+len(name)+HashLen+idLen)
	key = append(key, PrefixValueIndex, byte(kind))
	key = appendIdent(key, name)
	return append(key, h[:]...)
}

// VertexValueIndex returns the value-index key for a vertex property.
func VertexValueIndex(name graph.Identifier, h [HashLen]byte, id uuid.UUID) []byte {
	return appendID(ValueIndexPrefix(OwnerVertex, name, h), id)
}

// EdgeValueIndex returns the value-index key for an edge property.
func EdgeValueIndex(name graph.Identifier, h [HashLen]byte, k graph.EdgeKey) []byte {
	return appendEdge(ValueIndexPrefix(OwnerEdge, name, h), k.OutboundID, k.Type, k.InboundID)
}

// IndexDeclaration returns the key recording that name is indexed.
func IndexDeclaration(name graph.Identifier) []byte {
	return appendIdent(IndexDeclarationPrefix(), name)
}

// IndexDeclarationPrefix covers every index declaration.
func IndexDeclarationPrefix() []byte {
	return []byte{PrefixValueIndex, byte(ownerDeclaration)}
}

// PropertyGuard returns the key every write to a property called name also
// writes. Declaring an index reads it, so a backfill that races a property
// write fails its commit with a conflict instead of missing the write.
func PropertyGuard(name graph.Identifier) []byte {
	return appendIdent([]byte{PrefixValueIndex, byte(ownerNameGuard)}, name)
}

// ============================================================================
// Cursors
// ============================================================================

// Successor returns the smallest key strictly greater than key.
func Successor(key []byte) []byte {
	next := make([]byte, len(key)+1)
	copy(next, key)
	return next
}
