// Package index derives secondary-index maintenance from primary mutations.
//
// The Manager never writes. Each operation reads the current state through a
// Reader and returns the complete list of key deltas (primary records plus
// every type-index and value-index entry they imply). The storage layer
// commits that list as one atomic batch, so indexes are never observed out of
// step with the records they describe.
//
// Two indexes are maintained:
//   - type index: every vertex and edge, keyed by its type
//   - value index: every property whose name was declared with IndexProperty,
//     keyed by name and a hash of the canonical value
//
// Properties whose names are not declared have no value-index entries;
// equality lookups on them fall back to a full scan in the query layer.
//
// Every delta set that writes or removes a property also puts the name's
// guard key (keys.PropertyGuard), and every writer reads the declaration of
// each name it touches with Get. IndexProperty reads the guard. Between them
// a backfill and a concurrent property write always share a read-write key,
// so one of the two commits fails with a conflict rather than leaving the
// value index short of an entry.
package index

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/graphkv/pkg/graph"
	"github.com/orneryd/graphkv/pkg/keys"
)

// Reader is the read access the Manager needs. Implementations must show
// writes already staged in the same transaction.
//
// Scan callbacks must not call back into the Reader; the storage engine allows
// only one open iterator per read-write transaction. The key and value slices
// are only valid during the callback.
type Reader interface {
	// Get returns the value stored at key and whether it exists.
	Get(key []byte) ([]byte, bool, error)
	// Scan visits every key with the given prefix in ascending order.
	Scan(prefix []byte, fn func(key, value []byte) error) error
}

// Manager computes delta sets. It holds no state and is safe for concurrent use.
type Manager struct{}

// NewManager returns a Manager.
func NewManager() *Manager {
	return &Manager{}
}

// ============================================================================
// Blind insert deltas (shared with the bulk loader)
// ============================================================================

// VertexInsert returns the deltas that store a new vertex.
func VertexInsert(v graph.Vertex) []keys.Delta {
	return []keys.Delta{
		keys.Put(keys.Vertex(v.ID), keys.VertexValue(v.Type)),
		keys.Put(keys.VertexTypeIndex(v.Type, v.ID), nil),
	}
}

// EdgeInsert returns the deltas that store an edge with the given timestamp.
func EdgeInsert(k graph.EdgeKey, ts time.Time) []keys.Delta {
	encoded := keys.EncodeTime(ts)
	return []keys.Delta{
		keys.Put(keys.Edge(k), encoded),
		keys.Put(keys.ReverseEdge(k), encoded),
		keys.Put(keys.EdgeTypeIndex(k), nil),
	}
}

// VertexPropertyInsert returns the deltas that store a vertex property whose
// value is already canonical JSON.
func VertexPropertyInsert(id uuid.UUID, name graph.Identifier, canonical []byte, indexed bool) []keys.Delta {
	deltas := []keys.Delta{keys.Put(keys.VertexProperty(id, name), canonical)}
	if indexed {
		deltas = append(deltas, keys.Put(keys.VertexValueIndex(name, keys.ValueHash(canonical), id), nil))
	}
	return deltas
}

// EdgePropertyInsert returns the deltas that store an edge property whose
// value is already canonical JSON.
func EdgePropertyInsert(k graph.EdgeKey, name graph.Identifier, canonical []byte, indexed bool) []keys.Delta {
	deltas := []keys.Delta{keys.Put(keys.EdgeProperty(k, name), canonical)}
	if indexed {
		deltas = append(deltas, keys.Put(keys.EdgeValueIndex(name, keys.ValueHash(canonical), k), nil))
	}
	return deltas
}

// ============================================================================
// Index declarations
// ============================================================================

// IsIndexed reports whether name has been declared as an indexed property.
func (m *Manager) IsIndexed(r Reader, name graph.Identifier) (bool, error) {
	_, ok, err := r.Get(keys.IndexDeclaration(name))
	return ok, err
}

// declarations answers IsIndexed at most once per name for one delta set.
type declarations struct {
	m     *Manager
	r     Reader
	known map[graph.Identifier]bool
}

func (m *Manager) declarations(r Reader) *declarations {
	return &declarations{m: m, r: r, known: make(map[graph.Identifier]bool)}
}

func (d *declarations) indexed(name graph.Identifier) (bool, error) {
	if ok, seen := d.known[name]; seen {
		return ok, nil
	}
	ok, err := d.m.IsIndexed(d.r, name)
	if err != nil {
		return false, err
	}
	d.known[name] = ok
	return ok, nil
}

func guard(name graph.Identifier) keys.Delta {
	return keys.Put(keys.PropertyGuard(name), nil)
}

// IndexedNames returns every declared property name.
func (m *Manager) IndexedNames(r Reader) (map[graph.Identifier]bool, error) {
	names := make(map[graph.Identifier]bool)
	err := r.Scan(keys.IndexDeclarationPrefix(), func(key, _ []byte) error {
		name, err := keys.DecodeIndexDeclaration(key)
		if err != nil {
			return err
		}
		names[name] = true
		return nil
	})
	return names, err
}

// IndexProperty declares name as indexed and emits value-index entries for
// every existing vertex and edge property with that name. It returns false
// when name is already declared.
func (m *Manager) IndexProperty(r Reader, name graph.Identifier) ([]keys.Delta, bool, error) {
	if err := name.Validate(); err != nil {
		return nil, false, err
	}
	indexed, err := m.IsIndexed(r, name)
	if err != nil || indexed {
		return nil, false, err
	}
	if _, _, err := r.Get(keys.PropertyGuard(name)); err != nil {
		return nil, false, err
	}

	deltas := []keys.Delta{keys.Put(keys.IndexDeclaration(name), nil)}

	err = r.Scan(keys.VertexPropertyPartitionPrefix(), func(key, value []byte) error {
		id, pname, err := keys.DecodeVertexProperty(key)
		if err != nil {
			return err
		}
		if pname == name {
			deltas = append(deltas, keys.Put(keys.VertexValueIndex(name, keys.ValueHash(value), id), nil))
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	err = r.Scan(keys.EdgePropertyPartitionPrefix(), func(key, value []byte) error {
		k, pname, err := keys.DecodeEdgeProperty(key)
		if err != nil {
			return err
		}
		if pname == name {
			deltas = append(deltas, keys.Put(keys.EdgeValueIndex(name, keys.ValueHash(value), k), nil))
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return deltas, true, nil
}

// ============================================================================
// Vertices
// ============================================================================

// CreateVertex returns the deltas for inserting v, or false when v.ID exists.
func (m *Manager) CreateVertex(r Reader, v graph.Vertex) ([]keys.Delta, bool, error) {
	if err := v.Type.Validate(); err != nil {
		return nil, false, err
	}
	_, exists, err := r.Get(keys.Vertex(v.ID))
	if err != nil || exists {
		return nil, false, err
	}
	return VertexInsert(v), true, nil
}

type storedProperty struct {
	name  graph.Identifier
	value []byte
}

// DeleteVertex returns the deltas removing the vertex, its type-index entry,
// its properties and their value-index entries, and every edge that starts or
// ends at it together with those edges' own index entries and properties.
// It returns false when the vertex does not exist.
func (m *Manager) DeleteVertex(r Reader, id uuid.UUID) ([]keys.Delta, bool, error) {
	vkey := keys.Vertex(id)
	value, exists, err := r.Get(vkey)
	if err != nil || !exists {
		return nil, false, err
	}
	typ, err := keys.DecodeVertexValue(vkey, value)
	if err != nil {
		return nil, false, err
	}

	decl := m.declarations(r)
	deltas := []keys.Delta{
		keys.Remove(vkey),
		keys.Remove(keys.VertexTypeIndex(typ, id)),
	}

	props, err := collectProperties(r, keys.VertexPropertyPrefix(id), func(key []byte) (graph.Identifier, error) {
		_, name, err := keys.DecodeVertexProperty(key)
		return name, err
	})
	if err != nil {
		return nil, false, err
	}
	for _, p := range props {
		indexed, err := decl.indexed(p.name)
		if err != nil {
			return nil, false, err
		}
		deltas = append(deltas, keys.Remove(keys.VertexProperty(id, p.name)), guard(p.name))
		if indexed {
			deltas = append(deltas, keys.Remove(keys.VertexValueIndex(p.name, keys.ValueHash(p.value), id)))
		}
	}

	var edges []graph.EdgeKey
	err = r.Scan(keys.OutboundPrefix(id), func(key, _ []byte) error {
		k, err := keys.DecodeEdge(key)
		if err != nil {
			return err
		}
		edges = append(edges, k)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	err = r.Scan(keys.InboundPrefix(id), func(key, _ []byte) error {
		k, err := keys.DecodeReverseEdge(key)
		if err != nil {
			return err
		}
		// self loops were already collected from the outbound side
		if k.OutboundID != id {
			edges = append(edges, k)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	for _, k := range edges {
		edgeDeltas, err := m.edgeRemoval(r, k, decl)
		if err != nil {
			return nil, false, err
		}
		deltas = append(deltas, edgeDeltas...)
	}

	return keys.Compact(deltas), true, nil
}

// ============================================================================
// Edges
// ============================================================================

// CreateEdge returns the deltas storing k with timestamp ts. It returns false
// when either endpoint is missing. An existing edge is rewritten in place with
// the new timestamp.
func (m *Manager) CreateEdge(r Reader, k graph.EdgeKey, ts time.Time) ([]keys.Delta, bool, error) {
	if err := k.Type.Validate(); err != nil {
		return nil, false, err
	}
	for _, id := range []uuid.UUID{k.OutboundID, k.InboundID} {
		_, exists, err := r.Get(keys.Vertex(id))
		if err != nil || !exists {
			return nil, false, err
		}
	}
	return EdgeInsert(k, ts), true, nil
}

// DeleteEdge returns the deltas removing k, its index entries and its
// properties. It returns false when the edge does not exist.
func (m *Manager) DeleteEdge(r Reader, k graph.EdgeKey) ([]keys.Delta, bool, error) {
	if err := k.Type.Validate(); err != nil {
		return nil, false, err
	}
	_, exists, err := r.Get(keys.Edge(k))
	if err != nil || !exists {
		return nil, false, err
	}
	deltas, err := m.edgeRemoval(r, k, m.declarations(r))
	if err != nil {
		return nil, false, err
	}
	return keys.Compact(deltas), true, nil
}

func (m *Manager) edgeRemoval(r Reader, k graph.EdgeKey, decl *declarations) ([]keys.Delta, error) {
	deltas := []keys.Delta{
		keys.Remove(keys.Edge(k)),
		keys.Remove(keys.ReverseEdge(k)),
		keys.Remove(keys.EdgeTypeIndex(k)),
	}
	props, err := collectProperties(r, keys.EdgePropertyPrefix(k), func(key []byte) (graph.Identifier, error) {
		_, name, err := keys.DecodeEdgeProperty(key)
		return name, err
	})
	if err != nil {
		return nil, err
	}
	for _, p := range props {
		indexed, err := decl.indexed(p.name)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, keys.Remove(keys.EdgeProperty(k, p.name)), guard(p.name))
		if indexed {
			deltas = append(deltas, keys.Remove(keys.EdgeValueIndex(p.name, keys.ValueHash(p.value), k)))
		}
	}
	return deltas, nil
}

// ============================================================================
// Properties
// ============================================================================

// SetVertexProperty returns the deltas storing value under name on vertex id.
// When the name is indexed the entry for the previous value is removed and one
// for the new value added in the same delta set. It returns false when the
// vertex does not exist.
func (m *Manager) SetVertexProperty(r Reader, id uuid.UUID, name graph.Identifier, value any) ([]keys.Delta, bool, error) {
	if err := name.Validate(); err != nil {
		return nil, false, err
	}
	canonical, err := graph.CanonicalValue(value)
	if err != nil {
		return nil, false, err
	}
	_, exists, err := r.Get(keys.Vertex(id))
	if err != nil || !exists {
		return nil, false, err
	}

	pkey := keys.VertexProperty(id, name)
	old, hadOld, err := r.Get(pkey)
	if err != nil {
		return nil, false, err
	}
	indexed, err := m.IsIndexed(r, name)
	if err != nil {
		return nil, false, err
	}

	deltas := []keys.Delta{guard(name)}
	if indexed && hadOld {
		deltas = append(deltas, keys.Remove(keys.VertexValueIndex(name, keys.ValueHash(old), id)))
	}
	deltas = append(deltas, VertexPropertyInsert(id, name, canonical, indexed)...)
	return keys.Compact(deltas), true, nil
}

// DeleteVertexProperty returns the deltas removing a vertex property and its
// value-index entry. It returns false when the property does not exist.
func (m *Manager) DeleteVertexProperty(r Reader, id uuid.UUID, name graph.Identifier) ([]keys.Delta, bool, error) {
	if err := name.Validate(); err != nil {
		return nil, false, err
	}
	pkey := keys.VertexProperty(id, name)
	old, exists, err := r.Get(pkey)
	if err != nil || !exists {
		return nil, false, err
	}
	deltas := []keys.Delta{keys.Remove(pkey), guard(name)}
	indexed, err := m.IsIndexed(r, name)
	if err != nil {
		return nil, false, err
	}
	if indexed {
		deltas = append(deltas, keys.Remove(keys.VertexValueIndex(name, keys.ValueHash(old), id)))
	}
	return deltas, true, nil
}

// SetEdgeProperty is the edge counterpart of SetVertexProperty.
func (m *Manager) SetEdgeProperty(r Reader, k graph.EdgeKey, name graph.Identifier, value any) ([]keys.Delta, bool, error) {
	if err := name.Validate(); err != nil {
		return nil, false, err
	}
	if err := k.Type.Validate(); err != nil {
		return nil, false, err
	}
	canonical, err := graph.CanonicalValue(value)
	if err != nil {
		return nil, false, err
	}
	_, exists, err := r.Get(keys.Edge(k))
	if err != nil || !exists {
		return nil, false, err
	}

	pkey := keys.EdgeProperty(k, name)
	old, hadOld, err := r.Get(pkey)
	if err != nil {
		return nil, false, err
	}
	indexed, err := m.IsIndexed(r, name)
	if err != nil {
		return nil, false, err
	}

	deltas := []keys.Delta{guard(name)}
	if indexed && hadOld {
		deltas = append(deltas, keys.Remove(keys.EdgeValueIndex(name, keys.ValueHash(old), k)))
	}
	deltas = append(deltas, EdgePropertyInsert(k, name, canonical, indexed)...)
	return keys.Compact(deltas), true, nil
}

// DeleteEdgeProperty is the edge counterpart of DeleteVertexProperty.
func (m *Manager) DeleteEdgeProperty(r Reader, k graph.EdgeKey, name graph.Identifier) ([]keys.Delta, bool, error) {
	if err := name.Validate(); err != nil {
		return nil, false, err
	}
	if err := k.Type.Validate(); err != nil {
		return nil, false, err
	}
	pkey := keys.EdgeProperty(k, name)
	old, exists, err := r.Get(pkey)
	if err != nil || !exists {
		return nil, false, err
	}
	deltas := []keys.Delta{keys.Remove(pkey), guard(name)}
	indexed, err := m.IsIndexed(r, name)
	if err != nil {
		return nil, false, err
	}
	if indexed {
		deltas = append(deltas, keys.Remove(keys.EdgeValueIndex(name, keys.ValueHash(old), k)))
	}
	return deltas, true, nil
}

func collectProperties(r Reader, prefix []byte, decodeName func([]byte) (graph.Identifier, error)) ([]storedProperty, error) {
	var props []storedProperty
	err := r.Scan(prefix, func(key, value []byte) error {
		name, err := decodeName(key)
		if err != nil {
			return fmt.Errorf("collecting properties: %w", err)
		}
		props = append(props, storedProperty{name: name, value: append([]byte(nil), value...)})
		return nil
	})
	return props, err
}
