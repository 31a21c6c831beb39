package storage

import (
	"bytes"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/graphkv/pkg/graph"
	"github.com/orneryd/graphkv/pkg/keys"
)

// executor answers graph reads from one badger transaction, so every query
// sees a single consistent snapshot. It also implements index.Reader.
//
// Records that fail to decode are skipped; the query returns what did decode
// along with an error joining one *graph.DecodingError per skipped record.
// Engine errors abort the query.
type executor struct {
	txn     *badger.Txn
	logger  logrus.FieldLogger
	metrics *Metrics
}

// Get returns a copy of the value at key.
func (q *executor) Get(key []byte) ([]byte, bool, error) {
	item, err := q.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, engineError("get", err)
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, engineError("read value", err)
	}
	return value, true, nil
}

// Scan visits every key under prefix in ascending order.
func (q *executor) Scan(prefix []byte, fn func(key, value []byte) error) error {
	return q.iterate(prefix, nil, true, func(key, value []byte) (bool, error) {
		return true, fn(key, value)
	})
}

// iterate walks keys under prefix, starting at seek when it lies inside the
// prefix range. fn returns false to stop. value is nil unless withValues.
func (q *executor) iterate(prefix, seek []byte, withValues bool, fn func(key, value []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = withValues
	opts.Prefix = prefix
	it := q.txn.NewIterator(opts)
	defer it.Close()

	if seek == nil || bytes.Compare(seek, prefix) < 0 {
		seek = prefix
	}
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		var value []byte
		if withValues {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return engineError("read value", err)
			}
			value = v
		}
		more, err := fn(item.Key(), value)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// count counts keys under prefix without reading values.
func (q *executor) count(prefix []byte) (int64, error) {
	var n int64
	err := q.iterate(prefix, nil, false, func(_, _ []byte) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

// decodeFailures collects per-record decode errors. Anything else aborts.
type decodeFailures []error

func (f *decodeFailures) add(err error) error {
	if graph.IsDecodingError(err) {
		*f = append(*f, err)
		return nil
	}
	return err
}

func (f decodeFailures) err() error {
	return errors.Join(f...)
}

func decodeValue(key, raw []byte) (any, error) {
	v, err := graph.DecodeValue(raw)
	if err != nil {
		return nil, &graph.DecodingError{
			Partition: keys.PartitionName(key),
			Key:       append([]byte(nil), key...),
			Reason:    "invalid property value",
			Err:       err,
		}
	}
	return v, nil
}

func under(limit, n int) bool {
	return limit <= 0 || n < limit
}

// ============================================================================
// Vertices
// ============================================================================

func (q *executor) GetVertex(id uuid.UUID) (graph.Vertex, error) {
	key := keys.Vertex(id)
	value, ok, err := q.Get(key)
	if err != nil {
		return graph.Vertex{}, err
	}
	if !ok {
		return graph.Vertex{}, graph.ErrNotFound
	}
	t, err := keys.DecodeVertexValue(key, value)
	if err != nil {
		return graph.Vertex{}, err
	}
	return graph.Vertex{ID: id, Type: t}, nil
}

func (q *executor) GetVertices(ids []uuid.UUID) ([]graph.Vertex, error) {
	var failures decodeFailures
	out := make([]graph.Vertex, 0, len(ids))
	for _, id := range ids {
		v, err := q.GetVertex(id)
		if errors.Is(err, graph.ErrNotFound) {
			continue
		}
		if err != nil {
			if err := failures.add(err); err != nil {
				return nil, err
			}
			continue
		}
		out = append(out, v)
	}
	return out, failures.err()
}

// GetVertexRange returns vertices with id >= start in ascending id order.
func (q *executor) GetVertexRange(start uuid.UUID, limit int) ([]graph.Vertex, error) {
	var failures decodeFailures
	var out []graph.Vertex
	err := q.iterate(keys.VertexPrefix(), keys.Vertex(start), true, func(key, value []byte) (bool, error) {
		id, err := keys.DecodeVertex(key)
		if err != nil {
			return true, failures.add(err)
		}
		t, err := keys.DecodeVertexValue(key, value)
		if err != nil {
			return true, failures.add(err)
		}
		out = append(out, graph.Vertex{ID: id, Type: t})
		return under(limit, len(out)), nil
	})
	if err != nil {
		return nil, err
	}
	return out, failures.err()
}

// GetVerticesByType resolves vertices through the type index.
func (q *executor) GetVerticesByType(t graph.Identifier, limit int) ([]graph.Vertex, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	q.metrics.scanned("type_index")

	var failures decodeFailures
	var ids []uuid.UUID
	err := q.iterate(keys.VertexTypeIndexPrefix(t), nil, false, func(key, _ []byte) (bool, error) {
		_, owner, err := keys.DecodeTypeIndex(key)
		if err != nil {
			return true, failures.add(err)
		}
		ids = append(ids, owner.VertexID)
		return under(limit, len(ids)), nil
	})
	if err != nil {
		return nil, err
	}

	out, err := q.GetVertices(ids)
	if err != nil && !graph.IsDecodingError(err) {
		return nil, err
	}
	if err != nil {
		failures = append(failures, err)
	}
	return out, failures.err()
}

func (q *executor) CountVertices() (int64, error) {
	return q.count(keys.VertexPrefix())
}

// ============================================================================
// Edges
// ============================================================================

func (q *executor) GetEdge(k graph.EdgeKey) (graph.Edge, error) {
	if err := k.Type.Validate(); err != nil {
		return graph.Edge{}, err
	}
	key := keys.Edge(k)
	value, ok, err := q.Get(key)
	if err != nil {
		return graph.Edge{}, err
	}
	if !ok {
		return graph.Edge{}, graph.ErrNotFound
	}
	ts, err := keys.DecodeTime(key, value)
	if err != nil {
		return graph.Edge{}, err
	}
	return graph.Edge{Key: k, UpdatedAt: ts}, nil
}

func (q *executor) GetOutboundEdges(query graph.EdgeQuery) (graph.EdgePage, error) {
	return q.edgePage(query, false)
}

func (q *executor) GetInboundEdges(query graph.EdgeQuery) (graph.EdgePage, error) {
	return q.edgePage(query, true)
}

func edgePrefix(id uuid.UUID, t *graph.Identifier, inbound bool) ([]byte, error) {
	switch {
	case t != nil:
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if inbound {
			return keys.InboundTypePrefix(id, *t), nil
		}
		return keys.OutboundTypePrefix(id, *t), nil
	case inbound:
		return keys.InboundPrefix(id), nil
	default:
		return keys.OutboundPrefix(id), nil
	}
}

// edgePage scans one vertex's edges in key order. Inbound scans run over the
// reverse partition; cursors and results stay in outbound orientation. Edges
// newer than query.High are skipped and do not count toward the limit.
func (q *executor) edgePage(query graph.EdgeQuery, inbound bool) (graph.EdgePage, error) {
	prefix, err := edgePrefix(query.VertexID, query.Type, inbound)
	if err != nil {
		return graph.EdgePage{}, err
	}

	encode, decode := keys.Edge, keys.DecodeEdge
	if inbound {
		encode, decode = keys.ReverseEdge, keys.DecodeReverseEdge
	}

	var seek []byte
	if c := query.Cursor; c != nil {
		if err := c.Type.Validate(); err != nil {
			return graph.EdgePage{}, err
		}
		seek = keys.Successor(encode(*c))
	}

	var failures decodeFailures
	var page graph.EdgePage
	err = q.iterate(prefix, seek, true, func(key, value []byte) (bool, error) {
		k, err := decode(key)
		var ts time.Time
		if err == nil {
			ts, err = keys.DecodeTime(key, value)
		}
		if err == nil && after(ts, query.High) {
			return true, nil
		}
		if query.Limit > 0 && len(page.Edges) == query.Limit {
			// a bad record here is reported by the next page
			next := page.Edges[len(page.Edges)-1].Key
			page.Next = &next
			return false, nil
		}
		if err != nil {
			return true, failures.add(err)
		}
		page.Edges = append(page.Edges, graph.Edge{Key: k, UpdatedAt: ts})
		return true, nil
	})
	if err != nil {
		return graph.EdgePage{}, err
	}
	return page, failures.err()
}

func (q *executor) CountEdges() (int64, error) {
	return q.count(keys.EdgePartitionPrefix())
}

func after(ts time.Time, high *time.Time) bool {
	return high != nil && ts.After(*high)
}

// countEdges counts keys only, unless high is set and each edge's timestamp
// has to be read.
func (q *executor) countEdges(id uuid.UUID, t *graph.Identifier, high *time.Time, inbound bool) (int64, error) {
	prefix, err := edgePrefix(id, t, inbound)
	if err != nil {
		return 0, err
	}
	if high == nil {
		return q.count(prefix)
	}

	var failures decodeFailures
	var n int64
	err = q.iterate(prefix, nil, true, func(key, value []byte) (bool, error) {
		ts, err := keys.DecodeTime(key, value)
		if err != nil {
			return true, failures.add(err)
		}
		if !after(ts, high) {
			n++
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	return n, failures.err()
}

func (q *executor) CountOutboundEdges(id uuid.UUID, t *graph.Identifier, high *time.Time) (int64, error) {
	return q.countEdges(id, t, high, false)
}

func (q *executor) CountInboundEdges(id uuid.UUID, t *graph.Identifier, high *time.Time) (int64, error) {
	return q.countEdges(id, t, high, true)
}

// ============================================================================
// Properties
// ============================================================================

func (q *executor) property(key []byte) (any, error) {
	raw, ok, err := q.Get(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, graph.ErrNotFound
	}
	return decodeValue(key, raw)
}

func (q *executor) GetVertexProperty(id uuid.UUID, name graph.Identifier) (any, error) {
	if err := name.Validate(); err != nil {
		return nil, err
	}
	return q.property(keys.VertexProperty(id, name))
}

func (q *executor) GetEdgeProperty(k graph.EdgeKey, name graph.Identifier) (any, error) {
	if err := k.Type.Validate(); err != nil {
		return nil, err
	}
	if err := name.Validate(); err != nil {
		return nil, err
	}
	return q.property(keys.EdgeProperty(k, name))
}

func (q *executor) properties(prefix []byte, decodeName func([]byte) (graph.Identifier, error)) ([]graph.NamedProperty, error) {
	var failures decodeFailures
	var out []graph.NamedProperty
	err := q.iterate(prefix, nil, true, func(key, raw []byte) (bool, error) {
		name, err := decodeName(key)
		if err != nil {
			return true, failures.add(err)
		}
		value, err := decodeValue(key, raw)
		if err != nil {
			return true, failures.add(err)
		}
		out = append(out, graph.NamedProperty{Name: name, Value: value})
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, failures.err()
}

func (q *executor) GetVertexProperties(id uuid.UUID) ([]graph.NamedProperty, error) {
	return q.properties(keys.VertexPropertyPrefix(id), func(key []byte) (graph.Identifier, error) {
		_, name, err := keys.DecodeVertexProperty(key)
		return name, err
	})
}

func (q *executor) GetEdgeProperties(k graph.EdgeKey) ([]graph.NamedProperty, error) {
	if err := k.Type.Validate(); err != nil {
		return nil, err
	}
	return q.properties(keys.EdgePropertyPrefix(k), func(key []byte) (graph.Identifier, error) {
		_, name, err := keys.DecodeEdgeProperty(key)
		return name, err
	})
}

// ============================================================================
// Property equality
// ============================================================================

// IsIndexed reports whether name has an index declaration.
func (q *executor) IsIndexed(name graph.Identifier) (bool, error) {
	_, ok, err := q.Get(keys.IndexDeclaration(name))
	return ok, err
}

type propertyOwners struct {
	vertices []uuid.UUID
	edges    []graph.EdgeKey
}

// ownersByIndex reads candidate owners from the value index and keeps those
// whose stored value really is canonical; a hash match alone is not trusted.
func (q *executor) ownersByIndex(name graph.Identifier, canonical []byte, failures *decodeFailures) (propertyOwners, error) {
	q.metrics.scanned("value_index")
	h := keys.ValueHash(canonical)

	var candidates []keys.Owner
	collect := func(key, _ []byte) (bool, error) {
		_, owner, err := keys.DecodeValueIndex(key)
		if err != nil {
			return true, failures.add(err)
		}
		candidates = append(candidates, owner)
		return true, nil
	}
	if err := q.iterate(keys.ValueIndexPrefix(keys.OwnerVertex, name, h), nil, false, collect); err != nil {
		return propertyOwners{}, err
	}
	if err := q.iterate(keys.ValueIndexPrefix(keys.OwnerEdge, name, h), nil, false, collect); err != nil {
		return propertyOwners{}, err
	}

	var owners propertyOwners
	for _, c := range candidates {
		var key []byte
		if c.Kind == keys.OwnerVertex {
			key = keys.VertexProperty(c.VertexID, name)
		} else {
			key = keys.EdgeProperty(c.Edge, name)
		}
		stored, ok, err := q.Get(key)
		if err != nil {
			return propertyOwners{}, err
		}
		if !ok || !bytes.Equal(stored, canonical) {
			continue
		}
		if c.Kind == keys.OwnerVertex {
			owners.vertices = append(owners.vertices, c.VertexID)
		} else {
			owners.edges = append(owners.edges, c.Edge)
		}
	}
	return owners, nil
}

// ownersByScan is the slow path for undeclared names: every property record in
// both property partitions is compared.
func (q *executor) ownersByScan(name graph.Identifier, canonical []byte, failures *decodeFailures) (propertyOwners, error) {
	q.metrics.scanned("full_scan")
	q.logger.WithFields(logrus.Fields{
		"action":   "full_scan",
		"property": name,
	}).Debug("property is not indexed, scanning all property records")

	var owners propertyOwners
	err := q.iterate(keys.VertexPropertyPartitionPrefix(), nil, true, func(key, value []byte) (bool, error) {
		id, pname, err := keys.DecodeVertexProperty(key)
		if err != nil {
			return true, failures.add(err)
		}
		if pname == name && bytes.Equal(value, canonical) {
			owners.vertices = append(owners.vertices, id)
		}
		return true, nil
	})
	if err != nil {
		return propertyOwners{}, err
	}

	err = q.iterate(keys.EdgePropertyPartitionPrefix(), nil, true, func(key, value []byte) (bool, error) {
		k, pname, err := keys.DecodeEdgeProperty(key)
		if err != nil {
			return true, failures.add(err)
		}
		if pname == name && bytes.Equal(value, canonical) {
			owners.edges = append(owners.edges, k)
		}
		return true, nil
	})
	if err != nil {
		return propertyOwners{}, err
	}
	return owners, nil
}

func (q *executor) owners(name graph.Identifier, value any, failures *decodeFailures) (propertyOwners, error) {
	if err := name.Validate(); err != nil {
		return propertyOwners{}, err
	}
	canonical, err := graph.CanonicalValue(value)
	if err != nil {
		return propertyOwners{}, err
	}
	indexed, err := q.IsIndexed(name)
	if err != nil {
		return propertyOwners{}, err
	}
	if indexed {
		return q.ownersByIndex(name, canonical, failures)
	}
	return q.ownersByScan(name, canonical, failures)
}

// GetByProperty returns the vertices and edges whose property name equals
// value. Owners whose primary record is gone are left out.
func (q *executor) GetByProperty(name graph.Identifier, value any) (graph.PropertyMatches, error) {
	var failures decodeFailures
	owners, err := q.owners(name, value, &failures)
	if err != nil {
		return graph.PropertyMatches{}, err
	}

	var matches graph.PropertyMatches
	for _, id := range owners.vertices {
		v, err := q.GetVertex(id)
		if errors.Is(err, graph.ErrNotFound) {
			continue
		}
		if err != nil {
			if err := failures.add(err); err != nil {
				return graph.PropertyMatches{}, err
			}
			continue
		}
		matches.Vertices = append(matches.Vertices, v)
	}
	for _, k := range owners.edges {
		e, err := q.GetEdge(k)
		if errors.Is(err, graph.ErrNotFound) {
			continue
		}
		if err != nil {
			if err := failures.add(err); err != nil {
				return graph.PropertyMatches{}, err
			}
			continue
		}
		matches.Edges = append(matches.Edges, e)
	}
	return matches, failures.err()
}

// CountByProperty counts property records equal to value. For indexed names
// only index keys are read.
func (q *executor) CountByProperty(name graph.Identifier, value any) (int64, error) {
	if err := name.Validate(); err != nil {
		return 0, err
	}
	canonical, err := graph.CanonicalValue(value)
	if err != nil {
		return 0, err
	}
	indexed, err := q.IsIndexed(name)
	if err != nil {
		return 0, err
	}
	if !indexed {
		var failures decodeFailures
		owners, err := q.ownersByScan(name, canonical, &failures)
		if err != nil {
			return 0, err
		}
		return int64(len(owners.vertices) + len(owners.edges)), failures.err()
	}

	q.metrics.scanned("value_index")
	h := keys.ValueHash(canonical)
	vertices, err := q.count(keys.ValueIndexPrefix(keys.OwnerVertex, name, h))
	if err != nil {
		return 0, err
	}
	edges, err := q.count(keys.ValueIndexPrefix(keys.OwnerEdge, name, h))
	if err != nil {
		return 0, err
	}
	return vertices + edges, nil
}
