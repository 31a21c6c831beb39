package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/graphkv/pkg/graph"
	"github.com/orneryd/graphkv/pkg/index"
)

// Datastore implements graph.Datastore on a BadgerEngine.
//
// Every write reads current state, asks the index manager for the complete
// delta set and commits it through the coordinator in the same badger
// transaction. Reads run against a single snapshot.
type Datastore struct {
	engine  *BadgerEngine
	coord   *Coordinator
	indexes *index.Manager
	loader  *BulkLoader
	now     func() time.Time
}

var _ graph.Datastore = (*Datastore)(nil)

// Open creates the engine described by opts and declares the configured
// indexed properties.
func Open(opts BadgerOptions) (*Datastore, error) {
	engine, err := NewBadgerEngineWithOptions(opts)
	if err != nil {
		return nil, err
	}
	ds := NewDatastore(engine)

	for _, raw := range opts.IndexedProperties {
		name, err := graph.NewIdentifier(raw)
		if err == nil {
			err = ds.IndexProperty(name)
		}
		if err != nil {
			engine.Close()
			return nil, fmt.Errorf("indexing property %q: %w", raw, err)
		}
	}
	return ds, nil
}

// NewDatastore wraps an already open engine.
func NewDatastore(engine *BadgerEngine) *Datastore {
	return &Datastore{
		engine:  engine,
		coord:   NewCoordinator(engine),
		indexes: index.NewManager(),
		loader:  NewBulkLoader(engine),
		now:     time.Now,
	}
}

// Engine returns the underlying engine.
func (d *Datastore) Engine() *BadgerEngine {
	return d.engine
}

// Coordinator returns the commit boundary used for writes.
func (d *Datastore) Coordinator() *Coordinator {
	return d.coord
}

// BulkLoader returns the loader used by BulkInsert.
func (d *Datastore) BulkLoader() *BulkLoader {
	return d.loader
}

func (d *Datastore) wrap(tx *Txn) *txAdapter {
	return &txAdapter{Txn: tx, indexes: d.indexes, now: d.now}
}

// update runs a single write, recomputing it after a conflict up to the
// configured retry budget.
func (d *Datastore) update(fn func(tx *txAdapter) error) error {
	return d.coord.UpdateWithRetry(context.Background(), d.engine.opts.ConflictRetries, func(tx *Txn) error {
		return fn(d.wrap(tx))
	})
}

func read[T any](d *Datastore, fn func(q *executor) (T, error)) (T, error) {
	var out T
	err := d.engine.view(func(q *executor) error {
		var err error
		out, err = fn(q)
		return err
	})
	return out, err
}

// ============================================================================
// Transactions
// ============================================================================

// Transaction runs fn in one atomic unit. It is not retried; on ErrConflict
// the caller may run it again.
func (d *Datastore) Transaction(fn func(tx graph.Transaction) error) error {
	return d.coord.Update(func(tx *Txn) error {
		return fn(d.wrap(tx))
	})
}

// TransactionWithRetry is Transaction that re-runs fn after write conflicts,
// up to maxRetries times. fn must be safe to run more than once.
func (d *Datastore) TransactionWithRetry(ctx context.Context, maxRetries int, fn func(tx graph.Transaction) error) error {
	return d.coord.UpdateWithRetry(ctx, maxRetries, func(tx *Txn) error {
		return fn(d.wrap(tx))
	})
}

// txAdapter exposes a coordinator transaction as graph.Transaction. Reads
// come from the embedded Txn and see its staged writes.
type txAdapter struct {
	*Txn
	indexes *index.Manager
	now     func() time.Time
}

var _ graph.Transaction = (*txAdapter)(nil)

func (t *txAdapter) CreateVertex(v graph.Vertex) (bool, error) {
	deltas, ok, err := t.indexes.CreateVertex(t.Txn, v)
	if err != nil || !ok {
		return false, err
	}
	return true, t.Stage(deltas)
}

func (t *txAdapter) DeleteVertex(id uuid.UUID) error {
	deltas, _, err := t.indexes.DeleteVertex(t.Txn, id)
	if err != nil {
		return err
	}
	return t.Stage(deltas)
}

func (t *txAdapter) CreateEdge(k graph.EdgeKey) (bool, error) {
	deltas, ok, err := t.indexes.CreateEdge(t.Txn, k, t.now().UTC())
	if err != nil || !ok {
		return false, err
	}
	return true, t.Stage(deltas)
}

func (t *txAdapter) DeleteEdge(k graph.EdgeKey) error {
	deltas, _, err := t.indexes.DeleteEdge(t.Txn, k)
	if err != nil {
		return err
	}
	return t.Stage(deltas)
}

func (t *txAdapter) SetVertexProperty(id uuid.UUID, name graph.Identifier, value any) error {
	deltas, ok, err := t.indexes.SetVertexProperty(t.Txn, id, name, value)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("vertex %s: %w", id, graph.ErrNotFound)
	}
	return t.Stage(deltas)
}

func (t *txAdapter) DeleteVertexProperty(id uuid.UUID, name graph.Identifier) error {
	deltas, _, err := t.indexes.DeleteVertexProperty(t.Txn, id, name)
	if err != nil {
		return err
	}
	return t.Stage(deltas)
}

func (t *txAdapter) SetEdgeProperty(k graph.EdgeKey, name graph.Identifier, value any) error {
	deltas, ok, err := t.indexes.SetEdgeProperty(t.Txn, k, name, value)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("edge %s: %w", k, graph.ErrNotFound)
	}
	return t.Stage(deltas)
}

func (t *txAdapter) DeleteEdgeProperty(k graph.EdgeKey, name graph.Identifier) error {
	deltas, _, err := t.indexes.DeleteEdgeProperty(t.Txn, k, name)
	if err != nil {
		return err
	}
	return t.Stage(deltas)
}

// ============================================================================
// Writes
// ============================================================================

func (d *Datastore) CreateVertex(v graph.Vertex) (bool, error) {
	var created bool
	err := d.update(func(tx *txAdapter) error {
		var err error
		created, err = tx.CreateVertex(v)
		return err
	})
	return created, err
}

func (d *Datastore) DeleteVertex(id uuid.UUID) error {
	return d.update(func(tx *txAdapter) error {
		return tx.DeleteVertex(id)
	})
}

func (d *Datastore) CreateEdge(k graph.EdgeKey) (bool, error) {
	var created bool
	err := d.update(func(tx *txAdapter) error {
		var err error
		created, err = tx.CreateEdge(k)
		return err
	})
	return created, err
}

func (d *Datastore) DeleteEdge(k graph.EdgeKey) error {
	return d.update(func(tx *txAdapter) error {
		return tx.DeleteEdge(k)
	})
}

func (d *Datastore) SetVertexProperty(id uuid.UUID, name graph.Identifier, value any) error {
	return d.update(func(tx *txAdapter) error {
		return tx.SetVertexProperty(id, name, value)
	})
}

func (d *Datastore) DeleteVertexProperty(id uuid.UUID, name graph.Identifier) error {
	return d.update(func(tx *txAdapter) error {
		return tx.DeleteVertexProperty(id, name)
	})
}

func (d *Datastore) SetEdgeProperty(k graph.EdgeKey, name graph.Identifier, value any) error {
	return d.update(func(tx *txAdapter) error {
		return tx.SetEdgeProperty(k, name, value)
	})
}

func (d *Datastore) DeleteEdgeProperty(k graph.EdgeKey, name graph.Identifier) error {
	return d.update(func(tx *txAdapter) error {
		return tx.DeleteEdgeProperty(k, name)
	})
}

// IndexProperty declares name indexed and backfills the value index in the
// same transaction. Declaring an already indexed name is a no-op.
func (d *Datastore) IndexProperty(name graph.Identifier) error {
	var entries int
	err := d.update(func(tx *txAdapter) error {
		deltas, ok, err := d.indexes.IndexProperty(tx.Txn, name)
		if err != nil || !ok {
			return err
		}
		entries = len(deltas) - 1
		return tx.Stage(deltas)
	})
	if err == nil {
		d.engine.logger.WithFields(logrus.Fields{
			"action":   "index_property",
			"property": name,
			"entries":  entries,
		}).Info("property indexed")
	}
	return err
}

// IndexedProperties lists declared property names in ascending order.
func (d *Datastore) IndexedProperties() ([]graph.Identifier, error) {
	return read(d, func(q *executor) ([]graph.Identifier, error) {
		names, err := d.indexes.IndexedNames(q)
		if err != nil {
			return nil, err
		}
		out := make([]graph.Identifier, 0, len(names))
		for n := range names {
			out = append(out, n)
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out, nil
	})
}

// BulkInsert writes items through the bulk loader. See BulkLoader for the
// constraints that apply.
func (d *Datastore) BulkInsert(items []graph.BulkItem) (graph.BulkResult, error) {
	return d.loader.Load(items)
}

// ============================================================================
// Reads
// ============================================================================

func (d *Datastore) GetVertex(id uuid.UUID) (graph.Vertex, error) {
	return read(d, func(q *executor) (graph.Vertex, error) { return q.GetVertex(id) })
}

func (d *Datastore) GetVertices(ids []uuid.UUID) ([]graph.Vertex, error) {
	return read(d, func(q *executor) ([]graph.Vertex, error) { return q.GetVertices(ids) })
}

func (d *Datastore) GetVertexRange(start uuid.UUID, limit int) ([]graph.Vertex, error) {
	return read(d, func(q *executor) ([]graph.Vertex, error) { return q.GetVertexRange(start, limit) })
}

func (d *Datastore) GetVerticesByType(t graph.Identifier, limit int) ([]graph.Vertex, error) {
	return read(d, func(q *executor) ([]graph.Vertex, error) { return q.GetVerticesByType(t, limit) })
}

func (d *Datastore) GetEdge(k graph.EdgeKey) (graph.Edge, error) {
	return read(d, func(q *executor) (graph.Edge, error) { return q.GetEdge(k) })
}

func (d *Datastore) GetOutboundEdges(query graph.EdgeQuery) (graph.EdgePage, error) {
	return read(d, func(q *executor) (graph.EdgePage, error) { return q.GetOutboundEdges(query) })
}

func (d *Datastore) GetInboundEdges(query graph.EdgeQuery) (graph.EdgePage, error) {
	return read(d, func(q *executor) (graph.EdgePage, error) { return q.GetInboundEdges(query) })
}

func (d *Datastore) GetVertexProperty(id uuid.UUID, name graph.Identifier) (any, error) {
	return read(d, func(q *executor) (any, error) { return q.GetVertexProperty(id, name) })
}

func (d *Datastore) GetVertexProperties(id uuid.UUID) ([]graph.NamedProperty, error) {
	return read(d, func(q *executor) ([]graph.NamedProperty, error) { return q.GetVertexProperties(id) })
}

func (d *Datastore) GetEdgeProperty(k graph.EdgeKey, name graph.Identifier) (any, error) {
	return read(d, func(q *executor) (any, error) { return q.GetEdgeProperty(k, name) })
}

func (d *Datastore) GetEdgeProperties(k graph.EdgeKey) ([]graph.NamedProperty, error) {
	return read(d, func(q *executor) ([]graph.NamedProperty, error) { return q.GetEdgeProperties(k) })
}

func (d *Datastore) GetByProperty(name graph.Identifier, value any) (graph.PropertyMatches, error) {
	return read(d, func(q *executor) (graph.PropertyMatches, error) { return q.GetByProperty(name, value) })
}

func (d *Datastore) CountVertices() (int64, error) {
	return read(d, func(q *executor) (int64, error) { return q.CountVertices() })
}

func (d *Datastore) CountEdges() (int64, error) {
	return read(d, func(q *executor) (int64, error) { return q.CountEdges() })
}

func (d *Datastore) CountOutboundEdges(id uuid.UUID, t *graph.Identifier, high *time.Time) (int64, error) {
	return read(d, func(q *executor) (int64, error) { return q.CountOutboundEdges(id, t, high) })
}

func (d *Datastore) CountInboundEdges(id uuid.UUID, t *graph.Identifier, high *time.Time) (int64, error) {
	return read(d, func(q *executor) (int64, error) { return q.CountInboundEdges(id, t, high) })
}

func (d *Datastore) CountByProperty(name graph.Identifier, value any) (int64, error) {
	return read(d, func(q *executor) (int64, error) { return q.CountByProperty(name, value) })
}

// ============================================================================
// Stats and Lifecycle
// ============================================================================

// Stats summarizes the datastore contents.
type Stats struct {
	Vertices          int64
	Edges             int64
	IndexedProperties []graph.Identifier
	LSMBytes          int64
	VlogBytes         int64
}

// Stats counts vertices and edges and reports on-disk size.
func (d *Datastore) Stats() (Stats, error) {
	var s Stats
	var err error
	if s.Vertices, err = d.CountVertices(); err != nil {
		return s, err
	}
	if s.Edges, err = d.CountEdges(); err != nil {
		return s, err
	}
	if s.IndexedProperties, err = d.IndexedProperties(); err != nil {
		return s, err
	}
	s.LSMBytes, s.VlogBytes = d.engine.Size()
	return s, nil
}

// Sync flushes pending writes to disk.
func (d *Datastore) Sync() error {
	return d.engine.Sync()
}

// Close releases the engine. Calls made after Close fail with graph.ErrClosed.
func (d *Datastore) Close() error {
	return d.engine.Close()
}
