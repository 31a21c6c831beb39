package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphkv/pkg/graph"
	"github.com/orneryd/graphkv/pkg/keys"
)

var errInjected = errors.New("injected failure")

// failAt makes the coordinator abort when the n-th delta of a batch is staged.
func failAt(ds *Datastore, n int) {
	ds.coord.beforeStage = func(i int, _ keys.Delta) error {
		if i == n {
			return errInjected
		}
		return nil
	}
}

func TestAtomicityUnderInjectedFailure(t *testing.T) {
	ds := setupTestDatastore(t)
	require.NoError(t, ds.IndexProperty("name"))

	a := mustVertex(t, ds, "person")
	b := mustVertex(t, ds, "person")
	k := mustEdge(t, ds, a.ID, "knows", b.ID)
	require.NoError(t, ds.SetVertexProperty(a.ID, "name", "alice"))
	require.NoError(t, ds.SetEdgeProperty(k, "name", "friendship"))

	// deleting a produces well over four deltas; fail in the middle
	failAt(ds, 3)
	err := ds.DeleteVertex(a.ID)
	require.ErrorIs(t, err, errInjected)
	ds.coord.beforeStage = nil

	_, err = ds.GetVertex(a.ID)
	assert.NoError(t, err)
	_, err = ds.GetEdge(k)
	assert.NoError(t, err)
	in, err := ds.GetInboundEdges(graph.EdgeQuery{VertexID: b.ID})
	require.NoError(t, err)
	assert.Len(t, in.Edges, 1)
	matches, err := ds.GetByProperty("name", "alice")
	require.NoError(t, err)
	assert.Len(t, matches.Vertices, 1)
	matches, err = ds.GetByProperty("name", "friendship")
	require.NoError(t, err)
	assert.Len(t, matches.Edges, 1)
	byType, err := ds.GetVerticesByType("person", 0)
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	require.NoError(t, ds.DeleteVertex(a.ID))
	_, err = ds.GetVertex(a.ID)
	assert.ErrorIs(t, err, graph.ErrNotFound)
	n, err := ds.CountByProperty("name", "friendship")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApplyIsAllOrNothing(t *testing.T) {
	ds := setupTestDatastore(t)
	v := graph.NewVertex("person")
	deltas := []keys.Delta{
		keys.Put(keys.Vertex(v.ID), keys.VertexValue(v.Type)),
		keys.Put(keys.VertexTypeIndex(v.Type, v.ID), nil),
	}

	failAt(ds, 1)
	require.ErrorIs(t, ds.coord.Apply(deltas), errInjected)
	ds.coord.beforeStage = nil

	_, err := ds.GetVertex(v.ID)
	assert.ErrorIs(t, err, graph.ErrNotFound)
	n, err := ds.CountVertices()
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, ds.coord.Apply(deltas))
	got, err := ds.GetVerticesByType("person", 0)
	require.NoError(t, err)
	assert.Equal(t, []graph.Vertex{v}, got)
}

func TestStageFailurePoisonsTransaction(t *testing.T) {
	ds := setupTestDatastore(t)
	tx, err := ds.coord.Begin()
	require.NoError(t, err)

	v := graph.NewVertex("person")
	require.NoError(t, tx.Stage([]keys.Delta{keys.Put(keys.Vertex(v.ID), keys.VertexValue(v.Type))}))
	assert.Equal(t, 1, tx.Staged())

	failAt(ds, 1)
	require.ErrorIs(t, tx.Stage([]keys.Delta{keys.Put(keys.VertexTypeIndex(v.Type, v.ID), nil)}), errInjected)
	ds.coord.beforeStage = nil

	assert.ErrorIs(t, tx.Commit(), errInjected)
	assert.Equal(t, TxStatusRolledBack, tx.Status())
	assert.ErrorIs(t, tx.Commit(), graph.ErrTransactionClosed)
	assert.ErrorIs(t, tx.Stage(nil), graph.ErrTransactionClosed)

	_, err = ds.GetVertex(v.ID)
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestExplicitTransactionLifecycle(t *testing.T) {
	ds := setupTestDatastore(t)
	tx, err := ds.coord.Begin()
	require.NoError(t, err)
	assert.Equal(t, TxStatusActive, tx.Status())

	v := graph.NewVertex("person")
	created, err := ds.wrap(tx).CreateVertex(v)
	require.NoError(t, err)
	require.True(t, created)

	_, err = ds.GetVertex(v.ID)
	assert.ErrorIs(t, err, graph.ErrNotFound, "uncommitted writes are invisible")

	require.NoError(t, tx.Commit())
	assert.Equal(t, TxStatusCommitted, tx.Status())
	tx.Discard()

	_, err = ds.GetVertex(v.ID)
	assert.NoError(t, err)
}

func TestConcurrentWriteConflicts(t *testing.T) {
	ds := setupTestDatastore(t)
	a := mustVertex(t, ds, "person")

	tx, err := ds.coord.Begin()
	require.NoError(t, err)
	defer tx.Discard()
	require.NoError(t, ds.wrap(tx).SetVertexProperty(a.ID, "age", 30))

	// commits a write to a key tx has read
	require.NoError(t, ds.SetVertexProperty(a.ID, "age", 31))

	assert.ErrorIs(t, tx.Commit(), graph.ErrConflict)

	age, err := ds.GetVertexProperty(a.ID, "age")
	require.NoError(t, err)
	assert.EqualValues(t, 31, age)
}

func TestUpdateWithRetryRecomputes(t *testing.T) {
	ds := setupTestDatastore(t)
	a := mustVertex(t, ds, "person")

	attempts := 0
	err := ds.coord.UpdateWithRetry(context.Background(), 3, func(tx *Txn) error {
		attempts++
		if err := ds.wrap(tx).SetVertexProperty(a.ID, "visits", attempts); err != nil {
			return err
		}
		if attempts == 1 {
			return ds.SetVertexProperty(a.ID, "visits", 100)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	visits, err := ds.GetVertexProperty(a.ID, "visits")
	require.NoError(t, err)
	assert.EqualValues(t, 2, visits)
}

func TestUpdateWithRetryGivesUp(t *testing.T) {
	ds := setupTestDatastore(t)
	a := mustVertex(t, ds, "person")

	attempts := 0
	err := ds.coord.UpdateWithRetry(context.Background(), 2, func(tx *Txn) error {
		attempts++
		if err := ds.wrap(tx).SetVertexProperty(a.ID, "visits", attempts); err != nil {
			return err
		}
		return ds.SetVertexProperty(a.ID, "visits", -attempts)
	})
	assert.ErrorIs(t, err, graph.ErrConflict)
	assert.Equal(t, 3, attempts)
}

func TestUpdateWithRetryStopsOnOtherErrors(t *testing.T) {
	ds := setupTestDatastore(t)

	attempts := 0
	err := ds.coord.UpdateWithRetry(context.Background(), 5, func(tx *Txn) error {
		attempts++
		return errInjected
	})
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, 1, attempts)
}

// An edge created concurrently with the deletion of its endpoint survives the
// deletion: badger detects conflicts on keys read, not on ranges scanned, so
// the cascade computed before the edge existed commits cleanly.
func TestDanglingEdgeFromInterleavedDelete(t *testing.T) {
	ds := setupTestDatastore(t)
	a := mustVertex(t, ds, "person")
	b := mustVertex(t, ds, "person")

	deleter, err := ds.coord.Begin()
	require.NoError(t, err)
	defer deleter.Discard()
	require.NoError(t, ds.wrap(deleter).DeleteVertex(b.ID))

	k := mustEdge(t, ds, a.ID, "knows", b.ID)

	require.NoError(t, deleter.Commit())

	_, err = ds.GetVertex(b.ID)
	assert.ErrorIs(t, err, graph.ErrNotFound)

	page, err := ds.GetOutboundEdges(graph.EdgeQuery{VertexID: a.ID})
	require.NoError(t, err)
	require.Len(t, page.Edges, 1, "dangling edge is returned as stored")
	assert.Equal(t, k, page.Edges[0].Key)

	in, err := ds.GetInboundEdges(graph.EdgeQuery{VertexID: b.ID})
	require.NoError(t, err)
	assert.Len(t, in.Edges, 1)

	// deleting the surviving endpoint cleans the edge up from its side
	require.NoError(t, ds.DeleteVertex(a.ID))
	n, err := ds.CountEdges()
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = ds.CountInboundEdges(b.ID, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBeginOnClosedEngine(t *testing.T) {
	ds, err := Open(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, ds.Close())

	_, err = ds.coord.Begin()
	assert.ErrorIs(t, err, graph.ErrClosed)
	assert.ErrorIs(t, ds.coord.Apply([]keys.Delta{keys.Remove(keys.Vertex(uuid.New()))}), graph.ErrClosed)
}
