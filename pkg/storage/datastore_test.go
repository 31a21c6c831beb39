package storage

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphkv/pkg/graph"
)

func setupTestDatastore(t *testing.T) *Datastore {
	t.Helper()
	ds, err := Open(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds
}

func mustVertex(t *testing.T, ds *Datastore, typ graph.Identifier) graph.Vertex {
	t.Helper()
	v := graph.NewVertex(typ)
	created, err := ds.CreateVertex(v)
	require.NoError(t, err)
	require.True(t, created)
	return v
}

func mustEdge(t *testing.T, ds *Datastore, out uuid.UUID, typ graph.Identifier, in uuid.UUID) graph.EdgeKey {
	t.Helper()
	k := graph.EdgeKey{OutboundID: out, Type: typ, InboundID: in}
	created, err := ds.CreateEdge(k)
	require.NoError(t, err)
	require.True(t, created)
	return k
}

func vertexIDs(vs []graph.Vertex) []uuid.UUID {
	ids := make([]uuid.UUID, len(vs))
	for i, v := range vs {
		ids[i] = v.ID
	}
	return ids
}

func TestPersonKnowsScenario(t *testing.T) {
	ds := setupTestDatastore(t)

	a := mustVertex(t, ds, "person")
	b := mustVertex(t, ds, "person")
	mustEdge(t, ds, a.ID, "knows", b.ID)
	require.NoError(t, ds.SetVertexProperty(a.ID, "age", 30))

	matches, err := ds.GetByProperty("age", 30)
	require.NoError(t, err)
	assert.Equal(t, []graph.Vertex{a}, matches.Vertices)
	assert.Empty(t, matches.Edges)

	require.NoError(t, ds.DeleteVertex(a.ID))

	page, err := ds.GetOutboundEdges(graph.EdgeQuery{VertexID: a.ID})
	require.NoError(t, err)
	assert.Empty(t, page.Edges)
	assert.Nil(t, page.Next)

	matches, err = ds.GetByProperty("age", 30)
	require.NoError(t, err)
	assert.Empty(t, matches.Vertices)
	assert.Empty(t, matches.Edges)

	// same again with the index declared up front
	require.NoError(t, ds.IndexProperty("age"))
	c := mustVertex(t, ds, "person")
	require.NoError(t, ds.SetVertexProperty(c.ID, "age", 30.0))
	matches, err = ds.GetByProperty("age", 30)
	require.NoError(t, err)
	assert.Equal(t, []graph.Vertex{c}, matches.Vertices)
}

func TestInsertThenRead(t *testing.T) {
	ds := setupTestDatastore(t)

	v := mustVertex(t, ds, "person")
	got, err := ds.GetVertex(v.ID)
	require.NoError(t, err)
	assert.Equal(t, graph.Identifier("person"), got.Type)

	created, err := ds.CreateVertex(graph.NewVertexWithID(v.ID, "robot"))
	require.NoError(t, err)
	assert.False(t, created, "existing id is not overwritten")

	got, err = ds.GetVertex(v.ID)
	require.NoError(t, err)
	assert.Equal(t, graph.Identifier("person"), got.Type)

	_, err = ds.GetVertex(uuid.New())
	assert.ErrorIs(t, err, graph.ErrNotFound)

	_, err = ds.CreateVertex(graph.Vertex{ID: uuid.New(), Type: "not valid"})
	assert.ErrorIs(t, err, graph.ErrInvalidIdentifier)
}

func TestGetVerticesAndRange(t *testing.T) {
	ds := setupTestDatastore(t)

	var all []graph.Vertex
	for i := 0; i < 5; i++ {
		all = append(all, mustVertex(t, ds, "thing"))
	}
	sort.Slice(all, func(i, j int) bool {
		return string(all[i].ID[:]) < string(all[j].ID[:])
	})

	got, err := ds.GetVertices([]uuid.UUID{all[3].ID, uuid.New(), all[1].ID})
	require.NoError(t, err)
	assert.Equal(t, []graph.Vertex{all[3], all[1]}, got, "input order, missing omitted")

	got, err = ds.GetVertexRange(all[2].ID, 2)
	require.NoError(t, err)
	assert.Equal(t, all[2:4], got)

	got, err = ds.GetVertexRange(uuid.Nil, 0)
	require.NoError(t, err)
	assert.Equal(t, all, got)

	n, err := ds.CountVertices()
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}

func TestGetVerticesByType(t *testing.T) {
	ds := setupTestDatastore(t)

	p1 := mustVertex(t, ds, "person")
	mustVertex(t, ds, "movie")
	p2 := mustVertex(t, ds, "person")
	mustVertex(t, ds, "persons")

	got, err := ds.GetVerticesByType("person", 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []graph.Vertex{p1, p2}, got)

	got, err = ds.GetVerticesByType("person", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.NoError(t, ds.DeleteVertex(p1.ID))
	got, err = ds.GetVerticesByType("person", 0)
	require.NoError(t, err)
	assert.Equal(t, []graph.Vertex{p2}, got)
}

func TestEdgeUniqueness(t *testing.T) {
	ds := setupTestDatastore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	ds.now = func() time.Time { return tick }

	a := mustVertex(t, ds, "person")
	b := mustVertex(t, ds, "person")
	k := mustEdge(t, ds, a.ID, "knows", b.ID)

	tick = base.Add(time.Hour)
	created, err := ds.CreateEdge(k)
	require.NoError(t, err)
	assert.True(t, created)

	page, err := ds.GetOutboundEdges(graph.EdgeQuery{VertexID: a.ID})
	require.NoError(t, err)
	require.Len(t, page.Edges, 1)
	assert.True(t, page.Edges[0].UpdatedAt.Equal(tick), "timestamp refreshed")

	in, err := ds.GetInboundEdges(graph.EdgeQuery{VertexID: b.ID})
	require.NoError(t, err)
	require.Len(t, in.Edges, 1)
	assert.Equal(t, k, in.Edges[0].Key)
	assert.True(t, in.Edges[0].UpdatedAt.Equal(tick))

	e, err := ds.GetEdge(k)
	require.NoError(t, err)
	assert.True(t, e.UpdatedAt.Equal(tick))

	n, err := ds.CountEdges()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestCreateEdgeRequiresEndpoints(t *testing.T) {
	ds := setupTestDatastore(t)
	a := mustVertex(t, ds, "person")

	created, err := ds.CreateEdge(graph.EdgeKey{OutboundID: a.ID, Type: "knows", InboundID: uuid.New()})
	require.NoError(t, err)
	assert.False(t, created)

	n, err := ds.CountEdges()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCascadeDeletion(t *testing.T) {
	ds := setupTestDatastore(t)
	require.NoError(t, ds.IndexProperty("since"))
	require.NoError(t, ds.IndexProperty("name"))

	a := mustVertex(t, ds, "person")
	b := mustVertex(t, ds, "person")
	c := mustVertex(t, ds, "person")

	out := mustEdge(t, ds, a.ID, "knows", b.ID)
	in := mustEdge(t, ds, c.ID, "likes", a.ID)
	loop := mustEdge(t, ds, a.ID, "self", a.ID)
	keep := mustEdge(t, ds, b.ID, "knows", c.ID)

	require.NoError(t, ds.SetVertexProperty(a.ID, "name", "alice"))
	require.NoError(t, ds.SetEdgeProperty(out, "since", 2020))
	require.NoError(t, ds.SetEdgeProperty(in, "since", 2021))
	require.NoError(t, ds.SetEdgeProperty(loop, "since", 2022))
	require.NoError(t, ds.SetEdgeProperty(keep, "since", 2020))

	require.NoError(t, ds.DeleteVertex(a.ID))

	_, err := ds.GetVertex(a.ID)
	assert.ErrorIs(t, err, graph.ErrNotFound)
	for _, k := range []graph.EdgeKey{out, in, loop} {
		_, err := ds.GetEdge(k)
		assert.ErrorIs(t, err, graph.ErrNotFound, "edge %s", k)
		props, err := ds.GetEdgeProperties(k)
		require.NoError(t, err)
		assert.Empty(t, props)
	}
	props, err := ds.GetVertexProperties(a.ID)
	require.NoError(t, err)
	assert.Empty(t, props)

	page, err := ds.GetInboundEdges(graph.EdgeQuery{VertexID: b.ID})
	require.NoError(t, err)
	assert.Empty(t, page.Edges)
	page, err = ds.GetOutboundEdges(graph.EdgeQuery{VertexID: c.ID})
	require.NoError(t, err)
	assert.Empty(t, page.Edges)

	matches, err := ds.GetByProperty("name", "alice")
	require.NoError(t, err)
	assert.Empty(t, matches.Vertices)

	matches, err = ds.GetByProperty("since", 2020)
	require.NoError(t, err)
	require.Len(t, matches.Edges, 1)
	assert.Equal(t, keep, matches.Edges[0].Key)

	for _, v := range []int{2021, 2022} {
		n, err := ds.CountByProperty("since", v)
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	edges, err := ds.CountEdges()
	require.NoError(t, err)
	assert.EqualValues(t, 1, edges)

	assert.NoError(t, ds.DeleteVertex(a.ID), "deleting a missing vertex is a no-op")
}

func TestProperties(t *testing.T) {
	ds := setupTestDatastore(t)
	a := mustVertex(t, ds, "person")
	b := mustVertex(t, ds, "person")
	k := mustEdge(t, ds, a.ID, "knows", b.ID)

	require.NoError(t, ds.SetVertexProperty(a.ID, "name", "alice"))
	require.NoError(t, ds.SetVertexProperty(a.ID, "tags", []string{"x", "y"}))
	require.NoError(t, ds.SetEdgeProperty(k, "weight", 0.5))

	v, err := ds.GetVertexProperty(a.ID, "name")
	require.NoError(t, err)
	assert.Equal(t, "alice", v)

	props, err := ds.GetVertexProperties(a.ID)
	require.NoError(t, err)
	assert.Equal(t, []graph.NamedProperty{
		{Name: "name", Value: "alice"},
		{Name: "tags", Value: []any{"x", "y"}},
	}, props)

	v, err = ds.GetEdgeProperty(k, "weight")
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)

	require.NoError(t, ds.DeleteVertexProperty(a.ID, "name"))
	_, err = ds.GetVertexProperty(a.ID, "name")
	assert.ErrorIs(t, err, graph.ErrNotFound)

	require.NoError(t, ds.DeleteEdgeProperty(k, "weight"))
	_, err = ds.GetEdgeProperty(k, "weight")
	assert.ErrorIs(t, err, graph.ErrNotFound)

	err = ds.SetVertexProperty(uuid.New(), "name", "ghost")
	assert.ErrorIs(t, err, graph.ErrNotFound)

	err = ds.SetEdgeProperty(graph.EdgeKey{OutboundID: b.ID, Type: "knows", InboundID: a.ID}, "weight", 1)
	assert.ErrorIs(t, err, graph.ErrNotFound)

	err = ds.SetVertexProperty(a.ID, "bad", func() {})
	assert.ErrorIs(t, err, graph.ErrInvalidValue)
}

func TestGetByPropertyMatchesEdges(t *testing.T) {
	ds := setupTestDatastore(t)
	a := mustVertex(t, ds, "person")
	b := mustVertex(t, ds, "person")
	k := mustEdge(t, ds, a.ID, "knows", b.ID)

	require.NoError(t, ds.SetVertexProperty(b.ID, "since", 2019))
	require.NoError(t, ds.SetEdgeProperty(k, "since", 2019))

	for _, indexed := range []bool{false, true} {
		if indexed {
			require.NoError(t, ds.IndexProperty("since"))
		}
		matches, err := ds.GetByProperty("since", 2019)
		require.NoError(t, err)
		assert.Equal(t, []graph.Vertex{b}, matches.Vertices, "indexed=%v", indexed)
		require.Len(t, matches.Edges, 1)
		assert.Equal(t, k, matches.Edges[0].Key)

		n, err := ds.CountByProperty("since", 2019)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
	}
}

// Every write goes to an indexed property and an unindexed twin with the
// same value, so the value-index path and the full-scan path must agree with
// each other and with the in-memory model.
func TestIndexMatchesFullScan(t *testing.T) {
	ds := setupTestDatastore(t)
	require.NoError(t, ds.IndexProperty("score"))

	rng := rand.New(rand.NewSource(42))
	vertices := make([]graph.Vertex, 8)
	for i := range vertices {
		vertices[i] = mustVertex(t, ds, "item")
	}
	values := []any{1, 2, "two", true, nil}
	model := map[uuid.UUID]any{}

	for step := 0; step < 200; step++ {
		v := vertices[rng.Intn(len(vertices))]
		if rng.Intn(4) == 0 {
			require.NoError(t, ds.DeleteVertexProperty(v.ID, "score"))
			require.NoError(t, ds.DeleteVertexProperty(v.ID, "shadow"))
			delete(model, v.ID)
			continue
		}
		val := values[rng.Intn(len(values))]
		require.NoError(t, ds.SetVertexProperty(v.ID, "score", val))
		require.NoError(t, ds.SetVertexProperty(v.ID, "shadow", val))
		model[v.ID] = val
	}

	for _, val := range values {
		var want []uuid.UUID
		for id, mv := range model {
			if mv == val {
				want = append(want, id)
			}
		}

		indexed, err := ds.GetByProperty("score", val)
		require.NoError(t, err)
		scanned, err := ds.GetByProperty("shadow", val)
		require.NoError(t, err)

		assert.ElementsMatch(t, want, vertexIDs(indexed.Vertices), "indexed value %v", val)
		assert.ElementsMatch(t, want, vertexIDs(scanned.Vertices), "scanned value %v", val)

		n, err := ds.CountByProperty("score", val)
		require.NoError(t, err)
		assert.EqualValues(t, len(want), n)
	}
}

func TestIndexPropertyBackfillsAndIsIdempotent(t *testing.T) {
	ds := setupTestDatastore(t)
	a := mustVertex(t, ds, "person")
	require.NoError(t, ds.SetVertexProperty(a.ID, "email", "a@example.com"))

	require.NoError(t, ds.IndexProperty("email"))
	require.NoError(t, ds.IndexProperty("email"))

	n, err := ds.CountByProperty("email", "a@example.com")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	names, err := ds.IndexedProperties()
	require.NoError(t, err)
	assert.Equal(t, []graph.Identifier{"email"}, names)

	assert.ErrorIs(t, ds.IndexProperty("no spaces allowed"), graph.ErrInvalidIdentifier)
}

// beginIndex stages an index declaration and backfill in an open transaction.
func beginIndex(t *testing.T, ds *Datastore, name graph.Identifier) *Txn {
	t.Helper()
	tx, err := ds.coord.Begin()
	require.NoError(t, err)
	deltas, ok, err := ds.indexes.IndexProperty(tx, name)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, tx.Stage(deltas))
	return tx
}

func TestIndexPropertyRacingPropertyWrites(t *testing.T) {
	assertIndexed := func(t *testing.T, ds *Datastore, want []uuid.UUID) {
		t.Helper()
		matches, err := ds.GetByProperty("age", 30)
		require.NoError(t, err)
		assert.ElementsMatch(t, want, vertexIDs(matches.Vertices))
		n, err := ds.CountByProperty("age", 30)
		require.NoError(t, err)
		assert.EqualValues(t, len(want), n)
	}

	t.Run("write commits first", func(t *testing.T) {
		ds := setupTestDatastore(t)
		a := mustVertex(t, ds, "person")

		ix := beginIndex(t, ds, "age")
		w, err := ds.coord.Begin()
		require.NoError(t, err)
		require.NoError(t, ds.wrap(w).SetVertexProperty(a.ID, "age", 30))
		require.NoError(t, w.Commit())

		assert.ErrorIs(t, ix.Commit(), graph.ErrConflict)
		require.NoError(t, ds.IndexProperty("age"))
		assertIndexed(t, ds, []uuid.UUID{a.ID})
	})

	t.Run("backfill commits first", func(t *testing.T) {
		ds := setupTestDatastore(t)
		a := mustVertex(t, ds, "person")

		w, err := ds.coord.Begin()
		require.NoError(t, err)
		require.NoError(t, ds.wrap(w).SetVertexProperty(a.ID, "age", 30))
		require.NoError(t, beginIndex(t, ds, "age").Commit())

		assert.ErrorIs(t, w.Commit(), graph.ErrConflict)
		require.NoError(t, ds.SetVertexProperty(a.ID, "age", 30))
		assertIndexed(t, ds, []uuid.UUID{a.ID})
	})

	t.Run("cascading delete against backfill", func(t *testing.T) {
		ds := setupTestDatastore(t)
		a := mustVertex(t, ds, "person")
		b := mustVertex(t, ds, "person")
		k := mustEdge(t, ds, a.ID, "knows", b.ID)
		require.NoError(t, ds.SetVertexProperty(a.ID, "age", 30))
		require.NoError(t, ds.SetEdgeProperty(k, "age", 30))

		w, err := ds.coord.Begin()
		require.NoError(t, err)
		require.NoError(t, ds.wrap(w).DeleteVertex(a.ID))
		require.NoError(t, beginIndex(t, ds, "age").Commit())

		assert.ErrorIs(t, w.Commit(), graph.ErrConflict)
		require.NoError(t, ds.DeleteVertex(a.ID))
		assertIndexed(t, ds, nil)
	})
}

func TestTransactionReadsOwnWrites(t *testing.T) {
	ds := setupTestDatastore(t)
	var a, b graph.Vertex

	err := ds.Transaction(func(tx graph.Transaction) error {
		a = graph.NewVertex("person")
		b = graph.NewVertex("person")
		if _, err := tx.CreateVertex(a); err != nil {
			return err
		}
		if _, err := tx.CreateVertex(b); err != nil {
			return err
		}
		created, err := tx.CreateEdge(graph.EdgeKey{OutboundID: a.ID, Type: "knows", InboundID: b.ID})
		if err != nil {
			return err
		}
		assert.True(t, created, "endpoints staged in this transaction are visible")

		page, err := tx.GetOutboundEdges(graph.EdgeQuery{VertexID: a.ID})
		if err != nil {
			return err
		}
		assert.Len(t, page.Edges, 1)
		return tx.SetVertexProperty(a.ID, "age", 41)
	})
	require.NoError(t, err)

	age, err := ds.GetVertexProperty(a.ID, "age")
	require.NoError(t, err)
	assert.EqualValues(t, 41, age)
}

func TestTransactionErrorWritesNothing(t *testing.T) {
	ds := setupTestDatastore(t)
	v := graph.NewVertex("person")

	boom := assert.AnError
	err := ds.Transaction(func(tx graph.Transaction) error {
		if _, err := tx.CreateVertex(v); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = ds.GetVertex(v.ID)
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestClosedDatastore(t *testing.T) {
	ds, err := Open(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, ds.Close())
	require.NoError(t, ds.Close())

	_, err = ds.GetVertex(uuid.New())
	assert.ErrorIs(t, err, graph.ErrClosed)
	_, err = ds.CreateVertex(graph.NewVertex("person"))
	assert.ErrorIs(t, err, graph.ErrClosed)
	_, err = ds.BulkInsert(nil)
	assert.ErrorIs(t, err, graph.ErrClosed)
	assert.ErrorIs(t, ds.Sync(), graph.ErrClosed)
}

func TestStats(t *testing.T) {
	ds := setupTestDatastore(t)
	require.NoError(t, ds.IndexProperty("name"))
	a := mustVertex(t, ds, "person")
	b := mustVertex(t, ds, "person")
	mustEdge(t, ds, a.ID, "knows", b.ID)

	s, err := ds.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 2, s.Vertices)
	assert.EqualValues(t, 1, s.Edges)
	assert.Equal(t, []graph.Identifier{"name"}, s.IndexedProperties)
}

func TestDeleteVertexBeyondTransactionLimit(t *testing.T) {
	// an 8MB memtable caps one transaction at roughly 13000 deltas
	ds, err := Open(BadgerOptions{InMemory: true, MemTableSize: 8 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	const spokes = 6000
	hub := graph.NewVertex("hub")
	items := []graph.BulkItem{graph.VertexItem(hub)}
	for i := 0; i < spokes; i++ {
		k := graph.EdgeKey{OutboundID: hub.ID, Type: "links", InboundID: uuid.New()}
		items = append(items, graph.EdgeItem(k, time.Time{}))
	}
	_, err = ds.BulkInsert(items)
	require.NoError(t, err)

	err = ds.DeleteVertex(hub.ID)
	require.ErrorIs(t, err, graph.ErrTxnTooLarge)
	assert.False(t, graph.IsIOError(err))

	_, err = ds.GetVertex(hub.ID)
	require.NoError(t, err, "nothing was deleted")
	n, err := ds.CountOutboundEdges(hub.ID, nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, spokes, n)

	// removing the edges in smaller transactions first lets the delete through
	for {
		page, err := ds.GetOutboundEdges(graph.EdgeQuery{VertexID: hub.ID, Limit: 1000})
		require.NoError(t, err)
		if len(page.Edges) == 0 {
			break
		}
		require.NoError(t, ds.Transaction(func(tx graph.Transaction) error {
			for _, e := range page.Edges {
				if err := tx.DeleteEdge(e.Key); err != nil {
					return err
				}
			}
			return nil
		}))
	}
	require.NoError(t, ds.DeleteVertex(hub.ID))
	_, err = ds.GetVertex(hub.ID)
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestLargeIntegersKeepPrecision(t *testing.T) {
	ds := setupTestDatastore(t)
	require.NoError(t, ds.IndexProperty("big"))
	a := mustVertex(t, ds, "item")
	b := mustVertex(t, ds, "item")

	const exact = int64(1<<53 + 1)
	for _, name := range []graph.Identifier{"big", "plain"} {
		require.NoError(t, ds.SetVertexProperty(a.ID, name, exact))
		require.NoError(t, ds.SetVertexProperty(b.ID, name, int64(1<<53)))
	}

	got, err := ds.GetVertexProperty(a.ID, "big")
	require.NoError(t, err)
	assert.Equal(t, exact, got)

	for _, name := range []graph.Identifier{"big", "plain"} {
		matches, err := ds.GetByProperty(name, exact)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{a.ID}, vertexIDs(matches.Vertices), name)
		n, err := ds.CountByProperty(name, exact)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n, name)
	}

	// the same number arriving as JSON text
	c := uuid.New()
	_, err = ds.BulkLoader().LoadJSONLines(strings.NewReader(fmt.Sprintf(
		"{\"kind\":\"vertex\",\"id\":\"%s\",\"type\":\"item\"}\n"+
			"{\"kind\":\"vertex_property\",\"id\":\"%s\",\"name\":\"big\",\"value\":9007199254740993}\n", c, c)))
	require.NoError(t, err)
	matches, err := ds.GetByProperty("big", exact)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a.ID, c}, vertexIDs(matches.Vertices))

	// integral floats still equal their integer form
	require.NoError(t, ds.SetVertexProperty(b.ID, "plain", 30.0))
	matches, err = ds.GetByProperty("plain", 30)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{b.ID}, vertexIDs(matches.Vertices))
}
