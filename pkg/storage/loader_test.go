package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/graphkv/pkg/graph"
)

func TestBulkLoadChunks(t *testing.T) {
	ds := setupTestDatastore(t)
	loader := ds.BulkLoader()
	loader.ChunkSize = 10

	var items []graph.BulkItem
	var ids []uuid.UUID
	for i := 0; i < 25; i++ {
		v := graph.NewVertex("person")
		ids = append(ids, v.ID)
		items = append(items, graph.VertexItem(v))
	}

	res, err := loader.Load(items)
	require.NoError(t, err)
	assert.Equal(t, LoadResult{Vertices: 25, Chunks: 3}, res)

	n, err := ds.CountVertices()
	require.NoError(t, err)
	assert.EqualValues(t, 25, n)

	byType, err := ds.GetVerticesByType("person", 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, vertexIDs(byType))
}

func TestBulkLoadMatchesTransactionalWrites(t *testing.T) {
	ds := setupTestDatastore(t)
	require.NoError(t, ds.IndexProperty("name"))

	a := graph.NewVertex("person")
	b := graph.NewVertex("person")
	k := graph.EdgeKey{OutboundID: a.ID, Type: "knows", InboundID: b.ID}
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	res, err := ds.BulkInsert([]graph.BulkItem{
		graph.VertexItem(a),
		graph.VertexItem(b),
		graph.EdgeItem(k, ts),
		graph.VertexPropertyItem(a.ID, "name", "alice"),
		graph.VertexPropertyItem(b.ID, "age", 41),
		graph.EdgePropertyItem(k, "name", "old friends"),
	})
	require.NoError(t, err)
	assert.Equal(t, LoadResult{Vertices: 2, Edges: 1, VertexProperties: 2, EdgeProperties: 1, Chunks: 1}, res)

	e, err := ds.GetEdge(k)
	require.NoError(t, err)
	assert.True(t, ts.Equal(e.UpdatedAt))

	in, err := ds.GetInboundEdges(graph.EdgeQuery{VertexID: b.ID})
	require.NoError(t, err)
	require.Len(t, in.Edges, 1)
	assert.Equal(t, k, in.Edges[0].Key)

	// declared before the load, so served from the value index
	n, err := ds.CountByProperty("name", "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	matches, err := ds.GetByProperty("name", "old friends")
	require.NoError(t, err)
	require.Len(t, matches.Edges, 1)
	assert.Equal(t, k, matches.Edges[0].Key)

	// the loaded graph behaves like one written through transactions
	require.NoError(t, ds.DeleteVertex(a.ID))
	n, err = ds.CountEdges()
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = ds.CountByProperty("name", "old friends")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBulkLoadZeroTimestampUsesClock(t *testing.T) {
	ds := setupTestDatastore(t)
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	loader := ds.BulkLoader()
	loader.now = func() time.Time { return fixed }

	k := graph.EdgeKey{OutboundID: uuid.New(), Type: "knows", InboundID: uuid.New()}
	_, err := loader.Load([]graph.BulkItem{graph.EdgeItem(k, time.Time{})})
	require.NoError(t, err)

	e, err := ds.GetEdge(k)
	require.NoError(t, err)
	assert.Equal(t, fixed, e.UpdatedAt)
}

func TestBulkLoadDoesNotCheckEndpoints(t *testing.T) {
	ds := setupTestDatastore(t)
	a := mustVertex(t, ds, "person")
	ghost := uuid.New()
	k := graph.EdgeKey{OutboundID: a.ID, Type: "knows", InboundID: ghost}

	res, err := ds.BulkInsert([]graph.BulkItem{
		graph.EdgeItem(k, time.Now()),
		graph.VertexPropertyItem(ghost, "name", "nobody"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Edges)

	page, err := ds.GetOutboundEdges(graph.EdgeQuery{VertexID: a.ID})
	require.NoError(t, err)
	require.Len(t, page.Edges, 1)
	assert.Equal(t, ghost, page.Edges[0].Key.InboundID)

	v, err := ds.GetVertexProperty(ghost, "name")
	require.NoError(t, err)
	assert.Equal(t, "nobody", v)

	// the property owner has no primary record, so lookups skip it
	matches, err := ds.GetByProperty("name", "nobody")
	require.NoError(t, err)
	assert.Empty(t, matches.Vertices)
}

func TestBulkLoadRejectsInvalidItems(t *testing.T) {
	ds := setupTestDatastore(t)
	loader := ds.BulkLoader()
	loader.ChunkSize = 2

	items := []graph.BulkItem{
		graph.VertexItem(graph.NewVertex("person")),
		graph.VertexItem(graph.NewVertex("person")),
		graph.VertexItem(graph.NewVertex("person")),
		graph.VertexPropertyItem(uuid.New(), "bad name", 1),
	}
	res, err := loader.Load(items)
	require.ErrorIs(t, err, graph.ErrInvalidIdentifier)
	assert.Contains(t, err.Error(), "bulk item 3")
	assert.Equal(t, 1, res.Chunks, "earlier chunks stay written")

	n, err := ds.CountVertices()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = loader.Load([]graph.BulkItem{graph.VertexPropertyItem(uuid.New(), "ok", func() {})})
	assert.ErrorIs(t, err, graph.ErrInvalidValue)
}

func TestBulkLoadPreSorted(t *testing.T) {
	ds := setupTestDatastore(t)
	loader := ds.BulkLoader()
	loader.PreSorted = true

	// ascending ids produce ascending vertex keys
	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", i+1))
	}
	var items []graph.BulkItem
	for _, id := range ids {
		items = append(items, graph.VertexItem(graph.NewVertexWithID(id, "node")))
	}
	_, err := loader.Load(items)
	require.NoError(t, err)

	got, err := ds.GetVertexRange(uuid.Nil, 0)
	require.NoError(t, err)
	assert.Equal(t, ids, vertexIDs(got))
}

// parseJSONLines decodes every line of input without loading anything.
func parseJSONLines(input string) ([]graph.BulkItem, error) {
	lines := newJSONLines(strings.NewReader(input))
	var items []graph.BulkItem
	for {
		item, ok, err := lines.next()
		if err != nil || !ok {
			return items, err
		}
		items = append(items, item)
	}
}

func TestParseJSONLines(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	input := strings.Join([]string{
		fmt.Sprintf(`{"kind":"vertex","id":"%s","type":"person"}`, a),
		"",
		fmt.Sprintf(`{"kind":"vertex","id":"%s","type":"person"}`, b),
		fmt.Sprintf(`{"kind":"edge","outbound":"%s","type":"knows","inbound":"%s","updated_at":"2024-01-01T00:00:00Z"}`, a, b),
		fmt.Sprintf(`{"kind":"vertex_property","id":"%s","name":"age","value":30}`, a),
		fmt.Sprintf(`{"kind":"edge_property","outbound":"%s","type":"knows","inbound":"%s","name":"since","value":{"year":2020}}`, a, b),
	}, "\n")

	items, err := parseJSONLines(input)
	require.NoError(t, err)
	require.Len(t, items, 5)

	assert.Equal(t, graph.VertexItem(graph.NewVertexWithID(a, "person")), items[0])
	assert.Equal(t, graph.BulkEdge, items[2].Kind)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), items[2].Edge.UpdatedAt.UTC())
	assert.Equal(t, int64(30), items[3].VertexProperty.Value)
	assert.Equal(t, map[string]any{"year": int64(2020)}, items[4].EdgeProperty.Value)

	tests := []struct {
		name string
		line string
	}{
		{"not json", `{"kind":`},
		{"unknown kind", `{"kind":"hyperedge"}`},
		{"bad id", `{"kind":"vertex","id":"nope","type":"person"}`},
		{"bad type", fmt.Sprintf(`{"kind":"vertex","id":"%s","type":"two words"}`, a)},
		{"missing value", fmt.Sprintf(`{"kind":"vertex_property","id":"%s","name":"age"}`, a)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseJSONLines("\n" + tt.line)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "line 2")
		})
	}
}

func TestLoadJSONLinesFile(t *testing.T) {
	ds := setupTestDatastore(t)
	a, b := uuid.New(), uuid.New()
	path := filepath.Join(t.TempDir(), "graph.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(
		"{\"kind\":\"vertex\",\"id\":\"%s\",\"type\":\"person\"}\n"+
			"{\"kind\":\"vertex\",\"id\":\"%s\",\"type\":\"person\"}\n"+
			"{\"kind\":\"edge\",\"outbound\":\"%s\",\"type\":\"knows\",\"inbound\":\"%s\"}\n",
		a, b, a, b)), 0o644))

	res, err := ds.BulkLoader().LoadJSONLinesFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Vertices)
	assert.Equal(t, 1, res.Edges)

	n, err := ds.CountOutboundEdges(a, nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = ds.BulkLoader().LoadJSONLinesFile(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

// lineFeeder returns one line per Read and calls onRead before each one.
type lineFeeder struct {
	lines  []string
	onRead func()
}

func (f *lineFeeder) Read(p []byte) (int, error) {
	f.onRead()
	if len(f.lines) == 0 {
		return 0, io.EOF
	}
	n := copy(p, f.lines[0]+"\n")
	f.lines = f.lines[1:]
	return n, nil
}

func TestLoadJSONLinesFlushesWhileReading(t *testing.T) {
	ds := setupTestDatastore(t)
	loader := ds.BulkLoader()
	loader.ChunkSize = 3

	var lines []string
	for i := 0; i < 7; i++ {
		lines = append(lines, fmt.Sprintf(`{"kind":"vertex","id":"%s","type":"person"}`, uuid.New()))
	}
	var seen []int64
	feeder := &lineFeeder{lines: lines, onRead: func() {
		n, err := ds.CountVertices()
		require.NoError(t, err)
		seen = append(seen, n)
	}}

	res, err := loader.LoadJSONLines(feeder)
	require.NoError(t, err)
	assert.Equal(t, LoadResult{Vertices: 7, Chunks: 3}, res)

	// vertices stored before each line is read
	require.GreaterOrEqual(t, len(seen), 7)
	assert.Equal(t, []int64{0, 0, 0, 3, 3, 3, 6}, seen[:7])

	n, err := ds.CountVertices()
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)
}

func TestLoadJSONLinesStopsAtBadLine(t *testing.T) {
	ds := setupTestDatastore(t)
	loader := ds.BulkLoader()
	loader.ChunkSize = 2

	var b strings.Builder
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&b, "{\"kind\":\"vertex\",\"id\":\"%s\",\"type\":\"person\"}\n", uuid.New())
	}
	b.WriteString("{\"kind\":\"vertex\",\"id\":\"nope\",\"type\":\"person\"}\n")

	res, err := loader.LoadJSONLines(strings.NewReader(b.String()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 6")
	assert.Equal(t, 2, res.Chunks, "full chunks before the bad line stay written")

	n, err := ds.CountVertices()
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}

func TestBulkLoadOnClosedDatastore(t *testing.T) {
	ds, err := Open(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, ds.Close())

	_, err = ds.BulkInsert([]graph.BulkItem{graph.VertexItem(graph.NewVertex("person"))})
	assert.ErrorIs(t, err, graph.ErrClosed)
}
