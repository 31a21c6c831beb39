// Bulk loading.
//
// The BulkLoader writes fresh records straight into badger WriteBatches,
// bypassing the coordinator. It performs no reads per record, no endpoint
// validation, and gives no atomicity across chunks: a failure part-way leaves
// every earlier chunk in place.
//
// Usage constraints, not checked at runtime:
//   - nothing else may read or write the engine while a load runs
//   - items must describe records that do not exist yet; loading over existing
//     records can leave stale index entries behind
//
// Input can also come from JSON lines, one record per line:
//
//	{"kind":"vertex","id":"0190...","type":"person"}
//	{"kind":"edge","outbound":"0190...","type":"knows","inbound":"0190..."}
//	{"kind":"vertex_property","id":"0190...","name":"age","value":30}
//	{"kind":"edge_property","outbound":"...","type":"knows","inbound":"...","name":"since","value":2020}

package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/graphkv/pkg/graph"
	"github.com/orneryd/graphkv/pkg/index"
	"github.com/orneryd/graphkv/pkg/keys"
)

// DefaultChunkSize is the number of items per WriteBatch flush.
const DefaultChunkSize = 10000

// LoadResult counts what a bulk load wrote.
type LoadResult = graph.BulkResult

// BulkLoader is the non-transactional insert path.
type BulkLoader struct {
	engine *BadgerEngine

	// ChunkSize is the number of items flushed per WriteBatch.
	ChunkSize int

	// PreSorted skips sorting each chunk's deltas by key. Set it only when
	// the input already produces keys in ascending order.
	PreSorted bool

	now func() time.Time
}

// NewBulkLoader returns a loader using the engine's configured chunk size.
func NewBulkLoader(engine *BadgerEngine) *BulkLoader {
	chunk := engine.opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &BulkLoader{
		engine:    engine,
		ChunkSize: chunk,
		PreSorted: engine.opts.PreSorted,
		now:       time.Now,
	}
}

// Load writes items in chunks. Value-index entries are written for property
// names that were declared indexed when the load started.
func (l *BulkLoader) Load(items []graph.BulkItem) (LoadResult, error) {
	i := 0
	return l.load(func() (graph.BulkItem, bool, error) {
		if i == len(items) {
			return graph.BulkItem{}, false, nil
		}
		i++
		return items[i-1], true, nil
	})
}

// LoadJSONLines streams JSON lines from r, flushing every ChunkSize items, so
// at most one chunk is held in memory. A bad line stops the load; chunks
// flushed before it stay written.
func (l *BulkLoader) LoadJSONLines(r io.Reader) (LoadResult, error) {
	return l.load(newJSONLines(r).next)
}

// LoadJSONLinesFile streams a JSON lines file into the store.
func (l *BulkLoader) LoadJSONLinesFile(path string) (LoadResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return LoadResult{}, err
	}
	defer file.Close()
	return l.LoadJSONLines(file)
}

// load pulls items from next until it reports no more, flushing each full
// chunk before reading on.
func (l *BulkLoader) load(next func() (graph.BulkItem, bool, error)) (LoadResult, error) {
	var total LoadResult
	if err := l.engine.checkOpen(); err != nil {
		return total, err
	}

	var indexed map[graph.Identifier]bool
	err := l.engine.view(func(q *executor) error {
		var err error
		indexed, err = index.NewManager().IndexedNames(q)
		return err
	})
	if err != nil {
		return total, err
	}

	chunkSize := l.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	chunk := make([]graph.BulkItem, 0, min(chunkSize, DefaultChunkSize))
	for offset, done := 0, false; !done; offset += len(chunk) {
		chunk = chunk[:0]
		for len(chunk) < chunkSize {
			item, ok, err := next()
			if err != nil {
				return total, err
			}
			if !ok {
				done = true
				break
			}
			chunk = append(chunk, item)
		}
		if len(chunk) == 0 {
			break
		}

		deltas, counts, err := l.chunkDeltas(chunk, offset, indexed)
		if err != nil {
			return total, err
		}
		if err := l.flush(deltas); err != nil {
			return total, err
		}

		total.Vertices += counts.Vertices
		total.Edges += counts.Edges
		total.VertexProperties += counts.VertexProperties
		total.EdgeProperties += counts.EdgeProperties
		total.Chunks++
		l.engine.metrics.bulkLoaded(counts)

		l.engine.logger.WithFields(logrus.Fields{
			"action": "bulk_load",
			"chunk":  total.Chunks,
			"items":  len(chunk),
			"deltas": len(deltas),
		}).Debug("chunk flushed")
	}

	return total, nil
}

func (l *BulkLoader) chunkDeltas(items []graph.BulkItem, offset int, indexed map[graph.Identifier]bool) ([]keys.Delta, LoadResult, error) {
	var counts LoadResult
	deltas := make([]keys.Delta, 0, len(items)*3)

	for i, item := range items {
		d, err := l.itemDeltas(item, indexed)
		if err != nil {
			return nil, counts, fmt.Errorf("bulk item %d (%s): %w", offset+i, item.Kind, err)
		}
		deltas = append(deltas, d...)

		switch item.Kind {
		case graph.BulkVertex:
			counts.Vertices++
		case graph.BulkEdge:
			counts.Edges++
		case graph.BulkVertexProperty:
			counts.VertexProperties++
		case graph.BulkEdgeProperty:
			counts.EdgeProperties++
		}
	}

	deltas = keys.Compact(deltas)
	if !l.PreSorted {
		keys.SortByKey(deltas)
	}
	return deltas, counts, nil
}

func (l *BulkLoader) itemDeltas(item graph.BulkItem, indexed map[graph.Identifier]bool) ([]keys.Delta, error) {
	switch item.Kind {
	case graph.BulkVertex:
		if err := item.Vertex.Type.Validate(); err != nil {
			return nil, err
		}
		return index.VertexInsert(item.Vertex), nil

	case graph.BulkEdge:
		if err := item.Edge.Key.Type.Validate(); err != nil {
			return nil, err
		}
		ts := item.Edge.UpdatedAt
		if ts.IsZero() {
			ts = l.now()
		}
		return index.EdgeInsert(item.Edge.Key, ts), nil

	case graph.BulkVertexProperty:
		p := item.VertexProperty
		if err := p.Name.Validate(); err != nil {
			return nil, err
		}
		canonical, err := graph.CanonicalValue(p.Value)
		if err != nil {
			return nil, err
		}
		return index.VertexPropertyInsert(p.ID, p.Name, canonical, indexed[p.Name]), nil

	case graph.BulkEdgeProperty:
		p := item.EdgeProperty
		if err := p.Key.Type.Validate(); err != nil {
			return nil, err
		}
		if err := p.Name.Validate(); err != nil {
			return nil, err
		}
		canonical, err := graph.CanonicalValue(p.Value)
		if err != nil {
			return nil, err
		}
		return index.EdgePropertyInsert(p.Key, p.Name, canonical, indexed[p.Name]), nil

	default:
		return nil, fmt.Errorf("unknown bulk item kind %d", int(item.Kind))
	}
}

func (l *BulkLoader) flush(deltas []keys.Delta) error {
	wb := l.engine.db.NewWriteBatch()
	defer wb.Cancel()

	for _, d := range deltas {
		var err error
		if d.Delete {
			err = wb.Delete(d.Key)
		} else {
			err = wb.Set(d.Key, d.Value)
		}
		if err != nil {
			return engineError("bulk write", err)
		}
	}
	return engineError("bulk flush", wb.Flush())
}

// ============================================================================
// JSON lines input
// ============================================================================

// jsonItem is one line of a JSON lines bulk file.
type jsonItem struct {
	Kind      string          `json:"kind"`
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type,omitempty"`
	Outbound  string          `json:"outbound,omitempty"`
	Inbound   string          `json:"inbound,omitempty"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
	Name      string          `json:"name,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

func (j *jsonItem) edgeKey() (graph.EdgeKey, error) {
	out, err := uuid.Parse(j.Outbound)
	if err != nil {
		return graph.EdgeKey{}, fmt.Errorf("outbound id: %w", err)
	}
	in, err := uuid.Parse(j.Inbound)
	if err != nil {
		return graph.EdgeKey{}, fmt.Errorf("inbound id: %w", err)
	}
	t, err := graph.NewIdentifier(j.Type)
	if err != nil {
		return graph.EdgeKey{}, err
	}
	return graph.EdgeKey{OutboundID: out, Type: t, InboundID: in}, nil
}

func (j *jsonItem) value() (any, error) {
	if len(j.Value) == 0 {
		return nil, fmt.Errorf("%w: missing value", graph.ErrInvalidValue)
	}
	v, err := graph.DecodeValue(j.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", graph.ErrInvalidValue, err)
	}
	return v, nil
}

func (j *jsonItem) toBulkItem() (graph.BulkItem, error) {
	switch j.Kind {
	case "vertex":
		id, err := uuid.Parse(j.ID)
		if err != nil {
			return graph.BulkItem{}, fmt.Errorf("vertex id: %w", err)
		}
		t, err := graph.NewIdentifier(j.Type)
		if err != nil {
			return graph.BulkItem{}, err
		}
		return graph.VertexItem(graph.NewVertexWithID(id, t)), nil

	case "edge":
		k, err := j.edgeKey()
		if err != nil {
			return graph.BulkItem{}, err
		}
		var ts time.Time
		if j.UpdatedAt != nil {
			ts = *j.UpdatedAt
		}
		return graph.EdgeItem(k, ts), nil

	case "vertex_property":
		id, err := uuid.Parse(j.ID)
		if err != nil {
			return graph.BulkItem{}, fmt.Errorf("vertex id: %w", err)
		}
		name, err := graph.NewIdentifier(j.Name)
		if err != nil {
			return graph.BulkItem{}, err
		}
		v, err := j.value()
		if err != nil {
			return graph.BulkItem{}, err
		}
		return graph.VertexPropertyItem(id, name, v), nil

	case "edge_property":
		k, err := j.edgeKey()
		if err != nil {
			return graph.BulkItem{}, err
		}
		name, err := graph.NewIdentifier(j.Name)
		if err != nil {
			return graph.BulkItem{}, err
		}
		v, err := j.value()
		if err != nil {
			return graph.BulkItem{}, err
		}
		return graph.EdgePropertyItem(k, name, v), nil

	default:
		return graph.BulkItem{}, fmt.Errorf("unknown kind %q", j.Kind)
	}
}

// maxLineSize bounds one JSON lines record.
const maxLineSize = 1 << 20

// jsonLines decodes bulk items one line at a time. Blank lines are skipped.
type jsonLines struct {
	scanner *bufio.Scanner
	line    int
}

func newJSONLines(r io.Reader) *jsonLines {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &jsonLines{scanner: scanner}
}

func (j *jsonLines) next() (graph.BulkItem, bool, error) {
	for j.scanner.Scan() {
		j.line++
		raw := j.scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec jsonItem
		if err := json.Unmarshal(raw, &rec); err != nil {
			return graph.BulkItem{}, false, fmt.Errorf("line %d: parsing JSON: %w", j.line, err)
		}
		item, err := rec.toBulkItem()
		if err != nil {
			return graph.BulkItem{}, false, fmt.Errorf("line %d: %w", j.line, err)
		}
		return item, true, nil
	}
	if err := j.scanner.Err(); err != nil {
		return graph.BulkItem{}, false, fmt.Errorf("line %d: scanning input: %w", j.line+1, err)
	}
	return graph.BulkItem{}, false, nil
}
