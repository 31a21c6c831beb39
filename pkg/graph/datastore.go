package graph

import (
	"time"

	"github.com/google/uuid"
)

// Reader is the read half of the datastore contract.
//
// Lookups by a single id or key return ErrNotFound when the record is absent.
// Multi-record lookups simply omit missing records. When some records fail to
// decode, the successfully decoded ones are still returned together with an
// error that joins one *DecodingError per bad record.
type Reader interface {
	GetVertex(id uuid.UUID) (Vertex, error)
	GetVertices(ids []uuid.UUID) ([]Vertex, error)
	GetVertexRange(start uuid.UUID, limit int) ([]Vertex, error)
	GetVerticesByType(t Identifier, limit int) ([]Vertex, error)

	GetEdge(key EdgeKey) (Edge, error)
	GetOutboundEdges(q EdgeQuery) (EdgePage, error)
	GetInboundEdges(q EdgeQuery) (EdgePage, error)

	GetVertexProperty(id uuid.UUID, name Identifier) (any, error)
	GetVertexProperties(id uuid.UUID) ([]NamedProperty, error)
	GetEdgeProperty(key EdgeKey, name Identifier) (any, error)
	GetEdgeProperties(key EdgeKey) ([]NamedProperty, error)

	// GetByProperty returns every vertex and edge whose property name
	// currently equals value. Names that have not been declared with
	// IndexProperty are answered by a full scan of the property partitions.
	GetByProperty(name Identifier, value any) (PropertyMatches, error)

	CountVertices() (int64, error)
	CountEdges() (int64, error)
	// Edge counts read only keys unless high is set, in which case edges
	// updated after high are left out.
	CountOutboundEdges(id uuid.UUID, t *Identifier, high *time.Time) (int64, error)
	CountInboundEdges(id uuid.UUID, t *Identifier, high *time.Time) (int64, error)
	CountByProperty(name Identifier, value any) (int64, error)
}

// Writer is the write half of the datastore contract. Every call is applied
// as one atomic unit together with all index maintenance it implies.
type Writer interface {
	// CreateVertex returns false without writing when the id already exists.
	CreateVertex(v Vertex) (bool, error)
	// DeleteVertex removes the vertex, its properties and every edge touching
	// it. Deleting a missing vertex is a no-op.
	DeleteVertex(id uuid.UUID) error

	// CreateEdge returns false without writing when either endpoint is
	// missing. Creating an existing edge refreshes its timestamp.
	CreateEdge(key EdgeKey) (bool, error)
	DeleteEdge(key EdgeKey) error

	// SetVertexProperty returns ErrNotFound when the vertex does not exist.
	SetVertexProperty(id uuid.UUID, name Identifier, value any) error
	DeleteVertexProperty(id uuid.UUID, name Identifier) error
	// SetEdgeProperty returns ErrNotFound when the edge does not exist.
	SetEdgeProperty(key EdgeKey, name Identifier, value any) error
	DeleteEdgeProperty(key EdgeKey, name Identifier) error
}

// Transaction groups reads and writes into one atomic unit. Reads observe the
// transaction's own pending writes.
type Transaction interface {
	Reader
	Writer
}

// BulkResult summarizes a bulk insert.
type BulkResult struct {
	Vertices         int
	Edges            int
	VertexProperties int
	EdgeProperties   int
	Chunks           int
}

// Datastore is the capability set a storage backend provides.
type Datastore interface {
	Transaction

	// Transaction runs fn inside one atomic unit. If fn returns an error
	// nothing it wrote becomes visible. ErrConflict means a concurrent commit
	// invalidated fn's reads and the whole function may be retried.
	Transaction(fn func(tx Transaction) error) error

	// IndexProperty declares name as indexed and indexes every existing
	// property with that name.
	IndexProperty(name Identifier) error

	// BulkInsert writes fresh records without per-record atomicity. It must
	// not run concurrently with any other reader or writer and must not be
	// used to update records that already exist.
	BulkInsert(items []BulkItem) (BulkResult, error)

	Sync() error
	Close() error
}
