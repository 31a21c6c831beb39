package keys

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/graphkv/pkg/graph"
)

// decoder walks a key left to right. The first failure sticks; callers check
// err once at the end.
type decoder struct {
	key []byte
	off int
	err error
}

func newDecoder(key []byte, prefix byte) *decoder {
	d := &decoder{key: key}
	if len(key) == 0 || key[0] != prefix {
		d.fail("unexpected partition prefix")
		return d
	}
	d.off = 1
	return d
}

func (d *decoder) fail(reason string) {
	if d.err == nil {
		d.err = &graph.DecodingError{
			Partition: PartitionName(d.key),
			Key:       append([]byte(nil), d.key...),
			Reason:    reason,
		}
	}
}

func (d *decoder) readByte() byte {
	if d.err != nil {
		return 0
	}
	if d.off >= len(d.key) {
		d.fail("truncated key")
		return 0
	}
	b := d.key[d.off]
	d.off++
	return b
}

func (d *decoder) readID() uuid.UUID {
	var id uuid.UUID
	if d.err != nil {
		return id
	}
	if len(d.key)-d.off < idLen {
		d.fail("truncated id")
		return id
	}
	copy(id[:], d.key[d.off:d.off+idLen])
	d.off += idLen
	return id
}

func (d *decoder) readIdent() graph.Identifier {
	n := int(d.readByte())
	if d.err != nil {
		return ""
	}
	if len(d.key)-d.off < n {
		d.fail("truncated identifier")
		return ""
	}
	s := string(d.key[d.off : d.off+n])
	d.off += n
	if err := validateStored(s); err != nil {
		d.fail(err.Error())
		return ""
	}
	return graph.Identifier(s)
}

func (d *decoder) skip(n int) {
	if d.err != nil {
		return
	}
	if len(d.key)-d.off < n {
		d.fail("truncated key")
		return
	}
	d.off += n
}

func (d *decoder) end() error {
	if d.err == nil && d.off != len(d.key) {
		d.fail(fmt.Sprintf("%d trailing bytes", len(d.key)-d.off))
	}
	return d.err
}

func (d *decoder) readEdge() graph.EdgeKey {
	out := d.readID()
	t := d.readIdent()
	in := d.readID()
	return graph.EdgeKey{OutboundID: out, Type: t, InboundID: in}
}

func validateStored(s string) error {
	return graph.Identifier(s).Validate()
}

// DecodeVertex parses a vertex primary key.
func DecodeVertex(key []byte) (uuid.UUID, error) {
	d := newDecoder(key, PrefixVertex)
	id := d.readID()
	return id, d.end()
}

// DecodeVertexValue parses the stored type of a vertex.
func DecodeVertexValue(key, value []byte) (graph.Identifier, error) {
	if err := validateStored(string(value)); err != nil {
		return "", &graph.DecodingError{
			Partition: PartitionName(key),
			Key:       append([]byte(nil), key...),
			Reason:    "invalid vertex type",
			Err:       err,
		}
	}
	return graph.Identifier(value), nil
}

// DecodeEdge parses an edge primary key.
func DecodeEdge(key []byte) (graph.EdgeKey, error) {
	d := newDecoder(key, PrefixEdge)
	k := d.readEdge()
	return k, d.end()
}

// DecodeReverseEdge parses a reverse-partition key and returns the edge in its
// natural (outbound, type, inbound) orientation.
func DecodeReverseEdge(key []byte) (graph.EdgeKey, error) {
	d := newDecoder(key, PrefixReverseEdge)
	k := d.readEdge()
	return k.Reversed(), d.end()
}

// DecodeVertexProperty parses a vertex property key.
func DecodeVertexProperty(key []byte) (uuid.UUID, graph.Identifier, error) {
	d := newDecoder(key, PrefixVertexProperty)
	id := d.readID()
	name := d.readIdent()
	return id, name, d.end()
}

// DecodeEdgeProperty parses an edge property key.
func DecodeEdgeProperty(key []byte) (graph.EdgeKey, graph.Identifier, error) {
	d := newDecoder(key, PrefixEdgeProperty)
	k := d.readEdge()
	name := d.readIdent()
	return k, name, d.end()
}

// DecodeTypeIndex parses a type-index key.
func DecodeTypeIndex(key []byte) (graph.Identifier, Owner, error) {
	d := newDecoder(key, PrefixTypeIndex)
	kind := OwnerKind(d.readByte())
	t := d.readIdent()
	owner := d.readOwner(kind)
	return t, owner, d.end()
}

// DecodeValueIndex parses a value-index key. The value hash is skipped.
func DecodeValueIndex(key []byte) (graph.Identifier, Owner, error) {
	d := newDecoder(key, PrefixValueIndex)
	kind := OwnerKind(d.readByte())
	if d.err == nil && kind == ownerDeclaration {
		d.fail("index declaration is not an index entry")
	}
	name := d.readIdent()
	d.skip(HashLen)
	owner := d.readOwner(kind)
	return name, owner, d.end()
}

// DecodeIndexDeclaration parses an index declaration key.
func DecodeIndexDeclaration(key []byte) (graph.Identifier, error) {
	d := newDecoder(key, PrefixValueIndex)
	if kind := OwnerKind(d.readByte()); d.err == nil && kind != ownerDeclaration {
		d.fail("not an index declaration")
	}
	name := d.readIdent()
	return name, d.end()
}

func (d *decoder) readOwner(kind OwnerKind) Owner {
	o := Owner{Kind: kind}
	switch kind {
	case OwnerVertex:
		o.VertexID = d.readID()
	case OwnerEdge:
		o.Edge = d.readEdge()
	default:
		d.fail(fmt.Sprintf("unknown owner kind 0x%02x", byte(kind)))
	}
	return o
}

// ============================================================================
// Timestamps
// ============================================================================

// timeBias flips the sign bit so negative Unix nanos still sort before positive ones.
const timeBias = uint64(1) << 63

// EncodeTime encodes t as 8 order-preserving bytes with nanosecond precision.
func EncodeTime(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano())^timeBias)
	return buf
}

// DecodeTime parses a timestamp written by EncodeTime. The result is in UTC.
func DecodeTime(key, value []byte) (time.Time, error) {
	if len(value) != 8 {
		return time.Time{}, &graph.DecodingError{
			Partition: PartitionName(key),
			Key:       append([]byte(nil), key...),
			Reason:    fmt.Sprintf("timestamp has %d bytes, want 8", len(value)),
		}
	}
	nanos := int64(binary.BigEndian.Uint64(value) ^ timeBias)
	return time.Unix(0, nanos).UTC(), nil
}
