// Package wire encodes causal trees into a compact binary format, and fingerprints their weaves.
//
// A snapshot is encoded with deterministic CBOR, so equal snapshots always produce the same
// bytes. Records are CBOR arrays instead of maps, and atom values are written as a tag and an
// opaque payload produced by a ValueCodec. The encoded snapshot is then wrapped in a frame that
// identifies the format and its compression.
package wire

import (
	"errors"
	"fmt"

	"github.com/brunokim/causaltree/crdt"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// formatVersion is written in every snapshot record. Decoding rejects other versions.
const formatVersion = 1

// Errors returned while decoding.
var (
	ErrInvalidFrame       = errors.New("invalid frame")
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
	ErrInvalidRecord      = errors.New("invalid snapshot record")
)

// ValueCodec converts atom values to and from a tag and a payload.
//
// Tags discriminate the variants of a value type. The payload may be empty.
type ValueCodec[V crdt.Value] interface {
	EncodeValue(v V) (tag uint8, payload []byte, err error)
	DecodeValue(tag uint8, payload []byte) (V, error)
}

// encMode is the CBOR encoder configured with Core Deterministic Encoding (RFC 8949 §4.2).
var encMode cbor.EncMode

// decMode rejects duplicate map keys and indefinite-length items, which are never produced by
// encMode.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// +---------+
// | Records |
// +---------+

type siteRecord struct {
	_     struct{} `cbor:",toarray"`
	UUID  []byte
	Clock uint32
}

type atomRecord struct {
	_          struct{} `cbor:",toarray"`
	Site       uint16
	Index      uint32
	CauseSite  uint16
	CauseIndex uint32
	Timestamp  uint32
	Tag        uint8
	Payload    []byte
}

type snapshotRecord struct {
	_         struct{} `cbor:",toarray"`
	Version   uint8
	Sites     []siteRecord
	SiteClock uint32
	Owner     []byte
	Clock     uint32
	Yarns     [][]atomRecord
}

// +-------+
// | Codec |
// +-------+

// Codec encodes trees with values of type V.
type Codec[V crdt.Value] struct {
	values      ValueCodec[V]
	compression Compression
	treeOpts    []crdt.Option
}

// Option configures a Codec.
type Option func(*options)

type options struct {
	compression Compression
	treeOpts    []crdt.Option
}

// WithCompression sets the compression used when encoding. Decoding accepts any compression.
func WithCompression(c Compression) Option {
	return func(o *options) { o.compression = c }
}

// WithTreeOptions sets the options of trees created by Decode.
func WithTreeOptions(opts ...crdt.Option) Option {
	return func(o *options) { o.treeOpts = append(o.treeOpts, opts...) }
}

// NewCodec returns a codec that uses values to encode atom values. Snapshots are compressed with
// zstd by default.
func NewCodec[V crdt.Value](values ValueCodec[V], opts ...Option) *Codec[V] {
	o := options{compression: CompressionZstd}
	for _, opt := range opts {
		opt(&o)
	}
	return &Codec[V]{values: values, compression: o.compression, treeOpts: o.treeOpts}
}

// Marshal encodes a snapshot into a frame.
func (c *Codec[V]) Marshal(s crdt.Snapshot[V]) ([]byte, error) {
	rec := snapshotRecord{
		Version:   formatVersion,
		Sites:     make([]siteRecord, len(s.Sites)),
		SiteClock: s.SiteClock,
		Owner:     s.Owner[:],
		Clock:     s.Clock,
		Yarns:     make([][]atomRecord, len(s.Yarns)),
	}
	for i, e := range s.Sites {
		rec.Sites[i] = siteRecord{UUID: e.UUID[:], Clock: e.Clock}
	}
	for i, yarn := range s.Yarns {
		rec.Yarns[i] = make([]atomRecord, len(yarn))
		for k, atom := range yarn {
			tag, payload, err := c.values.EncodeValue(atom.Value)
			if err != nil {
				return nil, fmt.Errorf("encoding value of %v: %w", atom.ID, err)
			}
			rec.Yarns[i][k] = atomRecord{
				Site:       uint16(atom.ID.Site),
				Index:      atom.ID.Index,
				CauseSite:  uint16(atom.Cause.Site),
				CauseIndex: atom.Cause.Index,
				Timestamp:  atom.Timestamp,
				Tag:        tag,
				Payload:    payload,
			}
		}
	}
	body, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return frame(c.compression, body)
}

// Unmarshal decodes a frame into a snapshot. The snapshot isn't validated: use crdt.FromSnapshot
// to restore a tree from it.
func (c *Codec[V]) Unmarshal(data []byte) (crdt.Snapshot[V], error) {
	body, err := unframe(data)
	if err != nil {
		return crdt.Snapshot[V]{}, err
	}
	var rec snapshotRecord
	if err := decMode.Unmarshal(body, &rec); err != nil {
		return crdt.Snapshot[V]{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if rec.Version != formatVersion {
		return crdt.Snapshot[V]{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, rec.Version)
	}
	owner, err := uuid.FromBytes(rec.Owner)
	if err != nil {
		return crdt.Snapshot[V]{}, fmt.Errorf("%w: owner: %v", ErrInvalidRecord, err)
	}
	s := crdt.Snapshot[V]{
		Sites:     make([]crdt.SiteEntry, len(rec.Sites)),
		SiteClock: rec.SiteClock,
		Owner:     owner,
		Clock:     rec.Clock,
		Yarns:     make([][]crdt.Atom[V], len(rec.Yarns)),
	}
	for i, site := range rec.Sites {
		id, err := uuid.FromBytes(site.UUID)
		if err != nil {
			return crdt.Snapshot[V]{}, fmt.Errorf("%w: site %d: %v", ErrInvalidRecord, i, err)
		}
		s.Sites[i] = crdt.SiteEntry{UUID: id, Clock: site.Clock}
	}
	for i, yarn := range rec.Yarns {
		s.Yarns[i] = make([]crdt.Atom[V], len(yarn))
		for k, atom := range yarn {
			id := crdt.AtomID{Site: crdt.SiteID(atom.Site), Index: atom.Index}
			value, err := c.values.DecodeValue(atom.Tag, atom.Payload)
			if err != nil {
				return crdt.Snapshot[V]{}, fmt.Errorf("%w: value of %v: %v", ErrInvalidRecord, id, err)
			}
			s.Yarns[i][k] = crdt.Atom[V]{
				ID:        id,
				Cause:     crdt.AtomID{Site: crdt.SiteID(atom.CauseSite), Index: atom.CauseIndex},
				Timestamp: atom.Timestamp,
				Value:     value,
			}
		}
	}
	return s, nil
}

// Encode encodes a tree.
func (c *Codec[V]) Encode(t *crdt.CausalTree[V]) ([]byte, error) {
	return c.Marshal(t.Snapshot())
}

// Decode restores a tree from its encoding, checking that it's valid.
func (c *Codec[V]) Decode(data []byte) (*crdt.CausalTree[V], error) {
	s, err := c.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return crdt.FromSnapshot(s, c.treeOpts...)
}
