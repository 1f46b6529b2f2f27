package binaryCoder

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformedRecord = errors.New("binaryCoder: malformed record")

// Record is the at-rest envelope of a stored object.
type Record struct {
	ID       string
	Payload  []byte // JSON of the object, uncompressed
	StoredAt int64  // unix milliseconds

	TotalChildrenCount        int64
	TotalChildrenCountByDepth map[int]int
}

const (
	fieldID protowire.Number = iota + 1
	fieldCompression
	fieldPayload
	fieldStoredAt
	fieldTotalChildren
	fieldChildrenByDepth
)

// Coder encodes records with a fixed compression. Decoding honors the
// compression written into each record, so the setting can change
// between runs.
type Coder struct {
	compression Compression
}

func NewCoder(c Compression) *Coder {
	return &Coder{compression: c}
}

func (c *Coder) Compression() Compression {
	return c.compression
}

func (c *Coder) Encode(r Record) ([]byte, error) {
	payload, err := compress(c.compression, r.Payload)
	if err != nil {
		return nil, fmt.Errorf("compress record %s: %w", r.ID, err)
	}

	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendString(b, r.ID)
	b = protowire.AppendTag(b, fieldCompression, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.compression))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	b = protowire.AppendTag(b, fieldStoredAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.StoredAt))

	if r.TotalChildrenCount > 0 {
		b = protowire.AppendTag(b, fieldTotalChildren, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.TotalChildrenCount))
	}
	if len(r.TotalChildrenCountByDepth) > 0 {
		byDepth, err := json.Marshal(r.TotalChildrenCountByDepth)
		if err != nil {
			return nil, fmt.Errorf("encode children by depth: %w", err)
		}
		b = protowire.AppendTag(b, fieldChildrenByDepth, protowire.BytesType)
		b = protowire.AppendBytes(b, byDepth)
	}
	return b, nil
}

func (c *Coder) Decode(b []byte) (Record, error) {
	var (
		r           Record
		compression Compression
		payload     []byte
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: id: %v", ErrMalformedRecord, protowire.ParseError(n))
			}
			r.ID = v
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: payload: %v", ErrMalformedRecord, protowire.ParseError(n))
			}
			payload = v
			b = b[n:]
		case num == fieldChildrenByDepth && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: children by depth: %v", ErrMalformedRecord, protowire.ParseError(n))
			}
			if err := json.Unmarshal(v, &r.TotalChildrenCountByDepth); err != nil {
				return Record{}, fmt.Errorf("%w: children by depth: %v", ErrMalformedRecord, err)
			}
			b = b[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: varint: %v", ErrMalformedRecord, protowire.ParseError(n))
			}
			switch num {
			case fieldCompression:
				compression = Compression(v)
			case fieldStoredAt:
				r.StoredAt = int64(v)
			case fieldTotalChildren:
				r.TotalChildrenCount = int64(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: field %d: %v", ErrMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if r.ID == "" {
		return Record{}, fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
	data, err := decompress(compression, payload)
	if err != nil {
		return Record{}, fmt.Errorf("decompress record %s: %w", r.ID, err)
	}
	r.Payload = data
	return r, nil
}
