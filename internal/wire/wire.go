// Package wire builds and walks tagged records in the protobuf wire format.
// Every payload schema of the protocol is such a record whose field 1 is a
// schema version; decoders built on Walk reject records with missing
// required fields or mistyped values instead of silently skipping them.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// SchemaVersion is the current version of every record schema. It is
// always written as field 1.
const SchemaVersion = 1

// FieldSchema is the field number carrying the schema version.
const FieldSchema protowire.Number = 1

// ErrMalformed is returned for truncated records, wrong wire types, missing
// required fields and unsupported schema versions.
var ErrMalformed = errors.New("wire: malformed record")

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Builder appends fields to a record. Use NewBuilder so the record starts
// with its schema version; nested records are built the same way.
type Builder struct {
	buf []byte
}

// NewBuilder returns a builder with the schema version written.
func NewBuilder() *Builder {
	b := &Builder{}
	b.Uint(FieldSchema, SchemaVersion)
	return b
}

// Uint appends a varint field.
func (b *Builder) Uint(num protowire.Number, v uint64) {
	b.buf = protowire.AppendTag(b.buf, num, protowire.VarintType)
	b.buf = protowire.AppendVarint(b.buf, v)
}

// Bool appends a boolean varint field.
func (b *Builder) Bool(num protowire.Number, v bool) {
	b.Uint(num, protowire.EncodeBool(v))
}

// Bytes appends a length-delimited field.
func (b *Builder) Bytes(num protowire.Number, v []byte) {
	b.buf = protowire.AppendTag(b.buf, num, protowire.BytesType)
	b.buf = protowire.AppendBytes(b.buf, v)
}

// String appends a length-delimited UTF-8 field.
func (b *Builder) String(num protowire.Number, v string) {
	b.buf = protowire.AppendTag(b.buf, num, protowire.BytesType)
	b.buf = protowire.AppendString(b.buf, v)
}

// Record appends a nested record as a length-delimited field.
func (b *Builder) Record(num protowire.Number, r *Builder) {
	b.Bytes(num, r.buf)
}

// Finish returns the encoded record.
func (b *Builder) Finish() []byte {
	return b.buf
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Field is a single decoded field value.
type Field struct {
	num protowire.Number
	typ protowire.Type
	v   uint64
	b   []byte
}

// Uint returns the value of a varint field.
func (f Field) Uint() (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: field %d is not a varint", ErrMalformed, f.num)
	}
	return f.v, nil
}

// Int returns the value of a varint field that must fit in a non-negative int32.
func (f Field) Int() (int, error) {
	v, err := f.Uint()
	if err != nil {
		return 0, err
	}
	if v > 1<<31-1 {
		return 0, fmt.Errorf("%w: field %d out of range: %d", ErrMalformed, f.num, v)
	}
	return int(v), nil
}

// Bool returns the value of a boolean varint field.
func (f Field) Bool() (bool, error) {
	v, err := f.Uint()
	if err != nil {
		return false, err
	}
	return protowire.DecodeBool(v), nil
}

// Bytes returns the value of a length-delimited field. The slice aliases
// the record being walked.
func (f Field) Bytes() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, fmt.Errorf("%w: field %d is not length-delimited", ErrMalformed, f.num)
	}
	return f.b, nil
}

// String returns the value of a length-delimited field as a string.
func (f Field) String() (string, error) {
	b, err := f.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Walk calls fn for every field of the record in wire order. The schema
// version field is checked and consumed by Walk itself; a record without
// it is malformed. Fields fn does not know about should be ignored by fn.
func Walk(data []byte, fn func(num protowire.Number, f Field) error) error {
	seenSchema := false

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		f := Field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		data = data[n:]

		if num == FieldSchema {
			v, err := f.Uint()
			if err != nil {
				return err
			}
			if v != SchemaVersion {
				return fmt.Errorf("%w: unsupported schema version %d", ErrMalformed, v)
			}
			seenSchema = true
			continue
		}

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(num, f); err != nil {
			return err
		}
	}

	if !seenSchema {
		return fmt.Errorf("%w: missing schema version", ErrMalformed)
	}
	return nil
}

// Required tracks which required fields of a record have been seen.
type Required uint64

// Mark records field num as present.
func (r *Required) Mark(num protowire.Number) {
	*r |= 1 << uint(num)
}

// Check returns an error naming the first of nums that was never marked.
func (r Required) Check(nums ...protowire.Number) error {
	for _, num := range nums {
		if r&(1<<uint(num)) == 0 {
			return fmt.Errorf("%w: missing field %d", ErrMalformed, num)
		}
	}
	return nil
}
