// Package row implements the typed row encoder/decoder: one fixed-width
// slot in a data page, with a leading status byte and a per-nullable-cell
// null prefix, driven entirely by a schema.Schema, never by the value's
// own shape.
package row

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/branchql/tableforge/internal/dberr"
	"github.com/branchql/tableforge/internal/schema"
)

// statusLive and statusDead are the only two values a slot's status byte
// may ever hold on disk (Design Note: tombstone = 0 dead, 1 live).
const (
	statusDead byte = 0
	statusLive byte = 1
)

// Value is a tagged cell value over the closed set the schema allows:
// int32, int64, float32, float64, a Unix-seconds timestamp, bool, string,
// or nil (only legal for nullable columns).
type Value struct {
	Kind   schema.Kind
	I32    int32
	I64    int64
	F32    float32
	F64    float64
	Ts     int32
	B      bool
	S      string
	IsNull bool
}

func Int32Value(v int32) Value       { return Value{Kind: schema.Int32, I32: v} }
func Int64Value(v int64) Value       { return Value{Kind: schema.Int64, I64: v} }
func Float32Value(v float32) Value   { return Value{Kind: schema.Float32, F32: v} }
func Float64Value(v float64) Value   { return Value{Kind: schema.Float64, F64: v} }
func TimestampValue(v int32) Value   { return Value{Kind: schema.Timestamp, Ts: v} }
func BoolValue(v bool) Value         { return Value{Kind: schema.Boolean, B: v} }
func StringValue(v string) Value     { return Value{Kind: schema.String, S: v} }
func NullValue(k schema.Kind) Value  { return Value{Kind: k, IsNull: true} }

// EncodeRow writes one live row into a row_width-sized slot, matching the
// schema's column order exactly.
func EncodeRow(s schema.Schema, values []Value) ([]byte, error) {
	if len(values) != len(s.Columns) {
		return nil, fmt.Errorf("%w: got %d values, schema has %d columns", dberr.ErrTypeMismatch, len(values), len(s.Columns))
	}
	buf := make([]byte, s.RowWidth())
	buf[0] = statusLive
	off := 1
	for i, c := range s.Columns {
		v := values[i]
		if err := encodeCell(buf[off:off+c.CellWidth()], c, v); err != nil {
			return nil, err
		}
		off += c.CellWidth()
	}
	return buf, nil
}

func encodeCell(dst []byte, c schema.Column, v Value) error {
	cur := 0
	if c.Nullable {
		if v.IsNull {
			dst[0] = 1
			return nil
		}
		dst[0] = 0
		cur = 1
	} else if v.IsNull {
		return fmt.Errorf("%w: column %q is not nullable", dberr.ErrNullViolation, c.Name)
	}

	payload := dst[cur:]
	switch c.Kind {
	case schema.Int32:
		if v.Kind != schema.Int32 {
			return typeMismatch(c, v)
		}
		binary.LittleEndian.PutUint32(payload, uint32(v.I32))
	case schema.Int64:
		if v.Kind != schema.Int64 {
			return typeMismatch(c, v)
		}
		binary.LittleEndian.PutUint64(payload, uint64(v.I64))
	case schema.Float32:
		if v.Kind != schema.Float32 {
			return typeMismatch(c, v)
		}
		binary.LittleEndian.PutUint32(payload, math.Float32bits(v.F32))
	case schema.Float64:
		if v.Kind != schema.Float64 {
			return typeMismatch(c, v)
		}
		binary.LittleEndian.PutUint64(payload, math.Float64bits(v.F64))
	case schema.Timestamp:
		if v.Kind != schema.Timestamp {
			return typeMismatch(c, v)
		}
		binary.LittleEndian.PutUint32(payload, uint32(v.Ts))
	case schema.Boolean:
		if v.Kind != schema.Boolean {
			return typeMismatch(c, v)
		}
		if v.B {
			payload[0] = 1
		} else {
			payload[0] = 0
		}
	case schema.String:
		if v.Kind != schema.String {
			return typeMismatch(c, v)
		}
		if len(v.S) > c.Width {
			return fmt.Errorf("%w: column %q string length %d exceeds width %d", dberr.ErrStringInvalid, c.Name, len(v.S), c.Width)
		}
		for i := 0; i < len(v.S); i++ {
			if v.S[i] == 0 {
				return fmt.Errorf("%w: column %q string contains a zero byte", dberr.ErrStringInvalid, c.Name)
			}
		}
		copy(payload, v.S)
		for i := len(v.S); i < len(payload); i++ {
			payload[i] = 0
		}
	default:
		return fmt.Errorf("%w: column %q has unknown type kind %d", dberr.ErrTypeMismatch, c.Name, c.Kind)
	}
	return nil
}

func typeMismatch(c schema.Column, v Value) error {
	return fmt.Errorf("%w: column %q expects kind %d, got value of kind %d", dberr.ErrTypeMismatch, c.Name, c.Kind, v.Kind)
}

// DecodeRow reads one row's status byte and, if live, its cells. For
// tombstoned slots it returns live=false and a nil values slice.
func DecodeRow(s schema.Schema, buf []byte) (live bool, values []Value, err error) {
	if len(buf) != s.RowWidth() {
		return false, nil, fmt.Errorf("%w: row buffer is %d bytes, schema row width is %d", dberr.ErrSchemaInvalid, len(buf), s.RowWidth())
	}
	switch buf[0] {
	case statusDead:
		return false, nil, nil
	case statusLive:
	default:
		return false, nil, fmt.Errorf("%w: slot status byte is %d, must be 0 or 1", dberr.ErrCorruption, buf[0])
	}

	values = make([]Value, len(s.Columns))
	off := 1
	for i, c := range s.Columns {
		v, err := decodeCell(buf[off:off+c.CellWidth()], c)
		if err != nil {
			return false, nil, err
		}
		values[i] = v
		off += c.CellWidth()
	}
	return true, values, nil
}

func decodeCell(src []byte, c schema.Column) (Value, error) {
	cur := 0
	if c.Nullable {
		switch src[0] {
		case 1:
			return Value{Kind: c.Kind, IsNull: true}, nil
		case 0:
			cur = 1
		default:
			return Value{}, fmt.Errorf("%w: column %q null-prefix byte is %d, must be 0 or 1", dberr.ErrCorruption, c.Name, src[0])
		}
	}
	payload := src[cur:]
	switch c.Kind {
	case schema.Int32:
		return Value{Kind: schema.Int32, I32: int32(binary.LittleEndian.Uint32(payload))}, nil
	case schema.Int64:
		return Value{Kind: schema.Int64, I64: int64(binary.LittleEndian.Uint64(payload))}, nil
	case schema.Float32:
		return Value{Kind: schema.Float32, F32: math.Float32frombits(binary.LittleEndian.Uint32(payload))}, nil
	case schema.Float64:
		return Value{Kind: schema.Float64, F64: math.Float64frombits(binary.LittleEndian.Uint64(payload))}, nil
	case schema.Timestamp:
		return Value{Kind: schema.Timestamp, Ts: int32(binary.LittleEndian.Uint32(payload))}, nil
	case schema.Boolean:
		return Value{Kind: schema.Boolean, B: payload[0] != 0}, nil
	case schema.String:
		end := 0
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		return Value{Kind: schema.String, S: string(payload[:end])}, nil
	default:
		return Value{}, fmt.Errorf("%w: unknown type kind %d", dberr.ErrCorruption, c.Kind)
	}
}

// IsLive reports whether a raw row buffer's status byte marks it live,
// without decoding its cells.
func IsLive(buf []byte) (bool, error) {
	if len(buf) == 0 {
		return false, fmt.Errorf("%w: empty row buffer", dberr.ErrCorruption)
	}
	switch buf[0] {
	case statusLive:
		return true, nil
	case statusDead:
		return false, nil
	default:
		return false, fmt.Errorf("%w: slot status byte is %d, must be 0 or 1", dberr.ErrCorruption, buf[0])
	}
}

// SetTombstone clears a slot's status byte to mark it dead. Payload bytes
// are left untouched, matching the Table engine's delete semantics.
func SetTombstone(buf []byte) {
	buf[0] = statusDead
}

// RangeCheckInt32 reports whether v fits the int32 declared range; used by
// callers constructing Value from a wider host integer type.
func RangeCheckInt32(v int64) error {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return fmt.Errorf("%w: %d does not fit in int32", dberr.ErrRangeError, v)
	}
	return nil
}
