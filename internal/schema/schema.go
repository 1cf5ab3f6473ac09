// Package schema implements the header-page schema codec: the fixed
// type-code bit layout of the table header page, and row-width derivation.
package schema

import (
	"encoding/binary"
	"fmt"

	"github.com/branchql/tableforge/internal/dberr"
)

// NameWidth is the fixed, space-padded width of a column name in bytes.
const NameWidth = 60

// MaxColumns is the maximum number of columns a schema may declare.
const MaxColumns = 60

// MaxRowWidth is the maximum row width (status byte + cells), matching the
// fixed 4096-byte ceiling shared with VC page size.
const MaxRowWidth = 4096

// Kind identifies a column's fixed-width cell type.
type Kind uint8

const (
	Int32 Kind = iota
	Int64
	Float32
	Float64
	Timestamp
	Boolean
	String
)

// typeCode bit layout (uint16, little-endian on disk):
//
//	bit 15       nullable flag
//	bit 14       string flag
//	bits 0..13   string width (if string flag set)
//	bits 0..2    non-string type selector (if string flag unset):
//	             0=Int32 1=Int64 2=Float32 3=Float64 4=Timestamp 5=Boolean
const (
	nullableBit = 1 << 15
	stringBit   = 1 << 14
	stringWidth = 0x3FFF
)

// Column is one entry in a table's schema.
type Column struct {
	Name     string
	Kind     Kind
	Width    int // meaningful only for Kind == String; 1..16383
	Nullable bool
}

// CellWidth returns the number of bytes this column's cell occupies in a
// row, including the one-byte null prefix for nullable columns but
// excluding the row's own status byte.
func (c Column) CellWidth() int {
	w := c.payloadWidth()
	if c.Nullable {
		w++
	}
	return w
}

func (c Column) payloadWidth() int {
	switch c.Kind {
	case Int32, Float32, Timestamp:
		return 4
	case Int64, Float64:
		return 8
	case Boolean:
		return 1
	case String:
		return c.Width
	default:
		return 0
	}
}

// Schema is an ordered, validated sequence of columns.
type Schema struct {
	Columns []Column
}

// RowWidth returns the total row size, including the leading status byte.
func (s Schema) RowWidth() int {
	w := 1
	for _, c := range s.Columns {
		w += c.CellWidth()
	}
	return w
}

// Validate checks the header-page invariants: column count in [1,60], names 1..60
// bytes with no embedded zero in the non-pad prefix, unique names, known
// types, string width in [1,16383], and total row width <= 4096.
func Validate(s Schema) error {
	if len(s.Columns) < 1 || len(s.Columns) > MaxColumns {
		return fmt.Errorf("%w: column count %d out of range [1,%d]", dberr.ErrSchemaInvalid, len(s.Columns), MaxColumns)
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if len(c.Name) < 1 || len(c.Name) > NameWidth {
			return fmt.Errorf("%w: column name %q length out of range [1,%d]", dberr.ErrSchemaInvalid, c.Name, NameWidth)
		}
		for i := 0; i < len(c.Name); i++ {
			if c.Name[i] == 0 {
				return fmt.Errorf("%w: column name %q contains a zero byte", dberr.ErrSchemaInvalid, c.Name)
			}
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate column name %q", dberr.ErrSchemaInvalid, c.Name)
		}
		seen[c.Name] = true

		switch c.Kind {
		case Int32, Int64, Float32, Float64, Timestamp, Boolean:
		case String:
			if c.Width < 1 || c.Width > 16383 {
				return fmt.Errorf("%w: column %q string width %d out of range [1,16383]", dberr.ErrSchemaInvalid, c.Name, c.Width)
			}
		default:
			return fmt.Errorf("%w: column %q has unknown type kind %d", dberr.ErrSchemaInvalid, c.Name, c.Kind)
		}
	}
	if rw := s.RowWidth(); rw > MaxRowWidth {
		return fmt.Errorf("%w: row width %d exceeds %d", dberr.ErrSchemaInvalid, rw, MaxRowWidth)
	}
	return nil
}

// Encode serializes a schema into the header-page layout: uint32
// num_pages, uint8 num_columns, then num_columns entries of (uint16
// type_code, 60-byte padded name). num_pages is filled in by the caller
// (table.Handle); Encode always writes 1 here as a placeholder.
func Encode(s Schema) ([]byte, error) {
	if err := Validate(s); err != nil {
		return nil, err
	}
	buf := make([]byte, 5+len(s.Columns)*(2+NameWidth))
	binary.LittleEndian.PutUint32(buf[0:4], 1)
	buf[4] = byte(len(s.Columns))

	off := 5
	for _, c := range s.Columns {
		code, err := encodeTypeCode(c)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint16(buf[off:off+2], code)
		off += 2
		copy(buf[off:off+NameWidth], []byte(c.Name))
		for i := len(c.Name); i < NameWidth; i++ {
			buf[off+i] = ' '
		}
		off += NameWidth
	}
	return buf, nil
}

func encodeTypeCode(c Column) (uint16, error) {
	var code uint16
	if c.Nullable {
		code |= nullableBit
	}
	switch c.Kind {
	case String:
		if c.Width < 1 || c.Width > stringWidth {
			return 0, fmt.Errorf("%w: column %q string width %d out of range", dberr.ErrSchemaInvalid, c.Name, c.Width)
		}
		code |= stringBit
		code |= uint16(c.Width) & stringWidth
	case Int32:
		code |= 0
	case Int64:
		code |= 1
	case Float32:
		code |= 2
	case Float64:
		code |= 3
	case Timestamp:
		code |= 4
	case Boolean:
		code |= 5
	default:
		return 0, fmt.Errorf("%w: column %q has unknown type kind %d", dberr.ErrSchemaInvalid, c.Name, c.Kind)
	}
	return code, nil
}

// Decode parses a header-page buffer (starting at byte 0) back into a
// Schema. It returns the page's declared num_pages alongside the schema
// since both live in the same header.
func Decode(buf []byte) (Schema, uint32, error) {
	if len(buf) < 5 {
		return Schema{}, 0, fmt.Errorf("%w: header page too short", dberr.ErrSchemaInvalid)
	}
	numPages := binary.LittleEndian.Uint32(buf[0:4])
	numColumns := int(buf[4])
	if numColumns < 1 || numColumns > MaxColumns {
		return Schema{}, 0, fmt.Errorf("%w: column count %d out of range [1,%d]", dberr.ErrSchemaInvalid, numColumns, MaxColumns)
	}

	entrySize := 2 + NameWidth
	need := 5 + numColumns*entrySize
	if len(buf) < need {
		return Schema{}, 0, fmt.Errorf("%w: header page too short for %d columns", dberr.ErrSchemaInvalid, numColumns)
	}

	cols := make([]Column, numColumns)
	off := 5
	for i := 0; i < numColumns; i++ {
		code := binary.LittleEndian.Uint16(buf[off : off+2])
		off += 2
		rawName := buf[off : off+NameWidth]
		off += NameWidth

		name, err := trimPaddedName(rawName)
		if err != nil {
			return Schema{}, 0, err
		}

		col, err := decodeTypeCode(code, name)
		if err != nil {
			return Schema{}, 0, err
		}
		cols[i] = col
	}

	s := Schema{Columns: cols}
	if err := Validate(s); err != nil {
		return Schema{}, 0, err
	}
	return s, numPages, nil
}

func trimPaddedName(raw []byte) (string, error) {
	end := len(raw)
	for end > 0 && raw[end-1] == ' ' {
		end--
	}
	for i := 0; i < end; i++ {
		if raw[i] == 0 {
			return "", fmt.Errorf("%w: column name contains a zero byte", dberr.ErrSchemaInvalid)
		}
	}
	if end == 0 {
		return "", fmt.Errorf("%w: column name is empty", dberr.ErrSchemaInvalid)
	}
	return string(raw[:end]), nil
}

func decodeTypeCode(code uint16, name string) (Column, error) {
	nullable := code&nullableBit != 0
	if code&stringBit != 0 {
		w := int(code & stringWidth)
		if w == 0 {
			return Column{}, fmt.Errorf("%w: column %q has zero string width", dberr.ErrSchemaInvalid, name)
		}
		return Column{Name: name, Kind: String, Width: w, Nullable: nullable}, nil
	}
	switch code & 0x0FFF {
	case 0:
		return Column{Name: name, Kind: Int32, Nullable: nullable}, nil
	case 1:
		return Column{Name: name, Kind: Int64, Nullable: nullable}, nil
	case 2:
		return Column{Name: name, Kind: Float32, Nullable: nullable}, nil
	case 3:
		return Column{Name: name, Kind: Float64, Nullable: nullable}, nil
	case 4:
		return Column{Name: name, Kind: Timestamp, Nullable: nullable}, nil
	case 5:
		return Column{Name: name, Kind: Boolean, Nullable: nullable}, nil
	default:
		return Column{}, fmt.Errorf("%w: column %q has unknown type low-bits %d", dberr.ErrSchemaInvalid, name, code&0x0FFF)
	}
}

// HeaderSize returns the number of bytes Encode would produce for a
// schema of numColumns columns. It performs no validation.
func HeaderSize(numColumns int) int {
	return 5 + numColumns*(2+NameWidth)
}

// SetNumPages patches the num_pages field of an already-encoded header
// buffer in place.
func SetNumPages(buf []byte, numPages uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], numPages)
}
