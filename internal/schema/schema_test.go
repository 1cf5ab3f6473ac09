package schema

import (
	"errors"
	"testing"

	"github.com/branchql/tableforge/internal/dberr"
)

func sampleSchema() Schema {
	return Schema{Columns: []Column{
		{Name: "id", Kind: Int32, Nullable: false},
		{Name: "name", Kind: String, Width: 8, Nullable: true},
	}}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	s := sampleSchema()
	buf, err := Encode(s)
	if err != nil {
		t.Fatal(err)
	}
	SetNumPages(buf, 4)

	got, numPages, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if numPages != 4 {
		t.Fatalf("numPages = %d, want 4", numPages)
	}
	if len(got.Columns) != len(s.Columns) {
		t.Fatalf("column count mismatch: %d vs %d", len(got.Columns), len(s.Columns))
	}
	for i := range s.Columns {
		if got.Columns[i] != s.Columns[i] {
			t.Fatalf("column %d mismatch: got %+v, want %+v", i, got.Columns[i], s.Columns[i])
		}
	}
}

// [id:Int32 not-null, name:String(8) nullable] has
// row_width = 1 + 4 + 1 + 8 = 14.
func TestRowWidth_NullableString(t *testing.T) {
	s := sampleSchema()
	if got := s.RowWidth(); got != 14 {
		t.Fatalf("row width = %d, want 14", got)
	}
}

func TestValidate_RejectsTooManyColumns(t *testing.T) {
	cols := make([]Column, 61)
	for i := range cols {
		cols[i] = Column{Name: "c", Kind: Boolean}
	}
	if err := Validate(Schema{Columns: cols}); !errors.Is(err, dberr.ErrSchemaInvalid) {
		t.Fatalf("expected ErrSchemaInvalid, got %v", err)
	}
}

func TestValidate_RejectsDuplicateNames(t *testing.T) {
	s := Schema{Columns: []Column{
		{Name: "id", Kind: Int32},
		{Name: "id", Kind: Int64},
	}}
	if err := Validate(s); !errors.Is(err, dberr.ErrSchemaInvalid) {
		t.Fatalf("expected ErrSchemaInvalid, got %v", err)
	}
}

func TestValidate_RejectsZeroStringWidth(t *testing.T) {
	s := Schema{Columns: []Column{{Name: "s", Kind: String, Width: 0}}}
	if err := Validate(s); !errors.Is(err, dberr.ErrSchemaInvalid) {
		t.Fatalf("expected ErrSchemaInvalid, got %v", err)
	}
}

func TestValidate_RejectsOverlongRow(t *testing.T) {
	s := Schema{Columns: []Column{{Name: "s", Kind: String, Width: 16383}, {Name: "t", Kind: String, Width: 16383}}}
	if err := Validate(s); !errors.Is(err, dberr.ErrSchemaInvalid) {
		t.Fatalf("expected ErrSchemaInvalid, got %v", err)
	}
}

func TestDecode_RejectsUnknownLowBits(t *testing.T) {
	s := sampleSchema()
	buf, err := Encode(s)
	if err != nil {
		t.Fatal(err)
	}
	// Corrupt the first column's type code to an unused low-bit value (6).
	buf[5] = 6
	buf[6] = 0
	if _, _, err := Decode(buf); !errors.Is(err, dberr.ErrSchemaInvalid) {
		t.Fatalf("expected ErrSchemaInvalid, got %v", err)
	}
}
