package table

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/branchql/tableforge/internal/dberr"
	"github.com/branchql/tableforge/internal/pager"
	"github.com/branchql/tableforge/internal/row"
	"github.com/branchql/tableforge/internal/schema"
)

func s1Schema() schema.Schema {
	return schema.Schema{Columns: []schema.Column{
		{Name: "id", Kind: schema.Int32, Nullable: false},
		{Name: "name", Kind: schema.String, Width: 8, Nullable: true},
	}}
}

// Scan yields live rows in (page, slot) order; the two-column schema's
// row width and slots-per-page derive exactly from the cell widths.
func TestScanOrderAndRowWidth(t *testing.T) {
	dir := t.TempDir()
	h, err := CreateTable(filepath.Join(dir, "t1"), s1Schema(), pager.TablePageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if h.rowWidth != 14 {
		t.Fatalf("row width = %d, want 14", h.rowWidth)
	}
	if h.slotsPerPage != 73 {
		t.Fatalf("slots per page = %d, want 73", h.slotsPerPage)
	}

	rows := [][]row.Value{
		{row.Int32Value(1), row.StringValue("abc")},
		{row.Int32Value(2), row.NullValue(schema.String)},
		{row.Int32Value(3), row.StringValue("defghij!")},
	}
	for _, v := range rows {
		if _, _, err := h.Insert(v); err != nil {
			t.Fatal(err)
		}
	}

	got, err := h.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("scan returned %d rows, want 3", len(got))
	}
	for i, want := range rows {
		if got[i].Values[0].I32 != want[0].I32 {
			t.Fatalf("row %d id = %d, want %d", i, got[i].Values[0].I32, want[0].I32)
		}
	}
	if got[1].Values[1].IsNull != true {
		t.Fatalf("row 1 expected null name")
	}
	if got[2].Values[1].S != "defghij!" {
		t.Fatalf("row 2 name = %q, want %q", got[2].Values[1].S, "defghij!")
	}
}

// num_pages after 200 inserts = 1 + ceil(200/73) = 4.
func TestInsert_200RowsSpanFourPages(t *testing.T) {
	dir := t.TempDir()
	h, err := CreateTable(filepath.Join(dir, "t2"), s1Schema(), pager.TablePageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	for i := int32(0); i < 200; i++ {
		if _, _, err := h.Insert([]row.Value{row.Int32Value(i), row.NullValue(schema.String)}); err != nil {
			t.Fatal(err)
		}
	}
	if h.numPages != 4 {
		t.Fatalf("numPages = %d, want 4", h.numPages)
	}
	rows, err := h.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 200 {
		t.Fatalf("scan returned %d rows, want 200", len(rows))
	}
}

// Deleting a slot makes it the next insert's first-fit target.
func TestTombstoneReuse_FirstFit(t *testing.T) {
	dir := t.TempDir()
	h, err := CreateTable(filepath.Join(dir, "t3"), s1Schema(), pager.TablePageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	var coords [3][2]int32
	for i := int32(0); i < 3; i++ {
		p, s, err := h.Insert([]row.Value{row.Int32Value(i), row.NullValue(schema.String)})
		if err != nil {
			t.Fatal(err)
		}
		coords[i] = [2]int32{p, s}
	}
	if coords[0] != [2]int32{1, 0} || coords[1] != [2]int32{1, 1} || coords[2] != [2]int32{1, 2} {
		t.Fatalf("unexpected initial coords: %+v", coords)
	}

	if err := h.Delete(coords[1][0], coords[1][1]); err != nil {
		t.Fatal(err)
	}

	p, s, err := h.Insert([]row.Value{row.Int32Value(99), row.NullValue(schema.String)})
	if err != nil {
		t.Fatal(err)
	}
	if p != 1 || s != 1 {
		t.Fatalf("expected reuse at (1,1), got (%d,%d)", p, s)
	}

	rows, err := h.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("scan returned %d rows, want 3", len(rows))
	}
	if rows[1].Values[0].I32 != 99 {
		t.Fatalf("reused slot holds id %d, want 99", rows[1].Values[0].I32)
	}
}

func TestUpdate_RejectsTombstonedSlot(t *testing.T) {
	dir := t.TempDir()
	h, err := CreateTable(filepath.Join(dir, "t4"), s1Schema(), pager.TablePageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	p, s, err := h.Insert([]row.Value{row.Int32Value(1), row.NullValue(schema.String)})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Delete(p, s); err != nil {
		t.Fatal(err)
	}
	err = h.Update(p, s, []row.Value{row.Int32Value(2), row.NullValue(schema.String)})
	if !errors.Is(err, dberr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete_RejectsAlreadyTombstoned(t *testing.T) {
	dir := t.TempDir()
	h, err := CreateTable(filepath.Join(dir, "t5"), s1Schema(), pager.TablePageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	p, s, err := h.Insert([]row.Value{row.Int32Value(1), row.NullValue(schema.String)})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Delete(p, s); err != nil {
		t.Fatal(err)
	}
	if err := h.Delete(p, s); !errors.Is(err, dberr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateTable_RejectsDuplicatePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t6")
	h, err := CreateTable(path, s1Schema(), pager.TablePageSize)
	if err != nil {
		t.Fatal(err)
	}
	h.Close()

	_, err = CreateTable(path, s1Schema(), pager.TablePageSize)
	if !errors.Is(err, dberr.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestOpenTable_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t7")
	h, err := CreateTable(path, s1Schema(), pager.TablePageSize)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.Insert([]row.Value{row.Int32Value(5), row.StringValue("x")}); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	h2, err := OpenTable(path, pager.TablePageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer h2.Close()
	rows, err := h2.Scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Values[0].I32 != 5 {
		t.Fatalf("unexpected rows after reopen: %+v", rows)
	}
}

// Scan terminates with Corruption rather than skipping an undecodable
// slot.
func TestScan_AbortsOnCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t8")
	h, err := CreateTable(path, s1Schema(), pager.TablePageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if _, _, err := h.Insert([]row.Value{row.Int32Value(1), row.NullValue(schema.String)}); err != nil {
		t.Fatal(err)
	}

	buf, err := h.pager.ReadPage(1)
	if err != nil {
		t.Fatal(err)
	}
	buf[0] = 7 // neither 0 nor 1
	if err := h.pager.WritePage(1, buf); err != nil {
		t.Fatal(err)
	}

	if _, err := h.Scan(); !errors.Is(err, dberr.ErrCorruption) {
		t.Fatalf("expected ErrCorruption, got %v", err)
	}
}
