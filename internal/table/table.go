// Package table implements the table storage engine: create/open a table
// file, full scans that skip tombstoned slots, first-fit insert, and
// in-place update/delete — built on package pager for page I/O and
// package row/schema for the slot codec.
package table

import (
	"fmt"
	"os"
	"sync"

	"github.com/branchql/tableforge/internal/dberr"
	"github.com/branchql/tableforge/internal/pager"
	"github.com/branchql/tableforge/internal/row"
	"github.com/branchql/tableforge/internal/schema"
)

// Row is one live row returned by Scan, tagged with its slot coordinates.
type Row struct {
	Page   int32
	Slot   int32
	Values []row.Value
}

// Handle owns one open table file: its pager, decoded schema, and the
// logical page count cached from (and kept in sync with) the header page.
type Handle struct {
	mu           sync.RWMutex
	pager        *pager.Pager
	schema       schema.Schema
	pageSize     int
	rowWidth     int
	slotsPerPage int
	numPages     uint32
}

// CreateTable creates a new table file at path with the given schema and
// page size (1024 for user tables, 4096 for version-control index files).
// It fails with AlreadyExists if a file is already present at path.
func CreateTable(path string, s schema.Schema, pageSize int) (*Handle, error) {
	if err := schema.Validate(s); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: table file %s", dberr.ErrAlreadyExists, path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat table file %s: %w", path, err)
	}

	headerBytes, err := schema.Encode(s)
	if err != nil {
		return nil, err
	}
	if len(headerBytes) > pageSize {
		return nil, fmt.Errorf("%w: schema header %d bytes exceeds page size %d", dberr.ErrSchemaInvalid, len(headerBytes), pageSize)
	}
	if s.RowWidth() > pageSize {
		return nil, fmt.Errorf("%w: row width %d exceeds page size %d", dberr.ErrSchemaInvalid, s.RowWidth(), pageSize)
	}

	p, err := pager.Open(path, pageSize)
	if err != nil {
		return nil, err
	}
	h := &Handle{
		pager:        p,
		schema:       s,
		pageSize:     pageSize,
		rowWidth:     s.RowWidth(),
		slotsPerPage: pageSize / s.RowWidth(),
	}

	if _, err := p.AppendPage(0); err != nil {
		p.Close()
		return nil, err
	}
	h.numPages = 1
	if err := h.writeHeaderLocked(headerBytes); err != nil {
		p.Close()
		return nil, err
	}

	// One empty data page is appended immediately after the header page.
	dataIdx, err := p.AppendPage(h.numPages)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := p.WritePage(dataIdx, make([]byte, pageSize)); err != nil {
		p.Close()
		return nil, err
	}
	h.numPages++
	if err := h.writeHeaderLocked(headerBytes); err != nil {
		p.Close()
		return nil, err
	}
	return h, nil
}

// OpenTable opens an existing table file and caches its decoded schema.
// pageSize must match the size the file was created with. It fails with
// Corruption if the header's num_pages exceeds the pages the file holds.
func OpenTable(path string, pageSize int) (*Handle, error) {
	p, err := pager.Open(path, pageSize)
	if err != nil {
		return nil, err
	}
	headerBuf, err := p.ReadPage(0)
	if err != nil {
		p.Close()
		return nil, err
	}
	s, numPages, err := schema.Decode(headerBuf)
	if err != nil {
		p.Close()
		return nil, err
	}
	allocated, err := p.AllocatedPages()
	if err != nil {
		p.Close()
		return nil, err
	}
	if numPages > allocated {
		p.Close()
		return nil, fmt.Errorf("%w: %s header num_pages %d exceeds the file's %d pages", dberr.ErrCorruption, path, numPages, allocated)
	}
	return &Handle{
		pager:        p,
		schema:       s,
		pageSize:     pageSize,
		rowWidth:     s.RowWidth(),
		slotsPerPage: pageSize / s.RowWidth(),
		numPages:     numPages,
	}, nil
}

// Schema returns the table's decoded schema.
func (h *Handle) Schema() schema.Schema {
	return h.schema
}

// NumPages returns the table's logical page count, as last persisted to
// the header page.
func (h *Handle) NumPages() uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.numPages
}

// AllocatedPages returns the number of pages actually backed by the
// underlying file, which may exceed NumPages under doubling growth.
func (h *Handle) AllocatedPages() (uint32, error) {
	return h.pager.AllocatedPages()
}

// Close closes the underlying file.
func (h *Handle) Close() error {
	return h.pager.Close()
}

// writeHeaderLocked rewrites the header page with h.numPages patched in.
// Caller must hold h.mu for writing.
func (h *Handle) writeHeaderLocked(headerBytes []byte) error {
	buf := make([]byte, h.pageSize)
	copy(buf, headerBytes)
	schema.SetNumPages(buf, h.numPages)
	return h.pager.WritePage(0, buf)
}

func (h *Handle) slotOffset(slot int) int {
	return slot * h.rowWidth
}

// Scan returns every live row across data pages 1..numPages-1, in
// ascending (page, slot) order. A corrupt slot aborts the scan entirely;
// scan never silently skips a row it fails to decode.
func (h *Handle) Scan() ([]Row, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Row
	for page := uint32(1); page < h.numPages; page++ {
		buf, err := h.pager.ReadPage(page)
		if err != nil {
			return nil, err
		}
		for slot := 0; slot < h.slotsPerPage; slot++ {
			off := h.slotOffset(slot)
			live, values, err := row.DecodeRow(h.schema, buf[off:off+h.rowWidth])
			if err != nil {
				return nil, err
			}
			if !live {
				continue
			}
			out = append(out, Row{Page: int32(page), Slot: int32(slot), Values: values})
		}
	}
	return out, nil
}

// Insert writes values into the first tombstoned (or never-written) slot
// found by scanning data pages 1..numPages-1 in order; if none is free, a
// new page is appended and the row placed at its slot 0.
func (h *Handle) Insert(values []row.Value) (page int32, slot int32, err error) {
	encoded, err := row.EncodeRow(h.schema, values)
	if err != nil {
		return 0, 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for p := uint32(1); p < h.numPages; p++ {
		buf, err := h.pager.ReadPage(p)
		if err != nil {
			return 0, 0, err
		}
		for s := 0; s < h.slotsPerPage; s++ {
			off := h.slotOffset(s)
			isLive, err := row.IsLive(buf[off : off+h.rowWidth])
			if err != nil {
				return 0, 0, err
			}
			if isLive {
				continue
			}
			copy(buf[off:off+h.rowWidth], encoded)
			if err := h.pager.WritePage(p, buf); err != nil {
				return 0, 0, err
			}
			return int32(p), int32(s), nil
		}
	}

	idx, err := h.pager.AppendPage(h.numPages)
	if err != nil {
		return 0, 0, err
	}
	buf := make([]byte, h.pageSize)
	copy(buf[0:h.rowWidth], encoded)
	if err := h.pager.WritePage(idx, buf); err != nil {
		return 0, 0, err
	}
	h.numPages++
	headerBytes, err := schema.Encode(h.schema)
	if err != nil {
		return 0, 0, err
	}
	if err := h.writeHeaderLocked(headerBytes); err != nil {
		return 0, 0, err
	}
	return int32(idx), 0, nil
}

// Update overwrites a live slot in place. It fails with NotFound if the
// target slot is tombstoned.
func (h *Handle) Update(page, slot int32, values []row.Value) error {
	encoded, err := row.EncodeRow(h.schema, values)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	buf, err := h.pager.ReadPage(uint32(page))
	if err != nil {
		return err
	}
	off := h.slotOffset(int(slot))
	if off+h.rowWidth > len(buf) {
		return fmt.Errorf("%w: slot %d out of range", dberr.ErrOutOfRange, slot)
	}
	isLive, err := row.IsLive(buf[off : off+h.rowWidth])
	if err != nil {
		return err
	}
	if !isLive {
		return fmt.Errorf("%w: (page=%d, slot=%d) is tombstoned", dberr.ErrNotFound, page, slot)
	}
	copy(buf[off:off+h.rowWidth], encoded)
	return h.pager.WritePage(uint32(page), buf)
}

// Delete tombstones a live slot; payload bytes are left untouched.
func (h *Handle) Delete(page, slot int32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf, err := h.pager.ReadPage(uint32(page))
	if err != nil {
		return err
	}
	off := h.slotOffset(int(slot))
	if off+h.rowWidth > len(buf) {
		return fmt.Errorf("%w: slot %d out of range", dberr.ErrOutOfRange, slot)
	}
	isLive, err := row.IsLive(buf[off : off+h.rowWidth])
	if err != nil {
		return err
	}
	if !isLive {
		return fmt.Errorf("%w: (page=%d, slot=%d) is already tombstoned", dberr.ErrNotFound, page, slot)
	}
	row.SetTombstone(buf[off : off+h.rowWidth])
	return h.pager.WritePage(uint32(page), buf)
}
