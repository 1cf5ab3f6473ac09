// Package pager implements the fixed-size page I/O layer shared by the
// table storage engine and the version-control object store: positioned
// reads and writes of whole pages, and doubling-growth file extension.
//
// A Pager only knows about raw, file-backed page slots. It has no notion
// of schemas, rows, or logical "how many pages are in use" — that count is
// owned and persisted by the caller (a table header page, a commit-store
// header page, ...).
package pager

import (
	"fmt"
	"os"
	"sync"

	"github.com/branchql/tableforge/internal/dberr"
)

const (
	// TablePageSize is the fixed page size for table files.
	TablePageSize = 1024

	// VCPageSize is the fixed page size for version-control files.
	VCPageSize = 4096
)

// Pager manages positioned I/O and doubling growth for one file.
// It is safe for concurrent use: callers needing exclusive access for a
// multi-step mutation must still serialize via their own lock (see
// package table and package branch for the reader-writer discipline used
// throughout this module).
type Pager struct {
	mu       sync.RWMutex
	file     *os.File
	pageSize int
}

// Open opens (creating if necessary) a page file at path with the given
// page size. An existing file must hold a whole number of pages; a
// partial final page is rejected as Corruption and the file is left as is.
func Open(path string, pageSize int) (*Pager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open page file %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat page file %s: %w", path, err)
	}
	if info.Size()%int64(pageSize) != 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %s size %d is not a multiple of page size %d", dberr.ErrCorruption, path, info.Size(), pageSize)
	}
	return &Pager{file: f, pageSize: pageSize}, nil
}

// PageSize returns the configured page size.
func (p *Pager) PageSize() int { return p.pageSize }

// AllocatedPages returns the number of pages currently backed by the file,
// regardless of how many are in logical use.
func (p *Pager) AllocatedPages() (uint32, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.allocatedPagesLocked()
}

func (p *Pager) allocatedPagesLocked() (uint32, error) {
	info, err := p.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat page file: %w", err)
	}
	return uint32(info.Size() / int64(p.pageSize)), nil
}

// ReadPage reads the page at the given raw (zero-based) index. The caller
// is responsible for checking the index against its own logical page
// count; ReadPage itself only fails if the index is not backed by the
// file at all.
func (p *Pager) ReadPage(index uint32) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	allocated, err := p.allocatedPagesLocked()
	if err != nil {
		return nil, err
	}
	if index >= allocated {
		return nil, fmt.Errorf("%w: page %d (allocated %d)", dberr.ErrOutOfRange, index, allocated)
	}
	buf := make([]byte, p.pageSize)
	off := int64(index) * int64(p.pageSize)
	if _, err := p.file.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("read page %d: %w", index, err)
	}
	return buf, nil
}

// WritePage writes buf (which must be exactly PageSize bytes) to the page
// at the given raw index. The page must already be allocated; use
// AppendPage to grow the file first.
func (p *Pager) WritePage(index uint32, buf []byte) error {
	if len(buf) != p.pageSize {
		return fmt.Errorf("write page %d: buffer is %d bytes, want %d", index, len(buf), p.pageSize)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	allocated, err := p.allocatedPagesLocked()
	if err != nil {
		return err
	}
	if index >= allocated {
		return fmt.Errorf("%w: page %d (allocated %d)", dberr.ErrOutOfRange, index, allocated)
	}
	off := int64(index) * int64(p.pageSize)
	if _, err := p.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("write page %d: %w", index, err)
	}
	return nil
}

// AppendPage implements the doubling-growth rule of the storage engine:
// given the caller's current logical page count U, it grows the file (if
// the next index would not yet be allocated) by doubling the number of
// allocated pages — minimum one page — then returns the zero-based index
// of the newly usable page, U itself. The caller is responsible for
// persisting its own logical count as U+1 and for writing the new page's
// contents; AppendPage only guarantees the slot is backed by the file.
func (p *Pager) AppendPage(logicalCount uint32) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	allocated, err := p.allocatedPagesLocked()
	if err != nil {
		return 0, err
	}
	newIndex := logicalCount
	if newIndex+1 > allocated {
		newAllocated := allocated * 2
		if newAllocated == 0 {
			newAllocated = 1
		}
		if err := p.growToLocked(newAllocated); err != nil {
			return 0, err
		}
	}
	return newIndex, nil
}

// growToLocked extends the file to exactly newAllocated pages, zero-filling
// the new space. p.mu must be held for writing.
func (p *Pager) growToLocked(newAllocated uint32) error {
	if err := p.file.Truncate(int64(newAllocated) * int64(p.pageSize)); err != nil {
		return fmt.Errorf("grow page file to %d pages: %w", newAllocated, err)
	}
	return nil
}

// Sync flushes the underlying file to stable storage.
func (p *Pager) Sync() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.file.Sync()
}

// Close closes the underlying file.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.file.Close()
}
