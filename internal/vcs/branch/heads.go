package branch

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/branchql/tableforge/internal/dberr"
	"github.com/branchql/tableforge/internal/pager"
)

const (
	headNameWidth = 60
	headEntrySize = headNameWidth + 4 + 4
	headsPerPage  = pager.VCPageSize / headEntrySize
)

// HeadTable owns branch_heads.gql: the entire name -> pointer index lives
// in a single 4096-byte page. An all-zero name marks an unused slot, so
// no separate slot counter is needed.
type HeadTable struct {
	mu    sync.RWMutex
	pager *pager.Pager
}

func openHeadTable(path string) (*HeadTable, error) {
	p, err := pager.Open(path, pager.VCPageSize)
	if err != nil {
		return nil, err
	}
	allocated, err := p.AllocatedPages()
	if err != nil {
		p.Close()
		return nil, err
	}
	if allocated == 0 {
		if _, err := p.AppendPage(0); err != nil {
			p.Close()
			return nil, err
		}
	}
	return &HeadTable{pager: p}, nil
}

func headSlotOffset(i int) int { return i * headEntrySize }

func isEmptyHeadSlot(raw []byte) bool {
	return raw[0] == 0
}

func encodeHeadEntry(dst []byte, name string, ptr NodePointer) {
	namePad := dst[0:headNameWidth]
	copy(namePad, name)
	for i := len(name); i < headNameWidth; i++ {
		namePad[i] = ' '
	}
	binary.LittleEndian.PutUint32(dst[headNameWidth:headNameWidth+4], uint32(ptr.Page))
	binary.LittleEndian.PutUint32(dst[headNameWidth+4:headEntrySize], uint32(ptr.Offset))
}

func decodeHeadEntry(src []byte) (string, NodePointer, error) {
	name, err := trimTrailingSpaces(src[0:headNameWidth])
	if err != nil {
		return "", NodePointer{}, err
	}
	page := int32(binary.LittleEndian.Uint32(src[headNameWidth : headNameWidth+4]))
	offset := int32(binary.LittleEndian.Uint32(src[headNameWidth+4 : headEntrySize]))
	return name, NodePointer{Page: page, Offset: offset}, nil
}

// GetHead returns the current head pointer for a branch name.
func (h *HeadTable) GetHead(name string) (NodePointer, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	buf, err := h.pager.ReadPage(0)
	if err != nil {
		return NodePointer{}, err
	}
	for i := 0; i < headsPerPage; i++ {
		off := headSlotOffset(i)
		slot := buf[off : off+headEntrySize]
		if isEmptyHeadSlot(slot) {
			continue
		}
		entryName, ptr, err := decodeHeadEntry(slot)
		if err != nil {
			return NodePointer{}, err
		}
		if entryName == name {
			return ptr, nil
		}
	}
	return NodePointer{}, fmt.Errorf("%w: branch %q", dberr.ErrBranchUnknown, name)
}

// SetHead updates an existing branch's head pointer.
func (h *HeadTable) SetHead(name string, ptr NodePointer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf, err := h.pager.ReadPage(0)
	if err != nil {
		return err
	}
	for i := 0; i < headsPerPage; i++ {
		off := headSlotOffset(i)
		slot := buf[off : off+headEntrySize]
		if isEmptyHeadSlot(slot) {
			continue
		}
		entryName, _, err := decodeHeadEntry(slot)
		if err != nil {
			return err
		}
		if entryName == name {
			encodeHeadEntry(slot, name, ptr)
			return h.pager.WritePage(0, buf)
		}
	}
	return fmt.Errorf("%w: branch %q", dberr.ErrBranchUnknown, name)
}

// CreateBranch inserts a new branch head entry. It fails with
// AlreadyExists if name is already registered.
func (h *HeadTable) CreateBranch(name string, ptr NodePointer) error {
	if len(name) < 1 || len(name) > headNameWidth {
		return fmt.Errorf("%w: branch name %q length out of range [1,%d]", dberr.ErrSchemaInvalid, name, headNameWidth)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	buf, err := h.pager.ReadPage(0)
	if err != nil {
		return err
	}
	freeSlot := -1
	for i := 0; i < headsPerPage; i++ {
		off := headSlotOffset(i)
		slot := buf[off : off+headEntrySize]
		if isEmptyHeadSlot(slot) {
			if freeSlot == -1 {
				freeSlot = i
			}
			continue
		}
		entryName, _, err := decodeHeadEntry(slot)
		if err != nil {
			return err
		}
		if entryName == name {
			return fmt.Errorf("%w: branch %q", dberr.ErrAlreadyExists, name)
		}
	}
	if freeSlot == -1 {
		return fmt.Errorf("%w: branch_heads table is full (%d entries)", dberr.ErrOutOfRange, headsPerPage)
	}
	off := headSlotOffset(freeSlot)
	encodeHeadEntry(buf[off:off+headEntrySize], name, ptr)
	return h.pager.WritePage(0, buf)
}

// DeleteBranch clears an existing branch head entry.
func (h *HeadTable) DeleteBranch(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf, err := h.pager.ReadPage(0)
	if err != nil {
		return err
	}
	for i := 0; i < headsPerPage; i++ {
		off := headSlotOffset(i)
		slot := buf[off : off+headEntrySize]
		if isEmptyHeadSlot(slot) {
			continue
		}
		entryName, _, err := decodeHeadEntry(slot)
		if err != nil {
			return err
		}
		if entryName == name {
			for i := range slot {
				slot[i] = 0
			}
			return h.pager.WritePage(0, buf)
		}
	}
	return fmt.Errorf("%w: branch %q", dberr.ErrBranchUnknown, name)
}

// ListBranches returns every registered branch name, in slot order.
func (h *HeadTable) ListBranches() ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	buf, err := h.pager.ReadPage(0)
	if err != nil {
		return nil, err
	}
	var names []string
	for i := 0; i < headsPerPage; i++ {
		off := headSlotOffset(i)
		slot := buf[off : off+headEntrySize]
		if isEmptyHeadSlot(slot) {
			continue
		}
		entryName, _, err := decodeHeadEntry(slot)
		if err != nil {
			return nil, err
		}
		names = append(names, entryName)
	}
	return names, nil
}

func (h *HeadTable) Close() error {
	return h.pager.Close()
}
