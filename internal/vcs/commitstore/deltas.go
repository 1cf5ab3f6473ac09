package commitstore

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/branchql/tableforge/internal/pager"
)

// deltaStore is the pager-only payload file (deltas.gql): a tiny header
// page tracking the logical page count and the current write tail, plus
// sequential commit payloads that may span page boundaries.
type deltaStore struct {
	mu    sync.RWMutex
	pager *pager.Pager

	numPages   uint32
	tailPage   uint32
	tailOffset uint32
}

func openDeltaStore(path string) (*deltaStore, error) {
	p, err := pager.Open(path, pager.VCPageSize)
	if err != nil {
		return nil, err
	}
	allocated, err := p.AllocatedPages()
	if err != nil {
		p.Close()
		return nil, err
	}
	d := &deltaStore{pager: p}
	if allocated == 0 {
		if _, err := p.AppendPage(0); err != nil {
			p.Close()
			return nil, err
		}
		d.numPages = 1
		d.tailPage = 1
		d.tailOffset = 0
		if err := d.writeHeaderLocked(); err != nil {
			p.Close()
			return nil, err
		}
		return d, nil
	}
	if err := d.readHeaderLocked(); err != nil {
		p.Close()
		return nil, err
	}
	return d, nil
}

func (d *deltaStore) readHeaderLocked() error {
	buf, err := d.pager.ReadPage(0)
	if err != nil {
		return err
	}
	d.numPages = binary.LittleEndian.Uint32(buf[0:4])
	d.tailPage = binary.LittleEndian.Uint32(buf[4:8])
	d.tailOffset = binary.LittleEndian.Uint32(buf[8:12])
	return nil
}

func (d *deltaStore) writeHeaderLocked() error {
	buf := make([]byte, pager.VCPageSize)
	binary.LittleEndian.PutUint32(buf[0:4], d.numPages)
	binary.LittleEndian.PutUint32(buf[4:8], d.tailPage)
	binary.LittleEndian.PutUint32(buf[8:12], d.tailOffset)
	return d.pager.WritePage(0, buf)
}

// ensurePageLocked grows the file (if needed) so that pageIdx is allocated
// and counted in d.numPages.
func (d *deltaStore) ensurePageLocked(pageIdx uint32) error {
	for d.numPages <= pageIdx {
		idx, err := d.pager.AppendPage(d.numPages)
		if err != nil {
			return err
		}
		if idx != d.numPages {
			return fmt.Errorf("delta store grew to unexpected index %d, want %d", idx, d.numPages)
		}
		d.numPages++
	}
	return nil
}

// AppendPayload writes payload sequentially starting at the current tail,
// splitting across page boundaries as needed, and returns the (page,
// offset) where the payload begins.
func (d *deltaStore) AppendPayload(payload []byte) (startPage uint32, startOffset uint32, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	startPage, startOffset = d.tailPage, d.tailOffset
	remaining := payload
	for len(remaining) > 0 {
		if err := d.ensurePageLocked(d.tailPage); err != nil {
			return 0, 0, err
		}
		buf, err := d.pager.ReadPage(d.tailPage)
		if err != nil {
			return 0, 0, err
		}
		avail := pager.VCPageSize - int(d.tailOffset)
		n := avail
		if n > len(remaining) {
			n = len(remaining)
		}
		copy(buf[d.tailOffset:int(d.tailOffset)+n], remaining[:n])
		if err := d.pager.WritePage(d.tailPage, buf); err != nil {
			return 0, 0, err
		}
		remaining = remaining[n:]
		d.tailOffset += uint32(n)
		if int(d.tailOffset) == pager.VCPageSize {
			d.tailPage++
			d.tailOffset = 0
		}
	}
	if err := d.writeHeaderLocked(); err != nil {
		return 0, 0, err
	}
	return startPage, startOffset, nil
}

// ReadPayload reassembles size bytes starting at (page, offset), reading
// consecutive pages as needed.
func (d *deltaStore) ReadPayload(page, offset uint32, size uint32) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]byte, 0, size)
	for uint32(len(out)) < size {
		buf, err := d.pager.ReadPage(page)
		if err != nil {
			return nil, err
		}
		avail := uint32(pager.VCPageSize) - offset
		n := avail
		if remaining := size - uint32(len(out)); n > remaining {
			n = remaining
		}
		out = append(out, buf[offset:offset+n]...)
		offset += n
		if offset == pager.VCPageSize {
			page++
			offset = 0
		}
	}
	return out, nil
}

// advance computes the (page, offset) reached after skipping n bytes
// forward from (page, offset), without reading any page contents.
func advance(page, offset uint32, n uint32) (uint32, uint32) {
	total := offset + n
	page += total / pager.VCPageSize
	offset = total % pager.VCPageSize
	return page, offset
}

func (d *deltaStore) Close() error {
	return d.pager.Close()
}
