// Package branch implements the version-control branch graph
// (branches.gql: append-only, prev-linked nodes) and the branch-head
// table (branch_heads.gql: a single-page name -> pointer index).
package branch

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/branchql/tableforge/internal/dberr"
	"github.com/branchql/tableforge/internal/pager"
)

const (
	nodeHashWidth = 32
	nodeNameWidth = 60
	// nodeSize matches the literal 104-byte record size given in the
	// branch-node design; the 4 reserved bytes keep nodes aligned and
	// make floor(4096/104) == 39 come out exact.
	nodeSize     = nodeHashWidth + 4 + 4 + 4 + nodeNameWidth
	nodesPerPage = pager.VCPageSize / nodeSize
)

// NodePointer locates a branch node within branches.gql, or is the root
// sentinel when both fields are -1.
type NodePointer struct {
	Page   int32
	Offset int32
}

// SentinelPointer is the root node's prev pointer.
var SentinelPointer = NodePointer{Page: -1, Offset: -1}

// Node is one append-only branch-graph record.
type Node struct {
	Hash string
	Prev NodePointer
	Name string
}

// Graph owns branches.gql: a header page tracking the node count and
// logical page count, followed by pages packing nodesPerPage nodes each.
type Graph struct {
	mu    sync.RWMutex
	pager *pager.Pager

	numPages  uint32
	nodeCount uint32
}

func openGraph(path string) (*Graph, error) {
	p, err := pager.Open(path, pager.VCPageSize)
	if err != nil {
		return nil, err
	}
	allocated, err := p.AllocatedPages()
	if err != nil {
		p.Close()
		return nil, err
	}
	g := &Graph{pager: p}
	if allocated == 0 {
		if _, err := p.AppendPage(0); err != nil {
			p.Close()
			return nil, err
		}
		g.numPages = 1
		g.nodeCount = 0
		if err := g.writeHeaderLocked(); err != nil {
			p.Close()
			return nil, err
		}
		return g, nil
	}
	if err := g.readHeaderLocked(); err != nil {
		p.Close()
		return nil, err
	}
	return g, nil
}

func (g *Graph) readHeaderLocked() error {
	buf, err := g.pager.ReadPage(0)
	if err != nil {
		return err
	}
	g.numPages = binary.LittleEndian.Uint32(buf[0:4])
	g.nodeCount = binary.LittleEndian.Uint32(buf[4:8])
	return nil
}

func (g *Graph) writeHeaderLocked() error {
	buf := make([]byte, pager.VCPageSize)
	binary.LittleEndian.PutUint32(buf[0:4], g.numPages)
	binary.LittleEndian.PutUint32(buf[4:8], g.nodeCount)
	return g.pager.WritePage(0, buf)
}

func (g *Graph) ensurePageLocked(pageIdx uint32) error {
	for g.numPages <= pageIdx {
		idx, err := g.pager.AppendPage(g.numPages)
		if err != nil {
			return err
		}
		if idx != g.numPages {
			return fmt.Errorf("branch graph grew to unexpected index %d, want %d", idx, g.numPages)
		}
		g.numPages++
	}
	return nil
}

// InsertNode appends a node at the next free slot and returns its pointer.
func (g *Graph) InsertNode(hash string, prev NodePointer, name string) (NodePointer, error) {
	if len(hash) != nodeHashWidth {
		return NodePointer{}, fmt.Errorf("%w: branch node hash must be exactly %d bytes", dberr.ErrSchemaInvalid, nodeHashWidth)
	}
	if len(name) < 1 || len(name) > nodeNameWidth {
		return NodePointer{}, fmt.Errorf("%w: branch name %q length out of range [1,%d]", dberr.ErrSchemaInvalid, name, nodeNameWidth)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	slotIdx := g.nodeCount % nodesPerPage
	page := 1 + g.nodeCount/nodesPerPage
	if err := g.ensurePageLocked(page); err != nil {
		return NodePointer{}, err
	}
	buf, err := g.pager.ReadPage(page)
	if err != nil {
		return NodePointer{}, err
	}
	off := int(slotIdx) * nodeSize
	encodeNode(buf[off:off+nodeSize], Node{Hash: hash, Prev: prev, Name: name})
	if err := g.pager.WritePage(page, buf); err != nil {
		return NodePointer{}, err
	}

	ptr := NodePointer{Page: int32(page), Offset: int32(off)}
	g.nodeCount++
	if err := g.writeHeaderLocked(); err != nil {
		return NodePointer{}, err
	}
	return ptr, nil
}

// ReadNode resolves a pointer to its node. The sentinel pointer is not a
// valid argument.
func (g *Graph) ReadNode(ptr NodePointer) (Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	buf, err := g.pager.ReadPage(uint32(ptr.Page))
	if err != nil {
		return Node{}, err
	}
	off := int(ptr.Offset)
	if off < 0 || off+nodeSize > len(buf) {
		return Node{}, fmt.Errorf("%w: branch node offset %d out of range", dberr.ErrOutOfRange, off)
	}
	return decodeNode(buf[off : off+nodeSize])
}

// WalkAncestors follows prev pointers from head back to (and excluding)
// the sentinel, returning nodes oldest-last (head first).
func (g *Graph) WalkAncestors(head NodePointer) ([]Node, error) {
	var out []Node
	cur := head
	for cur != SentinelPointer {
		n, err := g.ReadNode(cur)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
		cur = n.Prev
	}
	return out, nil
}

func (g *Graph) Close() error {
	return g.pager.Close()
}

func encodeNode(dst []byte, n Node) {
	copy(dst[0:nodeHashWidth], n.Hash)
	binary.LittleEndian.PutUint32(dst[32:36], uint32(n.Prev.Page))
	binary.LittleEndian.PutUint32(dst[36:40], uint32(n.Prev.Offset))
	binary.LittleEndian.PutUint32(dst[40:44], 0) // reserved
	namePad := dst[44 : 44+nodeNameWidth]
	copy(namePad, n.Name)
	for i := len(n.Name); i < nodeNameWidth; i++ {
		namePad[i] = ' '
	}
}

func decodeNode(src []byte) (Node, error) {
	hash := string(src[0:nodeHashWidth])
	prevPage := int32(binary.LittleEndian.Uint32(src[32:36]))
	prevOffset := int32(binary.LittleEndian.Uint32(src[36:40]))
	name, err := trimTrailingSpaces(src[44 : 44+nodeNameWidth])
	if err != nil {
		return Node{}, err
	}
	return Node{Hash: hash, Prev: NodePointer{Page: prevPage, Offset: prevOffset}, Name: name}, nil
}

func trimTrailingSpaces(raw []byte) (string, error) {
	end := len(raw)
	for end > 0 && raw[end-1] == ' ' {
		end--
	}
	for i := 0; i < end; i++ {
		if raw[i] == 0 {
			return "", fmt.Errorf("%w: branch name contains a zero byte", dberr.ErrCorruption)
		}
	}
	return string(raw[:end]), nil
}
