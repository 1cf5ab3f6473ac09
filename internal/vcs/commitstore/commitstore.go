// Package commitstore implements the version-control object store's
// commit index (commitheaders.gql, a table-engine file) and payload log
// (deltas.gql, a pager-only file whose payloads may span pages).
package commitstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/branchql/tableforge/internal/dberr"
	"github.com/branchql/tableforge/internal/pager"
	"github.com/branchql/tableforge/internal/row"
	"github.com/branchql/tableforge/internal/schema"
	"github.com/branchql/tableforge/internal/table"
)

const (
	cmdWidth = 512
	msgWidth = 64
	// fixedPrefixWidth is cmd + message + timestamp + diff_size.
	fixedPrefixWidth = cmdWidth + msgWidth + 4 + 4
)

// Pointer locates a commit's payload within deltas.gql.
type Pointer struct {
	Page   int32
	Offset int32
}

// Record is a decoded commit: its header fields plus the reassembled diff.
type Record struct {
	Hash      string
	Command   string
	Message   string
	Timestamp int32
	Diff      Diff
}

// Store wires the commit header index to the delta payload log.
type Store struct {
	headers *table.Handle
	deltas  *deltaStore
}

func headerSchema() schema.Schema {
	return schema.Schema{Columns: []schema.Column{
		{Name: "hash", Kind: schema.String, Width: 32},
		{Name: "page", Kind: schema.Int32},
		{Name: "offset", Kind: schema.Int32},
	}}
}

// Open opens (creating if necessary) the commit store rooted at dbDir.
func Open(dbDir string) (*Store, error) {
	headersPath := filepath.Join(dbDir, "commitheaders.gql")
	var headers *table.Handle
	if _, err := os.Stat(headersPath); os.IsNotExist(err) {
		headers, err = table.CreateTable(headersPath, headerSchema(), pager.VCPageSize)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat %s: %w", headersPath, err)
	} else {
		headers, err = table.OpenTable(headersPath, pager.VCPageSize)
		if err != nil {
			return nil, err
		}
	}

	deltas, err := openDeltaStore(filepath.Join(dbDir, "deltas.gql"))
	if err != nil {
		headers.Close()
		return nil, err
	}
	return &Store{headers: headers, deltas: deltas}, nil
}

// Close closes both backing files.
func (s *Store) Close() error {
	err1 := s.headers.Close()
	err2 := s.deltas.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// AppendCommit writes the commit's diff payload to deltas.gql, then its
// hash/pointer row to commitheaders.gql. If the process fails between the
// two writes, the delta tail is wasted but the index remains consistent.
func (s *Store) AppendCommit(hash, cmd, msg string, timestamp int32, diff Diff) error {
	if len(hash) != 32 {
		return fmt.Errorf("%w: commit hash must be exactly 32 bytes, got %d", dberr.ErrSchemaInvalid, len(hash))
	}
	payload, err := encodeCommitPayload(cmd, msg, timestamp, diff)
	if err != nil {
		return err
	}
	page, offset, err := s.deltas.AppendPayload(payload)
	if err != nil {
		return err
	}
	_, _, err = s.headers.Insert([]row.Value{
		row.StringValue(hash),
		row.Int32Value(int32(page)),
		row.Int32Value(int32(offset)),
	})
	return err
}

// LookupCommit finds a commit header row by hash using a full scan (the
// commit count is assumed modest, so no secondary index is maintained).
func (s *Store) LookupCommit(hash string) (Pointer, error) {
	rows, err := s.headers.Scan()
	if err != nil {
		return Pointer{}, err
	}
	for _, r := range rows {
		if r.Values[0].S == hash {
			return Pointer{Page: r.Values[1].I32, Offset: r.Values[2].I32}, nil
		}
	}
	return Pointer{}, fmt.Errorf("%w: commit %q", dberr.ErrNotFound, hash)
}

// ReadCommit resolves hash to its pointer and reassembles the full record,
// including the diff.
func (s *Store) ReadCommit(hash string) (Record, error) {
	ptr, err := s.LookupCommit(hash)
	if err != nil {
		return Record{}, err
	}
	return s.ReadCommitAt(hash, ptr)
}

// ReadCommitAt reassembles a commit record given an already-known pointer,
// avoiding a repeat lookup scan.
func (s *Store) ReadCommitAt(hash string, ptr Pointer) (Record, error) {
	prefix, err := s.deltas.ReadPayload(uint32(ptr.Page), uint32(ptr.Offset), fixedPrefixWidth)
	if err != nil {
		return Record{}, err
	}
	cmd := trimZeroPadded(prefix[0:cmdWidth])
	msg := trimZeroPadded(prefix[cmdWidth : cmdWidth+msgWidth])
	timestamp := int32(binary.LittleEndian.Uint32(prefix[cmdWidth+msgWidth : cmdWidth+msgWidth+4]))
	diffSize := binary.LittleEndian.Uint32(prefix[cmdWidth+msgWidth+4 : fixedPrefixWidth])

	diffPage, diffOffset := advance(uint32(ptr.Page), uint32(ptr.Offset), fixedPrefixWidth)
	diffBytes, err := s.deltas.ReadPayload(diffPage, diffOffset, diffSize)
	if err != nil {
		return Record{}, err
	}
	diff, err := DecodeDiff(diffBytes)
	if err != nil {
		return Record{}, err
	}
	return Record{Hash: hash, Command: cmd, Message: msg, Timestamp: timestamp, Diff: diff}, nil
}

func encodeCommitPayload(cmd, msg string, timestamp int32, diff Diff) ([]byte, error) {
	if len(cmd) > cmdWidth {
		return nil, fmt.Errorf("%w: command length %d exceeds %d", dberr.ErrSchemaInvalid, len(cmd), cmdWidth)
	}
	if len(msg) > msgWidth {
		return nil, fmt.Errorf("%w: message length %d exceeds %d", dberr.ErrSchemaInvalid, len(msg), msgWidth)
	}
	diffBytes, err := EncodeDiff(diff)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, fixedPrefixWidth+len(diffBytes))
	copy(buf[0:cmdWidth], cmd)
	copy(buf[cmdWidth:cmdWidth+msgWidth], msg)
	binary.LittleEndian.PutUint32(buf[cmdWidth+msgWidth:cmdWidth+msgWidth+4], uint32(timestamp))
	binary.LittleEndian.PutUint32(buf[cmdWidth+msgWidth+4:fixedPrefixWidth], uint32(len(diffBytes)))
	copy(buf[fixedPrefixWidth:], diffBytes)
	return buf, nil
}

func trimZeroPadded(raw []byte) string {
	end := len(raw)
	for end > 0 && raw[end-1] == 0 {
		end--
	}
	return string(raw[:end])
}
