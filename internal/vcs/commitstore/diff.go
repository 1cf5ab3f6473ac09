package commitstore

import (
	"encoding/binary"
	"fmt"

	"github.com/branchql/tableforge/internal/dberr"
)

// OpTag identifies the kind of row-level operation recorded in one diff block.
type OpTag uint8

const (
	OpInsert OpTag = 0
	OpUpdate OpTag = 1
	OpRemove OpTag = 2
)

const tableNameWidth = 64

// RowEntry is one row-level change within a diff block. RowBytes is nil
// for REMOVE entries.
type RowEntry struct {
	PageNumber int32
	RowNum     int32
	RowBytes   []byte
}

// OpBlock groups one table's row-level changes of a single operation kind.
type OpBlock struct {
	Tag       OpTag
	TableName string
	RowSize   int32 // meaningful for INSERT/UPDATE only
	Entries   []RowEntry
}

// Diff is the ordered sequence of operation blocks attached to a commit.
type Diff struct {
	Blocks []OpBlock
}

// EncodeDiff serializes a Diff into the wire format described by the
// commit-header design: each block tagged 0=INSERT 1=UPDATE 2=REMOVE,
// followed by a 64-byte table name, row_size (for INSERT/UPDATE), num_rows,
// and num_rows entries of (page_number, row_num, row_bytes?).
func EncodeDiff(d Diff) ([]byte, error) {
	var buf []byte
	for _, b := range d.Blocks {
		if len(b.TableName) < 1 || len(b.TableName) > tableNameWidth {
			return nil, fmt.Errorf("%w: table name %q length out of range [1,%d]", dberr.ErrSchemaInvalid, b.TableName, tableNameWidth)
		}
		block := make([]byte, 1+tableNameWidth)
		block[0] = byte(b.Tag)
		copy(block[1:], []byte(b.TableName))

		if b.Tag != OpRemove {
			rowSize := make([]byte, 4)
			binary.LittleEndian.PutUint32(rowSize, uint32(b.RowSize))
			block = append(block, rowSize...)
		}

		numRows := make([]byte, 4)
		binary.LittleEndian.PutUint32(numRows, uint32(len(b.Entries)))
		block = append(block, numRows...)

		for _, e := range b.Entries {
			entry := make([]byte, 8)
			binary.LittleEndian.PutUint32(entry[0:4], uint32(e.PageNumber))
			binary.LittleEndian.PutUint32(entry[4:8], uint32(e.RowNum))
			block = append(block, entry...)
			if b.Tag != OpRemove {
				if len(e.RowBytes) != int(b.RowSize) {
					return nil, fmt.Errorf("%w: row bytes length %d does not match row_size %d", dberr.ErrSchemaInvalid, len(e.RowBytes), b.RowSize)
				}
				block = append(block, e.RowBytes...)
			}
		}
		buf = append(buf, block...)
	}
	return buf, nil
}

// DecodeDiff parses a diff blob back into blocks. It consumes the whole
// buffer (the commit's recorded diff_size bytes) and returns
// ErrDiffCorruption if a block is cut short or carries an unknown tag.
func DecodeDiff(buf []byte) (Diff, error) {
	var d Diff
	off := 0
	for off < len(buf) {
		if off+1+tableNameWidth > len(buf) {
			return Diff{}, fmt.Errorf("%w: truncated diff block header", dberr.ErrDiffCorruption)
		}
		tag := OpTag(buf[off])
		if tag > OpRemove {
			return Diff{}, fmt.Errorf("%w: unknown operation tag %d", dberr.ErrDiffCorruption, tag)
		}
		off++
		name, err := trimTableName(buf[off : off+tableNameWidth])
		if err != nil {
			return Diff{}, err
		}
		off += tableNameWidth

		var rowSize int32
		if tag != OpRemove {
			if off+4 > len(buf) {
				return Diff{}, fmt.Errorf("%w: truncated row_size field", dberr.ErrDiffCorruption)
			}
			rowSize = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
			off += 4
		}

		if off+4 > len(buf) {
			return Diff{}, fmt.Errorf("%w: truncated num_rows field", dberr.ErrDiffCorruption)
		}
		numRows := binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4

		entries := make([]RowEntry, numRows)
		for i := uint32(0); i < numRows; i++ {
			if off+8 > len(buf) {
				return Diff{}, fmt.Errorf("%w: truncated row entry", dberr.ErrDiffCorruption)
			}
			page := int32(binary.LittleEndian.Uint32(buf[off : off+4]))
			rowNum := int32(binary.LittleEndian.Uint32(buf[off+4 : off+8]))
			off += 8
			var rowBytes []byte
			if tag != OpRemove {
				if off+int(rowSize) > len(buf) {
					return Diff{}, fmt.Errorf("%w: truncated row bytes", dberr.ErrDiffCorruption)
				}
				rowBytes = append([]byte(nil), buf[off:off+int(rowSize)]...)
				off += int(rowSize)
			}
			entries[i] = RowEntry{PageNumber: page, RowNum: rowNum, RowBytes: rowBytes}
		}
		d.Blocks = append(d.Blocks, OpBlock{Tag: tag, TableName: name, RowSize: rowSize, Entries: entries})
	}
	return d, nil
}

func trimTableName(raw []byte) (string, error) {
	end := len(raw)
	for end > 0 && raw[end-1] == 0 {
		end--
	}
	return string(raw[:end]), nil
}
