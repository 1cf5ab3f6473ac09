// Package merge implements common-ancestor discovery, diff squashing, and
// fast-forward/three-way merges with a selectable conflict policy, on top
// of package commitstore and package branch.
package merge

import (
	"sort"

	"github.com/branchql/tableforge/internal/dberr"
	"github.com/branchql/tableforge/internal/vcs/commitstore"
)

// RowOp is the last surviving operation for one row key within a squashed
// commit chain.
type RowOp struct {
	Key      dberr.RowKey
	Tag      commitstore.OpTag
	RowBytes []byte
}

// Squash collapses an ordered (oldest-first) chain of commit diffs into
// one operation per row key, keeping only each key's last operation per
// the collision rules: write-then-delete -> REMOVE, delete-then-write ->
// INSERT, write-then-write -> UPDATE with the latter bytes,
// INSERT-then-UPDATE stays INSERT with the latter bytes.
func Squash(diffs []commitstore.Diff) map[dberr.RowKey]RowOp {
	ops := make(map[dberr.RowKey]RowOp)
	for _, diff := range diffs {
		for _, block := range diff.Blocks {
			for _, e := range block.Entries {
				key := dberr.RowKey{Table: block.TableName, Page: e.PageNumber, Row: e.RowNum}
				next := RowOp{Key: key, Tag: block.Tag, RowBytes: e.RowBytes}
				existing, ok := ops[key]
				if !ok {
					ops[key] = next
					continue
				}
				switch {
				case next.Tag == commitstore.OpRemove:
					ops[key] = RowOp{Key: key, Tag: commitstore.OpRemove}
				case existing.Tag == commitstore.OpRemove:
					ops[key] = RowOp{Key: key, Tag: commitstore.OpInsert, RowBytes: next.RowBytes}
				case existing.Tag == commitstore.OpInsert:
					ops[key] = RowOp{Key: key, Tag: commitstore.OpInsert, RowBytes: next.RowBytes}
				default:
					ops[key] = RowOp{Key: key, Tag: commitstore.OpUpdate, RowBytes: next.RowBytes}
				}
			}
		}
	}
	return ops
}

// BuildDiff groups a row-op set back into table-ordered diff blocks, one
// block per (table, tag) pair, with entries sorted by (page, row) for
// deterministic output.
func BuildDiff(ops map[dberr.RowKey]RowOp) commitstore.Diff {
	type blockKey struct {
		table string
		tag   commitstore.OpTag
	}
	blocks := make(map[blockKey]*commitstore.OpBlock)
	var order []blockKey

	keys := make([]dberr.RowKey, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Table != keys[j].Table {
			return keys[i].Table < keys[j].Table
		}
		if keys[i].Page != keys[j].Page {
			return keys[i].Page < keys[j].Page
		}
		return keys[i].Row < keys[j].Row
	})

	for _, k := range keys {
		op := ops[k]
		bk := blockKey{table: k.Table, tag: op.Tag}
		b, ok := blocks[bk]
		if !ok {
			b = &commitstore.OpBlock{Tag: op.Tag, TableName: k.Table, RowSize: int32(len(op.RowBytes))}
			blocks[bk] = b
			order = append(order, bk)
		}
		b.Entries = append(b.Entries, commitstore.RowEntry{PageNumber: k.Page, RowNum: k.Row, RowBytes: op.RowBytes})
	}

	diff := commitstore.Diff{}
	for _, bk := range order {
		diff.Blocks = append(diff.Blocks, *blocks[bk])
	}
	return diff
}
