// Package tableforge wires the paged table storage engine and the
// version-control object store into one embeddable Database: the
// programmatic surface a SQL parser/planner or RPC layer consumes
// (create/open/scan/insert/update/delete tables; commit/branch/merge).
//
// Everything that parses SQL, serves RPCs, renders a CLI, checks
// permissions, or logs telemetry lives outside this package — those
// remain external collaborators reached only through the methods below.
package tableforge

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/branchql/tableforge/internal/config"
	"github.com/branchql/tableforge/internal/dberr"
	"github.com/branchql/tableforge/internal/maintenance"
	"github.com/branchql/tableforge/internal/pager"
	"github.com/branchql/tableforge/internal/row"
	"github.com/branchql/tableforge/internal/schema"
	"github.com/branchql/tableforge/internal/table"
	"github.com/branchql/tableforge/internal/vcs/branch"
	"github.com/branchql/tableforge/internal/vcs/commitstore"
	"github.com/branchql/tableforge/internal/vcs/merge"
)

// Re-exported leaf types so a caller never needs to import the internal
// packages directly.
type (
	Schema         = schema.Schema
	Column         = schema.Column
	Kind           = schema.Kind
	Value          = row.Value
	Row            = table.Row
	Diff           = commitstore.Diff
	OpBlock        = commitstore.OpBlock
	RowEntry       = commitstore.RowEntry
	OpTag          = commitstore.OpTag
	ConflictPolicy = merge.ConflictPolicy
	MergeResult    = merge.Result
	RowKey         = dberr.RowKey
)

const (
	Int32     = schema.Int32
	Int64     = schema.Int64
	Float32   = schema.Float32
	Float64   = schema.Float64
	Timestamp = schema.Timestamp
	Boolean   = schema.Boolean
	String    = schema.String

	OpInsert = commitstore.OpInsert
	OpUpdate = commitstore.OpUpdate
	OpRemove = commitstore.OpRemove

	PolicyAbort        = merge.PolicyAbort
	PolicyPreferSource = merge.PolicyPreferSource
	PolicyPreferTarget = merge.PolicyPreferTarget
)

// Value constructors re-exported for convenience.
var (
	Int32Value     = row.Int32Value
	Int64Value     = row.Int64Value
	Float32Value   = row.Float32Value
	Float64Value   = row.Float64Value
	TimestampValue = row.TimestampValue
	BoolValue      = row.BoolValue
	StringValue    = row.StringValue
	NullValue      = row.NullValue
)

// rootBranchHash is the hash of the empty genesis commit stamped into a
// freshly created database: a real commit-header/delta pair so that
// common-ancestor discovery (which reads every candidate hash's
// timestamp) can resolve it like any other commit.
const rootBranchHash = "root-branch-sentinel-00000000000"

const defaultBranch = "main"

// Database is one open database directory: a set of table files plus the
// four version-control files (commitheaders.gql, deltas.gql, branches.gql,
// branch_heads.gql). Safe for concurrent use from multiple goroutines;
// each table/VC file carries its own internal reader-writer lock.
type Database struct {
	dir    string
	policy merge.ConflictPolicy

	mu     sync.RWMutex
	tables map[string]*table.Handle

	commits  *commitstore.Store
	branches *branch.Store
	merger   *merge.Engine
}

// Open opens (creating if necessary) the database directory at dir,
// bringing up its version-control files and registering a "main" root
// branch the first time the directory is created.
func Open(dir string) (*Database, error) {
	fresh := false
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
		fresh = true
	} else if err != nil {
		return nil, fmt.Errorf("stat database directory %s: %w", dir, err)
	}

	commits, err := commitstore.Open(dir)
	if err != nil {
		return nil, err
	}
	branches, err := branch.Open(dir)
	if err != nil {
		commits.Close()
		return nil, err
	}

	db := &Database{
		dir:      dir,
		policy:   merge.PolicyAbort,
		tables:   make(map[string]*table.Handle),
		commits:  commits,
		branches: branches,
		merger:   merge.New(commits, branches),
	}

	if fresh {
		if err := commits.AppendCommit(rootBranchHash, "", "root", db.merger.Clock(), commitstore.Diff{}); err != nil {
			db.Close()
			return nil, err
		}
		if _, err := branches.CreateRootBranch(defaultBranch, rootBranchHash); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// OpenWithConfig opens a database rooted at cfg.DataDir and applies the
// config's default merge policy and page-size expectations. It does not
// start the maintenance scheduler; call NewMaintenanceScheduler for that.
func OpenWithConfig(cfg *config.EngineConfig) (*Database, error) {
	if cfg.TablePageSize != pager.TablePageSize || cfg.VCPageSize != pager.VCPageSize {
		return nil, fmt.Errorf("tableforge: configured page sizes (%d, %d) do not match the compiled-in fixed page sizes (%d, %d)",
			cfg.TablePageSize, cfg.VCPageSize, pager.TablePageSize, pager.VCPageSize)
	}
	db, err := Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	switch cfg.DefaultMergePolicy {
	case "prefer-source":
		db.policy = merge.PolicyPreferSource
	case "prefer-target":
		db.policy = merge.PolicyPreferTarget
	default:
		db.policy = merge.PolicyAbort
	}
	return db, nil
}

// NewMaintenanceScheduler builds a maintenance.Scheduler sweeping this
// database, reporting findings to report.
func NewMaintenanceScheduler(db *Database, report func(maintenance.Finding)) *maintenance.Scheduler {
	return maintenance.NewScheduler(db, report)
}

// Close closes every open table handle plus the version-control files.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var firstErr error
	for _, h := range db.tables {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := db.branches.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.commits.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (db *Database) tablePath(name string) string {
	return filepath.Join(db.dir, name)
}

// CreateTable creates a new table file and registers its handle.
func (db *Database) CreateTable(name string, s Schema) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.tables[name]; ok {
		return fmt.Errorf("%w: table %q", dberr.ErrAlreadyExists, name)
	}
	h, err := table.CreateTable(db.tablePath(name), s, pager.TablePageSize)
	if err != nil {
		return err
	}
	db.tables[name] = h
	return nil
}

// DropTable closes and removes a table file. It is the one mutation this
// package performs outside the pager/table-engine abstractions, since file
// deletion has no on-disk representation of its own.
func (db *Database) DropTable(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	h, ok := db.tables[name]
	if ok {
		if err := h.Close(); err != nil {
			return err
		}
		delete(db.tables, name)
	}
	path := db.tablePath(name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: table %q", dberr.ErrNotFound, name)
		}
		return fmt.Errorf("drop table %s: %w", path, err)
	}
	return nil
}

// OpenTable returns the handle for an already-created table, opening it
// from disk the first time it is requested in this process.
func (db *Database) OpenTable(name string) (*table.Handle, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if h, ok := db.tables[name]; ok {
		return h, nil
	}
	h, err := table.OpenTable(db.tablePath(name), pager.TablePageSize)
	if err != nil {
		return nil, err
	}
	db.tables[name] = h
	return h, nil
}

// Scan returns every live row of an open table.
func (db *Database) Scan(name string) ([]Row, error) {
	h, err := db.OpenTable(name)
	if err != nil {
		return nil, err
	}
	return h.Scan()
}

// Insert appends values to table name, returning its (page, slot).
func (db *Database) Insert(name string, values []Value) (page, slot int32, err error) {
	h, err := db.OpenTable(name)
	if err != nil {
		return 0, 0, err
	}
	return h.Insert(values)
}

// Update overwrites the row at (page, slot) in table name.
func (db *Database) Update(name string, page, slot int32, values []Value) error {
	h, err := db.OpenTable(name)
	if err != nil {
		return err
	}
	return h.Update(page, slot, values)
}

// Delete tombstones the row at (page, slot) in table name.
func (db *Database) Delete(name string, page, slot int32) error {
	h, err := db.OpenTable(name)
	if err != nil {
		return err
	}
	return h.Delete(page, slot)
}

// TableDiff is one table's contribution to a Commit call: the operation
// kind, the row width those entries were encoded at, and the affected
// (page, row) coordinates with their new bytes (nil for removals).
type TableDiff struct {
	Table   string
	Tag     OpTag
	RowSize int32
	Entries []RowEntry
}

// Commit appends a new commit onto branchName built from tableDiffs,
// synthesizing a hash and timestamp via the merge engine's
// Clock/HashSource.
func (db *Database) Commit(branchName, message, command string, tableDiffs []TableDiff) (string, error) {
	blocks := make([]commitstore.OpBlock, 0, len(tableDiffs))
	for _, td := range tableDiffs {
		blocks = append(blocks, commitstore.OpBlock{
			Tag:       td.Tag,
			TableName: td.Table,
			RowSize:   td.RowSize,
			Entries:   td.Entries,
		})
	}
	diff := commitstore.Diff{Blocks: blocks}

	hash := db.merger.Hash()
	ts := db.merger.Clock()
	if err := db.commits.AppendCommit(hash, command, message, ts, diff); err != nil {
		return "", err
	}
	if _, err := db.branches.AdvanceBranch(branchName, hash); err != nil {
		return "", err
	}
	return hash, nil
}

// LookupCommit resolves a commit hash to its full record, including the
// reassembled diff.
func (db *Database) LookupCommit(hash string) (commitstore.Record, error) {
	return db.commits.ReadCommit(hash)
}

// ListLog returns branch's commit hashes, most-recent first.
func (db *Database) ListLog(branchName string) ([]string, error) {
	head, err := db.branches.Heads.GetHead(branchName)
	if err != nil {
		return nil, err
	}
	nodes, err := db.branches.Graph.WalkAncestors(head)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, 0, len(nodes))
	for _, n := range nodes {
		hashes = append(hashes, n.Hash)
	}
	return hashes, nil
}

// CreateBranch forks a new branch from sourceBranch's current head. The
// new branch's first commit is the fork point itself, satisfying the
// invariant that the first commit following a fork carries the new
// branch's name.
func (db *Database) CreateBranch(name, sourceBranch string) error {
	srcHead, err := db.branches.Heads.GetHead(sourceBranch)
	if err != nil {
		return err
	}
	node, err := db.branches.Graph.ReadNode(srcHead)
	if err != nil {
		return err
	}
	_, err = db.branches.Fork(name, sourceBranch, node.Hash)
	return err
}

// SwitchBranch is a pass-through validation hook: the engine has no
// "current branch" session concept (that belongs to the RPC/session
// layer), so this only confirms name exists.
func (db *Database) SwitchBranch(name string) error {
	_, err := db.branches.Heads.GetHead(name)
	return err
}

// DeleteBranch removes a branch head. The underlying graph nodes remain
// (branch nodes are append-only); this only removes name's head entry.
func (db *Database) DeleteBranch(name string) error {
	return db.branches.Heads.DeleteBranch(name)
}

// ListBranches returns every registered branch head name.
func (db *Database) ListBranches() ([]string, error) {
	return db.branches.Heads.ListBranches()
}

// Merge merges sourceBranch into targetBranch using policy.
func (db *Database) Merge(sourceBranch, targetBranch string, policy ConflictPolicy) (*MergeResult, error) {
	return db.merger.Merge(sourceBranch, targetBranch, policy)
}

// DefaultMergePolicy returns the database's configured merge policy (set
// from engine.yaml by OpenWithConfig, or PolicyAbort otherwise). Merge does
// not consult it; it always uses the policy passed to it.
func (db *Database) DefaultMergePolicy() ConflictPolicy {
	return db.policy
}

// Revert appends a new commit to branchName that re-applies the inverse
// of commitHash's diff: an INSERT block becomes a REMOVE (no prior bytes
// needed, the coordinates alone suffice); a REMOVE or UPDATE block becomes
// an INSERT or UPDATE respectively, which needs the row bytes that existed
// before commitHash took effect. The engine keeps no undo log of prior
// values, so the caller must supply those bytes in priorBytes, keyed by
// (table, page, row); Revert fails with NotFound if one is missing.
func (db *Database) Revert(branchName, commitHash string, priorBytes map[RowKey][]byte) (string, error) {
	rec, err := db.commits.ReadCommit(commitHash)
	if err != nil {
		return "", err
	}

	type blockKey struct {
		table string
		tag   OpTag
	}
	byBlock := make(map[blockKey][]RowEntry)
	var order []blockKey

	for _, block := range rec.Diff.Blocks {
		var inverseTag OpTag
		switch block.Tag {
		case OpInsert:
			inverseTag = OpRemove
		case OpRemove:
			inverseTag = OpInsert
		default:
			inverseTag = OpUpdate
		}
		bk := blockKey{table: block.TableName, tag: inverseTag}
		if _, ok := byBlock[bk]; !ok {
			order = append(order, bk)
		}
		for _, e := range block.Entries {
			entry := RowEntry{PageNumber: e.PageNumber, RowNum: e.RowNum}
			if inverseTag != OpRemove {
				key := RowKey{Table: block.TableName, Page: e.PageNumber, Row: e.RowNum}
				bytes, ok := priorBytes[key]
				if !ok {
					return "", fmt.Errorf("%w: revert %s needs prior bytes for %s(%d,%d)", dberr.ErrNotFound, commitHash, block.TableName, e.PageNumber, e.RowNum)
				}
				entry.RowBytes = bytes
			}
			byBlock[bk] = append(byBlock[bk], entry)
		}
	}

	diffs := make([]TableDiff, 0, len(order))
	for _, bk := range order {
		entries := byBlock[bk]
		rowSize := 0
		if len(entries) > 0 {
			rowSize = len(entries[0].RowBytes)
		}
		diffs = append(diffs, TableDiff{Table: bk.table, Tag: bk.tag, RowSize: int32(rowSize), Entries: entries})
	}

	return db.Commit(branchName, fmt.Sprintf("revert %s", commitHash), "REVERT", diffs)
}

// SquashRange collapses the commits from fromHash (exclusive) through
// toHash (inclusive) on branchName into the row-op set a three-way merge
// would have produced, without appending anything — callers that want a
// persisted squash commit can feed the result into Commit themselves.
func (db *Database) SquashRange(branchName, fromHash, toHash string) (commitstore.Diff, error) {
	head, err := db.branches.Heads.GetHead(branchName)
	if err != nil {
		return commitstore.Diff{}, err
	}
	nodes, err := db.branches.Graph.WalkAncestors(head)
	if err != nil {
		return commitstore.Diff{}, err
	}

	var chain []string
	collecting := false
	for i := len(nodes) - 1; i >= 0; i-- {
		h := nodes[i].Hash
		if h == fromHash {
			collecting = true
			continue
		}
		if collecting {
			chain = append(chain, h)
		}
		if h == toHash {
			break
		}
	}

	diffs := make([]commitstore.Diff, 0, len(chain))
	for _, h := range chain {
		rec, err := db.commits.ReadCommit(h)
		if err != nil {
			return commitstore.Diff{}, err
		}
		diffs = append(diffs, rec.Diff)
	}
	return merge.BuildDiff(merge.Squash(diffs)), nil
}

// Branches returns the branch store, satisfying maintenance.Source.
func (db *Database) Branches() *branch.Store {
	return db.branches
}

// TableStats returns every currently open table's page-count snapshot,
// satisfying maintenance.Source.
func (db *Database) TableStats() ([]maintenance.TableStat, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	stats := make([]maintenance.TableStat, 0, len(db.tables))
	for name, h := range db.tables {
		allocated, err := h.AllocatedPages()
		if err != nil {
			return nil, err
		}
		stats = append(stats, maintenance.TableStat{
			Name:           name,
			NumPages:       h.NumPages(),
			AllocatedPages: allocated,
		})
	}
	return stats, nil
}
