package merge

import (
	"errors"
	"testing"

	"github.com/branchql/tableforge/internal/dberr"
	"github.com/branchql/tableforge/internal/vcs/branch"
	"github.com/branchql/tableforge/internal/vcs/commitstore"
)

func hashTok(c byte) string {
	b := make([]byte, 32)
	for i := range b {
		b[i] = c
	}
	return string(b)
}

func insertDiff(table string, page, rowNum int32, bytes []byte) commitstore.Diff {
	return commitstore.Diff{Blocks: []commitstore.OpBlock{{
		Tag:       commitstore.OpInsert,
		TableName: table,
		RowSize:   int32(len(bytes)),
		Entries:   []commitstore.RowEntry{{PageNumber: page, RowNum: rowNum, RowBytes: bytes}},
	}}}
}

func updateDiff(table string, page, rowNum int32, bytes []byte) commitstore.Diff {
	return commitstore.Diff{Blocks: []commitstore.OpBlock{{
		Tag:       commitstore.OpUpdate,
		TableName: table,
		RowSize:   int32(len(bytes)),
		Entries:   []commitstore.RowEntry{{PageNumber: page, RowNum: rowNum, RowBytes: bytes}},
	}}}
}

type fixture struct {
	commits  *commitstore.Store
	branches *branch.Store
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	commits, err := commitstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	branches, err := branch.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	eng := New(commits, branches)
	return &fixture{commits: commits, branches: branches, engine: eng}
}

func (f *fixture) root(t *testing.T, name, hash string, ts int32, diff commitstore.Diff) {
	t.Helper()
	if err := f.commits.AppendCommit(hash, "", "root", ts, diff); err != nil {
		t.Fatal(err)
	}
	if _, err := f.branches.CreateRootBranch(name, hash); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) fork(t *testing.T, newName, sourceBranch, hash string, ts int32, diff commitstore.Diff) {
	t.Helper()
	if err := f.commits.AppendCommit(hash, "", "fork", ts, diff); err != nil {
		t.Fatal(err)
	}
	if _, err := f.branches.Fork(newName, sourceBranch, hash); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) commit(t *testing.T, branchName, hash string, ts int32, diff commitstore.Diff) {
	t.Helper()
	if err := f.commits.AppendCommit(hash, "", "commit", ts, diff); err != nil {
		t.Fatal(err)
	}
	if _, err := f.branches.AdvanceBranch(branchName, hash); err != nil {
		t.Fatal(err)
	}
}

// feat has one new commit, main has none; merging feat into main is a
// fast-forward.
func TestFastForward_NoTargetCommits(t *testing.T) {
	f := newFixture(t)
	f.root(t, "main", hashTok('A'), 1000, commitstore.Diff{})
	f.fork(t, "feat", "main", hashTok('B'), 1001, insertDiff("T", 1, 1, []byte{9, 9, 9, 9}))

	res, err := f.engine.Merge("feat", "main", PolicyAbort)
	if err != nil {
		t.Fatal(err)
	}
	if !res.FastForward {
		t.Fatalf("expected fast-forward merge, got %+v", res)
	}

	mainHead, err := f.branches.Heads.GetHead("main")
	if err != nil {
		t.Fatal(err)
	}
	featHead, err := f.branches.Heads.GetHead("feat")
	if err != nil {
		t.Fatal(err)
	}
	if mainHead != featHead {
		t.Fatalf("main.head = %+v, want feat.head %+v", mainHead, featHead)
	}
}

// Diverging updates to the same row: PolicyAbort reports the key,
// PolicyPreferSource emits a merge commit carrying the source's bytes.
func TestConflict_AbortAndPreferSource(t *testing.T) {
	newDiverged := func(t *testing.T) (*fixture, []byte, []byte) {
		f := newFixture(t)
		f.root(t, "main", hashTok('A'), 1000, insertDiff("T", 1, 1, []byte{1, 1, 1, 1}))
		f.fork(t, "feat", "main", hashTok('B'), 1001, updateDiff("T", 1, 1, []byte{2, 2, 2, 2}))
		rf := []byte{2, 2, 2, 2}
		rm := []byte{3, 3, 3, 3}
		f.commit(t, "main", hashTok('C'), 1002, updateDiff("T", 1, 1, rm))
		return f, rf, rm
	}

	t.Run("abort", func(t *testing.T) {
		f, _, _ := newDiverged(t)
		_, err := f.engine.Merge("feat", "main", PolicyAbort)
		var conflictErr *dberr.MergeConflictError
		if !errors.As(err, &conflictErr) {
			t.Fatalf("expected MergeConflictError, got %v", err)
		}
		if len(conflictErr.Keys) != 1 || conflictErr.Keys[0] != (dberr.RowKey{Table: "T", Page: 1, Row: 1}) {
			t.Fatalf("unexpected conflict keys: %+v", conflictErr.Keys)
		}
	})

	t.Run("prefer-source", func(t *testing.T) {
		f, rf, _ := newDiverged(t)
		res, err := f.engine.Merge("feat", "main", PolicyPreferSource)
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Conflicts) != 1 {
			t.Fatalf("expected 1 conflict reported, got %d", len(res.Conflicts))
		}
		rec, err := f.commits.ReadCommit(res.NewCommitHash)
		if err != nil {
			t.Fatal(err)
		}
		if len(rec.Diff.Blocks) != 1 || len(rec.Diff.Blocks[0].Entries) != 1 {
			t.Fatalf("unexpected merge diff shape: %+v", rec.Diff)
		}
		if string(rec.Diff.Blocks[0].Entries[0].RowBytes) != string(rf) {
			t.Fatalf("merge diff row bytes = %v, want source bytes %v", rec.Diff.Blocks[0].Entries[0].RowBytes, rf)
		}
		if rec.Message != "Merge feat into main" {
			t.Fatalf("merge commit message = %q", rec.Message)
		}

		mainHead, err := f.branches.Heads.GetHead("main")
		if err != nil {
			t.Fatal(err)
		}
		headNode, err := f.branches.Graph.ReadNode(mainHead)
		if err != nil {
			t.Fatal(err)
		}
		if headNode.Hash != res.NewCommitHash {
			t.Fatalf("main.head did not advance to new merge commit")
		}
	})
}

// Two independent updates to the same (table, page, row) with differing
// bytes always surface that key as a conflict.
func TestConflictDetection_IndependentUpdates(t *testing.T) {
	f := newFixture(t)
	f.root(t, "main", hashTok('A'), 1000, insertDiff("T", 2, 5, []byte{0, 0, 0, 0}))
	f.fork(t, "feat", "main", hashTok('B'), 1001, updateDiff("T", 2, 5, []byte{1, 1, 1, 1}))
	f.commit(t, "main", hashTok('C'), 1002, updateDiff("T", 2, 5, []byte{2, 2, 2, 2}))

	_, err := f.engine.Merge("feat", "main", PolicyAbort)
	var conflictErr *dberr.MergeConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected MergeConflictError, got %v", err)
	}
	want := dberr.RowKey{Table: "T", Page: 2, Row: 5}
	if len(conflictErr.Keys) != 1 || conflictErr.Keys[0] != want {
		t.Fatalf("conflict keys = %+v, want [%+v]", conflictErr.Keys, want)
	}
}

// Fast-forward leaves main's row-key-wise state equivalent to what
// squashing feat's chain produces.
func TestFastForward_SquashEquivalence(t *testing.T) {
	f := newFixture(t)
	f.root(t, "main", hashTok('A'), 1000, commitstore.Diff{})
	f.fork(t, "feat", "main", hashTok('B'), 1001, insertDiff("T", 1, 0, []byte{7, 7, 7, 7}))
	f.commit(t, "feat", hashTok('C'), 1002, updateDiff("T", 1, 0, []byte{8, 8, 8, 8}))

	if _, err := f.engine.Merge("feat", "main", PolicyAbort); err != nil {
		t.Fatal(err)
	}

	mainHead, err := f.branches.Heads.GetHead("main")
	if err != nil {
		t.Fatal(err)
	}
	hashes, err := f.engine.commitsSince(hashTok('A'), mainHead)
	if err != nil {
		t.Fatal(err)
	}
	diffs, err := f.engine.diffsFor(hashes)
	if err != nil {
		t.Fatal(err)
	}
	ops := Squash(diffs)
	key := dberr.RowKey{Table: "T", Page: 1, Row: 0}
	op, ok := ops[key]
	if !ok {
		t.Fatalf("expected key %+v present after fast-forward", key)
	}
	if op.Tag != commitstore.OpInsert || string(op.RowBytes) != string([]byte{8, 8, 8, 8}) {
		t.Fatalf("unexpected squashed op: %+v", op)
	}
}

// TestFastForward_ForkOffAdvancedMain forks feat from a main that already
// has history beyond its root commit. The common ancestor must be the fork
// base, not main's root, so merging the untouched main is a fast-forward.
func TestFastForward_ForkOffAdvancedMain(t *testing.T) {
	f := newFixture(t)
	f.root(t, "main", hashTok('R'), 1000, commitstore.Diff{})
	f.commit(t, "main", hashTok('A'), 1001, insertDiff("T", 1, 0, []byte{1, 1, 1, 1}))
	f.fork(t, "feat", "main", hashTok('B'), 1002, insertDiff("T", 1, 1, []byte{2, 2, 2, 2}))

	res, err := f.engine.Merge("feat", "main", PolicyAbort)
	if err != nil {
		t.Fatal(err)
	}
	if !res.FastForward {
		t.Fatalf("expected fast-forward merge, got %+v", res)
	}
}

// TestThreeWay_DoesNotReplayPreForkHistory diverges feat and main after a
// fork that sits past main's root. The merge commit must carry only feat's
// operations since the fork base — never the pre-fork commit's diff.
func TestThreeWay_DoesNotReplayPreForkHistory(t *testing.T) {
	f := newFixture(t)
	f.root(t, "main", hashTok('R'), 1000, commitstore.Diff{})
	f.commit(t, "main", hashTok('A'), 1001, insertDiff("T", 1, 0, []byte{1, 1, 1, 1}))
	f.fork(t, "feat", "main", hashTok('B'), 1002, insertDiff("T", 1, 1, []byte{2, 2, 2, 2}))
	f.commit(t, "main", hashTok('C'), 1003, insertDiff("T", 1, 2, []byte{3, 3, 3, 3}))

	res, err := f.engine.Merge("feat", "main", PolicyAbort)
	if err != nil {
		t.Fatal(err)
	}
	if res.FastForward {
		t.Fatal("expected a three-way merge")
	}
	rec, err := f.commits.ReadCommit(res.NewCommitHash)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Diff.Blocks) != 1 || len(rec.Diff.Blocks[0].Entries) != 1 {
		t.Fatalf("merge diff = %+v, want exactly feat's single insert", rec.Diff)
	}
	e := rec.Diff.Blocks[0].Entries[0]
	if e.PageNumber != 1 || e.RowNum != 1 {
		t.Fatalf("merge diff touches (%d,%d), want feat's row (1,1)", e.PageNumber, e.RowNum)
	}
}

func TestMerge_UnknownBranch(t *testing.T) {
	f := newFixture(t)
	f.root(t, "main", hashTok('A'), 1000, commitstore.Diff{})
	_, err := f.engine.Merge("nope", "main", PolicyAbort)
	if !errors.Is(err, dberr.ErrBranchUnknown) {
		t.Fatalf("expected ErrBranchUnknown, got %v", err)
	}
}
