package merge

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/branchql/tableforge/internal/dberr"
	"github.com/branchql/tableforge/internal/vcs/branch"
	"github.com/branchql/tableforge/internal/vcs/commitstore"
)

// ConflictPolicy selects how a three-way merge resolves a row touched
// incompatibly by both branches.
type ConflictPolicy int

const (
	// PolicyAbort returns MergeConflict listing every conflicting key.
	PolicyAbort ConflictPolicy = iota
	// PolicyPreferSource keeps the source branch's operation on conflict.
	PolicyPreferSource
	// PolicyPreferTarget drops the operation, leaving the target's
	// existing value untouched.
	PolicyPreferTarget
)

// Clock returns the current time as seconds since the Unix epoch, matching
// the commit timestamp's on-disk width.
type Clock func() int32

// HashSource synthesizes a 32-character commit hash token.
type HashSource func() string

// DefaultClock reads the system clock.
func DefaultClock() int32 { return int32(time.Now().Unix()) }

// DefaultHashSource synthesizes a 32-char token from a random UUID v4,
// stripped of its separators.
func DefaultHashSource() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Result describes what a Merge call actually did.
type Result struct {
	FastForward   bool
	NewCommitHash string // empty for fast-forward
	Conflicts     []dberr.RowKey
}

// Engine ties the commit store and branch store together to implement
// common-ancestor discovery, squash, and merge.
type Engine struct {
	Commits  *commitstore.Store
	Branches *branch.Store
	Clock    Clock
	Hash     HashSource
}

// New constructs an Engine with the default clock and hash source.
func New(commits *commitstore.Store, branches *branch.Store) *Engine {
	return &Engine{Commits: commits, Branches: branches, Clock: DefaultClock, Hash: DefaultHashSource}
}

type marker struct {
	name string
	hash string
}

// branchMarkers walks head back to the sentinel and returns, in
// head-to-root order, every node where the walk enters a different branch
// name than the node visited just before it — the "branch-entry" markers.
// The head itself is always a marker, and the marker recorded for each
// older branch segment is its newest node on the chain, i.e. the fork base
// the walk crossed onto that branch at.
func (e *Engine) branchMarkers(head branch.NodePointer) ([]marker, error) {
	nodes, err := e.Branches.Graph.WalkAncestors(head)
	if err != nil {
		return nil, err
	}
	var markers []marker
	for i, n := range nodes {
		if i == 0 || n.Name != nodes[i-1].Name {
			markers = append(markers, marker{name: n.Name, hash: n.Hash})
		}
	}
	return markers, nil
}

func (e *Engine) commitTimestamp(hash string) (int32, error) {
	rec, err := e.Commits.ReadCommit(hash)
	if err != nil {
		return 0, err
	}
	return rec.Timestamp, nil
}

// findCommonAncestor implements the two-walk common-ancestor discovery
// described by the merge engine design: accumulate source's branch-entry
// markers, then walk target back until a node's branch name matches one
// of them, picking whichever of the two candidate hashes has the older
// timestamp.
func (e *Engine) findCommonAncestor(sourceBranch, targetBranch string) (string, error) {
	srcHead, err := e.Branches.Heads.GetHead(sourceBranch)
	if err != nil {
		return "", err
	}
	tgtHead, err := e.Branches.Heads.GetHead(targetBranch)
	if err != nil {
		return "", err
	}

	markers, err := e.branchMarkers(srcHead)
	if err != nil {
		return "", err
	}
	byName := make(map[string]string, len(markers))
	for _, m := range markers {
		if _, ok := byName[m.name]; !ok {
			byName[m.name] = m.hash
		}
	}

	cur := tgtHead
	for cur != branch.SentinelPointer {
		n, err := e.Branches.Graph.ReadNode(cur)
		if err != nil {
			return "", err
		}
		if srcHash, ok := byName[n.Name]; ok {
			tSrc, err := e.commitTimestamp(srcHash)
			if err != nil {
				return "", err
			}
			tTgt, err := e.commitTimestamp(n.Hash)
			if err != nil {
				return "", err
			}
			if tSrc <= tTgt {
				return srcHash, nil
			}
			return n.Hash, nil
		}
		cur = n.Prev
	}
	return "", fmt.Errorf("%w: branches %q and %q share no ancestor", dberr.ErrNoCommonAncestor, sourceBranch, targetBranch)
}

// commitsSince returns the commit hashes strictly after ancestorHash up to
// and including head, oldest-first.
func (e *Engine) commitsSince(ancestorHash string, head branch.NodePointer) ([]string, error) {
	nodes, err := e.Branches.Graph.WalkAncestors(head)
	if err != nil {
		return nil, err
	}
	var hashes []string
	for _, n := range nodes {
		if n.Hash == ancestorHash {
			break
		}
		hashes = append(hashes, n.Hash)
	}
	for i, j := 0, len(hashes)-1; i < j; i, j = i+1, j-1 {
		hashes[i], hashes[j] = hashes[j], hashes[i]
	}
	return hashes, nil
}

func (e *Engine) diffsFor(hashes []string) ([]commitstore.Diff, error) {
	diffs := make([]commitstore.Diff, 0, len(hashes))
	for _, h := range hashes {
		rec, err := e.Commits.ReadCommit(h)
		if err != nil {
			return nil, err
		}
		diffs = append(diffs, rec.Diff)
	}
	return diffs, nil
}

// Merge merges sourceBranch into targetBranch. A fast-forward merge only
// moves target's head. A three-way merge squashes both sides' history
// since their common ancestor, resolves or reports conflicts per policy,
// and appends one new commit to targetBranch.
func (e *Engine) Merge(sourceBranch, targetBranch string, policy ConflictPolicy) (*Result, error) {
	srcHead, err := e.Branches.Heads.GetHead(sourceBranch)
	if err != nil {
		return nil, err
	}
	tgtHead, err := e.Branches.Heads.GetHead(targetBranch)
	if err != nil {
		return nil, err
	}

	ancestorHash, err := e.findCommonAncestor(sourceBranch, targetBranch)
	if err != nil {
		return nil, err
	}

	tgtHeadNode, err := e.Branches.Graph.ReadNode(tgtHead)
	if err != nil {
		return nil, err
	}
	if tgtHeadNode.Hash == ancestorHash {
		if err := e.Branches.Heads.SetHead(targetBranch, srcHead); err != nil {
			return nil, err
		}
		return &Result{FastForward: true}, nil
	}

	srcHashes, err := e.commitsSince(ancestorHash, srcHead)
	if err != nil {
		return nil, err
	}
	tgtHashes, err := e.commitsSince(ancestorHash, tgtHead)
	if err != nil {
		return nil, err
	}
	srcDiffs, err := e.diffsFor(srcHashes)
	if err != nil {
		return nil, err
	}
	tgtDiffs, err := e.diffsFor(tgtHashes)
	if err != nil {
		return nil, err
	}

	srcOps := Squash(srcDiffs)
	tgtOps := Squash(tgtDiffs)

	merged := make(map[dberr.RowKey]RowOp, len(srcOps))
	for k, v := range srcOps {
		merged[k] = v
	}

	var conflicts []dberr.RowKey
	for k, tgtOp := range tgtOps {
		srcOp, ok := merged[k]
		if !ok {
			continue
		}
		agree := (srcOp.Tag == commitstore.OpRemove && tgtOp.Tag == commitstore.OpRemove) ||
			(srcOp.Tag == tgtOp.Tag && string(srcOp.RowBytes) == string(tgtOp.RowBytes))
		if !agree {
			conflicts = append(conflicts, k)
		}
	}

	if len(conflicts) > 0 {
		switch policy {
		case PolicyAbort:
			return nil, &dberr.MergeConflictError{Keys: conflicts}
		case PolicyPreferTarget:
			for _, k := range conflicts {
				delete(merged, k)
			}
		case PolicyPreferSource:
			// merged already holds the source's operation for each key.
		}
	}

	diff := BuildDiff(merged)
	hash := e.Hash()
	ts := e.Clock()
	msg := fmt.Sprintf("Merge %s into %s", sourceBranch, targetBranch)
	if err := e.Commits.AppendCommit(hash, "", msg, ts, diff); err != nil {
		return nil, err
	}
	if _, err := e.Branches.AdvanceBranch(targetBranch, hash); err != nil {
		return nil, err
	}

	return &Result{NewCommitHash: hash, Conflicts: conflicts}, nil
}
