package branch

import (
	"errors"
	"testing"

	"github.com/branchql/tableforge/internal/dberr"
)

func hash(c byte) string {
	b := make([]byte, 32)
	for i := range b {
		b[i] = c
	}
	return string(b)
}

func TestCreateRootBranch_And_Walk(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	rootPtr, err := s.CreateRootBranch("main", hash('a'))
	if err != nil {
		t.Fatal(err)
	}

	head, err := s.Heads.GetHead("main")
	if err != nil {
		t.Fatal(err)
	}
	if head != rootPtr {
		t.Fatalf("head = %+v, want %+v", head, rootPtr)
	}

	nodes, err := s.Graph.WalkAncestors(head)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 || nodes[0].Prev != SentinelPointer {
		t.Fatalf("unexpected ancestor chain: %+v", nodes)
	}
}

func TestFork_FirstCommitCarriesNewBranchName(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.CreateRootBranch("main", hash('a')); err != nil {
		t.Fatal(err)
	}
	forkPtr, err := s.Fork("feat", "main", hash('b'))
	if err != nil {
		t.Fatal(err)
	}
	node, err := s.Graph.ReadNode(forkPtr)
	if err != nil {
		t.Fatal(err)
	}
	if node.Name != "feat" {
		t.Fatalf("fork node name = %q, want %q", node.Name, "feat")
	}

	featHead, err := s.Heads.GetHead("feat")
	if err != nil {
		t.Fatal(err)
	}
	if featHead != forkPtr {
		t.Fatalf("feat head = %+v, want %+v", featHead, forkPtr)
	}
}

func TestAdvanceBranch(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.CreateRootBranch("main", hash('a')); err != nil {
		t.Fatal(err)
	}
	p2, err := s.AdvanceBranch("main", hash('b'))
	if err != nil {
		t.Fatal(err)
	}
	head, err := s.Heads.GetHead("main")
	if err != nil {
		t.Fatal(err)
	}
	if head != p2 {
		t.Fatalf("head = %+v, want %+v", head, p2)
	}
	nodes, err := s.Graph.WalkAncestors(head)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 {
		t.Fatalf("ancestor chain length = %d, want 2", len(nodes))
	}
}

func TestCreateBranch_RejectsDuplicateName(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.CreateRootBranch("main", hash('a')); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateRootBranch("main", hash('b')); !errors.Is(err, dberr.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestDeleteBranch_AndListBranches(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.CreateRootBranch("main", hash('a')); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Fork("feat", "main", hash('b')); err != nil {
		t.Fatal(err)
	}

	names, err := s.Heads.ListBranches()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 branches, got %v", names)
	}

	if err := s.Heads.DeleteBranch("feat"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Heads.GetHead("feat"); !errors.Is(err, dberr.ErrBranchUnknown) {
		t.Fatalf("expected ErrBranchUnknown after delete, got %v", err)
	}
}

func TestGetHead_UnknownBranch(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Heads.GetHead("nope"); !errors.Is(err, dberr.ErrBranchUnknown) {
		t.Fatalf("expected ErrBranchUnknown, got %v", err)
	}
}

// TestManyNodes_SpanMultiplePages exercises the 39-nodes-per-page packing
// by inserting enough nodes to force branches.gql to grow past one page.
func TestManyNodes_SpanMultiplePages(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ptr, err := s.CreateRootBranch("main", hash('a'))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		ptr, err = s.Graph.InsertNode(hash(byte('b'+i%20)), ptr, "main")
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Heads.SetHead("main", ptr); err != nil {
		t.Fatal(err)
	}
	nodes, err := s.Graph.WalkAncestors(ptr)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 101 {
		t.Fatalf("ancestor chain length = %d, want 101", len(nodes))
	}
}
