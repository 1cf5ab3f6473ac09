package branch

import (
	"path/filepath"
)

// Store bundles the branch-node graph and the branch-head index that
// together implement the version-control branch model.
type Store struct {
	Graph *Graph
	Heads *HeadTable
}

// Open opens (creating if necessary) branches.gql and branch_heads.gql
// under dbDir.
func Open(dbDir string) (*Store, error) {
	g, err := openGraph(filepath.Join(dbDir, "branches.gql"))
	if err != nil {
		return nil, err
	}
	h, err := openHeadTable(filepath.Join(dbDir, "branch_heads.gql"))
	if err != nil {
		g.Close()
		return nil, err
	}
	return &Store{Graph: g, Heads: h}, nil
}

func (s *Store) Close() error {
	err1 := s.Graph.Close()
	err2 := s.Heads.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// CreateRootBranch inserts the graph's unique root node (sentinel prev)
// and registers its head.
func (s *Store) CreateRootBranch(name, hash string) (NodePointer, error) {
	ptr, err := s.Graph.InsertNode(hash, SentinelPointer, name)
	if err != nil {
		return NodePointer{}, err
	}
	if err := s.Heads.CreateBranch(name, ptr); err != nil {
		return NodePointer{}, err
	}
	return ptr, nil
}

// Fork creates a new branch whose first commit (hash) points back at
// sourceBranch's current head, satisfying the invariant that the first
// commit following a fork carries the new branch's name.
func (s *Store) Fork(newName, sourceBranch, hash string) (NodePointer, error) {
	srcHead, err := s.Heads.GetHead(sourceBranch)
	if err != nil {
		return NodePointer{}, err
	}
	ptr, err := s.Graph.InsertNode(hash, srcHead, newName)
	if err != nil {
		return NodePointer{}, err
	}
	if err := s.Heads.CreateBranch(newName, ptr); err != nil {
		return NodePointer{}, err
	}
	return ptr, nil
}

// AdvanceBranch appends a new commit node onto name's current head and
// moves the head to point at it.
func (s *Store) AdvanceBranch(name, hash string) (NodePointer, error) {
	cur, err := s.Heads.GetHead(name)
	if err != nil {
		return NodePointer{}, err
	}
	ptr, err := s.Graph.InsertNode(hash, cur, name)
	if err != nil {
		return NodePointer{}, err
	}
	if err := s.Heads.SetHead(name, ptr); err != nil {
		return NodePointer{}, err
	}
	return ptr, nil
}
