package maintenance

import (
	"testing"

	"github.com/branchql/tableforge/internal/vcs/branch"
)

type fakeSource struct {
	branches *branch.Store
	tables   []TableStat
}

func (f *fakeSource) Branches() *branch.Store        { return f.branches }
func (f *fakeSource) TableStats() ([]TableStat, error) { return f.tables, nil }

func newBranchStore(t *testing.T) *branch.Store {
	t.Helper()
	store, err := branch.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func collect(s *Scheduler) []Finding {
	var findings []Finding
	s.report = func(f Finding) { findings = append(findings, f) }
	s.SweepNow()
	return findings
}

func TestSweep_CleanDatabaseReportsNothing(t *testing.T) {
	store := newBranchStore(t)
	if _, err := store.CreateRootBranch("main", hash('A')); err != nil {
		t.Fatal(err)
	}
	src := &fakeSource{branches: store, tables: []TableStat{{Name: "t", NumPages: 3, AllocatedPages: 4}}}
	s := NewScheduler(src, nil)
	if findings := collect(s); len(findings) != 0 {
		t.Fatalf("expected no findings, got %+v", findings)
	}
}

func TestSweep_ReportsBrokenBranchHead(t *testing.T) {
	store := newBranchStore(t)
	if _, err := store.CreateRootBranch("main", hash('A')); err != nil {
		t.Fatal(err)
	}
	// Point main's head at a node slot that was never written.
	if err := store.Heads.SetHead("main", branch.NodePointer{Page: 1, Offset: 5000}); err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{branches: store}
	s := NewScheduler(src, nil)
	findings := collect(s)
	if len(findings) != 1 || findings[0].Kind != FindingBranchUnreadable {
		t.Fatalf("expected 1 FindingBranchUnreadable, got %+v", findings)
	}
}

func TestSweep_ReportsTablePageCountMismatch(t *testing.T) {
	store := newBranchStore(t)
	src := &fakeSource{tables: []TableStat{{Name: "t", NumPages: 3, AllocatedPages: 3}}, branches: store}
	s := NewScheduler(src, nil)
	findings := collect(s)
	if len(findings) != 1 || findings[0].Kind != FindingTablePageCountInconsistent {
		t.Fatalf("expected 1 FindingTablePageCountInconsistent, got %+v", findings)
	}
}

func hash(c byte) string {
	b := make([]byte, 32)
	for i := range b {
		b[i] = c
	}
	return string(b)
}
