// Package maintenance runs a periodic, read-only consistency sweep over a
// database's branch graph and open table files, driven by
// github.com/robfig/cron/v3. It never mutates anything it inspects; it
// only reports findings through a caller-supplied callback.
package maintenance

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/branchql/tableforge/internal/vcs/branch"
)

// FindingKind classifies one consistency violation.
type FindingKind int

const (
	// FindingBranchUnreadable marks a branch whose head, or some node on
	// its ancestor chain, could not be resolved.
	FindingBranchUnreadable FindingKind = iota
	// FindingTablePageCountInconsistent marks a table whose allocated
	// page count does not match what its logical num_pages implies under
	// the doubling-growth invariant.
	FindingTablePageCountInconsistent
)

// Finding describes one detected inconsistency. The scheduler never acts
// on a Finding itself — it only reports it and keeps sweeping.
type Finding struct {
	Kind   FindingKind
	Detail string
}

// TableStat is the minimal snapshot of one open table file a Source
// reports for the page-count check.
type TableStat struct {
	Name           string
	NumPages       uint32
	AllocatedPages uint32
}

// Source is the read-only view of a database a Scheduler sweeps. A
// *tableforge.Database satisfies it without this package importing the
// module root.
type Source interface {
	Branches() *branch.Store
	TableStats() ([]TableStat, error)
}

// Scheduler drives periodic sweeps of a Source on a cron schedule.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	source Source
	report func(Finding)
}

// NewScheduler builds a Scheduler that reports findings to report. report
// must be safe to call from the cron goroutine.
func NewScheduler(source Source, report func(Finding)) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		source: source,
		report: report,
	}
}

// Start parses spec (a 6-field cron expression, e.g. "0 */5 * * * *") and
// begins sweeping on that schedule.
func (s *Scheduler) Start(spec string) error {
	if _, err := s.cron.AddFunc(spec, s.sweepOnce); err != nil {
		return fmt.Errorf("maintenance: invalid cron schedule %q: %w", spec, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and waits for any in-flight sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// SweepNow runs one sweep synchronously, outside the cron schedule. Useful
// for tests and for an operator-triggered manual check.
func (s *Scheduler) SweepNow() {
	s.sweepOnce()
}

func (s *Scheduler) sweepOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.checkBranches() {
		s.report(f)
	}
	for _, f := range s.checkTables() {
		s.report(f)
	}
}

// checkBranches verifies every branch head resolves to a readable node and
// that every node on its ancestor chain resolves in turn (WalkAncestors
// itself fails on the first unresolvable prev pointer, so a successful
// walk already proves the whole chain back to the sentinel is sound).
func (s *Scheduler) checkBranches() []Finding {
	store := s.source.Branches()
	names, err := store.Heads.ListBranches()
	if err != nil {
		return []Finding{{Kind: FindingBranchUnreadable, Detail: fmt.Sprintf("list branches: %v", err)}}
	}

	var findings []Finding
	for _, name := range names {
		head, err := store.Heads.GetHead(name)
		if err != nil {
			findings = append(findings, Finding{Kind: FindingBranchUnreadable, Detail: fmt.Sprintf("branch %q: %v", name, err)})
			continue
		}
		if _, err := store.Graph.WalkAncestors(head); err != nil {
			findings = append(findings, Finding{Kind: FindingBranchUnreadable, Detail: fmt.Sprintf("branch %q ancestor chain: %v", name, err)})
		}
	}
	return findings
}

func (s *Scheduler) checkTables() []Finding {
	stats, err := s.source.TableStats()
	if err != nil {
		return []Finding{{Kind: FindingTablePageCountInconsistent, Detail: fmt.Sprintf("list table stats: %v", err)}}
	}

	var findings []Finding
	for _, stat := range stats {
		if want := nextPowerOfTwo(stat.NumPages); stat.AllocatedPages != want {
			findings = append(findings, Finding{
				Kind: FindingTablePageCountInconsistent,
				Detail: fmt.Sprintf("table %q: num_pages=%d implies %d allocated pages, file has %d",
					stat.Name, stat.NumPages, want, stat.AllocatedPages),
			})
		}
	}
	return findings
}

// nextPowerOfTwo mirrors the doubling-growth invariant in package pager:
// a file holding n logical pages is allocated to the smallest power of
// two >= n.
func nextPowerOfTwo(n uint32) uint32 {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len32(n-1)
}
