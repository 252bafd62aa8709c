package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/researchd/internal/storage"
)

const staleRunMessage = "Error: research run stalled"

// SweepStore lists records stuck in the running state.
type SweepStore interface {
	ListStaleRunning(cutoff time.Time) ([]string, error)
}

// Advancer applies a patch to a record and notifies subscribers.
type Advancer interface {
	Advance(id string, patch storage.ResearchPatch) error
}

// Sweeper reconciles records left running by a crashed or stalled run,
// the one terminal-state gap of the best-effort failure write. Records
// with no write for longer than threshold are force-failed.
type Sweeper struct {
	store     SweepStore
	reporter  Advancer
	threshold time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

// NewSweeper creates a Sweeper. Non-positive threshold defaults to 10
// minutes; non-positive interval defaults to 1 minute.
func NewSweeper(store SweepStore, reporter Advancer, threshold, interval time.Duration) *Sweeper {
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:     store,
		reporter:  reporter,
		threshold: threshold,
		interval:  interval,
		logger:    slog.Default(),
	}
}

// Run sweeps periodically until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.RunOnce(time.Now()); err != nil {
				s.logger.Error("reconciliation sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("reconciled stale research runs", "count", n)
			}
		}
	}
}

// RunOnce fails every record stuck running past the threshold.
// Returns how many records were transitioned.
func (s *Sweeper) RunOnce(now time.Time) (int, error) {
	ids, err := s.store.ListStaleRunning(now.Add(-s.threshold))
	if err != nil {
		return 0, fmt.Errorf("listing stale runs: %w", err)
	}

	failed := 0
	status := storage.StatusFailed
	progress := 0
	stage := staleRunMessage
	for _, id := range ids {
		err := s.reporter.Advance(id, storage.ResearchPatch{
			Status:       &status,
			Progress:     &progress,
			CurrentStage: &stage,
		})
		if err != nil {
			s.logger.Error("failed to reconcile stale run", "research_id", id, "error", err)
			continue
		}
		failed++
	}
	return failed, nil
}
