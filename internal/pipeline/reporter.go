package pipeline

import (
	"github.com/kalambet/researchd/internal/notify"
	"github.com/kalambet/researchd/internal/storage"
)

// RecordStore is the subset of storage the reporter needs.
type RecordStore interface {
	UpdateResearch(id string, patch storage.ResearchPatch) error
	GetResearch(id string) (storage.Research, error)
}

// Reporter applies partial updates to a research record and pushes the
// resulting snapshot to live subscribers. Calls within one pipeline run
// are strictly sequential, so subscribers observe ordered writes.
type Reporter struct {
	store RecordStore
	hub   *notify.Hub
}

// NewReporter creates a Reporter. hub may be nil, in which case writes
// are persisted without notification (used by some tests).
func NewReporter(store RecordStore, hub *notify.Hub) *Reporter {
	return &Reporter{store: store, hub: hub}
}

// Advance applies patch plus a fresh updated-at timestamp, then
// publishes the new snapshot. No batching, no rollback.
func (r *Reporter) Advance(id string, patch storage.ResearchPatch) error {
	if err := r.store.UpdateResearch(id, patch); err != nil {
		return err
	}
	if r.hub != nil {
		if rec, err := r.store.GetResearch(id); err == nil {
			r.hub.Publish(rec)
		}
	}
	return nil
}
