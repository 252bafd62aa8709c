package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/researchd/internal/storage"
)

type fakeJobStore struct {
	job       *storage.Job
	claimErr  error
	completed []string
	failed    map[string]string
}

func newFakeJobStore(job *storage.Job) *fakeJobStore {
	return &fakeJobStore{job: job, failed: make(map[string]string)}
}

func (f *fakeJobStore) ClaimNextJob(types []string) (*storage.Job, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	j := f.job
	f.job = nil
	return j, nil
}

func (f *fakeJobStore) CompleteJob(id string) error {
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeJobStore) FailJob(id, errMsg string) error {
	f.failed[id] = errMsg
	return nil
}

type fakeRunner struct {
	err  error
	runs []ResearchPayload
}

func (f *fakeRunner) Run(_ context.Context, researchID, query string) error {
	f.runs = append(f.runs, ResearchPayload{ResearchID: researchID, Query: query})
	return f.err
}

func TestRunOnceProcessesJob(t *testing.T) {
	store := newFakeJobStore(&storage.Job{
		ID:          "j1",
		Type:        JobTypeResearch,
		PayloadJSON: `{"research_id":"r1","query":"deep sea vents"}`,
	})
	runner := &fakeRunner{}
	w := NewWorker(store, runner, 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("expected a processed job")
	}
	if len(runner.runs) != 1 || runner.runs[0].ResearchID != "r1" || runner.runs[0].Query != "deep sea vents" {
		t.Errorf("runs = %+v", runner.runs)
	}
	if len(store.completed) != 1 || store.completed[0] != "j1" {
		t.Errorf("completed = %v", store.completed)
	}
	if len(store.failed) != 0 {
		t.Errorf("failed = %v", store.failed)
	}
}

func TestRunOnceEmptyQueue(t *testing.T) {
	w := NewWorker(newFakeJobStore(nil), &fakeRunner{}, 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done {
		t.Fatal("nothing to process, done should be false")
	}
}

func TestRunOnceRunnerFailureFailsJob(t *testing.T) {
	store := newFakeJobStore(&storage.Job{
		ID:          "j1",
		Type:        JobTypeResearch,
		PayloadJSON: `{"research_id":"r1","query":"q"}`,
	})
	runner := &fakeRunner{err: errors.New("pipeline blew up")}
	w := NewWorker(store, runner, 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("job was claimed, done should be true")
	}
	if store.failed["j1"] != "pipeline blew up" {
		t.Errorf("failed = %v", store.failed)
	}
	if len(store.completed) != 0 {
		t.Errorf("completed = %v", store.completed)
	}
}

func TestRunOnceMalformedPayload(t *testing.T) {
	store := newFakeJobStore(&storage.Job{ID: "j1", Type: JobTypeResearch, PayloadJSON: `{`})
	runner := &fakeRunner{}
	w := NewWorker(store, runner, 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("malformed job still counts as processed")
	}
	if len(runner.runs) != 0 {
		t.Errorf("runner should not run on a bad payload, got %+v", runner.runs)
	}
	if _, ok := store.failed["j1"]; !ok {
		t.Error("bad payload should fail the job")
	}
}

func TestRunOnceMissingResearchID(t *testing.T) {
	store := newFakeJobStore(&storage.Job{ID: "j1", Type: JobTypeResearch, PayloadJSON: `{"query":"q"}`})
	w := NewWorker(store, &fakeRunner{}, 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if _, ok := store.failed["j1"]; !ok {
		t.Error("payload without research_id should fail the job")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWorker(newFakeJobStore(nil), &fakeRunner{}, time.Millisecond)

	finished := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
