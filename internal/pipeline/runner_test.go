package pipeline

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/kalambet/researchd/internal/provider"
	"github.com/kalambet/researchd/internal/storage"
)

// fakeCompleter answers the three pipeline calls in order and records
// each request it received.
type fakeCompleter struct {
	replies []provider.ChatResponse
	errs    []error
	reqs    []provider.ChatRequest
}

func (f *fakeCompleter) Complete(_ context.Context, req provider.ChatRequest) (provider.ChatResponse, error) {
	i := len(f.reqs)
	f.reqs = append(f.reqs, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return provider.ChatResponse{}, f.errs[i]
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return provider.ChatResponse{}, errors.New("unexpected extra call")
}

func reply(text string, promptTokens, completionTokens int) provider.ChatResponse {
	return provider.ChatResponse{
		Choices: []provider.Choice{{Message: provider.Message{Role: "assistant", Content: text}}},
		Usage: provider.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}

func newRunnerStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedRunning(t *testing.T, s *storage.Store, id, query string) {
	t.Helper()
	err := s.CreateResearch(storage.Research{
		ID: id, Query: query, UserID: "u1", Username: "ada",
		Status: storage.StatusRunning, Stages: storage.InitialStages(),
	})
	if err != nil {
		t.Fatalf("CreateResearch: %v", err)
	}
}

func TestRunSuccess(t *testing.T) {
	store := newRunnerStore(t)
	seedRunning(t, store, "r1", "history of container shipping")

	fc := &fakeCompleter{replies: []provider.ChatResponse{
		reply("## Overview\nContainers changed trade.", 1000, 2000),
		reply("logistics, maritime trade, containers", 50, 10),
		reply(`"The Box That Shrank the World"`, 40, 8),
	}}
	runner := NewRunner(NewReporter(store, nil), fc, 0)

	if err := runner.Run(context.Background(), "r1", "history of container shipping"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := store.GetResearch("r1")
	if err != nil {
		t.Fatalf("GetResearch: %v", err)
	}
	if got.Status != storage.StatusCompleted || got.Progress != 100 {
		t.Errorf("Status/Progress = %q/%d", got.Status, got.Progress)
	}
	if got.CurrentStage != "Research completed" {
		t.Errorf("CurrentStage = %q", got.CurrentStage)
	}
	if got.Title != "The Box That Shrank the World" {
		t.Errorf("Title = %q", got.Title)
	}
	if got.Content != "## Overview\nContainers changed trade." {
		t.Errorf("Content = %q", got.Content)
	}
	if len(got.Tags) != 3 || got.Tags[0] != "logistics" {
		t.Errorf("Tags = %v", got.Tags)
	}
	for i, st := range got.Stages {
		if st.Status != storage.StageCompleted {
			t.Errorf("Stages[%d].Status = %q", i, st.Status)
		}
		if st.Timestamp == "" {
			t.Errorf("Stages[%d] missing timestamp", i)
		}
	}

	if got.Cost == nil {
		t.Fatal("Cost not persisted")
	}
	// Cost comes from the content call alone at per-1K pricing.
	if got.Cost.PromptTokens != 1000 || got.Cost.CompletionTokens != 2000 {
		t.Errorf("token counts = %d/%d", got.Cost.PromptTokens, got.Cost.CompletionTokens)
	}
	if math.Abs(got.Cost.PromptCost-0.00015) > 1e-12 {
		t.Errorf("PromptCost = %v", got.Cost.PromptCost)
	}
	if math.Abs(got.Cost.CompletionCost-0.0012) > 1e-12 {
		t.Errorf("CompletionCost = %v", got.Cost.CompletionCost)
	}
	if math.Abs(got.Cost.TotalCost-0.00135) > 1e-12 {
		t.Errorf("TotalCost = %v", got.Cost.TotalCost)
	}
}

func TestRunProviderCallShapes(t *testing.T) {
	store := newRunnerStore(t)
	seedRunning(t, store, "r1", "q about something")

	fc := &fakeCompleter{replies: []provider.ChatResponse{
		reply("content", 10, 10),
		reply("tags", 5, 5),
		reply("title", 5, 5),
	}}
	runner := NewRunner(NewReporter(store, nil), fc, 0)
	if err := runner.Run(context.Background(), "r1", "q about something"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(fc.reqs) != 3 {
		t.Fatalf("provider calls = %d, want 3", len(fc.reqs))
	}
	wantTemps := []float64{0.7, 0.3, 0.5}
	wantMax := []int{2000, 30, 20}
	for i, req := range fc.reqs {
		if req.Temperature != wantTemps[i] {
			t.Errorf("call %d temperature = %v, want %v", i, req.Temperature, wantTemps[i])
		}
		if req.MaxTokens != wantMax[i] {
			t.Errorf("call %d max_tokens = %d, want %d", i, req.MaxTokens, wantMax[i])
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("call %d model = %q", i, req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[1].Content != "q about something" {
			t.Errorf("call %d messages = %+v", i, req.Messages)
		}
	}
}

func TestRunShortQueryPersistsNoTags(t *testing.T) {
	// Query length is counted in characters, so a 2-character multibyte
	// query is just as short as a 2-byte ASCII one.
	queries := []string{"ok", "日本", " ab "}
	for _, query := range queries {
		t.Run(query, func(t *testing.T) {
			store := newRunnerStore(t)
			seedRunning(t, store, "r1", query)

			fc := &fakeCompleter{replies: []provider.ChatResponse{
				reply("content", 10, 10),
				reply("geography, travel", 5, 5),
				reply("Title", 5, 5),
			}}
			runner := NewRunner(NewReporter(store, nil), fc, 0)
			if err := runner.Run(context.Background(), "r1", query); err != nil {
				t.Fatalf("Run: %v", err)
			}

			got, _ := store.GetResearch("r1")
			if got.Tags != nil {
				t.Errorf("Tags = %v, want none for a 2-character query", got.Tags)
			}
			if got.Status != storage.StatusCompleted {
				t.Errorf("Status = %q", got.Status)
			}
		})
	}
}

func TestRunThreeCharacterQueryKeepsTags(t *testing.T) {
	store := newRunnerStore(t)
	seedRunning(t, store, "r1", "東京都")

	fc := &fakeCompleter{replies: []provider.ChatResponse{
		reply("content", 10, 10),
		reply("geography, travel", 5, 5),
		reply("Title", 5, 5),
	}}
	runner := NewRunner(NewReporter(store, nil), fc, 0)
	if err := runner.Run(context.Background(), "r1", "東京都"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := store.GetResearch("r1")
	if len(got.Tags) != 2 {
		t.Errorf("Tags = %v, want the parsed tags for a 3-character query", got.Tags)
	}
}

func TestRunGenericTagsPersistsNoTags(t *testing.T) {
	store := newRunnerStore(t)
	seedRunning(t, store, "r1", "a perfectly normal query")

	fc := &fakeCompleter{replies: []provider.ChatResponse{
		reply("content", 10, 10),
		reply("technology, ai, research", 5, 5),
		reply("Title", 5, 5),
	}}
	runner := NewRunner(NewReporter(store, nil), fc, 0)
	if err := runner.Run(context.Background(), "r1", "a perfectly normal query"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := store.GetResearch("r1")
	if got.Tags != nil {
		t.Errorf("Tags = %v, want none when only generic tags came back", got.Tags)
	}
}

func TestRunProviderFailure(t *testing.T) {
	store := newRunnerStore(t)
	seedRunning(t, store, "r1", "doomed query")

	fc := &fakeCompleter{errs: []error{errors.New("provider unavailable")}}
	runner := NewRunner(NewReporter(store, nil), fc, 0)

	if err := runner.Run(context.Background(), "r1", "doomed query"); err == nil {
		t.Fatal("expected error")
	}

	got, err := store.GetResearch("r1")
	if err != nil {
		t.Fatalf("GetResearch: %v", err)
	}
	if got.Status != storage.StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.Progress != 0 {
		t.Errorf("Progress = %d, want 0", got.Progress)
	}
	if !strings.HasPrefix(got.CurrentStage, "Error: ") {
		t.Errorf("CurrentStage = %q, want Error: prefix", got.CurrentStage)
	}
	// The in-flight stage keeps its in-progress status; only the record
	// status flips to failed.
	if got.Stages[1].Status != storage.StageInProgress {
		t.Errorf("Stages[1].Status = %q", got.Stages[1].Status)
	}
}

// patchRecorder captures the sequence of progress writes.
type patchRecorder struct {
	progress []int
}

func (p *patchRecorder) UpdateResearch(_ string, patch storage.ResearchPatch) error {
	if patch.Progress != nil {
		p.progress = append(p.progress, *patch.Progress)
	}
	return nil
}

func (p *patchRecorder) GetResearch(_ string) (storage.Research, error) {
	return storage.Research{}, nil
}

func TestRunProgressMonotonic(t *testing.T) {
	rec := &patchRecorder{}
	fc := &fakeCompleter{replies: []provider.ChatResponse{
		reply("content", 10, 10),
		reply("one, two", 5, 5),
		reply("Title", 5, 5),
	}}
	runner := NewRunner(NewReporter(rec, nil), fc, 0)

	if err := runner.Run(context.Background(), "r1", "some query"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(rec.progress) == 0 {
		t.Fatal("no progress writes recorded")
	}
	for i := 1; i < len(rec.progress); i++ {
		if rec.progress[i] < rec.progress[i-1] {
			t.Fatalf("progress regressed: %v", rec.progress)
		}
	}
	if rec.progress[0] != 5 {
		t.Errorf("first checkpoint = %d, want 5", rec.progress[0])
	}
	if last := rec.progress[len(rec.progress)-1]; last != 100 {
		t.Errorf("last checkpoint = %d, want 100", last)
	}
}

func TestRunCanceledContext(t *testing.T) {
	store := newRunnerStore(t)
	seedRunning(t, store, "r1", "query")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fc := &fakeCompleter{replies: []provider.ChatResponse{
		reply("content", 10, 10),
		reply("tags", 5, 5),
		reply("title", 5, 5),
	}}
	// Non-zero delay so the pause path observes cancellation.
	runner := NewRunner(NewReporter(store, nil), fc, -1)

	err := runner.Run(ctx, "r1", "query")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	got, _ := store.GetResearch("r1")
	if got.Status != storage.StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
}
