// Package pipeline runs one research request end to end: three
// sequential provider calls (content, tags, title), deterministic
// progress checkpoints written to the shared record, and a derived cost
// from the content call's token usage. A run is detached from the HTTP
// caller; its only output channel is the record store.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/researchd/internal/provider"
	"github.com/kalambet/researchd/internal/storage"
)

const (
	defaultModel     = "gpt-4o-mini"
	defaultStepDelay = 200 * time.Millisecond

	// Pricing per 1K tokens for gpt-4o-mini.
	promptPricePer1K     = 0.00015
	completionPricePer1K = 0.0006
)

// Completer is the provider call the pipeline depends on.
type Completer interface {
	Complete(ctx context.Context, req provider.ChatRequest) (provider.ChatResponse, error)
}

// Runner executes research runs.
type Runner struct {
	reporter  *Reporter
	completer Completer
	model     string
	stepDelay time.Duration
	logger    *slog.Logger
}

// NewRunner creates a Runner. A negative stepDelay selects the default
// inter-checkpoint delay; zero disables the delay (tests).
func NewRunner(reporter *Reporter, completer Completer, stepDelay time.Duration) *Runner {
	if stepDelay < 0 {
		stepDelay = defaultStepDelay
	}
	return &Runner{
		reporter:  reporter,
		completer: completer,
		model:     defaultModel,
		stepDelay: stepDelay,
		logger:    slog.Default(),
	}
}

// Run drives one research record from running to a terminal state.
// Any error during the run is caught once: a single best-effort write
// marks the record failed with the error message in currentStage. If
// that write itself fails it is only logged, leaving the record
// running until the reconciliation sweep picks it up.
func (r *Runner) Run(ctx context.Context, researchID, query string) error {
	err := r.run(ctx, researchID, query)
	if err == nil {
		return nil
	}

	r.logger.Error("research run failed", "research_id", researchID, "error", err)
	patch := storage.ResearchPatch{
		Status:       strPtr(storage.StatusFailed),
		Progress:     intPtr(0),
		CurrentStage: strPtr("Error: " + err.Error()),
	}
	if werr := r.reporter.Advance(researchID, patch); werr != nil {
		r.logger.Error("failed to record research failure", "research_id", researchID, "error", werr)
	}
	return err
}

func (r *Runner) run(ctx context.Context, researchID, query string) error {
	stages := storage.InitialStages()

	startStage(stages, 0)
	if err := r.emit(ctx, researchID, stages, 5, 20, "Analyzing your query..."); err != nil {
		return err
	}

	stages[0].Status = storage.StageCompleted
	startStage(stages, 1)
	if err := r.emit(ctx, researchID, stages, 25, 40, "Generating research content..."); err != nil {
		return err
	}

	contentResp, err := r.completer.Complete(ctx, provider.ChatRequest{
		Model:       r.model,
		Temperature: 0.7,
		MaxTokens:   2000,
		Messages: []provider.Message{
			{Role: "system", Content: researchSystemPrompt},
			{Role: "user", Content: query},
		},
	})
	if err != nil {
		return err
	}
	content := contentResp.Text()
	usage := contentResp.Usage

	tagsResp, err := r.completer.Complete(ctx, provider.ChatRequest{
		Model:       r.model,
		Temperature: 0.3,
		MaxTokens:   30,
		Messages: []provider.Message{
			{Role: "system", Content: tagsSystemPrompt},
			{Role: "user", Content: query},
		},
	})
	if err != nil {
		return err
	}

	titleResp, err := r.completer.Complete(ctx, provider.ChatRequest{
		Model:       r.model,
		Temperature: 0.5,
		MaxTokens:   20,
		Messages: []provider.Message{
			{Role: "system", Content: titleSystemPrompt},
			{Role: "user", Content: query},
		},
	})
	if err != nil {
		return err
	}
	title := cleanTitle(titleResp.Text(), query)

	// Cost derives from the content call only; the tag and title calls
	// are not billed to the record.
	cost := &storage.Cost{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		PromptCost:       float64(usage.PromptTokens) / 1000 * promptPricePer1K,
		CompletionCost:   float64(usage.CompletionTokens) / 1000 * completionPricePer1K,
	}
	cost.TotalCost = cost.PromptCost + cost.CompletionCost

	tags := parseTags(tagsResp.Text())

	stages[1].Status = storage.StageCompleted
	startStage(stages, 2)
	if err := r.emit(ctx, researchID, stages, 45, 80, "Finalizing results..."); err != nil {
		return err
	}

	resultPatch := storage.ResearchPatch{
		Stages:       stages,
		Progress:     intPtr(85),
		CurrentStage: strPtr("Finalizing results..."),
		Content:      strPtr(content),
		Title:        strPtr(title),
		Cost:         cost,
	}
	// Too-short queries produce generic tags; persist no tags field at
	// all so consumers render "N/A" instead of an empty list. Length is
	// in characters, not bytes.
	if len(tags) > 0 && utf8.RuneCountInString(strings.TrimSpace(query)) >= 3 {
		resultPatch.Tags = tags
	}
	if err := r.reporter.Advance(researchID, resultPatch); err != nil {
		return err
	}
	if err := r.pause(ctx); err != nil {
		return err
	}

	for p := 90; p <= 100; p += 5 {
		label := "Finalizing results..."
		if p == 100 {
			label = "Research completed"
		}
		if err := r.reporter.Advance(researchID, storage.ResearchPatch{
			Stages:       stages,
			Progress:     intPtr(p),
			CurrentStage: strPtr(label),
		}); err != nil {
			return err
		}
		if err := r.pause(ctx); err != nil {
			return err
		}
	}

	stages[2].Status = storage.StageCompleted
	stages[2].Timestamp = timestamp()
	return r.reporter.Advance(researchID, storage.ResearchPatch{
		Stages:       stages,
		Status:       strPtr(storage.StatusCompleted),
		Progress:     intPtr(100),
		CurrentStage: strPtr("Research completed"),
	})
}

// emit writes checkpoints from..to (step 5) with the given label,
// pausing between writes.
func (r *Runner) emit(ctx context.Context, researchID string, stages []storage.Stage, from, to int, label string) error {
	for p := from; p <= to; p += 5 {
		if err := r.reporter.Advance(researchID, storage.ResearchPatch{
			Stages:       stages,
			Progress:     intPtr(p),
			CurrentStage: strPtr(label),
		}); err != nil {
			return err
		}
		if err := r.pause(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) pause(ctx context.Context) error {
	if r.stepDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.stepDelay):
		return nil
	}
}

func startStage(stages []storage.Stage, i int) {
	stages[i].Status = storage.StageInProgress
	stages[i].Timestamp = timestamp()
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
