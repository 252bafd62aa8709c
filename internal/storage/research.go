package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const researchColumns = `id, query, user_id, username, title, content, tags, status, progress,
	current_stage, stages, prompt_tokens, completion_tokens, total_tokens,
	prompt_cost, completion_cost, total_cost, stars, created_at, updated_at`

// CreateResearch inserts a new record. CreatedAt/UpdatedAt default to now
// when zero.
func (s *Store) CreateResearch(r Research) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	stagesJSON, err := json.Marshal(r.Stages)
	if err != nil {
		return fmt.Errorf("marshaling stages: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO research_requests (id, query, user_id, username, status, progress, current_stage, stages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Query, r.UserID, r.Username, r.Status, r.Progress, r.CurrentStage,
		string(stagesJSON), r.CreatedAt.UTC().Format(time.RFC3339), r.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetResearch loads one record with its star membership.
func (s *Store) GetResearch(id string) (Research, error) {
	row := s.db.QueryRow(`SELECT `+researchColumns+` FROM research_requests WHERE id = ?`, id)
	r, err := scanResearch(row)
	if err == sql.ErrNoRows {
		return Research{}, ErrNotFound
	}
	if err != nil {
		return Research{}, err
	}

	rows, err := s.db.Query(`SELECT user_id FROM research_stars WHERE research_id = ? ORDER BY created_at ASC`, id)
	if err != nil {
		return Research{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return Research{}, err
		}
		r.StarredBy = append(r.StarredBy, uid)
	}
	return r, rows.Err()
}

// ListRecent returns up to limit records, newest first, each with its
// star membership attached.
func (s *Store) ListRecent(limit int) ([]Research, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+researchColumns+` FROM research_requests ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Research
	index := make(map[string]int)
	for rows.Next() {
		r, err := scanResearch(rows)
		if err != nil {
			return nil, err
		}
		index[r.ID] = len(results)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat(",?", len(results)-1)
	args := make([]interface{}, len(results))
	for i, r := range results {
		args[i] = r.ID
	}
	starRows, err := s.db.Query(`SELECT research_id, user_id FROM research_stars WHERE research_id IN (?`+placeholders+`) ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer starRows.Close()
	for starRows.Next() {
		var rid, uid string
		if err := starRows.Scan(&rid, &uid); err != nil {
			return nil, err
		}
		if i, ok := index[rid]; ok {
			results[i].StarredBy = append(results[i].StarredBy, uid)
		}
	}
	return results, starRows.Err()
}

// UpdateResearch applies a partial update and bumps updated_at.
// This is the progress-reporter write path: each call is one
// independent UPDATE, issued sequentially by a single pipeline run.
// Patches carrying a status only apply while the record is still
// running; a patch against a terminal record is silently dropped.
func (s *Store) UpdateResearch(id string, patch ResearchPatch) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UTC().Format(time.RFC3339)}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *patch.Progress)
	}
	if patch.CurrentStage != nil {
		sets = append(sets, "current_stage = ?")
		args = append(args, *patch.CurrentStage)
	}
	if patch.Stages != nil {
		stagesJSON, err := json.Marshal(patch.Stages)
		if err != nil {
			return fmt.Errorf("marshaling stages: %w", err)
		}
		sets = append(sets, "stages = ?")
		args = append(args, string(stagesJSON))
	}
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}
	if patch.Tags != nil {
		tagsJSON, err := json.Marshal(patch.Tags)
		if err != nil {
			return fmt.Errorf("marshaling tags: %w", err)
		}
		sets = append(sets, "tags = ?")
		args = append(args, string(tagsJSON))
	}
	if patch.Cost != nil {
		sets = append(sets,
			"prompt_tokens = ?", "completion_tokens = ?", "total_tokens = ?",
			"prompt_cost = ?", "completion_cost = ?", "total_cost = ?")
		args = append(args,
			patch.Cost.PromptTokens, patch.Cost.CompletionTokens, patch.Cost.TotalTokens,
			patch.Cost.PromptCost, patch.Cost.CompletionCost, patch.Cost.TotalCost)
	}

	args = append(args, id)
	query := `UPDATE research_requests SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	if patch.Status != nil {
		// Status moves forward only: running -> completed | failed.
		// A record already terminal keeps its state, so a late pipeline
		// write cannot flip a swept record and vice versa.
		query += ` AND status = ?`
		args = append(args, StatusRunning)
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM research_requests WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		// Terminal record; the status write is dropped.
	}
	return nil
}

// ToggleStar flips userID's membership in the record's star set and moves
// the counter in lockstep. The membership insert/delete and the counter
// bump happen in one transaction, and the counter only moves when the
// membership statement actually changed a row, so stars == |starredBy|
// holds under concurrent callers. Returns the new starred state.
func (s *Store) ToggleStar(researchID, userID string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning star transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM research_requests WHERE id = ?`, researchID).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, ErrNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339)

	res, err := tx.Exec(`DELETE FROM research_stars WHERE research_id = ? AND user_id = ?`, researchID, userID)
	if err != nil {
		return false, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	starred := false
	if removed == 1 {
		if _, err := tx.Exec(`UPDATE research_requests SET stars = stars - 1, updated_at = ? WHERE id = ?`, now, researchID); err != nil {
			return false, err
		}
	} else {
		res, err := tx.Exec(`INSERT OR IGNORE INTO research_stars (research_id, user_id, created_at) VALUES (?, ?, ?)`, researchID, userID, now)
		if err != nil {
			return false, err
		}
		added, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		if added == 1 {
			if _, err := tx.Exec(`UPDATE research_requests SET stars = stars + 1, updated_at = ? WHERE id = ?`, now, researchID); err != nil {
				return false, err
			}
		}
		starred = true
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing star toggle: %w", err)
	}
	return starred, nil
}

// CountResearchBetween counts records created by userID in [from, to).
// Backed by the (user_id, created_at) index; RFC3339 UTC strings order
// lexicographically, so the range compare is a string compare.
func (s *Store) CountResearchBetween(userID string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM research_requests
		WHERE user_id = ? AND created_at >= ? AND created_at < ?`,
		userID, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339),
	).Scan(&n)
	return n, err
}

// ListStaleRunning returns IDs of records still running whose last write
// is older than cutoff. Used by the reconciliation sweep.
func (s *Store) ListStaleRunning(cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT id FROM research_requests
		WHERE status = ? AND updated_at < ?`,
		StatusRunning, cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanResearch(row rowScanner) (Research, error) {
	var r Research
	var title, content, tags sql.NullString
	var promptTokens, completionTokens, totalTokens sql.NullInt64
	var promptCost, completionCost, totalCost sql.NullFloat64
	var stagesJSON, createdAt, updatedAt string

	err := row.Scan(
		&r.ID, &r.Query, &r.UserID, &r.Username, &title, &content, &tags,
		&r.Status, &r.Progress, &r.CurrentStage, &stagesJSON,
		&promptTokens, &completionTokens, &totalTokens,
		&promptCost, &completionCost, &totalCost,
		&r.Stars, &createdAt, &updatedAt,
	)
	if err != nil {
		return Research{}, err
	}

	r.Title = title.String
	r.Content = content.String
	if tags.Valid {
		if err := json.Unmarshal([]byte(tags.String), &r.Tags); err != nil {
			return Research{}, fmt.Errorf("parsing tags for %s: %w", r.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(stagesJSON), &r.Stages); err != nil {
		return Research{}, fmt.Errorf("parsing stages for %s: %w", r.ID, err)
	}
	if totalCost.Valid {
		r.Cost = &Cost{
			PromptTokens:     int(promptTokens.Int64),
			CompletionTokens: int(completionTokens.Int64),
			TotalTokens:      int(totalTokens.Int64),
			PromptCost:       promptCost.Float64,
			CompletionCost:   completionCost.Float64,
			TotalCost:        totalCost.Float64,
		}
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Research{}, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Research{}, fmt.Errorf("parsing updated_at for %s: %w", r.ID, err)
	}
	return r, nil
}
