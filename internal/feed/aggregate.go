// Package feed derives the public-feed views from the synced window of
// recent research records: completed results, an "API credits" running
// total, per-viewer daily counts, cost and task-count time series, tag
// popularity, and transient notices for runs started by other users.
package feed

import (
	"sort"
	"time"

	"github.com/kalambet/researchd/internal/storage"
)

const (
	maxSeriesPoints = 15
	maxPopularTags  = 8

	// NoticeTTL is how long a "someone started researching X" notice
	// stays visible after the run appears.
	NoticeTTL = 5 * time.Second
)

// CostPoint is one (time label, cost) entry of the cost series.
type CostPoint struct {
	Time string  `json:"time"`
	Cost float64 `json:"cost"`
}

// TaskPoint is one (time label, count) entry of the task series.
type TaskPoint struct {
	Time  string `json:"time"`
	Count int    `json:"count"`
}

// Notice surfaces a freshly started run from another user.
type Notice struct {
	ResearchID string    `json:"researchId"`
	Query      string    `json:"query"`
	Username   string    `json:"username"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// View is the aggregated feed for one viewer.
type View struct {
	Completed      []storage.Research `json:"completed"`
	CompletedCount int                `json:"completedCount"`
	TotalCredits   float64            `json:"totalCredits"`
	DailyRequests  int                `json:"dailyRequests"`
	CostHistory    []CostPoint        `json:"costHistory"`
	TaskHistory    []TaskPoint        `json:"taskHistory"`
	PopularTags    []string           `json:"popularTags"`
	Notices        []Notice           `json:"notices,omitempty"`
}

// Aggregate scans the window of recent records (newest first, as
// returned by the store) and derives the feed view for viewerID at
// `now`. Time labels and day boundaries follow now's location.
func Aggregate(records []storage.Research, viewerID string, now time.Time) View {
	view := View{}
	loc := now.Location()
	today := now.In(loc)

	tagCounts := make(map[string]int)
	var tagOrder []string
	var history []CostPoint // newest first, like the scan

	for _, r := range records {
		if r.Status == storage.StatusCompleted {
			view.Completed = append(view.Completed, r)

			if r.Cost != nil {
				view.TotalCredits += r.Cost.TotalCost
				history = append(history, CostPoint{
					Time: r.CreatedAt.In(loc).Format("3:04 PM"),
					Cost: r.Cost.TotalCost,
				})
			}

			for _, tag := range r.Tags {
				if _, seen := tagCounts[tag]; !seen {
					tagOrder = append(tagOrder, tag)
				}
				tagCounts[tag]++
			}
		}

		if viewerID != "" && r.UserID == viewerID && sameDay(r.CreatedAt.In(loc), today) {
			view.DailyRequests++
		}

		if r.Status == storage.StatusRunning && r.UserID != viewerID {
			if expires := r.CreatedAt.Add(NoticeTTL); now.Before(expires) {
				view.Notices = append(view.Notices, Notice{
					ResearchID: r.ID,
					Query:      r.Query,
					Username:   r.Username,
					ExpiresAt:  expires,
				})
			}
		}
	}

	view.CompletedCount = len(view.Completed)

	// Chronological order, most recent points last.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	view.CostHistory = lastN(history, maxSeriesPoints)

	// Task counts aggregate the full chronological history by label,
	// preserving first-seen label order.
	counts := make(map[string]int)
	var labelOrder []string
	for _, p := range history {
		if _, seen := counts[p.Time]; !seen {
			labelOrder = append(labelOrder, p.Time)
		}
		counts[p.Time]++
	}
	tasks := make([]TaskPoint, 0, len(labelOrder))
	for _, label := range labelOrder {
		tasks = append(tasks, TaskPoint{Time: label, Count: counts[label]})
	}
	view.TaskHistory = lastN(tasks, maxSeriesPoints)

	// Top tags by count; ties keep first-encountered order.
	sort.SliceStable(tagOrder, func(i, j int) bool {
		return tagCounts[tagOrder[i]] > tagCounts[tagOrder[j]]
	})
	if len(tagOrder) > maxPopularTags {
		tagOrder = tagOrder[:maxPopularTags]
	}
	view.PopularTags = tagOrder

	return view
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}

func lastN[T any](s []T, n int) []T {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
