package history

import (
	"time"

	"github.com/qadash/qadash/pkg/registry"
)

// Run is a finalized run stored in the history database.
type Run struct {
	ID         uint      `gorm:"primaryKey"`
	RunID      string    `gorm:"not null;uniqueIndex"`
	ProjectID  string    `gorm:"index"`
	Tool       string
	Status     string    `gorm:"index"`
	Results    string
	StartedAt  time.Time `gorm:"index"`
	EndedAt    time.Time
	DurationMs int64
	RecordedAt time.Time
}

// FromRegistry converts a run record into a history row.
func FromRegistry(r *registry.Run) Run {
	started := r.StartedTime()
	ended := r.EndedTime()

	var durationMs int64
	if !started.IsZero() && !ended.IsZero() && ended.After(started) {
		durationMs = ended.Sub(started).Milliseconds()
	}

	return Run{
		RunID:      r.ID,
		ProjectID:  r.ProjectID,
		Tool:       r.Tool,
		Status:     r.Status,
		Results:    r.Results,
		StartedAt:  started,
		EndedAt:    ended,
		DurationMs: durationMs,
	}
}
