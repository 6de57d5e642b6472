package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/bookdash/bookdash/internal/status"
)

// Job is one asynchronous download request, persisted across restarts.
type Job struct {
	ID           uuid.UUID     `json:"id"`
	ResultID     string        `json:"result_id"`
	Bot          string        `json:"bot,omitempty"`
	TargetFolder string        `json:"target_folder,omitempty"`
	Status       status.Status `json:"status"`

	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`

	// Error holds the failure message for failed jobs.
	Error string `json:"error,omitempty"`
	// ResultPath is the final library path for finished jobs.
	ResultPath string `json:"result_path,omitempty"`
}
