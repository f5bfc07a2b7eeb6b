package model

import (
	"time"

	"github.com/google/uuid"
)

// SyncRun is the audit record of one deal product sync.
type SyncRun struct {
	ID            uuid.UUID `json:"id"`
	DealID        int       `json:"deal_id"`
	Deleted       int       `json:"deleted"`
	Added         int       `json:"added"`
	MissingSKUs   []string  `json:"missing_skus"`
	FailedSKUs    []string  `json:"failed_skus"`
	FailedDeletes []int     `json:"failed_deletes"`
	Err           string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}
