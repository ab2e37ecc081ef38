package database

import (
	"time"

	"github.com/sstent/pacetrack-go/internal/models"
)

type Stats struct {
	Total          int        `json:"total"`
	Synced         int        `json:"synced"`
	Pending        int        `json:"pending"`
	PendingDeletes int        `json:"pending_deletes"`
	LastRefresh    *time.Time `json:"last_refresh,omitempty"`
	LastRetry      *time.Time `json:"last_retry,omitempty"`
}

// PendingUpload is a run whose remote copy has not converged yet, with the
// map snapshot kept for the upload retry.
type PendingUpload struct {
	Record      models.RunRecord
	MapSnapshot []byte
}

type RunFilters struct {
	SyncStatus  models.SyncStatus
	DateFrom    *time.Time
	DateTo      *time.Time
	MinDistance int64
	MaxDistance int64
	Limit       int
	Offset      int
	SortBy      string // start_time, distance or duration
	SortOrder   string // asc or desc
}

var sortColumns = map[string]string{
	"":           "start_time_ms",
	"start_time": "start_time_ms",
	"distance":   "distance_meters",
	"duration":   "duration_ms",
}
