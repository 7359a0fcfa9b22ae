// Package store records build runs and their lookup tables so earlier
// results can be listed and inspected.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/ejscreen-cli/internal/percentile"
)

// RunStatus is the lifecycle state of a build run.
type RunStatus string

// Run states.
const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunSpec describes a run when it starts.
type RunSpec struct {
	Input          string `json:"input"`
	Level          string `json:"level"`
	ColumnsVersion string `json:"columns_version,omitempty"`
}

// RunSummary is recorded when a run completes.
type RunSummary struct {
	Rows       int      `json:"rows"`
	Regions    int      `json:"regions"`
	Ranked     int      `json:"ranked"`
	Indexes    int      `json:"indexes"`
	Clamped    int      `json:"clamped"`
	Unassigned int      `json:"unassigned"`
	DurationMs int64    `json:"duration_ms"`
	Artifacts  []string `json:"artifacts,omitempty"`
}

// Run is a recorded build.
type Run struct {
	ID        string      `json:"id"`
	Spec      RunSpec     `json:"spec"`
	Status    RunStatus   `json:"status"`
	Summary   *RunSummary `json:"summary,omitempty"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status RunStatus
	Level  string
	Limit  int
}

// Store persists runs and their lookup tables.
type Store interface {
	CreateRun(ctx context.Context, spec RunSpec) (*Run, error)
	CompleteRun(ctx context.Context, runID string, summary RunSummary) error
	FailRun(ctx context.Context, runID string, cause error) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	// SaveLookup stores every table of l under the run.
	SaveLookup(ctx context.Context, runID string, l *percentile.Lookup) error
	// GetLookup returns the stored table for one region and column. The
	// national level uses the empty region.
	GetLookup(ctx context.Context, runID, region, column string) (*percentile.Table, error)

	Migrate(ctx context.Context) error
	Close() error
}

// ErrNotFound is returned when a run or lookup table does not exist.
var ErrNotFound = errors.New("store: not found")

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
