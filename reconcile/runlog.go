package reconcile

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// RUN RECORDS
// =============================================================================

// Trigger names what asked for a pass.
type Trigger string

const (
	TriggerForeground Trigger = "foreground"
	TriggerBackground Trigger = "background"
	TriggerUser       Trigger = "user"
	TriggerAction     Trigger = "notification_action"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunPartial   = "partial" // finished with per-item failures
	RunFailed    = "failed"  // could not load benefits
)

// RunReport counts what a pass did.
type RunReport struct {
	Benefits         int      `json:"benefits"`
	Reset            int      `json:"reset"`
	AutoExpired      int      `json:"auto_expired"`
	Persisted        int      `json:"persisted"`
	Created          int      `json:"created"`
	Cancelled        int      `json:"cancelled"`
	Deferred         int      `json:"deferred"`
	OrphansCleared   int      `json:"orphans_cleared"`
	OrphansCancelled int      `json:"orphans_cancelled"`
	Failures         int      `json:"failures"`
	Errors           []string `json:"errors,omitempty"`
}

func (r *RunReport) fail(err error) {
	r.Failures++
	r.Errors = append(r.Errors, err.Error())
}

// Run is one reconciliation pass as recorded for diagnostics.
type Run struct {
	ID          string     `json:"id"`
	Trigger     Trigger    `json:"trigger"`
	Status      string     `json:"status"`
	Report      RunReport  `json:"report"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunLog persists run records.
type RunLog interface {
	SaveRun(ctx context.Context, run Run) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// =============================================================================
// MEMORY RUN LOG
// =============================================================================

// MemoryRunLog keeps the most recent runs in memory.
type MemoryRunLog struct {
	mu   sync.Mutex
	max  int
	runs []Run
}

func NewMemoryRunLog(max int) *MemoryRunLog {
	if max <= 0 {
		max = 100
	}
	return &MemoryRunLog{max: max}
}

func (l *MemoryRunLog) SaveRun(_ context.Context, run Run) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.runs {
		if l.runs[i].ID == run.ID {
			l.runs[i] = run
			return nil
		}
	}
	l.runs = append(l.runs, run)
	if len(l.runs) > l.max {
		l.runs = l.runs[len(l.runs)-l.max:]
	}
	return nil
}

// ListRuns returns runs newest first.
func (l *MemoryRunLog) ListRuns(_ context.Context, limit int) ([]Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > len(l.runs) {
		limit = len(l.runs)
	}
	out := make([]Run, 0, limit)
	for i := len(l.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.runs[i])
	}
	return out, nil
}
