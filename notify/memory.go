package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/benefit-engine/benefit"
)

// =============================================================================
// MEMORY CENTER - In-process Center (for testing/dev)
// =============================================================================

// Memory holds reminders in a map and refuses to grow past Ceiling.
type Memory struct {
	mu      sync.Mutex
	ceiling int
	pending map[Handle]Scheduled

	// Fail, when set, is consulted before every operation.
	Fail func(op string) error

	// Counters for tests and diagnostics.
	ScheduleCalls int
	CancelCalls   int
}

// NewMemory creates a center. A ceiling <= 0 uses DefaultCeiling.
func NewMemory(ceiling int) *Memory {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Memory{ceiling: ceiling, pending: make(map[Handle]Scheduled)}
}

func (m *Memory) fail(op string) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(op)
}

func (m *Memory) Schedule(_ context.Context, benefitID benefit.ID, fireAt time.Time, payload Payload) (Handle, error) {
	if err := m.fail("schedule"); err != nil {
		return "", err
	}
	if fireAt.IsZero() {
		return "", ErrInvalidFireAt
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) >= m.ceiling {
		return "", ErrCeilingReached
	}

	h := Handle(uuid.NewString())
	m.pending[h] = Scheduled{Handle: h, BenefitID: benefitID, FireAt: fireAt, Payload: payload}
	m.ScheduleCalls++
	return h, nil
}

func (m *Memory) Cancel(_ context.Context, h Handle) error {
	if err := m.fail("cancel"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[h]; ok {
		delete(m.pending, h)
		m.CancelCalls++
	}
	return nil
}

func (m *Memory) ListScheduled(_ context.Context) ([]Scheduled, error) {
	if err := m.fail("list"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Scheduled, 0, len(m.pending))
	for _, s := range m.pending {
		out = append(out, s)
	}
	sortScheduled(out)
	return out, nil
}

func (m *Memory) Due(_ context.Context, now time.Time) ([]Scheduled, error) {
	if err := m.fail("due"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []Scheduled
	for h, s := range m.pending {
		if !s.FireAt.After(now) {
			due = append(due, s)
			delete(m.pending, h)
		}
	}
	sortScheduled(due)
	return due, nil
}

// Drop removes a reminder without counting a cancel, as when the platform
// discards it behind the process's back.
func (m *Memory) Drop(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, h)
}

// Len returns the number of pending reminders.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func sortScheduled(s []Scheduled) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].FireAt.Equal(s[j].FireAt) {
			return s[i].FireAt.Before(s[j].FireAt)
		}
		return s[i].Handle < s[j].Handle
	})
}

var (
	_ Center    = (*Memory)(nil)
	_ Deliverer = (*Memory)(nil)
)
