// Package store provides an in-memory benefit.Repository.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/benefit-engine/benefit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	benefits    map[benefit.ID]benefit.Benefit
	usage       map[benefit.ID][]benefit.UsageRecord
	idempotency map[string]bool
	state       map[string]string

	// Fail, when set, is consulted before every operation. Returning an error
	// simulates an unavailable collaborator.
	Fail func(op string, id benefit.ID) error
}

func NewMemory() *Memory {
	return &Memory{
		benefits:    make(map[benefit.ID]benefit.Benefit),
		usage:       make(map[benefit.ID][]benefit.UsageRecord),
		idempotency: make(map[string]bool),
		state:       make(map[string]string),
	}
}

func (m *Memory) fail(op string, id benefit.ID) error {
	if m.Fail == nil {
		return nil
	}
	return m.Fail(op, id)
}

// =============================================================================
// BENEFITS
// =============================================================================

func (m *Memory) ListBenefits(_ context.Context) ([]benefit.Benefit, error) {
	if err := m.fail("list", ""); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]benefit.Benefit, 0, len(m.benefits))
	for _, b := range m.benefits {
		result = append(result, b.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) GetBenefit(_ context.Context, id benefit.ID) (benefit.Benefit, error) {
	if err := m.fail("get", id); err != nil {
		return benefit.Benefit{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.benefits[id]
	if !ok {
		return benefit.Benefit{}, benefit.ErrBenefitNotFound
	}
	return b.Clone(), nil
}

// SaveBenefit upserts with a version check on existing records.
func (m *Memory) SaveBenefit(_ context.Context, b benefit.Benefit) (benefit.Benefit, error) {
	if err := m.fail("save", b.ID); err != nil {
		return benefit.Benefit{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.benefits[b.ID]; ok && existing.Version != b.Version {
		return benefit.Benefit{}, benefit.ErrConcurrentModification
	}

	saved := b.Clone()
	saved.Version++
	m.benefits[b.ID] = saved
	return saved.Clone(), nil
}

// Delete removes a benefit and its history, as the owning item's cascade would.
func (m *Memory) Delete(id benefit.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.benefits, id)
	for _, rec := range m.usage[id] {
		delete(m.idempotency, rec.IdempotencyKey)
	}
	delete(m.usage, id)
}

// =============================================================================
// HISTORY
// =============================================================================

func (m *Memory) AppendUsage(_ context.Context, rec benefit.UsageRecord) error {
	if err := m.fail("append_usage", rec.BenefitID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.IdempotencyKey != "" && m.idempotency[rec.IdempotencyKey] {
		return benefit.ErrDuplicateIdempotencyKey
	}

	recs := m.usage[rec.BenefitID]

	// Binary search for insertion point keeps entries ordered by UsedAt
	i := sort.Search(len(recs), func(i int) bool {
		return recs[i].UsedAt.After(rec.UsedAt)
	})
	recs = append(recs, benefit.UsageRecord{})
	copy(recs[i+1:], recs[i:])
	recs[i] = rec
	m.usage[rec.BenefitID] = recs

	if rec.IdempotencyKey != "" {
		m.idempotency[rec.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) RemoveUsage(_ context.Context, id string) error {
	if err := m.fail("remove_usage", ""); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for bid, recs := range m.usage {
		for i, rec := range recs {
			if rec.ID != id {
				continue
			}
			m.usage[bid] = append(recs[:i:i], recs[i+1:]...)
			delete(m.idempotency, rec.IdempotencyKey)
			return nil
		}
	}
	return benefit.ErrUsageNotFound
}

func (m *Memory) ListUsage(_ context.Context, benefitID benefit.ID) ([]benefit.UsageRecord, error) {
	if err := m.fail("list_usage", benefitID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]benefit.UsageRecord, len(m.usage[benefitID]))
	copy(result, m.usage[benefitID])
	return result, nil
}

func (m *Memory) LastUsage(_ context.Context, benefitID benefit.ID) (benefit.UsageRecord, error) {
	if err := m.fail("last_usage", benefitID); err != nil {
		return benefit.UsageRecord{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.usage[benefitID]
	if len(recs) == 0 {
		return benefit.UsageRecord{}, benefit.ErrUsageNotFound
	}
	return recs[len(recs)-1], nil
}

// =============================================================================
// STATE
// =============================================================================

func (m *Memory) GetState(_ context.Context, key string) (string, bool, error) {
	if err := m.fail("get_state", ""); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.state[key]
	return v, ok, nil
}

func (m *Memory) PutState(_ context.Context, key, value string) error {
	if err := m.fail("put_state", ""); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[key] = value
	return nil
}

var _ benefit.Repository = (*Memory)(nil)
