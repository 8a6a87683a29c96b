package enforce

import (
	"context"
	"fmt"
	"sync"

	"github.com/stackhaven/warden/internal/policy"
)

// MockDriver records every enforcement call in memory. It backs the "mock"
// driver setting for development and is used heavily in tests, where its
// failure knobs simulate an unreachable enforcement layer.
type MockDriver struct {
	mu sync.Mutex

	filters    map[string]string        // enforcement UUID -> filter name
	ruleSets   map[string][]policy.Rule // enforcement UUID -> last flushed set
	nextID     int
	FlushCount int

	// Failure injection. When set, the corresponding operation fails with
	// the given error (ErrUnavailable if FailWith is nil).
	FailCreateFilter bool
	FailCreateRule   bool
	FailFlush        bool
	FailWith         error
}

// NewMockDriver returns an empty recording driver.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		filters:  make(map[string]string),
		ruleSets: make(map[string][]policy.Rule),
	}
}

func (m *MockDriver) failure() error {
	if m.FailWith != nil {
		return m.FailWith
	}
	return ErrUnavailable
}

func (m *MockDriver) CreateFilter(ctx context.Context, name, description, chain string, kind policy.FilterKind) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreateFilter {
		return "", m.failure()
	}
	m.nextID++
	id := fmt.Sprintf("mock-filter-%d", m.nextID)
	m.filters[id] = name
	return id, nil
}

func (m *MockDriver) CreateRule(ctx context.Context, filterUUID string, r policy.Rule) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreateRule {
		return "", m.failure()
	}
	if _, ok := m.filters[filterUUID]; !ok {
		return "", fmt.Errorf("unknown enforcement filter %s", filterUUID)
	}
	m.nextID++
	id := fmt.Sprintf("mock-rule-%d", m.nextID)
	m.ruleSets[filterUUID] = append(m.ruleSets[filterUUID], r)
	return id, nil
}

func (m *MockDriver) DeleteRule(ctx context.Context, filterUUID, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.filters[filterUUID]; !ok {
		return fmt.Errorf("unknown enforcement filter %s", filterUUID)
	}
	return nil
}

func (m *MockDriver) Flush(ctx context.Context, filterUUID string, rules []policy.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FlushCount++
	if m.FailFlush {
		return m.failure()
	}
	if _, ok := m.filters[filterUUID]; !ok {
		return fmt.Errorf("unknown enforcement filter %s", filterUUID)
	}
	m.ruleSets[filterUUID] = append([]policy.Rule(nil), rules...)
	return nil
}

// FilterCount reports how many enforcement filters exist.
func (m *MockDriver) FilterCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filters)
}

// RuleSet returns the last flushed rule set for an enforcement filter.
func (m *MockDriver) RuleSet(filterUUID string) []policy.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]policy.Rule(nil), m.ruleSets[filterUUID]...)
}
