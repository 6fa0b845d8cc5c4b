package analytics

import (
	"context"
	"sync"
)

var _ AnalyticsService = (*MockAnalytics)(nil)

// MockAnalytics keeps recorded decisions in memory for tests.
type MockAnalytics struct {
	mu     sync.Mutex
	events []DecisionEvent
	Err    error
}

// NewMockAnalytics creates a new mock analytics instance.
func NewMockAnalytics() *MockAnalytics {
	return &MockAnalytics{}
}

// RecordDecision stores ev, or returns Err when set.
func (m *MockAnalytics) RecordDecision(_ context.Context, ev DecisionEvent) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the recorded decisions.
func (m *MockAnalytics) Events() []DecisionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DecisionEvent(nil), m.events...)
}
