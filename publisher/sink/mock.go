package sink

import (
	"context"
	"sync"

	"github.com/maxpert/changerelay/publisher"
)

// MockSink is a mock implementation of Sink for testing
type MockSink struct {
	Messages []publisher.Message
	// PublishErr fails every publish while FailTimes is zero, otherwise
	// only the next FailTimes publishes
	PublishErr error
	FailTimes  int
	Calls      int
	mu         sync.Mutex
}

// Publish records messages for later inspection in tests
func (m *MockSink) Publish(_ context.Context, msgs []publisher.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	if m.PublishErr != nil {
		if m.FailTimes == 0 {
			return m.PublishErr
		}
		m.FailTimes--
		err := m.PublishErr
		if m.FailTimes == 0 {
			m.PublishErr = nil
		}
		return err
	}

	m.Messages = append(m.Messages, msgs...)
	return nil
}

// Close is a no-op for MockSink
func (m *MockSink) Close() error {
	return nil
}

// Published returns a copy of the recorded messages
func (m *MockSink) Published() []publisher.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]publisher.Message, len(m.Messages))
	copy(out, m.Messages)
	return out
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
	m.Calls = 0
}
