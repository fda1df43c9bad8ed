package stt

import (
	"context"
	"sync"
)

// MockTranscriber returns queued transcripts in order, then Default.
type MockTranscriber struct {
	mu      sync.Mutex
	queue   []string
	Default string
	Calls   []string
}

func NewMockTranscriber(transcripts ...string) *MockTranscriber {
	return &MockTranscriber{queue: transcripts}
}

func (m *MockTranscriber) Transcribe(_ context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, path)
	if len(m.queue) == 0 {
		return m.Default, nil
	}
	next := m.queue[0]
	m.queue = m.queue[1:]
	return next, nil
}
