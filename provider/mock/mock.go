// Package mock provides a scripted AI provider for testing.
package mock

import (
	"context"
	"sync"

	"github.com/luanle13/ancaptruyenlamvideo/provider"
)

const defaultResponse = "Narration."

// Step is one scripted reply. A non-nil Err is returned instead of Content.
type Step struct {
	Content string
	Err     error
}

// MockProvider implements provider.Provider for testing. It replays its
// script in order and repeats the last step once exhausted.
type MockProvider struct {
	mu    sync.Mutex
	steps []Step
	idx   int
	calls [][]provider.Message
}

// New creates a MockProvider that replays the given text responses.
func New(responses ...string) *MockProvider {
	steps := make([]Step, len(responses))
	for i, r := range responses {
		steps[i] = Step{Content: r}
	}
	return &MockProvider{steps: steps}
}

// Script creates a MockProvider from explicit steps.
func Script(steps ...Step) *MockProvider {
	return &MockProvider{steps: steps}
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string { return "mock" }

// Chat returns the next scripted step.
func (m *MockProvider) Chat(ctx context.Context, messages []provider.Message) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, messages)
	if len(m.steps) == 0 {
		return &provider.Response{Content: defaultResponse}, nil
	}
	step := m.steps[min(m.idx, len(m.steps)-1)]
	m.idx++
	if step.Err != nil {
		return nil, step.Err
	}
	return &provider.Response{Content: step.Content}, nil
}

// Calls returns the messages of every Chat call so far.
func (m *MockProvider) Calls() [][]provider.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]provider.Message(nil), m.calls...)
}
