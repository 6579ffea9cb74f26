package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// MockResponse is one queued answer of a MockProvider. A response with Err
// set fails the call; otherwise Content and Usage are returned as the
// provider would, unvalidated.
type MockResponse struct {
	Content    json.RawMessage
	Usage      Usage
	StopReason string // Default: StopEnd
	Err        error
}

// MockProvider replays queued responses in FIFO order and keeps every
// request it was sent.
type MockProvider struct {
	mu        sync.Mutex
	responses []MockResponse
	Calls     []Request
}

func NewMockProvider(responses ...MockResponse) *MockProvider {
	return &MockProvider{responses: responses}
}

// Generate pops the next response. An empty queue is reported as an
// unavailable provider, which callers retry.
func (m *MockProvider) Generate(_ context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)
	if len(m.responses) == 0 {
		return nil, &ErrProviderUnavailable{Err: errors.New("mock: no responses queued")}
	}

	next := m.responses[0]
	m.responses = m.responses[1:]
	if next.Err != nil {
		return nil, next.Err
	}

	stop := next.StopReason
	if stop == "" {
		stop = StopEnd
	}
	model := req.Model
	if model == "" {
		model = "mock"
	}
	return &Response{Content: next.Content, Usage: next.Usage, Model: model, StopReason: stop}, nil
}

func (m *MockProvider) ModelID() string {
	return "mock"
}

// Enqueue appends responses to the queue.
func (m *MockProvider) Enqueue(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
}

// CallCount returns the number of Generate calls made.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// FuncProvider adapts a function to Provider. Useful when responses depend
// on the request, e.g. under concurrent dispatch where FIFO order is not
// deterministic.
type FuncProvider struct {
	Model string
	Fn    func(ctx context.Context, req Request) (*Response, error)

	mu    sync.Mutex
	calls int
}

func (f *FuncProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.Fn(ctx, req)
}

func (f *FuncProvider) ModelID() string {
	if f.Model == "" {
		return "mock"
	}
	return f.Model
}

// CallCount returns the number of Generate calls made.
func (f *FuncProvider) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
