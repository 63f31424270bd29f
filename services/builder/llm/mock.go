package llm

import (
	"context"
	"fmt"
	"sync"
)

// Mock is a scripted Provider for tests. Responses are consumed in
// order; every request is recorded.
type Mock struct {
	mu        sync.Mutex
	responses []*Response
	errs      []error
	Requests  []Request
}

// NewMock creates an empty scripted provider.
func NewMock() *Mock { return &Mock{} }

// Queue appends a successful response to the script.
func (m *Mock) Queue(suffix string) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, &Response{
		Suffix:     suffix,
		Usage:      Usage{PromptTokens: 100, CompletionTokens: 50},
		StopReason: "end_turn",
	})
	m.errs = append(m.errs, nil)
	return m
}

// QueueResponse appends a fully specified response.
func (m *Mock) QueueResponse(r *Response) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, r)
	m.errs = append(m.errs, nil)
	return m
}

// QueueError appends a failing call.
func (m *Mock) QueueError(err error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, nil)
	m.errs = append(m.errs, err)
	return m
}

// Complete implements Provider.
func (m *Mock) Complete(_ context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)
	if len(m.responses) == 0 {
		return nil, fmt.Errorf("mock provider: script exhausted after %d requests", len(m.Requests))
	}
	resp, err := m.responses[0], m.errs[0]
	m.responses = m.responses[1:]
	m.errs = m.errs[1:]
	if err != nil {
		return nil, err
	}
	return resp, nil
}
