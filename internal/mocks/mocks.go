// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/arkenar/api/schemas"
)

// -- Transport Mock --

// MockTransport mocks schemas.Transport.
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Send(ctx context.Context, req *schemas.Request) (*schemas.Response, error) {
	args := m.Called(ctx, req)
	var resp *schemas.Response
	if r := args.Get(0); r != nil {
		resp = r.(*schemas.Response)
	}
	return resp, args.Error(1)
}

// -- Event Sink Mock --

// MockSink mocks schemas.EventSink. It records every event and also
// forwards calls to mock.Mock when expectations are set.
type MockSink struct {
	mock.Mock

	mu       sync.Mutex
	Logs     []string
	Findings []schemas.Finding
	strict   bool
}

// NewStrictSink returns a sink that routes every call through mock.Mock.
func NewStrictSink() *MockSink {
	return &MockSink{strict: true}
}

func (m *MockSink) OnLog(level schemas.LogLevel, msg string) {
	m.mu.Lock()
	m.Logs = append(m.Logs, string(level)+": "+msg)
	m.mu.Unlock()
	if m.strict {
		m.Called(level, msg)
	}
}

func (m *MockSink) OnFinding(f schemas.Finding) {
	m.mu.Lock()
	m.Findings = append(m.Findings, f)
	m.mu.Unlock()
	if m.strict {
		m.Called(f)
	}
}

func (m *MockSink) OnProgress(phase string, current, total int) {
	if m.strict {
		m.Called(phase, current, total)
	}
}

// Snapshot returns the findings received so far.
func (m *MockSink) Snapshot() []schemas.Finding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]schemas.Finding(nil), m.Findings...)
}

// -- Recorder Mock --

// MockRecorder mocks results.Recorder.
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) RecordFinding(ctx context.Context, f schemas.Finding) error {
	args := m.Called(ctx, f)
	return args.Error(0)
}
