package schemas

import (
	"context"
)

// -- Transport Interface --

// Transport sends a single request and returns the buffered response. The
// context carries the per-request deadline. Implementations must be safe for
// concurrent use.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// -- Presentation Interface --

// LogLevel is the severity attached to an operator-facing message.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarn    LogLevel = "warn"
	LogError   LogLevel = "error"
	LogSuccess LogLevel = "success"
)

// EventSink receives operator-facing events from a running scan. Front ends
// (console, service wrappers) implement it.
type EventSink interface {
	OnLog(level LogLevel, msg string)
	OnFinding(f Finding)
	OnProgress(phase string, current, total int)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) OnLog(LogLevel, string) {}

func (NopSink) OnFinding(Finding) {}

func (NopSink) OnProgress(string, int, int) {}
