package automation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/randalmurphal/shellcore/pkg/shellcore/clock"
	"github.com/randalmurphal/shellcore/pkg/shellcore/event"
)

// Status is the state of an execution.
type Status string

// Execution status constants. Every status except StatusRunning is terminal.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// eventType maps a status to its lifecycle event type.
func (s Status) eventType() event.Type {
	switch s {
	case StatusRunning:
		return event.TypeAutomationStarted
	case StatusCompleted:
		return event.TypeAutomationCompleted
	case StatusFailed:
		return event.TypeAutomationFailed
	case StatusCancelled:
		return event.TypeAutomationCancelled
	default:
		return event.TypeAutomationTimeout
	}
}

// Cancellation causes, reported by context.Cause on the handler's context.
var (
	ErrCancelled    = errors.New("automation cancelled")
	ErrTimeout      = errors.New("automation timed out")
	ErrEngineClosed = errors.New("automation engine closed")
)

// Execution is a point-in-time view of one action invocation.
type Execution struct {
	ID        string    `json:"id"`
	RuleID    string    `json:"ruleId,omitempty"`
	Action    string    `json:"action"`
	Payload   any       `json:"payload,omitempty"`
	Status    Status    `json:"status"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// Duration returns how long the execution ran, or zero while running.
func (e Execution) Duration() time.Duration {
	if e.EndTime.IsZero() {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}

// LifecyclePayload is the payload of automation lifecycle events.
type LifecyclePayload struct {
	ExecutionID string `json:"executionId"`
	RuleID      string `json:"ruleId,omitempty"`
	Action      string `json:"action"`
	Status      Status `json:"status"`
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"durationMs,omitempty"`
}

// execution is the engine's mutable record. Guarded by Engine.mu.
type execution struct {
	Execution

	seq     int64
	baseCtx context.Context
	cancel  context.CancelCauseFunc
	release context.CancelFunc
	timer   clock.Timer
	purge   clock.Timer
	logger  *slog.Logger
}

func (x *execution) lifecycle() LifecyclePayload {
	return LifecyclePayload{
		ExecutionID: x.ID,
		RuleID:      x.RuleID,
		Action:      x.Action,
		Status:      x.Status,
		Error:       x.Error,
		DurationMs:  x.Duration().Milliseconds(),
	}
}
