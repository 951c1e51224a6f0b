// Package progress is the in-process pub-sub bus that fans sync events
// out to WebSocket subscribers. Publishing never blocks: each subscriber
// owns a bounded buffer with drop-oldest semantics, and dropped spans are
// surfaced to that subscriber as a single lagged marker.
package progress

import (
	"time"

	"github.com/minghsu/prodsync/internal/product"
)

// EventType discriminates the wire frames of the progress protocol.
type EventType string

const (
	TypeStatusChange EventType = "status_change"
	TypeProgress     EventType = "progress"
	TypeError        EventType = "error"
	TypeCompletion   EventType = "completion"
	TypeLagged       EventType = "lagged"
)

// Event is one frame on the bus. Data holds the type-specific payload.
type Event struct {
	Type   EventType `json:"type"`
	SyncID string    `json:"syncId"`
	Data   any       `json:"data"`
}

// StatusChangeData reports a state machine transition.
type StatusChangeData struct {
	OldStatus product.SyncStatus `json:"oldStatus"`
	NewStatus product.SyncStatus `json:"newStatus"`
	Message   string             `json:"message,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// ProgressCounts is the current/total/percentage block inside a progress
// frame.
type ProgressCounts struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// ProgressData reports counter movement within a stage.
type ProgressData struct {
	Stage                  product.SyncStage `json:"stage"`
	Progress               ProgressCounts    `json:"progress"`
	CurrentOperation       string            `json:"currentOperation,omitempty"`
	EstimatedTimeRemaining int64             `json:"estimatedTimeRemaining,omitempty"` // seconds
}

// ErrorData reports one recoverable or fatal error during a run.
type ErrorData struct {
	ErrorType   string    `json:"errorType"`
	Message     string    `json:"message"`
	ProductID   string    `json:"productId,omitempty"`
	Recoverable bool      `json:"recoverable"`
	Timestamp   time.Time `json:"timestamp"`
}

// CompletionStats is the final counter block of a run.
type CompletionStats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// CompletionData reports the terminal outcome of a run.
type CompletionData struct {
	Status   product.SyncStatus `json:"status"`
	Duration float64            `json:"duration"` // seconds
	Stats    CompletionStats    `json:"stats"`
	Summary  string             `json:"summary,omitempty"`
}

// LaggedData tells a slow subscriber how many events it missed.
type LaggedData struct {
	Dropped int `json:"dropped"`
}
