package engine

import (
	"sync"
	"time"
)

// UnprocessableEventError wraps payloads that failed validation or
// unmarshalling. The dispatch path counts these as decode failures instead
// of handler failures.
type UnprocessableEventError struct {
	TypeName string
	Err      error
}

func (e *UnprocessableEventError) Error() string {
	return "unprocessable event " + e.TypeName + ": " + e.Err.Error()
}

func (e *UnprocessableEventError) Unwrap() error {
	return e.Err
}

// HandlerStats accumulates per-handler counters. Updated in place on every
// invocation; read via Snapshot.
type HandlerStats struct {
	mu sync.Mutex

	messagesProcessed   uint64
	messagesFailed      uint64
	decodeFailures      uint64
	totalProcessingTime time.Duration
	lastProcessedAt     time.Time
}

// HandlerStatsSnapshot is a point-in-time copy of one handler's counters.
type HandlerStatsSnapshot struct {
	MessagesProcessed uint64        `json:"messages_processed"`
	MessagesFailed    uint64        `json:"messages_failed"`
	DecodeFailures    uint64        `json:"decode_failures"`
	AverageDuration   time.Duration `json:"average_duration_ns"`
	LastProcessedAt   time.Time     `json:"last_processed_at"`
}

// HandlerInfo describes one registry entry.
type HandlerInfo struct {
	TypeName string               `json:"type_name"`
	Routing  RoutingMode          `json:"routing"`
	Stats    HandlerStatsSnapshot `json:"stats"`
}

func (h *HandlerStats) record(duration time.Duration, failed, decodeFailed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messagesProcessed++
	switch {
	case decodeFailed:
		h.decodeFailures++
	case failed:
		h.messagesFailed++
	}
	h.totalProcessingTime += duration
	h.lastProcessedAt = time.Now().UTC()
}

// Snapshot returns a consistent copy of the counters.
func (h *HandlerStats) Snapshot() HandlerStatsSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := HandlerStatsSnapshot{
		MessagesProcessed: h.messagesProcessed,
		MessagesFailed:    h.messagesFailed,
		DecodeFailures:    h.decodeFailures,
		LastProcessedAt:   h.lastProcessedAt,
	}
	if h.messagesProcessed > 0 {
		snap.AverageDuration = h.totalProcessingTime / time.Duration(h.messagesProcessed)
	}
	return snap
}
