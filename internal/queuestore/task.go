package queuestore

import (
	"time"
)

// Task is one durable-queue entry. Payload carries the caller's
// action/position/params encoding (spec §4.4); queuestore itself is
// payload-agnostic and only orders and redelivers tasks.
type Task struct {
	Seq        uint64          `json:"seq"`
	Topic      string          `json:"topic"`
	Payload    []byte          `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}
