// Package dispatch hands promoted builds to the external executor via a
// queue backend. Enqueue is fire-and-forget; the executor reports terminal
// states back through the API.
package dispatch

import "context"

// Request is one build handed to the executor.
type Request struct {
	BuildID    string `json:"build_id"`
	Plan       string `json:"plan"`
	Org        string `json:"org"`
	Commit     string `json:"commit"`
	Branch     string `json:"branch"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// Backend defines operations for the dispatch queue.
type Backend interface {
	Enqueue(ctx context.Context, req Request) error
	List(ctx context.Context) ([]Request, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Pop(ctx context.Context, max int) ([]Request, error)
}

// Stats summarizes queue depth and oldest item age.
type Stats struct {
	Length    int   `json:"length"`
	OldestAge int64 `json:"oldest_age_seconds"`
}
