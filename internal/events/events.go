// Package events broadcasts index changes to Server-Sent Events subscribers,
// so clients of a long-running server see uploads, watcher ingests and
// reindex runs as they happen.
package events

import "time"

// Type names an event.
type Type string

const (
	TypeIndexed          Type = "document.indexed"
	TypeSkipped          Type = "document.skipped"
	TypeFailed           Type = "document.failed"
	TypeRemoved          Type = "document.removed"
	TypeReindexStarted   Type = "reindex.started"
	TypeReindexCompleted Type = "reindex.completed"
)

// Event is one broadcast message.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	DocID     string    `json:"doc_id,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	Chunks    int       `json:"chunks,omitempty"`
	Error     string    `json:"error,omitempty"`
	Data      any       `json:"data,omitempty"`
}
