package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventDocumentIngest AuditEventType = "document.ingest"
	AuditEventDocumentSkip   AuditEventType = "document.skip"
	AuditEventDocumentDelete AuditEventType = "document.delete"
	AuditEventDocumentError  AuditEventType = "document.error"
	AuditEventDocumentUpload AuditEventType = "document.upload"
	AuditEventReindexStart   AuditEventType = "reindex.start"
	AuditEventReindexEnd     AuditEventType = "reindex.end"
)

// AuditEvent is a single JSONL audit entry.
type AuditEvent struct {
	Timestamp   time.Time      `json:"timestamp"`
	EventType   AuditEventType `json:"event_type"`
	SessionID   string         `json:"session_id"`
	DocID       string         `json:"doc_id,omitempty"`
	Filename    string         `json:"filename,omitempty"`
	Success     bool           `json:"success"`
	DurationMS  int64          `json:"duration_ms,omitempty"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
}

// AuditLogger appends corpus mutation events as JSON lines.
type AuditLogger struct {
	mu        sync.Mutex
	writer    io.Writer
	sessionID string
	enabled   bool
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	Enabled    bool
	OutputPath string // File path or "stdout"/"stderr"
	SessionID  string
}

// DefaultAuditConfig returns default audit configuration.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		Enabled:    true,
		OutputPath: "stdout",
	}
}

// NewAuditLogger creates a new audit logger. File outputs are opened in
// append mode and their parent directory is created.
func NewAuditLogger(config *AuditConfig) (*AuditLogger, error) {
	if config == nil {
		config = DefaultAuditConfig()
	}

	var writer io.Writer
	switch config.OutputPath {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		if err := os.MkdirAll(filepath.Dir(config.OutputPath), 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
		f, err := os.OpenFile(config.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		writer = f
	}

	sessionID := config.SessionID
	if sessionID == "" {
		sessionID = fmt.Sprintf("session-%d", time.Now().UnixNano())
	}

	return &AuditLogger{
		writer:    writer,
		sessionID: sessionID,
		enabled:   config.Enabled,
	}, nil
}

// NewAuditWriter returns an enabled logger writing to w.
func NewAuditWriter(w io.Writer, sessionID string) *AuditLogger {
	return &AuditLogger{writer: w, sessionID: sessionID, enabled: true}
}

// Log writes an audit event.
func (l *AuditLogger) Log(event *AuditEvent) error {
	if l == nil || !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.SessionID == "" {
		event.SessionID = l.sessionID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	_, err = fmt.Fprintf(l.writer, "%s\n", data)
	return err
}

// LogIngest records a document that was indexed.
func (l *AuditLogger) LogIngest(_ context.Context, docID, filename, hash string, chunks int, duration time.Duration) {
	l.Log(&AuditEvent{
		EventType:  AuditEventDocumentIngest,
		DocID:      docID,
		Filename:   filename,
		Success:    true,
		DurationMS: duration.Milliseconds(),
		Message:    fmt.Sprintf("Indexed %s: %d chunks", filename, chunks),
		Details: map[string]any{
			"hash":   hash,
			"chunks": chunks,
		},
	})
}

// LogSkip records a document left untouched because its hash is unchanged.
func (l *AuditLogger) LogSkip(_ context.Context, docID, filename, hash string) {
	l.Log(&AuditEvent{
		EventType: AuditEventDocumentSkip,
		DocID:     docID,
		Filename:  filename,
		Success:   true,
		Message:   "Unchanged content hash",
		Details:   map[string]any{"hash": hash},
	})
}

// LogUpload records a file copied into the corpus.
func (l *AuditLogger) LogUpload(_ context.Context, filename string, size int64) {
	l.Log(&AuditEvent{
		EventType: AuditEventDocumentUpload,
		Filename:  filename,
		Success:   true,
		Message:   fmt.Sprintf("Uploaded %s", filename),
		Details:   map[string]any{"size": size},
	})
}

// LogDelete records a document removal. err joins any step failures.
func (l *AuditLogger) LogDelete(_ context.Context, docID string, err error) {
	event := &AuditEvent{
		EventType: AuditEventDocumentDelete,
		DocID:     docID,
		Success:   err == nil,
		Message:   fmt.Sprintf("Deleted %s", docID),
	}
	if err != nil {
		event.ErrorDetail = err.Error()
	}
	l.Log(event)
}

// LogError records a failed ingest.
func (l *AuditLogger) LogError(_ context.Context, docID, filename string, err error) {
	l.Log(&AuditEvent{
		EventType:   AuditEventDocumentError,
		DocID:       docID,
		Filename:    filename,
		Success:     false,
		Message:     fmt.Sprintf("Ingest of %s failed", filename),
		ErrorDetail: err.Error(),
	})
}

// LogReindexStart records the start of a corpus reindex.
func (l *AuditLogger) LogReindexStart(_ context.Context, dir string, force bool) {
	l.Log(&AuditEvent{
		EventType: AuditEventReindexStart,
		Success:   true,
		Message:   "Reindex started",
		Details: map[string]any{
			"dir":   dir,
			"force": force,
		},
	})
}

// LogReindexEnd records the outcome of a corpus reindex.
func (l *AuditLogger) LogReindexEnd(_ context.Context, indexed, skipped, failed, removed int, duration time.Duration) {
	l.Log(&AuditEvent{
		EventType:  AuditEventReindexEnd,
		Success:    failed == 0,
		DurationMS: duration.Milliseconds(),
		Message:    fmt.Sprintf("Reindex finished: %d indexed, %d skipped, %d failed", indexed, skipped, failed),
		Details: map[string]any{
			"indexed": indexed,
			"skipped": skipped,
			"failed":  failed,
			"removed": removed,
		},
	})
}

// Close closes the audit logger (if using a file).
func (l *AuditLogger) Close() error {
	if l == nil {
		return nil
	}
	if closer, ok := l.writer.(io.Closer); ok {
		if closer != os.Stdout && closer != os.Stderr {
			return closer.Close()
		}
	}
	return nil
}

// Disabled returns a logger that drops every event.
func Disabled() *AuditLogger {
	return &AuditLogger{enabled: false}
}
