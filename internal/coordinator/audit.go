package coordinator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuditEntry records one command or protocol event for provenance tracking.
type AuditEntry struct {
	Timestamp    time.Time      `json:"ts"`
	TraceID      string         `json:"trace_id"`
	Kind         string         `json:"kind"` // "command" or "event"
	User         string         `json:"user,omitempty"`
	Command      string         `json:"command,omitempty"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	Event        string         `json:"event,omitempty"`
	ContextID    uint64         `json:"context_id,omitempty"`
	CompletionID uint64         `json:"completion_id,omitempty"`
	Handle       string         `json:"handle,omitempty"`
	Outcome      string         `json:"outcome,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// AuditLogger appends entries to a JSONL file and mirrors them to the
// structured log. With an empty path it logs only. It also subscribes to the
// event bus so protocol notifications, including failed callbacks, land in
// the same trail as commands.
type AuditLogger struct {
	logger *zap.Logger

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewAuditLogger opens (or creates) the audit file in append mode.
func NewAuditLogger(path string, logger *zap.Logger) (*AuditLogger, error) {
	al := &AuditLogger{logger: logger}
	if path == "" {
		return al, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	al.file = f
	al.enc = json.NewEncoder(f)
	return al, nil
}

// LogCommand records a command invocation and its outcome.
func (al *AuditLogger) LogCommand(entry AuditEntry) {
	entry.Kind = "command"
	al.write(entry)
}

// Notify implements EventSubscriber, recording protocol events.
func (al *AuditLogger) Notify(ev Event) {
	al.write(AuditEntry{
		Kind:         "event",
		Event:        string(ev.Type),
		User:         ev.User,
		ContextID:    ev.ContextID,
		CompletionID: ev.CompletionID,
		Handle:       ev.Handle,
		Error:        ev.Reason,
		Timestamp:    ev.At,
	})
}

func (al *AuditLogger) write(entry AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.TraceID = uuid.NewString()

	al.logger.Debug("audit",
		zap.String("kind", entry.Kind),
		zap.String("command", entry.Command),
		zap.String("event", entry.Event),
		zap.String("user", entry.User),
		zap.String("outcome", entry.Outcome),
	)

	al.mu.Lock()
	defer al.mu.Unlock()
	if al.enc == nil {
		return
	}
	if err := al.enc.Encode(entry); err != nil {
		al.logger.Error("failed to write audit entry", zap.Error(err))
	}
}

// Close flushes and closes the audit file.
func (al *AuditLogger) Close() error {
	al.mu.Lock()
	defer al.mu.Unlock()
	if al.file == nil {
		return nil
	}
	err := al.file.Close()
	al.file = nil
	al.enc = nil
	return err
}
