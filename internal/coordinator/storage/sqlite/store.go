// Package sqlite provides a durable storage backend on a single SQLite
// database file, using the pure-Go modernc.org/sqlite driver. AUTOINCREMENT
// row ids give the monotonic, never-reused id allocation the entity store
// requires.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cloaklabs/confide-mcp/internal/coordinator/storage"
	"github.com/cloaklabs/confide-mcp/internal/oracle"
)

// Store implements storage.EntityStorage and storage.SessionStorage.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path and initializes the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent use.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS contexts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tokens_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS completions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		context_id INTEGER NOT NULL REFERENCES contexts(id),
		tokens_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_completions_context ON completions(context_id);

	CREATE TABLE IF NOT EXISTS sessions (
		user_id TEXT PRIMARY KEY,
		current_context_id INTEGER NOT NULL DEFAULT 0,
		last_completion_id INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func marshalHandles(tokens []oracle.CiphertextHandle) (string, error) {
	if tokens == nil {
		tokens = []oracle.CiphertextHandle{}
	}
	raw, err := json.Marshal(tokens)
	if err != nil {
		return "", fmt.Errorf("marshal tokens: %w", err)
	}
	return string(raw), nil
}

func unmarshalHandles(raw string) ([]oracle.CiphertextHandle, error) {
	var tokens []oracle.CiphertextHandle
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		return nil, fmt.Errorf("unmarshal tokens: %w", err)
	}
	return tokens, nil
}

// CreateContext inserts a new context row.
func (s *Store) CreateContext(
	ctx context.Context,
	tokens []oracle.CiphertextHandle,
) (storage.ContextID, error) {
	raw, err := marshalHandles(tokens)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO contexts (tokens_json, created_at) VALUES (?, ?)`,
		raw, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert context: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("context id: %w", err)
	}
	return storage.ContextID(id), nil
}

// CreateCompletion inserts a new completion row after checking the context
// reference inside one transaction.
func (s *Store) CreateCompletion(
	ctx context.Context,
	tokens []oracle.CiphertextHandle,
	contextID storage.ContextID,
) (storage.CompletionID, error) {
	raw, err := marshalHandles(tokens)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contexts WHERE id = ?`, uint64(contextID),
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check context: %w", err)
	}
	if exists == 0 {
		return 0, storage.ErrUnknownContext
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO completions (context_id, tokens_json, created_at) VALUES (?, ?, ?)`,
		uint64(contextID), raw, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert completion: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("completion id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return storage.CompletionID(id), nil
}

// GetContext loads a context row.
func (s *Store) GetContext(
	ctx context.Context,
	id storage.ContextID,
) (*storage.Context, error) {
	var (
		raw       string
		createdAt time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tokens_json, created_at FROM contexts WHERE id = ?`, uint64(id),
	).Scan(&raw, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrContextNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query context: %w", err)
	}

	tokens, err := unmarshalHandles(raw)
	if err != nil {
		return nil, err
	}
	return &storage.Context{
		ID:              id,
		EncryptedTokens: tokens,
		CreatedAt:       createdAt,
	}, nil
}

// GetCompletion loads a completion row.
func (s *Store) GetCompletion(
	ctx context.Context,
	id storage.CompletionID,
) (*storage.Completion, error) {
	var (
		raw       string
		contextID uint64
		createdAt time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT context_id, tokens_json, created_at FROM completions WHERE id = ?`, uint64(id),
	).Scan(&contextID, &raw, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCompletionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query completion: %w", err)
	}

	tokens, err := unmarshalHandles(raw)
	if err != nil {
		return nil, err
	}
	return &storage.Completion{
		ID:               id,
		CompletionTokens: tokens,
		ContextID:        storage.ContextID(contextID),
		CreatedAt:        createdAt,
	}, nil
}

// GetSession loads a session row, or returns (nil, nil) if the user has
// never started a session.
func (s *Store) GetSession(
	ctx context.Context,
	userID string,
) (*storage.SessionRecord, error) {
	var (
		rec       storage.SessionRecord
		contextID uint64
		complID   uint64
		active    int
		endedAt   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, current_context_id, last_completion_id, active, started_at, ended_at
		 FROM sessions WHERE user_id = ?`, userID,
	).Scan(&rec.UserID, &contextID, &complID, &active, &rec.StartedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	rec.CurrentContextID = storage.ContextID(contextID)
	rec.LastCompletionID = storage.CompletionID(complID)
	rec.Active = active != 0
	if endedAt.Valid {
		rec.EndedAt = endedAt.Time
	}
	return &rec, nil
}

// PutSession upserts the session row for rec.UserID.
func (s *Store) PutSession(
	ctx context.Context,
	rec *storage.SessionRecord,
) error {
	active := 0
	if rec.Active {
		active = 1
	}
	var endedAt any
	if !rec.EndedAt.IsZero() {
		endedAt = rec.EndedAt.UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, current_context_id, last_completion_id, active, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			current_context_id = excluded.current_context_id,
			last_completion_id = excluded.last_completion_id,
			active = excluded.active,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at`,
		rec.UserID, uint64(rec.CurrentContextID), uint64(rec.LastCompletionID),
		active, rec.StartedAt.UTC(), endedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}
