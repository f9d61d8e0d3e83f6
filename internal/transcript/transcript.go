// Package transcript appends committed conversation messages to a local
// SQLite database so a later process can resume a prior session. It is
// opt-in: a Runner has no transcript at all unless one is opened against a
// configured path.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jmeyers35/twiddle/internal/convo"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id           TEXT NOT NULL,
	seq                  INTEGER NOT NULL,
	role                 INTEGER NOT NULL,
	content              TEXT NOT NULL,
	content_is_null      INTEGER NOT NULL,
	tool_calls           TEXT NOT NULL,
	processed_tool_calls INTEGER NOT NULL,
	tool_call_id         TEXT NOT NULL,
	tool_name            TEXT NOT NULL,
	created_at           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_session_seq ON messages (session_id, seq);
`

// Store is a SQLite-backed append log of one process's committed messages,
// keyed by a process-lifetime session id.
type Store struct {
	db        *sql.DB
	sessionID string

	stmtAppend *sql.Stmt
	nextSeq    int
}

// Open opens (creating if necessary) the SQLite database at path and
// prepares it for appending under a freshly generated session id.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("transcript: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("transcript: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one *DB

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("transcript: migrate schema: %w", err)
	}

	stmt, err := db.Prepare(`
		INSERT INTO messages (session_id, seq, role, content, content_is_null, tool_calls, processed_tool_calls, tool_call_id, tool_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("transcript: prepare append: %w", err)
	}

	return &Store{
		db:         db,
		sessionID:  uuid.NewString(),
		stmtAppend: stmt,
	}, nil
}

// SessionID returns the id this process's messages are being recorded
// under, so an operator can pass it to a later --resume <id>.
func (s *Store) SessionID() string {
	return s.sessionID
}

// Close releases the prepared statement and the underlying connection.
func (s *Store) Close() error {
	if err := s.stmtAppend.Close(); err != nil {
		s.db.Close()
		return fmt.Errorf("transcript: close statement: %w", err)
	}
	return s.db.Close()
}

// Append records one committed message at the end of this session's log.
// Called only after a turn's Snapshot has been committed, so tool calls
// are always fully finalized (ProcessedToolCalls is recorded as-is and may
// still be mid-drain for an assistant message under active dispatch).
func (s *Store) Append(ctx context.Context, m convo.Message) error {
	callsJSON, err := json.Marshal(m.ToolCalls)
	if err != nil {
		return fmt.Errorf("transcript: marshal tool calls: %w", err)
	}

	contentIsNull := 0
	if m.ContentIsNull {
		contentIsNull = 1
	}

	_, err = s.stmtAppend.ExecContext(ctx,
		s.sessionID,
		s.nextSeq,
		int(m.Role),
		m.Content,
		contentIsNull,
		string(callsJSON),
		m.ProcessedToolCalls,
		m.ToolCallID,
		m.ToolName,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("transcript: append: %w", err)
	}
	s.nextSeq++
	return nil
}

// Load reconstructs a Conversation from every message recorded under
// sessionID, in the order they were appended. It returns an empty,
// non-nil Conversation if no messages were ever recorded under that id.
func Load(ctx context.Context, path, sessionID string) (*convo.Conversation, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("transcript: open: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT role, content, content_is_null, tool_calls, processed_tool_calls, tool_call_id, tool_name
		FROM messages WHERE session_id = ? ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript: load: %w", err)
	}
	defer rows.Close()

	conv := convo.New()
	for rows.Next() {
		var (
			role               int
			content            string
			contentIsNull      int
			toolCallsJSON      string
			processedToolCalls int
			toolCallID         string
			toolName           string
		)
		if err := rows.Scan(&role, &content, &contentIsNull, &toolCallsJSON, &processedToolCalls, &toolCallID, &toolName); err != nil {
			return nil, fmt.Errorf("transcript: scan row: %w", err)
		}
		var calls []convo.ToolCall
		if err := json.Unmarshal([]byte(toolCallsJSON), &calls); err != nil {
			return nil, fmt.Errorf("transcript: unmarshal tool calls: %w", err)
		}
		conv.Append(convo.Message{
			Role:               convo.Role(role),
			Content:            content,
			ContentIsNull:      contentIsNull != 0,
			ToolCalls:          calls,
			ProcessedToolCalls: processedToolCalls,
			ToolCallID:         toolCallID,
			ToolName:           toolName,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript: iterate rows: %w", err)
	}
	return conv, nil
}
