// Package transcript archives conversations to SQLite: every message
// the conversation loop appends and every tool invocation it performs.
// The archive is write-mostly; the interactive history command reads
// it back.
package transcript

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/mcpterm/internal/llm"
)

// DBName is the archive file name inside the data directory.
const DBName = "transcripts.db"

// Store is a SQLite-backed transcript archive.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the archive at dbPath.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// OpenDir opens the archive inside dataDir.
func OpenDir(dataDir string) (*Store, error) {
	return Open(filepath.Join(dataDir, DBName))
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		model TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		timestamp TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		call_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		result TEXT,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		duration_ms INTEGER NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_conversation ON tool_calls(conversation_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool_name);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Start creates a new conversation row and returns a handle that
// records into it.
func (s *Store) Start(model string) (*Conversation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate conversation id: %w", err)
	}
	now := time.Now().UTC()
	if _, err := s.db.Exec(`
		INSERT INTO conversations (id, model, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, id.String(), model, now, now); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &Conversation{store: s, id: id.String()}, nil
}

// Summary describes an archived conversation.
type Summary struct {
	ID        string
	Model     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Messages  int
	ToolCalls int
	// FirstUserMessage is the opening user text, for listings.
	FirstUserMessage string
}

// Recent returns the most recently updated conversations that have at
// least one message, newest first.
func (s *Store) Recent(limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT c.id, c.model, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id),
			(SELECT COUNT(*) FROM tool_calls t WHERE t.conversation_id = c.id),
			COALESCE((SELECT content FROM messages m
				WHERE m.conversation_id = c.id AND m.role = 'user'
				ORDER BY seq ASC LIMIT 1), '')
		FROM conversations c
		WHERE EXISTS (SELECT 1 FROM messages m WHERE m.conversation_id = c.id)
		ORDER BY c.updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.Model, &sum.CreatedAt, &sum.UpdatedAt,
			&sum.Messages, &sum.ToolCalls, &sum.FirstUserMessage); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Messages returns a conversation's messages in append order.
func (s *Store) Messages(conversationID string) ([]llm.Message, error) {
	rows, err := s.db.Query(`
		SELECT role, content, tool_calls, tool_call_id
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []llm.Message
	for rows.Next() {
		var (
			m          llm.Message
			toolCalls  sql.NullString
			toolCallID sql.NullString
		)
		if err := rows.Scan(&m.Role, &m.Content, &toolCalls, &toolCallID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		m.ToolCallID = toolCallID.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// ToolCall is an archived tool invocation.
type ToolCall struct {
	CallID    string
	Tool      string
	Arguments string
	Result    string
	Error     string
	StartedAt time.Time
	Duration  time.Duration
}

// ToolCalls returns a conversation's tool invocations in start order.
func (s *Store) ToolCalls(conversationID string) ([]ToolCall, error) {
	rows, err := s.db.Query(`
		SELECT call_id, tool_name, arguments, COALESCE(result, ''), COALESCE(error, ''),
			started_at, duration_ms
		FROM tool_calls
		WHERE conversation_id = ?
		ORDER BY started_at ASC, rowid ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	var out []ToolCall
	for rows.Next() {
		var (
			tc ToolCall
			ms int64
		)
		if err := rows.Scan(&tc.CallID, &tc.Tool, &tc.Arguments, &tc.Result, &tc.Error, &tc.StartedAt, &ms); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		tc.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, tc)
	}
	return out, rows.Err()
}
