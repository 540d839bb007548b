package conversations

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spy-chat-core/server/internal/agent/model"
	errx "github.com/spy-chat-core/server/internal/core/error"
	logx "github.com/spy-chat-core/server/pkg/logger"
)

// SQLiteStore keeps messages in a (conversation_id, seq) ordered table.
type SQLiteStore struct {
	db    *sql.DB
	locks *KeyedMutex
}

// NewSQLiteStore creates the schema on first use.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, locks: NewKeyedMutex()}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversation_messages (
		conversation_id TEXT    NOT NULL,
		seq             INTEGER NOT NULL,
		role            TEXT    NOT NULL,
		content         TEXT    NOT NULL,
		tool_call_id    TEXT    NOT NULL DEFAULT '',
		tool_name       TEXT    NOT NULL DEFAULT '',
		tool_calls      TEXT    NOT NULL DEFAULT '',
		created_at      TEXT    NOT NULL,
		PRIMARY KEY (conversation_id, seq)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, conversationID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, tool_call_id, tool_name, tool_calls, created_at
		 FROM conversation_messages WHERE conversation_id = ? ORDER BY seq`,
		conversationID,
	)
	if err != nil {
		logx.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to load conversation from sqlite")
		return nil, errx.WrapStore(fmt.Errorf("load %s: %w", conversationID, err))
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Append validates and inserts the batch inside one transaction.
func (s *SQLiteStore) Append(ctx context.Context, conversationID string, batch []model.Message) error {
	if len(batch) == 0 {
		return errx.ErrEmptyBatch
	}

	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errx.WrapStore(fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx,
		`SELECT role, content, tool_call_id, tool_name, tool_calls, created_at
		 FROM conversation_messages WHERE conversation_id = ? ORDER BY seq`,
		conversationID,
	)
	if err != nil {
		return errx.WrapStore(fmt.Errorf("load %s: %w", conversationID, err))
	}
	existing, err := scanMessages(rows)
	rows.Close()
	if err != nil {
		return err
	}
	if err := ValidateBatch(existing, batch); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO conversation_messages
		 (conversation_id, seq, role, content, tool_call_id, tool_name, tool_calls, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return errx.WrapStore(fmt.Errorf("prepare insert: %w", err))
	}
	defer stmt.Close()

	for i, m := range batch {
		calls := ""
		if len(m.ToolCalls) > 0 {
			b, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool calls: %w", err)
			}
			calls = string(b)
		}
		if _, err := stmt.ExecContext(ctx,
			conversationID, len(existing)+i, string(m.Role), m.Content,
			m.ToolCallID, m.ToolName, calls, m.Timestamp.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return errx.WrapStore(fmt.Errorf("insert message %d: %w", i, err))
		}
	}

	if err := tx.Commit(); err != nil {
		logx.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to commit conversation batch")
		return errx.WrapStore(fmt.Errorf("commit: %w", err))
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Window reads the tail and the preamble inside one read transaction so both
// come from the same snapshot.
func (s *SQLiteStore) Window(ctx context.Context, conversationID string, maxMessages int) ([]model.Message, error) {
	if maxMessages < 0 {
		maxMessages = 0
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errx.WrapStore(fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // read only, nothing to commit

	rows, err := tx.QueryContext(ctx,
		`SELECT role, content, tool_call_id, tool_name, tool_calls, created_at FROM (
			SELECT * FROM conversation_messages
			WHERE conversation_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`,
		conversationID, maxMessages,
	)
	if err != nil {
		return nil, errx.WrapStore(fmt.Errorf("window %s: %w", conversationID, err))
	}
	tail, err := scanMessages(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	return withPreamble(ctx, tx, conversationID, tail)
}

// withPreamble prepends the stored preamble unless tail already covers the
// whole conversation.
func withPreamble(ctx context.Context, q querier, conversationID string, tail []model.Message) ([]model.Message, error) {
	var total int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_messages WHERE conversation_id = ?`, conversationID,
	).Scan(&total); err != nil {
		return nil, errx.WrapStore(fmt.Errorf("count %s: %w", conversationID, err))
	}
	if total <= len(tail) {
		return tail, nil
	}

	rows, err := q.QueryContext(ctx,
		`SELECT role, content, tool_call_id, tool_name, tool_calls, created_at
		 FROM conversation_messages WHERE conversation_id = ? AND seq = 0`,
		conversationID,
	)
	if err != nil {
		return nil, errx.WrapStore(fmt.Errorf("preamble %s: %w", conversationID, err))
	}
	first, err := scanMessages(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if !HasPreamble(first) {
		return tail, nil
	}
	return append(first, tail...), nil
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	msgs := []model.Message{}
	for rows.Next() {
		var (
			m               model.Message
			role, calls, at string
		)
		if err := rows.Scan(&role, &m.Content, &m.ToolCallID, &m.ToolName, &calls, &at); err != nil {
			return nil, errx.WrapStore(fmt.Errorf("scan message: %w", err))
		}
		m.Role = model.Role(role)
		if calls != "" {
			if err := json.Unmarshal([]byte(calls), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			m.Timestamp = t
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.WrapStore(err)
	}
	return msgs, nil
}

var _ model.ConversationStore = (*SQLiteStore)(nil)
