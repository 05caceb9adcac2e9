package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tokenflow/tokenflow-go/flow"
)

// SQLiteQueue is a persistent Queue backed by SQLite, with FIFO semantics
// based on the auto-incrementing row id. Messages survive process restarts;
// a message is deleted when a consumer claims it.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue opens (or creates) the queue database at path.
func NewSQLiteQueue(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	q := &SQLiteQueue{db: db, pollInterval: 20 * time.Millisecond}
	if err := q.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			run_id TEXT NOT NULL,
			token_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			action_id TEXT NOT NULL,
			action_kind TEXT NOT NULL,
			input TEXT,
			enqueued_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create queue schema: %w", err)
	}
	return nil
}

var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, msg flow.TaskMessage) error {
	var inputJSON []byte
	if msg.Input != nil {
		var err error
		inputJSON, err = json.Marshal(msg.Input)
		if err != nil {
			return fmt.Errorf("failed to encode task input: %w", err)
		}
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO task_messages
			(task_id, idempotency_key, run_id, token_id, node_id, action_id, action_kind, input, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.TaskID, msg.IdempotencyKey, msg.RunID, msg.TokenID,
		msg.NodeID, msg.ActionID, msg.ActionKind, string(inputJSON),
		time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", msg.TaskID, err)
	}
	return nil
}

// Dequeue claims the oldest message, deleting its row in the same
// transaction. When the queue is empty it polls until a message appears or
// the context is cancelled.
func (q *SQLiteQueue) Dequeue(ctx context.Context) (*flow.TaskMessage, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		msg, found, err := q.tryDequeue(ctx)
		if err != nil {
			return nil, err
		}
		if found {
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *SQLiteQueue) tryDequeue(ctx context.Context) (*flow.TaskMessage, bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}

	var (
		id        int64
		msg       flow.TaskMessage
		inputJSON string
	)
	row := tx.QueryRowContext(ctx, `
		SELECT id, task_id, idempotency_key, run_id, token_id, node_id, action_id, action_kind, input
		FROM task_messages
		ORDER BY id
		LIMIT 1`)
	err = row.Scan(&id, &msg.TaskID, &msg.IdempotencyKey, &msg.RunID, &msg.TokenID,
		&msg.NodeID, &msg.ActionID, &msg.ActionKind, &inputJSON)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil, false, nil
	}
	if err != nil {
		_ = tx.Rollback()
		return nil, false, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_messages WHERE id = ?`, id); err != nil {
		_ = tx.Rollback()
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	if inputJSON != "" {
		if err := json.Unmarshal([]byte(inputJSON), &msg.Input); err != nil {
			return nil, false, fmt.Errorf("failed to decode task input: %w", err)
		}
	}
	return &msg, true, nil
}

func (q *SQLiteQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM task_messages`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Close releases the underlying database handle.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
