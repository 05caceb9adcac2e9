package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/tokenflow/tokenflow-go/flow/emit"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// It stores runs, tokens, fan-in records, context namespaces, and the event
// outbox in a relational database. Designed for:
//   - Production coordinators requiring persistence
//   - Long-running workflows that survive process restarts
//   - Audit trails and compliance requirements
//
// MySQLStore uses connection pooling and transactions for reliability. The
// single-writer-per-run contract is enforced by an in-process per-run lock,
// the same way SQLiteStore does it; the database transaction provides
// atomicity and rollback.
//
// Schema:
//   - runs: one row per workflow run, including the per-run event sequence
//   - tokens: the full token history of each run
//   - fanins: one row per fan-in synchronization point
//   - run_context: one JSON document per (run, namespace)
//   - events_outbox: transactional event outbox
type MySQLStore struct {
	db       *sql.DB
	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
	closed   bool
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/tokenflow
//	user:password@tcp(127.0.0.1:3306)/tokenflow?parseTime=true
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Use environment variables:
//	    dsn := os.Getenv("MYSQL_DSN")
//	    if dsn == "" {
//	        log.Fatal("MYSQL_DSN environment variable not set")
//	    }
//	    store, err := NewMySQLStore(dsn)
//
// The store automatically:
//   - Creates required tables if they don't exist
//   - Configures connection pooling
//   - Sets appropriate timeouts
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{
		db:       db,
		runLocks: make(map[string]*sync.Mutex),
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// createTables creates the required database schema if it doesn't exist.
//
// Key columns are VARCHAR(191) so composite unique indexes stay under the
// utf8mb4 index length limit. Timestamps are stored as RFC3339 strings to
// keep the row formats identical across the SQLite and MySQL stores.
func (m *MySQLStore) createTables(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id VARCHAR(191) NOT NULL PRIMARY KEY,
			definition_id VARCHAR(191) NOT NULL,
			version VARCHAR(64) NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			error TEXT NOT NULL,
			seq BIGINT NOT NULL DEFAULT 0,
			created_at VARCHAR(64) NOT NULL,
			updated_at VARCHAR(64) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id VARCHAR(191) NOT NULL PRIMARY KEY,
			run_id VARCHAR(191) NOT NULL,
			node_id VARCHAR(191) NOT NULL,
			status VARCHAR(32) NOT NULL,
			parent_id VARCHAR(191) NOT NULL DEFAULT '',
			path_id VARCHAR(512) NOT NULL,
			fan_out_transition_id VARCHAR(191) NOT NULL DEFAULT '',
			branch_index INT NOT NULL DEFAULT 0,
			branch_total INT NOT NULL DEFAULT 0,
			created_at VARCHAR(64) NOT NULL,
			updated_at VARCHAR(64) NOT NULL,
			arrived_at VARCHAR(64) NULL,
			INDEX idx_tokens_run (run_id),
			INDEX idx_tokens_run_status (run_id, status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS fanins (
			id VARCHAR(191) NOT NULL PRIMARY KEY,
			run_id VARCHAR(191) NOT NULL,
			node_id VARCHAR(191) NOT NULL,
			fan_in_path VARCHAR(512) NOT NULL,
			status VARCHAR(32) NOT NULL,
			transition_id VARCHAR(191) NOT NULL,
			first_arrival_at VARCHAR(64) NOT NULL,
			activated_at VARCHAR(64) NULL,
			UNIQUE KEY unique_run_fanin (run_id, fan_in_path(191))
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS run_context (
			run_id VARCHAR(191) NOT NULL,
			namespace VARCHAR(191) NOT NULL,
			doc JSON NOT NULL,
			PRIMARY KEY (run_id, namespace)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS events_outbox (
			id VARCHAR(191) NOT NULL PRIMARY KEY,
			run_id VARCHAR(191) NOT NULL,
			seq BIGINT NOT NULL,
			category VARCHAR(32) NOT NULL,
			token_id VARCHAR(191) NOT NULL DEFAULT '',
			node_id VARCHAR(191) NOT NULL DEFAULT '',
			msg VARCHAR(191) NOT NULL,
			meta JSON NOT NULL,
			at VARCHAR(64) NOT NULL,
			emitted_at VARCHAR(64) NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_events_pending (emitted_at, created_at),
			INDEX idx_events_run (run_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range tables {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

const mysqlNamespaceInsert = `INSERT IGNORE INTO run_context (run_id, namespace, doc) VALUES (?, ?, '{}')`

// CreateRun records a new run and creates its context namespaces.
func (m *MySQLStore) CreateRun(ctx context.Context, run RunRecord, namespaces []string) (int, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, run.ID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("failed to check run existence: %w", err)
	}
	if exists > 0 {
		return 0, ErrRunExists
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, definition_id, version, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.DefinitionID, run.Version, string(run.Status), run.Error,
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to insert run: %w", err)
	}

	created := 0
	for _, ns := range namespaces {
		res, err := tx.ExecContext(ctx, mysqlNamespaceInsert, run.ID, ns)
		if err != nil {
			return 0, fmt.Errorf("failed to create namespace %s: %w", ns, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			created++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return created, nil
}

// GetRun retrieves a run record.
func (m *MySQLStore) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	if err := m.checkOpen(); err != nil {
		return RunRecord{}, err
	}
	return scanRun(m.db.QueryRowContext(ctx, `
		SELECT id, definition_id, version, status, error, created_at, updated_at
		FROM runs WHERE id = ?`, runID))
}

// WithRun executes fn against a serialized, atomic run transaction.
func (m *MySQLStore) WithRun(ctx context.Context, runID string, fn func(tx RunTx) error) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	m.mu.Lock()
	lock, ok := m.runLocks[runID]
	if !ok {
		lock = &sync.Mutex{}
		m.runLocks[runID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, runID).Scan(&exists); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to check run existence: %w", err)
	}
	if exists == 0 {
		_ = tx.Rollback()
		return ErrNotFound
	}

	rt := &sqlTx{ctx: ctx, tx: tx, runID: runID, nsInsert: mysqlNamespaceInsert}
	if err := fn(rt); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// PendingEvents retrieves outbox events that have not been emitted yet.
func (m *MySQLStore) PendingEvents(ctx context.Context, limit int) ([]emit.Event, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, run_id, seq, category, token_id, node_id, msg, meta, at
		FROM events_outbox
		WHERE emitted_at IS NULL
		ORDER BY created_at ASC, seq ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []emit.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return events, nil
}

// MarkEventsEmitted marks outbox events as delivered.
func (m *MySQLStore) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if len(eventIDs) == 0 {
		return nil
	}

	placeholders := ""
	args := make([]interface{}, len(eventIDs))
	for i, id := range eventIDs {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args[i] = id
	}

	// #nosec G201 -- placeholders are "?" marks, not user input
	query := fmt.Sprintf(`UPDATE events_outbox SET emitted_at = ? WHERE id IN (%s)`, placeholders)
	args = append([]interface{}{formatTime(time.Now().UTC())}, args...)

	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark events as emitted: %w", err)
	}
	return nil
}

// Close closes the database connection pool.
//
// After Close, all operations will return an error.
// Calling Close multiple times is safe (subsequent calls are no-ops).
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil // Double-close is a no-op (matches sql.DB behavior)
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
//
// Useful for health checks and connection validation.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

// Stats returns database connection pool statistics.
//
// Useful for monitoring connection usage and pool health.
func (m *MySQLStore) Stats() sql.DBStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Stats()
}

func (m *MySQLStore) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}
