package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tokenflow/tokenflow-go/flow/emit"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps runs, tokens, fan-in records, context namespaces, and the event
// outbox in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process coordinators needing durability
//   - Prototyping before migrating to MySQL
//
// Run transactions map to real SQL transactions; an additional in-process
// per-run lock enforces the single-writer-per-run contract without relying
// on database lock granularity.
//
// SQLiteStore uses WAL mode for concurrent reads and a single write
// connection, matching SQLite's one-writer model.
type SQLiteStore struct {
	db       *sql.DB
	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
	closed   bool
	path     string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./runs.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically creates the database file and required tables,
// enables WAL mode, and configures a busy timeout.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		db:       db,
		runLocks: make(map[string]*sync.Mutex),
		path:     path,
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT NOT NULL PRIMARY KEY,
			definition_id TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id TEXT NOT NULL PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			status TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			path_id TEXT NOT NULL,
			fan_out_transition_id TEXT NOT NULL DEFAULT '',
			branch_index INTEGER NOT NULL DEFAULT 0,
			branch_total INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			arrived_at TEXT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_run ON tokens(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_run_status ON tokens(run_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_run_path ON tokens(run_id, path_id)`,
		`CREATE TABLE IF NOT EXISTS fanins (
			id TEXT NOT NULL PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			fan_in_path TEXT NOT NULL,
			status TEXT NOT NULL,
			transition_id TEXT NOT NULL,
			first_arrival_at TEXT NOT NULL,
			activated_at TEXT NULL,
			UNIQUE(run_id, fan_in_path)
		)`,
		`CREATE TABLE IF NOT EXISTS run_context (
			run_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			doc TEXT NOT NULL,
			PRIMARY KEY(run_id, namespace)
		)`,
		`CREATE TABLE IF NOT EXISTS events_outbox (
			id TEXT NOT NULL PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			category TEXT NOT NULL,
			token_id TEXT NOT NULL DEFAULT '',
			node_id TEXT NOT NULL DEFAULT '',
			msg TEXT NOT NULL,
			meta TEXT NOT NULL DEFAULT '{}',
			at TEXT NOT NULL,
			emitted_at TEXT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_pending ON events_outbox(emitted_at, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events_outbox(run_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// CreateRun records a new run and creates its context namespaces.
func (s *SQLiteStore) CreateRun(ctx context.Context, run RunRecord, namespaces []string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
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
		res, err := tx.ExecContext(ctx, `
			INSERT INTO run_context (run_id, namespace, doc) VALUES (?, ?, '{}')
			ON CONFLICT(run_id, namespace) DO NOTHING`, run.ID, ns)
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
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	if err := s.checkOpen(); err != nil {
		return RunRecord{}, err
	}
	return scanRun(s.db.QueryRowContext(ctx, `
		SELECT id, definition_id, version, status, error, created_at, updated_at
		FROM runs WHERE id = ?`, runID))
}

// WithRun executes fn against a serialized, atomic run transaction.
func (s *SQLiteStore) WithRun(ctx context.Context, runID string, fn func(tx RunTx) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	s.mu.Lock()
	lock, ok := s.runLocks[runID]
	if !ok {
		lock = &sync.Mutex{}
		s.runLocks[runID] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
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

	rt := &sqlTx{ctx: ctx, tx: tx, runID: runID, nsInsert: sqliteNamespaceInsert}
	if err := fn(rt); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// PendingEvents retrieves outbox events that have not been emitted yet.
func (s *SQLiteStore) PendingEvents(ctx context.Context, limit int) ([]emit.Event, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
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
func (s *SQLiteStore) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
	if err := s.checkOpen(); err != nil {
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

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark events as emitted: %w", err)
	}
	return nil
}

// Close closes the database connection. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// timeLayout is RFC 3339 with fixed-width fractional seconds, so the stored
// strings sort lexicographically in chronological order and ORDER BY works
// on them directly.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var (
		rec                  RunRecord
		status               string
		createdAt, updatedAt string
	)
	err := row.Scan(&rec.ID, &rec.DefinitionID, &rec.Version, &status, &rec.Error, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("failed to scan run: %w", err)
	}
	rec.Status = RunStatus(status)
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return RunRecord{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return RunRecord{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return rec, nil
}

const tokenColumns = `id, run_id, node_id, status, parent_id, path_id,
	fan_out_transition_id, branch_index, branch_total, created_at, updated_at, arrived_at`

func scanToken(row rowScanner) (Token, error) {
	var (
		tok                  Token
		status               string
		createdAt, updatedAt string
		arrivedAt            sql.NullString
	)
	err := row.Scan(&tok.ID, &tok.RunID, &tok.NodeID, &status, &tok.ParentID, &tok.PathID,
		&tok.FanOutTransitionID, &tok.BranchIndex, &tok.BranchTotal, &createdAt, &updatedAt, &arrivedAt)
	if err == sql.ErrNoRows {
		return Token{}, ErrNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("failed to scan token: %w", err)
	}
	tok.Status = TokenStatus(status)
	if tok.CreatedAt, err = parseTime(createdAt); err != nil {
		return Token{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if tok.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Token{}, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if arrivedAt.Valid {
		at, err := parseTime(arrivedAt.String)
		if err != nil {
			return Token{}, fmt.Errorf("failed to parse arrived_at: %w", err)
		}
		tok.ArrivedAt = &at
	}
	return tok, nil
}

func scanEvent(row rowScanner) (emit.Event, error) {
	var (
		ev       emit.Event
		category string
		metaJSON string
		at       string
	)
	err := row.Scan(&ev.ID, &ev.RunID, &ev.Seq, &category, &ev.TokenID, &ev.NodeID, &ev.Msg, &metaJSON, &at)
	if err != nil {
		return emit.Event{}, fmt.Errorf("failed to scan event row: %w", err)
	}
	ev.Category = emit.Category(category)
	if ev.At, err = parseTime(at); err != nil {
		return emit.Event{}, fmt.Errorf("failed to parse event time: %w", err)
	}
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &ev.Meta); err != nil {
			return emit.Event{}, fmt.Errorf("failed to unmarshal event meta: %w", err)
		}
	}
	return ev, nil
}

// sqlTx implements RunTx over a *sql.Tx. The SQL here is shared by the
// SQLite and MySQL stores; both accept ? placeholders.
type sqlTx struct {
	ctx   context.Context
	tx    *sql.Tx
	runID string

	// nsInsert is the dialect-specific insert-if-absent statement for
	// run_context rows (ON CONFLICT for SQLite, INSERT IGNORE for MySQL).
	nsInsert string
}

const sqliteNamespaceInsert = `
	INSERT INTO run_context (run_id, namespace, doc) VALUES (?, ?, '{}')
	ON CONFLICT(run_id, namespace) DO NOTHING`

func (t *sqlTx) Run() (RunRecord, error) {
	return scanRun(t.tx.QueryRowContext(t.ctx, `
		SELECT id, definition_id, version, status, error, created_at, updated_at
		FROM runs WHERE id = ?`, t.runID))
}

func (t *sqlTx) SetRunStatus(status RunStatus, errMsg string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, formatTime(time.Now()), t.runID)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}

func (t *sqlTx) InsertToken(tok Token) error {
	var arrivedAt interface{}
	if tok.ArrivedAt != nil {
		arrivedAt = formatTime(*tok.ArrivedAt)
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO tokens (id, run_id, node_id, status, parent_id, path_id,
			fan_out_transition_id, branch_index, branch_total, created_at, updated_at, arrived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tok.ID, tok.RunID, tok.NodeID, string(tok.Status), tok.ParentID, tok.PathID,
		tok.FanOutTransitionID, tok.BranchIndex, tok.BranchTotal,
		formatTime(tok.CreatedAt), formatTime(tok.UpdatedAt), arrivedAt)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

func (t *sqlTx) GetToken(id string) (Token, error) {
	return scanToken(t.tx.QueryRowContext(t.ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE id = ? AND run_id = ?`, id, t.runID))
}

func (t *sqlTx) TransitionToken(id string, to TokenStatus, from ...TokenStatus) (Token, bool, error) {
	tok, err := t.GetToken(id)
	if err != nil {
		return Token{}, false, err
	}

	match := false
	for _, f := range from {
		if tok.Status == f {
			match = true
			break
		}
	}
	if !match || !CanTransition(tok.Status, to) {
		return tok, false, nil
	}

	now := time.Now().UTC()
	_, err = t.tx.ExecContext(t.ctx, `
		UPDATE tokens SET status = ?, updated_at = ? WHERE id = ?`,
		string(to), formatTime(now), id)
	if err != nil {
		return Token{}, false, fmt.Errorf("failed to transition token: %w", err)
	}
	tok.Status = to
	tok.UpdatedAt = now
	return tok, true, nil
}

func (t *sqlTx) SetArrived(id string, at time.Time) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE tokens SET arrived_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(at), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set arrival time: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqlTx) SetTokenLineage(id, pathID, fanOutTransitionID string, branchIndex, branchTotal int) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE tokens SET path_id = ?, fan_out_transition_id = ?, branch_index = ?,
			branch_total = ?, updated_at = ?
		WHERE id = ?`,
		pathID, fanOutTransitionID, branchIndex, branchTotal, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update token lineage: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqlTx) LatestByPath(pathID string) (Token, error) {
	return scanToken(t.tx.QueryRowContext(t.ctx, `
		SELECT `+tokenColumns+` FROM tokens
		WHERE run_id = ? AND path_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, t.runID, pathID))
}

func (t *sqlTx) WaitingAt(fanInPath string) ([]Token, error) {
	tokens, err := t.queryTokens(`
		SELECT `+tokenColumns+` FROM tokens
		WHERE run_id = ? AND status = ?
		ORDER BY branch_index ASC`, t.runID, string(StatusWaiting))
	if err != nil {
		return nil, err
	}

	// The structural branch-path check cannot be expressed portably in SQL;
	// waiting sets are small, so filter here.
	var out []Token
	for _, tok := range tokens {
		if IsDirectBranchPath(tok.PathID, fanInPath) {
			out = append(out, tok)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchIndex < out[j].BranchIndex })
	return out, nil
}

func (t *sqlTx) LiveTokens() ([]Token, error) {
	return t.queryTokens(`
		SELECT `+tokenColumns+` FROM tokens
		WHERE run_id = ? AND status IN (?, ?, ?, ?)
		ORDER BY created_at ASC, id ASC`, t.runID,
		string(StatusPending), string(StatusDispatched), string(StatusExecuting), string(StatusWaiting))
}

func (t *sqlTx) queryTokens(query string, args ...interface{}) ([]Token, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Token
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating token rows: %w", err)
	}
	return out, nil
}

func (t *sqlTx) GetFanIn(fanInPath string) (FanInRecord, error) {
	var (
		rec            FanInRecord
		status         string
		firstArrivalAt string
		activatedAt    sql.NullString
	)
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT id, run_id, node_id, fan_in_path, status, transition_id, first_arrival_at, activated_at
		FROM fanins WHERE run_id = ? AND fan_in_path = ?`, t.runID, fanInPath).
		Scan(&rec.ID, &rec.RunID, &rec.NodeID, &rec.FanInPath, &status, &rec.TransitionID, &firstArrivalAt, &activatedAt)
	if err == sql.ErrNoRows {
		return FanInRecord{}, ErrNotFound
	}
	if err != nil {
		return FanInRecord{}, fmt.Errorf("failed to scan fan-in record: %w", err)
	}
	rec.Status = FanInStatus(status)
	if rec.FirstArrivalAt, err = parseTime(firstArrivalAt); err != nil {
		return FanInRecord{}, fmt.Errorf("failed to parse first_arrival_at: %w", err)
	}
	if activatedAt.Valid {
		at, err := parseTime(activatedAt.String)
		if err != nil {
			return FanInRecord{}, fmt.Errorf("failed to parse activated_at: %w", err)
		}
		rec.ActivatedAt = &at
	}
	return rec, nil
}

func (t *sqlTx) InsertFanIn(rec FanInRecord) error {
	// The per-run lock serializes arrivals, so existence can be checked
	// without racing the insert. The UNIQUE constraint remains as a backstop.
	if _, err := t.GetFanIn(rec.FanInPath); err == nil {
		return ErrFanInExists
	} else if err != ErrNotFound {
		return err
	}

	var activatedAt interface{}
	if rec.ActivatedAt != nil {
		activatedAt = formatTime(*rec.ActivatedAt)
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO fanins (id, run_id, node_id, fan_in_path, status, transition_id, first_arrival_at, activated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.NodeID, rec.FanInPath, string(rec.Status), rec.TransitionID,
		formatTime(rec.FirstArrivalAt), activatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert fan-in record: %w", err)
	}
	return nil
}

func (t *sqlTx) UpdateFanIn(rec FanInRecord) error {
	var activatedAt interface{}
	if rec.ActivatedAt != nil {
		activatedAt = formatTime(*rec.ActivatedAt)
	}
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE fanins SET status = ?, activated_at = ? WHERE id = ?`,
		string(rec.Status), activatedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update fan-in record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqlTx) CreateNamespace(namespace string) error {
	_, err := t.tx.ExecContext(t.ctx, t.nsInsert, t.runID, namespace)
	if err != nil {
		return fmt.Errorf("failed to create namespace %s: %w", namespace, err)
	}
	return nil
}

func (t *sqlTx) DropNamespace(namespace string) error {
	// Remove-if-present semantics: dropping an absent namespace is a no-op.
	_, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM run_context WHERE run_id = ? AND namespace = ?`, t.runID, namespace)
	if err != nil {
		return fmt.Errorf("failed to drop namespace %s: %w", namespace, err)
	}
	return nil
}

func (t *sqlTx) Namespace(namespace string) (map[string]any, error) {
	var docJSON string
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT doc FROM run_context WHERE run_id = ? AND namespace = ?`, t.runID, namespace).Scan(&docJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load namespace %s: %w", namespace, err)
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(docJSON), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal namespace %s: %w", namespace, err)
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	return doc, nil
}

func (t *sqlTx) ReadPath(namespace, path string) (any, bool, error) {
	doc, err := t.Namespace(namespace)
	if err != nil {
		return nil, false, err
	}
	v, found := GetPath(doc, path)
	return v, found, nil
}

func (t *sqlTx) WritePath(namespace, path string, value any) error {
	doc, err := t.Namespace(namespace)
	if err != nil {
		return err
	}
	SetPath(doc, path, value)

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal namespace %s: %w", namespace, err)
	}
	_, err = t.tx.ExecContext(t.ctx, `
		UPDATE run_context SET doc = ? WHERE run_id = ? AND namespace = ?`,
		string(docJSON), t.runID, namespace)
	if err != nil {
		return fmt.Errorf("failed to write namespace %s: %w", namespace, err)
	}
	return nil
}

func (t *sqlTx) Namespaces() ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT namespace FROM run_context WHERE run_id = ? ORDER BY namespace ASC`, t.runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("failed to scan namespace: %w", err)
		}
		out = append(out, ns)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating namespaces: %w", err)
	}
	return out, nil
}

func (t *sqlTx) NextSeq() (int64, error) {
	if _, err := t.tx.ExecContext(t.ctx, `UPDATE runs SET seq = seq + 1 WHERE id = ?`, t.runID); err != nil {
		return 0, fmt.Errorf("failed to increment sequence: %w", err)
	}
	var seq int64
	if err := t.tx.QueryRowContext(t.ctx, `SELECT seq FROM runs WHERE id = ?`, t.runID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	return seq, nil
}

func (t *sqlTx) AppendEvent(ev emit.Event) error {
	metaJSON := "{}"
	if len(ev.Meta) > 0 {
		data, err := json.Marshal(ev.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal event meta: %w", err)
		}
		metaJSON = string(data)
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO events_outbox (id, run_id, seq, category, token_id, node_id, msg, meta, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RunID, ev.Seq, string(ev.Category), ev.TokenID, ev.NodeID, ev.Msg, metaJSON, formatTime(ev.At))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}
