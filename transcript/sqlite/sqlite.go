// Package sqlite implements parley.Transcript backed by a local SQLite file
// with pure-Go SQLite. Writers serialize through a single connection in
// process and through a flock(2) sidecar file across processes. Zero CGO
// required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nevindra/parley"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithMaxMessageLength overrides the append size limit
// (parley.DefaultMaxMessageLength by default).
func WithMaxMessageLength(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

// Store implements parley.Transcript backed by a local SQLite file.
// Message metadata is stored as JSON text; conversation counters live in a
// key/value table and are updated in the same transaction as the insert.
type Store struct {
	db     *sql.DB
	path   string
	lock   *fileLock
	maxLen int
	logger *slog.Logger
}

var _ parley.Transcript = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
// Cross-process writers serialize on dbPath + ".lock".
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{
		db:     db,
		path:   dbPath,
		lock:   newFileLock(dbPath + ".lock"),
		maxLen: parley.DefaultMaxMessageLength,
		logger: nopLogger,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: transcript opened", "path", dbPath)
	return s
}

// Init creates the schema and stamps the conversation creation time.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA synchronous=NORMAL`,
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return &parley.StoreError{Op: "init", Err: fmt.Errorf("pragma: %w", err)}
		}
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return &parley.StoreError{Op: "init", Err: fmt.Errorf("create table: %w", err)}
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO metadata (key, value) VALUES (?, ?)`,
		parley.KeyCreatedAt, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return &parley.StoreError{Op: "init", Err: fmt.Errorf("stamp created_at: %w", err)}
	}

	s.logger.Info("sqlite: init completed", "path", s.path, "duration", time.Since(start))
	return nil
}

// Append validates, normalizes, and stores one message. The optional last
// sender guard, the insert, and every derived counter update run inside one
// transaction under the cross-process file lock, so readers never observe a
// message without its counters.
func (s *Store) Append(ctx context.Context, req parley.AppendRequest) (parley.Message, error) {
	start := time.Now()

	sender, content, err := parley.ValidateAppend(req.Sender, req.Content, s.maxLen)
	if err != nil {
		return parley.Message{}, err
	}

	if err := s.lock.Lock(ctx); err != nil {
		return parley.Message{}, &parley.StoreError{Op: "append", Err: err}
	}
	defer s.lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return parley.Message{}, &parley.StoreError{Op: "append", Err: fmt.Errorf("begin: %w", err)}
	}
	defer tx.Rollback()

	if req.ExpectLastSender != nil {
		last, err := lastSenderTx(ctx, tx)
		if err != nil {
			return parley.Message{}, &parley.StoreError{Op: "append", Err: err}
		}
		if last != *req.ExpectLastSender {
			return parley.Message{}, &parley.TurnViolationError{Sender: sender, LastSender: last}
		}
	}

	var metaJSON *string
	if len(req.Metadata) > 0 {
		data, err := json.Marshal(req.Metadata)
		if err != nil {
			return parley.Message{}, &parley.InputError{Reason: fmt.Sprintf("metadata not serializable: %v", err)}
		}
		v := string(data)
		metaJSON = &v
	}

	now := time.Now().UTC()
	fingerprint := parley.Fingerprint(content)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (sender, content, fingerprint, timestamp, metadata)
		 VALUES (?, ?, ?, ?, ?)`,
		sender, content, fingerprint, now.Format(time.RFC3339Nano), metaJSON,
	)
	if err != nil {
		return parley.Message{}, &parley.StoreError{Op: "append", Err: fmt.Errorf("insert message: %w", err)}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return parley.Message{}, &parley.StoreError{Op: "append", Err: fmt.Errorf("last insert id: %w", err)}
	}

	counters := []string{parley.KeyTotalTurns, parley.SenderTurnsKey(sender)}
	for _, key := range counters {
		if err := bumpCounter(ctx, tx, key, 1); err != nil {
			return parley.Message{}, &parley.StoreError{Op: "append", Err: err}
		}
	}
	if tokens := tokensOf(req.Metadata); tokens > 0 {
		if err := bumpCounter(ctx, tx, parley.KeyTotalTokens, tokens); err != nil {
			return parley.Message{}, &parley.StoreError{Op: "append", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return parley.Message{}, &parley.StoreError{Op: "append", Err: fmt.Errorf("commit: %w", err)}
	}

	s.logger.Debug("sqlite: append ok",
		"id", id, "sender", sender, "fingerprint", fingerprint, "duration", time.Since(start))
	return parley.Message{
		ID:        id,
		Sender:    sender,
		Content:   content,
		Timestamp: now,
		Metadata:  req.Metadata,
	}, nil
}

// Context returns up to limit most-recent messages, oldest first. Rows with
// corrupt metadata JSON are returned with nil metadata and logged, never
// dropped.
func (s *Store) Context(ctx context.Context, limit int) ([]parley.Message, error) {
	start := time.Now()
	if limit < 1 {
		limit = parley.DefaultContextLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender, content, timestamp, metadata
		 FROM messages
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, &parley.StoreError{Op: "context", Err: fmt.Errorf("query: %w", err)}
	}
	defer rows.Close()

	messages, err := s.scanMessages(rows)
	if err != nil {
		return nil, &parley.StoreError{Op: "context", Err: err}
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	s.logger.Debug("sqlite: context ok", "limit", limit, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

// LastSender returns the sender of the highest-ID message, or "" when empty.
func (s *Store) LastSender(ctx context.Context) (string, error) {
	var sender string
	err := s.db.QueryRowContext(ctx,
		`SELECT sender FROM messages ORDER BY id DESC LIMIT 1`,
	).Scan(&sender)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", &parley.StoreError{Op: "last_sender", Err: err}
	}
	return sender, nil
}

// MarkTerminated sets the terminated flag. First reason wins; later calls are
// no-ops once the flag is set.
func (s *Store) MarkTerminated(ctx context.Context, reason string) error {
	if err := s.lock.Lock(ctx); err != nil {
		return &parley.StoreError{Op: "mark_terminated", Err: err}
	}
	defer s.lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &parley.StoreError{Op: "mark_terminated", Err: fmt.Errorf("begin: %w", err)}
	}
	defer tx.Rollback()

	already, err := metaValueTx(ctx, tx, parley.KeyTerminated)
	if err != nil {
		return &parley.StoreError{Op: "mark_terminated", Err: err}
	}
	if already == "true" {
		return nil
	}

	stamps := map[string]string{
		parley.KeyTerminated:           "true",
		parley.KeyTerminationReason:    reason,
		parley.KeyTerminationTimestamp: time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range stamps {
		if err := upsertMeta(ctx, tx, k, v); err != nil {
			return &parley.StoreError{Op: "mark_terminated", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &parley.StoreError{Op: "mark_terminated", Err: fmt.Errorf("commit: %w", err)}
	}

	s.logger.Info("sqlite: conversation terminated", "reason", reason)
	return nil
}

// Terminated reports whether the terminated flag is set.
func (s *Store) Terminated(ctx context.Context) (bool, error) {
	v, err := s.metaValue(ctx, parley.KeyTerminated)
	if err != nil {
		return false, &parley.StoreError{Op: "terminated", Err: err}
	}
	return v == "true", nil
}

// TerminationReason returns the recorded reason, or "" when still live.
func (s *Store) TerminationReason(ctx context.Context) (string, error) {
	v, err := s.metaValue(ctx, parley.KeyTerminationReason)
	if err != nil {
		return "", &parley.StoreError{Op: "termination_reason", Err: err}
	}
	return v, nil
}

// SetMetadata upserts one key in the conversation metadata bag.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return &parley.StoreError{Op: "set_metadata", Err: err}
	}
	return nil
}

// Load returns every message in insertion order plus the metadata bag.
func (s *Store) Load(ctx context.Context) (parley.Dump, error) {
	start := time.Now()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender, content, timestamp, metadata FROM messages ORDER BY id ASC`,
	)
	if err != nil {
		return parley.Dump{}, &parley.StoreError{Op: "load", Err: fmt.Errorf("query messages: %w", err)}
	}
	defer rows.Close()
	messages, err := s.scanMessages(rows)
	if err != nil {
		return parley.Dump{}, &parley.StoreError{Op: "load", Err: err}
	}

	meta := make(map[string]string)
	mrows, err := s.db.QueryContext(ctx, `SELECT key, value FROM metadata`)
	if err != nil {
		return parley.Dump{}, &parley.StoreError{Op: "load", Err: fmt.Errorf("query metadata: %w", err)}
	}
	defer mrows.Close()
	for mrows.Next() {
		var k, v string
		if err := mrows.Scan(&k, &v); err != nil {
			return parley.Dump{}, &parley.StoreError{Op: "load", Err: fmt.Errorf("scan metadata: %w", err)}
		}
		meta[k] = v
	}
	if err := mrows.Err(); err != nil {
		return parley.Dump{}, &parley.StoreError{Op: "load", Err: fmt.Errorf("iterate metadata: %w", err)}
	}

	s.logger.Debug("sqlite: load ok", "messages", len(messages), "duration", time.Since(start))
	return parley.Dump{Messages: messages, Metadata: meta}, nil
}

// Health checks backend reachability and that the write lock is acquirable.
func (s *Store) Health(ctx context.Context) parley.Health {
	checks := make(map[string]string, 2)
	healthy := true

	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		checks["backend"] = err.Error()
		healthy = false
	} else {
		checks["backend"] = "ok"
	}

	if ok, err := s.lock.TryLock(); err != nil {
		checks["lock"] = err.Error()
		healthy = false
	} else if !ok {
		checks["lock"] = "held by another writer"
	} else {
		_ = s.lock.Unlock()
		checks["lock"] = "ok"
	}

	return parley.Health{Healthy: healthy, Checks: checks}
}

// Close releases the database and the lock descriptor.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return s.lock.Close()
}

func (s *Store) scanMessages(rows *sql.Rows) ([]parley.Message, error) {
	var messages []parley.Message
	for rows.Next() {
		var m parley.Message
		var ts string
		var metaJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.Sender, &m.Content, &ts, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			m.Timestamp = t
		}
		if metaJSON.Valid {
			if err := json.Unmarshal([]byte(metaJSON.String), &m.Metadata); err != nil {
				s.logger.Warn("sqlite: corrupt message metadata", "id", m.ID, "error", err)
				m.Metadata = nil
			}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func (s *Store) metaValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func lastSenderTx(ctx context.Context, tx *sql.Tx) (string, error) {
	var sender string
	err := tx.QueryRowContext(ctx, `SELECT sender FROM messages ORDER BY id DESC LIMIT 1`).Scan(&sender)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last sender: %w", err)
	}
	return sender, nil
}

func metaValueTx(ctx context.Context, tx *sql.Tx, key string) (string, error) {
	var v string
	err := tx.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}

func upsertMeta(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("stamp %s: %w", key, err)
	}
	return nil
}

// bumpCounter adds delta to an integer metadata counter, creating it at delta.
func bumpCounter(ctx context.Context, tx *sql.Tx, key string, delta int) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   value = CAST(CAST(value AS INTEGER) + excluded.value AS TEXT)`,
		key, strconv.Itoa(delta),
	)
	if err != nil {
		return fmt.Errorf("bump %s: %w", key, err)
	}
	return nil
}

// tokensOf extracts the token count from append metadata, tolerating the
// numeric types JSON round-trips produce.
func tokensOf(meta map[string]any) int {
	switch v := meta[parley.MetaTokens].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
