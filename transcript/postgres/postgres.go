// Package postgres implements parley.Transcript using PostgreSQL. Multiple
// conversations share one database, keyed by conversation ID; every mutation
// runs in a single transaction serialized with a transaction-scoped advisory
// lock, so concurrent writers on different hosts see the same turn order.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor injection.
// The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/parley"
)

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMaxMessageLength overrides the append size limit
// (parley.DefaultMaxMessageLength by default).
func WithMaxMessageLength(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

// Store implements parley.Transcript backed by PostgreSQL. All methods are
// scoped to the conversation ID given at construction.
type Store struct {
	pool         *pgxpool.Pool
	conversation string
	maxLen       int
	logger       *slog.Logger
}

var _ parley.Transcript = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store over an existing pgxpool.Pool, scoped to conversation.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, conversation string, opts ...Option) *Store {
	s := &Store{
		pool:         pool,
		conversation: conversation,
		maxLen:       parley.DefaultMaxMessageLength,
		logger:       nopLogger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the schema and stamps the conversation creation time.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			conversation TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
			metadata JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation, id)`,
		`CREATE TABLE IF NOT EXISTS conversation_meta (
			conversation TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (conversation, key)
		)`,
	}
	for _, ddl := range stmts {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return &parley.StoreError{Op: "init", Err: fmt.Errorf("create schema: %w", err)}
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_meta (conversation, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (conversation, key) DO NOTHING`,
		s.conversation, parley.KeyCreatedAt, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return &parley.StoreError{Op: "init", Err: fmt.Errorf("stamp created_at: %w", err)}
	}
	return nil
}

// Append validates, normalizes, and stores one message. The guard check,
// insert, and counter updates share one transaction holding the
// conversation's advisory lock, so cross-host writers serialize and readers
// never observe a message without its counters.
func (s *Store) Append(ctx context.Context, req parley.AppendRequest) (parley.Message, error) {
	start := time.Now()

	sender, content, err := parley.ValidateAppend(req.Sender, req.Content, s.maxLen)
	if err != nil {
		return parley.Message{}, err
	}

	var metaJSON []byte
	if len(req.Metadata) > 0 {
		metaJSON, err = json.Marshal(req.Metadata)
		if err != nil {
			return parley.Message{}, &parley.InputError{Reason: fmt.Sprintf("metadata not serializable: %v", err)}
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return parley.Message{}, &parley.StoreError{Op: "append", Err: fmt.Errorf("begin: %w", err)}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, s.conversation); err != nil {
		return parley.Message{}, &parley.StoreError{Op: "append", Err: fmt.Errorf("advisory lock: %w", err)}
	}

	if req.ExpectLastSender != nil {
		last, err := s.lastSenderTx(ctx, tx)
		if err != nil {
			return parley.Message{}, &parley.StoreError{Op: "append", Err: err}
		}
		if last != *req.ExpectLastSender {
			return parley.Message{}, &parley.TurnViolationError{Sender: sender, LastSender: last}
		}
	}

	var id int64
	var ts time.Time
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (conversation, sender, content, fingerprint, metadata)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, timestamp`,
		s.conversation, sender, content, parley.Fingerprint(content), metaJSON,
	).Scan(&id, &ts)
	if err != nil {
		return parley.Message{}, &parley.StoreError{Op: "append", Err: fmt.Errorf("insert message: %w", err)}
	}

	counters := []string{parley.KeyTotalTurns, parley.SenderTurnsKey(sender)}
	for _, key := range counters {
		if err := s.bumpCounterTx(ctx, tx, key, 1); err != nil {
			return parley.Message{}, &parley.StoreError{Op: "append", Err: err}
		}
	}
	if tokens := tokensOf(req.Metadata); tokens > 0 {
		if err := s.bumpCounterTx(ctx, tx, parley.KeyTotalTokens, tokens); err != nil {
			return parley.Message{}, &parley.StoreError{Op: "append", Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return parley.Message{}, &parley.StoreError{Op: "append", Err: fmt.Errorf("commit: %w", err)}
	}

	s.logger.Debug("postgres: append ok",
		"conversation", s.conversation, "id", id, "sender", sender, "duration", time.Since(start))
	return parley.Message{
		ID:        id,
		Sender:    sender,
		Content:   content,
		Timestamp: ts.UTC(),
		Metadata:  req.Metadata,
	}, nil
}

// Context returns up to limit most-recent messages, oldest first.
func (s *Store) Context(ctx context.Context, limit int) ([]parley.Message, error) {
	if limit < 1 {
		limit = parley.DefaultContextLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, sender, content, timestamp, metadata
		 FROM messages
		 WHERE conversation = $1
		 ORDER BY id DESC
		 LIMIT $2`,
		s.conversation, limit,
	)
	if err != nil {
		return nil, &parley.StoreError{Op: "context", Err: fmt.Errorf("query: %w", err)}
	}
	defer rows.Close()

	messages, err := s.scanMessages(rows)
	if err != nil {
		return nil, &parley.StoreError{Op: "context", Err: err}
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// LastSender returns the sender of the highest-ID message, or "" when empty.
func (s *Store) LastSender(ctx context.Context) (string, error) {
	var sender string
	err := s.pool.QueryRow(ctx,
		`SELECT sender FROM messages WHERE conversation = $1 ORDER BY id DESC LIMIT 1`,
		s.conversation,
	).Scan(&sender)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", &parley.StoreError{Op: "last_sender", Err: err}
	}
	return sender, nil
}

// MarkTerminated sets the terminated flag. First reason wins.
func (s *Store) MarkTerminated(ctx context.Context, reason string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return &parley.StoreError{Op: "mark_terminated", Err: fmt.Errorf("begin: %w", err)}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, s.conversation); err != nil {
		return &parley.StoreError{Op: "mark_terminated", Err: fmt.Errorf("advisory lock: %w", err)}
	}

	var already string
	err = tx.QueryRow(ctx,
		`SELECT value FROM conversation_meta WHERE conversation = $1 AND key = $2`,
		s.conversation, parley.KeyTerminated,
	).Scan(&already)
	if err != nil && err != pgx.ErrNoRows {
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
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversation_meta (conversation, key, value) VALUES ($1, $2, $3)
			 ON CONFLICT (conversation, key) DO UPDATE SET value = EXCLUDED.value`,
			s.conversation, k, v,
		); err != nil {
			return &parley.StoreError{Op: "mark_terminated", Err: fmt.Errorf("stamp %s: %w", k, err)}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return &parley.StoreError{Op: "mark_terminated", Err: fmt.Errorf("commit: %w", err)}
	}

	s.logger.Info("postgres: conversation terminated",
		"conversation", s.conversation, "reason", reason)
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_meta (conversation, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (conversation, key) DO UPDATE SET value = EXCLUDED.value`,
		s.conversation, key, value,
	)
	if err != nil {
		return &parley.StoreError{Op: "set_metadata", Err: err}
	}
	return nil
}

// Load returns every message in insertion order plus the metadata bag.
func (s *Store) Load(ctx context.Context) (parley.Dump, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, sender, content, timestamp, metadata
		 FROM messages WHERE conversation = $1 ORDER BY id ASC`,
		s.conversation,
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
	mrows, err := s.pool.Query(ctx,
		`SELECT key, value FROM conversation_meta WHERE conversation = $1`, s.conversation)
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

	return parley.Dump{Messages: messages, Metadata: meta}, nil
}

// Health checks backend reachability with a pool ping.
func (s *Store) Health(ctx context.Context) parley.Health {
	checks := make(map[string]string, 1)
	if err := s.pool.Ping(ctx); err != nil {
		checks["backend"] = err.Error()
		return parley.Health{Healthy: false, Checks: checks}
	}
	checks["backend"] = "ok"
	return parley.Health{Healthy: true, Checks: checks}
}

func (s *Store) scanMessages(rows pgx.Rows) ([]parley.Message, error) {
	var messages []parley.Message
	for rows.Next() {
		var m parley.Message
		var metaJSON []byte
		if err := rows.Scan(&m.ID, &m.Sender, &m.Content, &m.Timestamp, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
				s.logger.Warn("postgres: corrupt message metadata", "id", m.ID, "error", err)
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
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM conversation_meta WHERE conversation = $1 AND key = $2`,
		s.conversation, key,
	).Scan(&v)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	return v, err
}

func (s *Store) lastSenderTx(ctx context.Context, tx pgx.Tx) (string, error) {
	var sender string
	err := tx.QueryRow(ctx,
		`SELECT sender FROM messages WHERE conversation = $1 ORDER BY id DESC LIMIT 1`,
		s.conversation,
	).Scan(&sender)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last sender: %w", err)
	}
	return sender, nil
}

func (s *Store) bumpCounterTx(ctx context.Context, tx pgx.Tx, key string, delta int) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO conversation_meta (conversation, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (conversation, key) DO UPDATE SET
		   value = (conversation_meta.value::bigint + EXCLUDED.value::bigint)::text`,
		s.conversation, key, strconv.Itoa(delta),
	)
	if err != nil {
		return fmt.Errorf("bump %s: %w", key, err)
	}
	return nil
}

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
