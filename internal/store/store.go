// Package store implements the local durable store: a SQLite database
// holding the mutation log, the materialized entities, the media upload
// queue, and local user records.
//
// The store is the single source of truth. The UI and the sync coordinator
// both read and write through it exclusively; no component caches entity
// state outside the store. Its core contract is ApplyAndEnqueue: updating
// the materialized entity and appending the mutation to the log happen in
// one transaction, so a crash can never leave one effect without the other.
//
// The database runs in WAL mode so UI reads proceed concurrently with
// coordinator writes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/openfield/fieldsync/internal/entity"
	"github.com/openfield/fieldsync/internal/mutation"
	"github.com/openfield/fieldsync/internal/stream"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SyncRequester receives fire-and-forget sync requests for an entity after
// a successful apply-and-enqueue. Implementations must not block; the
// scheduler's coalescing queue satisfies this.
type SyncRequester interface {
	RequestSync(entityID string)
}

// Store wraps the SQLite connection and the live query streams.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger

	requester SyncRequester

	loiStreams *stream.Broker[[]*entity.LocationOfInterest]
	subStreams *stream.Broker[[]*entity.Submission]
	mutStreams *stream.Broker[[]*mutation.Mutation]

	// Test fault injection. Nil in production.
	beforeEnqueue func() error
}

// Open creates a store at the given path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created; call InitSchema before first use.
// The caller MUST call Close when done.
//
// If logger is nil, a default logger writing to stderr is used.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go through the DSN so every pooled connection gets them,
	// not just whichever connection a one-off Exec lands on.
	dsn := "file:" + path +
		"?_pragma=journal_mode(wal)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(on)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:       conn,
		path:       path,
		logger:     logger,
		loiStreams: stream.NewBroker(deepEqual[[]*entity.LocationOfInterest]),
		subStreams: stream.NewBroker(deepEqual[[]*entity.Submission]),
		mutStreams: stream.NewBroker(deepEqual[[]*mutation.Mutation]),
	}

	return s, nil
}

// SetSyncRequester installs the fire-and-forget sync trigger called after
// each successful ApplyAndEnqueue. May be nil (no scheduling).
func (s *Store) SetSyncRequester(r SyncRequester) {
	s.requester = r
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the tables and indexes if they don't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	-- Durable mutation log. One row per pending local edit.
	CREATE TABLE IF NOT EXISTS mutations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		survey_id TEXT NOT NULL,
		job_id TEXT,
		user_id TEXT NOT NULL,
		loi_id TEXT,  -- parent LOI, submission mutations only
		type TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'PENDING',
		client_timestamp INTEGER NOT NULL,  -- unix nanoseconds
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		geometry TEXT,  -- JSON, LOI payload
		deltas TEXT     -- JSON array, submission payload
	);

	-- Materialized entities. DELETE tombstones via state, never drops rows.
	CREATE TABLE IF NOT EXISTS lois (
		id TEXT PRIMARY KEY,
		survey_id TEXT NOT NULL,
		job_id TEXT,
		created_by TEXT,
		geometry TEXT,
		state TEXT NOT NULL DEFAULT 'DEFAULT',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		loi_id TEXT NOT NULL,
		survey_id TEXT NOT NULL,
		job_id TEXT,
		created_by TEXT,
		data TEXT,  -- JSON object: task id -> value
		state TEXT NOT NULL DEFAULT 'DEFAULT',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT,
		display_name TEXT
	);

	-- Media upload queue, independent of the mutation log.
	CREATE TABLE IF NOT EXISTS media_uploads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		local_path TEXT NOT NULL,
		remote_path TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'PENDING',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (submission_id, task_id, local_path)
	);

	CREATE INDEX IF NOT EXISTS idx_mutations_entity_status
	    ON mutations(entity_id, sync_status);
	CREATE INDEX IF NOT EXISTS idx_mutations_survey ON mutations(survey_id);
	CREATE INDEX IF NOT EXISTS idx_mutations_order
	    ON mutations(entity_id, client_timestamp, id);

	CREATE INDEX IF NOT EXISTS idx_lois_survey_state ON lois(survey_id, state);
	CREATE INDEX IF NOT EXISTS idx_submissions_loi ON submissions(loi_id);
	CREATE INDEX IF NOT EXISTS idx_submissions_survey_state
	    ON submissions(survey_id, state);

	CREATE INDEX IF NOT EXISTS idx_media_status ON media_uploads(sync_status);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// notifySurvey recomputes and publishes the valid-entity streams for a
// survey. Failures are logged, not returned: stream updates are best-effort
// and never fail the write that triggered them.
func (s *Store) notifySurvey(ctx context.Context, surveyID string) {
	if lois, err := s.ValidLOIs(ctx, surveyID); err != nil {
		s.logger.Printf("Warning: failed to refresh LOI stream for %s: %v", surveyID, err)
	} else {
		s.loiStreams.Publish(surveyID, lois)
	}
	if subs, err := s.ValidSubmissions(ctx, surveyID); err != nil {
		s.logger.Printf("Warning: failed to refresh submission stream for %s: %v", surveyID, err)
	} else {
		s.subStreams.Publish(surveyID, subs)
	}
}

// notifyEntity recomputes and publishes the mutation stream for an entity.
func (s *Store) notifyEntity(ctx context.Context, entityID string) {
	muts, err := s.MutationsForEntity(ctx, entityID)
	if err != nil {
		s.logger.Printf("Warning: failed to refresh mutation stream for %s: %v", entityID, err)
		return
	}
	s.mutStreams.Publish(entityID, muts)
}

func deepEqual[T any](a, b T) bool {
	return reflect.DeepEqual(a, b)
}

func timeToDB(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func timeFromDB(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
