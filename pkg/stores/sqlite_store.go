// Package stores provides the durable backends for the kernel: a SQLite
// write-ahead log and execution trace store, plus in-memory implementations
// for tests and ephemeral deployments.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/realmbridge/realmbridge/pkg/bridge"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLiteStore backs both the WAL and the trace store with one SQLite
// database. Append-before-invoke durability comes from SQLite's own WAL
// journal with synchronous=NORMAL.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// NewSQLiteStore creates a SQLite store instance. Call Init before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &SQLiteStore{path: cfg.Path, cfg: cfg}, nil
}

// Init opens the database, enables WAL journal mode, and verifies the
// connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded migration files.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Append assigns the next contiguous sequence number for operationID and
// writes the entry with status pending. The sequence allocation and insert
// run in one serializable transaction so concurrent operations never race a
// number.
func (s *SQLiteStore) Append(ctx context.Context, operationID, stepName string, payload, compensationRef []byte) (*bridge.WALEntry, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, bridge.NewDurabilityError("failed to begin wal transaction", err).WithOperation(operationID)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), -1) + 1 FROM wal_entries WHERE operation_id = ?`,
		operationID,
	).Scan(&seq)
	if err != nil {
		return nil, bridge.NewDurabilityError("failed to allocate sequence number", err).WithOperation(operationID)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO wal_entries (operation_id, sequence_number, step_name, payload, compensation_ref, status, written_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		operationID, seq, stepName, payload, compensationRef, bridge.WALStatusPending, now, now,
	)
	if err != nil {
		return nil, bridge.NewDurabilityError("failed to append wal entry", err).WithOperation(operationID)
	}

	if err := tx.Commit(); err != nil {
		return nil, bridge.NewDurabilityError("failed to commit wal append", err).WithOperation(operationID)
	}

	return &bridge.WALEntry{
		OperationID:     operationID,
		SequenceNumber:  seq,
		StepName:        stepName,
		Payload:         payload,
		CompensationRef: compensationRef,
		Status:          bridge.WALStatusPending,
		WrittenAt:       now,
	}, nil
}

// Commit transitions an entry from pending to committed. It refuses to
// commit past a gap: every earlier entry for the operation must already be
// committed or rolled back.
func (s *SQLiteStore) Commit(ctx context.Context, operationID string, sequenceNumber int64) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return bridge.NewDurabilityError("failed to begin wal transaction", err).WithOperation(operationID)
	}
	defer func() { _ = tx.Rollback() }()

	var earlierPending int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wal_entries WHERE operation_id = ? AND sequence_number < ? AND status = ?`,
		operationID, sequenceNumber, bridge.WALStatusPending,
	).Scan(&earlierPending)
	if err != nil {
		return bridge.NewDurabilityError("failed to check wal ordering", err).WithOperation(operationID)
	}
	if earlierPending > 0 {
		return bridge.NewInvalidStateError(
			fmt.Sprintf("cannot commit entry %d: %d earlier entries still pending", sequenceNumber, earlierPending), nil,
		).WithOperation(operationID)
	}

	if err := s.setStatus(ctx, tx, operationID, sequenceNumber, bridge.WALStatusCommitted, bridge.WALStatusPending); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return bridge.NewDurabilityError("failed to commit wal update", err).WithOperation(operationID)
	}
	return nil
}

// MarkRolledBack transitions an entry to rolled_back. Legal from committed,
// after its compensation ran, and from pending, for an abandoned in-doubt
// entry.
func (s *SQLiteStore) MarkRolledBack(ctx context.Context, operationID string, sequenceNumber int64) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return bridge.NewDurabilityError("failed to begin wal transaction", err).WithOperation(operationID)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.setStatus(ctx, tx, operationID, sequenceNumber, bridge.WALStatusRolledBack,
		bridge.WALStatusPending, bridge.WALStatusCommitted); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return bridge.NewDurabilityError("failed to commit wal update", err).WithOperation(operationID)
	}
	return nil
}

// setStatus updates one entry's status if its current status is one of from.
func (s *SQLiteStore) setStatus(ctx context.Context, tx *sql.Tx, operationID string, sequenceNumber int64, to bridge.WALStatus, from ...bridge.WALStatus) error {
	var current string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM wal_entries WHERE operation_id = ? AND sequence_number = ?`,
		operationID, sequenceNumber,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return bridge.NewInvalidStateError(
			fmt.Sprintf("wal entry %d does not exist", sequenceNumber), nil,
		).WithOperation(operationID)
	}
	if err != nil {
		return bridge.NewDurabilityError("failed to read wal entry", err).WithOperation(operationID)
	}

	allowed := false
	for _, f := range from {
		if bridge.WALStatus(current) == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return bridge.NewInvalidStateError(
			fmt.Sprintf("wal entry %d is %s, cannot transition to %s", sequenceNumber, current, to), nil,
		).WithOperation(operationID)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE wal_entries SET status = ?, updated_at = ? WHERE operation_id = ? AND sequence_number = ?`,
		to, time.Now().UTC(), operationID, sequenceNumber,
	)
	if err != nil {
		return bridge.NewDurabilityError("failed to update wal entry", err).WithOperation(operationID)
	}
	return nil
}

// ReadAll returns every entry for operationID ordered by sequence number.
func (s *SQLiteStore) ReadAll(ctx context.Context, operationID string) ([]bridge.WALEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT operation_id, sequence_number, step_name, payload, compensation_ref, status, written_at
		 FROM wal_entries WHERE operation_id = ? ORDER BY sequence_number`,
		operationID,
	)
	if err != nil {
		return nil, bridge.NewDurabilityError("failed to read wal entries", err).WithOperation(operationID)
	}
	defer func() { _ = rows.Close() }()

	var entries []bridge.WALEntry
	for rows.Next() {
		var e bridge.WALEntry
		if err := rows.Scan(&e.OperationID, &e.SequenceNumber, &e.StepName, &e.Payload, &e.CompensationRef, &e.Status, &e.WrittenAt); err != nil {
			return nil, bridge.NewDurabilityError("failed to scan wal entry", err).WithOperation(operationID)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, bridge.NewDurabilityError("failed to iterate wal entries", err).WithOperation(operationID)
	}
	return entries, nil
}

// IncompleteOperations returns ids of operations that still have pending or
// committed entries, oldest first. Used by crash recovery at startup.
func (s *SQLiteStore) IncompleteOperations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT operation_id FROM wal_entries
		 WHERE status IN (?, ?)
		 GROUP BY operation_id ORDER BY MIN(written_at)`,
		bridge.WALStatusPending, bridge.WALStatusCommitted,
	)
	if err != nil {
		return nil, bridge.NewDurabilityError("failed to scan for incomplete operations", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, bridge.NewDurabilityError("failed to scan operation id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneWAL deletes rolled-back and committed entries older than cutoff for
// operations with no remaining pending entries. Entries of in-flight
// operations are never pruned.
func (s *SQLiteStore) PruneWAL(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM wal_entries
		 WHERE written_at < ?
		   AND operation_id NOT IN (
		       SELECT DISTINCT operation_id FROM wal_entries WHERE status = ?
		   )`,
		cutoff.UTC(), bridge.WALStatusPending,
	)
	if err != nil {
		return 0, bridge.NewDurabilityError("failed to prune wal entries", err)
	}
	return res.RowsAffected()
}

// Record appends one trace event. The detail map is stored as JSON.
func (s *SQLiteStore) Record(ctx context.Context, event *bridge.TraceEvent) error {
	var detail []byte
	if event.Detail != nil {
		var err error
		detail, err = json.Marshal(event.Detail)
		if err != nil {
			return bridge.NewDurabilityError("failed to encode trace event detail", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trace_events (id, trace_id, span_id, event_type, timestamp, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.TraceID, event.SpanID, event.EventType, event.Timestamp.UTC(), detail,
	)
	if err != nil {
		return bridge.NewDurabilityError("failed to record trace event", err)
	}
	return nil
}

// Query returns all events for a trace ordered by timestamp.
func (s *SQLiteStore) Query(ctx context.Context, traceID string) ([]bridge.TraceEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_id, span_id, event_type, timestamp, detail
		 FROM trace_events WHERE trace_id = ? ORDER BY timestamp, id`,
		traceID,
	)
	if err != nil {
		return nil, bridge.NewDurabilityError("failed to query trace events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []bridge.TraceEvent
	for rows.Next() {
		var e bridge.TraceEvent
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.TraceID, &e.SpanID, &e.EventType, &e.Timestamp, &detail); err != nil {
			return nil, bridge.NewDurabilityError("failed to scan trace event", err)
		}
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, bridge.NewDurabilityError("failed to decode trace event detail", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneTraces deletes trace events older than cutoff.
func (s *SQLiteStore) PruneTraces(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM trace_events WHERE timestamp < ?`, cutoff.UTC(),
	)
	if err != nil {
		return 0, bridge.NewDurabilityError("failed to prune trace events", err)
	}
	return res.RowsAffected()
}
