package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS participant_status (
	session_id TEXT PRIMARY KEY,
	call_id    TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// SQLStore keeps status records in a postgres or sqlite database. Both
// drivers accept $n placeholders and ON CONFLICT upserts.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLStore opens the database and creates the status table if missing.
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// an in-memory database exists per connection
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLStore) Get(ctx context.Context, sessionID string) (Record, error) {
	var rec Record
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, call_id, state, reason, created_at, updated_at
		 FROM participant_status WHERE session_id = $1`, sessionID,
	).Scan(&rec.SessionID, &rec.CallID, &state, &rec.Reason, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get status %s: %w", sessionID, err)
	}
	rec.State = State(state)
	return rec, nil
}

func (s *SQLStore) Put(ctx context.Context, rec Record) error {
	now := s.now()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participant_status (session_id, call_id, state, reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id) DO UPDATE SET state = excluded.state, reason = excluded.reason, updated_at = excluded.updated_at`,
		rec.SessionID, rec.CallID, string(rec.State), rec.Reason, created, now)
	if err != nil {
		return fmt.Errorf("put status %s: %w", rec.SessionID, err)
	}
	return nil
}

// LinkCall reads the record first so a state written concurrently by the
// manager is never replaced.
func (s *SQLStore) LinkCall(ctx context.Context, sessionID, callID string) error {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE participant_status SET call_id = $1, updated_at = $2 WHERE session_id = $3`,
		callID, s.now(), sessionID)
	if err != nil {
		return fmt.Errorf("link call %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLStore) Touch(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE participant_status SET updated_at = $1 WHERE session_id = $2`, s.now(), sessionID)
	if err != nil {
		return fmt.Errorf("touch status %s: %w", sessionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM participant_status WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete status %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
