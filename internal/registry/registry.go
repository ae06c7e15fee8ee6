// SPDX-License-Identifier: MIT

// Package registry provides durable storage for stream records: the
// persistent desired-state and last-failure-reason store the supervisor and
// control loops consult on every intent. It is backed by an embedded sqlite
// database, created on startup if absent.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver, registered under "sqlite"
)

const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tb_ipc (
	id INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
	key VARCHAR(32) NOT NULL UNIQUE,
	name VARCHAR(50) NOT NULL,
	rtsp VARCHAR(255) NOT NULL,
	rtmp VARCHAR(255) NOT NULL,
	enable TINYINT NOT NULL DEFAULT 0,
	reason VARCHAR(255) NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	create_time BIGINT NOT NULL,
	update_time BIGINT NULL
);

CREATE TABLE IF NOT EXISTS tb_account (
	uid INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
	username VARCHAR(15) NOT NULL UNIQUE,
	password VARCHAR(64) NOT NULL,
	token VARCHAR(64) NOT NULL UNIQUE,
	create_time BIGINT NOT NULL,
	update_time BIGINT NULL
);
`

// maxRows bounds the unpaginated list_enabled/list_abnormal queries, as
// the teacher's own queries bound every unbounded list.
const maxRows = 64

// StorageError wraps an underlying I/O or constraint failure from the
// registry. Not-found is never represented this way — it is a nil record
// with a nil error.
type StorageError struct {
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("registry: storage error: %v", e.Cause)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Cause: err}
}

// Record is a single stream's configuration, desired state, and last-known
// failure information.
type Record struct {
	ID         int64
	Key        string
	Name       string
	InputURL   string // RTSP pull source
	OutputURL  string // RTMP push destination
	Enabled    int    // 0 = should be stopped, 1 = should be running
	Reason     *string
	RetryCount int
	CreateTime int64 // ms epoch
	UpdateTime *int64
}

// Account is the single seeded administrator record (tb_account). Nothing
// in the control plane reads it.
type Account struct {
	UID        int64
	Username   string
	Password   string
	Token      string
	CreateTime int64
	UpdateTime *int64
}

// Store is the registry's sqlite-backed implementation.
type Store struct {
	db *sql.DB
}

// Open creates or opens the sqlite database at path, applying the schema if
// absent. WAL mode and a busy timeout are set so that the control-plane
// HTTP mount, the three control loops, and the supervisor can all hold
// short-lived connections concurrently without colliding on writes.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrap(err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, wrap(err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, wrap(fmt.Errorf("apply schema: %w", err))
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert adds a new stream record, ignoring the ID field, and returns the
// number of rows inserted (1).
func (s *Store) Insert(ctx context.Context, r *Record) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tb_ipc(key, name, rtsp, rtmp, enable, create_time) VALUES(?,?,?,?,?,?)`,
		r.Key, r.Name, r.InputURL, r.OutputURL, r.Enabled, r.CreateTime,
	)
	if err != nil {
		return 0, wrap(err)
	}
	n, err := res.RowsAffected()
	return n, wrap(err)
}

// Update overwrites a full record by ID and returns the number of rows
// updated.
func (s *Store) Update(ctx context.Context, r *Record) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tb_ipc SET key=?, name=?, rtsp=?, rtmp=?, enable=?, reason=?, retry_count=?, update_time=? WHERE id=?`,
		r.Key, r.Name, r.InputURL, r.OutputURL, r.Enabled, r.Reason, r.RetryCount, r.UpdateTime, r.ID,
	)
	if err != nil {
		return 0, wrap(err)
	}
	n, err := res.RowsAffected()
	return n, wrap(err)
}

// Delete removes a record by ID, returning the number of rows deleted.
func (s *Store) Delete(ctx context.Context, id int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tb_ipc WHERE id=?`, id)
	if err != nil {
		return 0, wrap(err)
	}
	n, err := res.RowsAffected()
	return n, wrap(err)
}

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.Key, &r.Name, &r.InputURL, &r.OutputURL, &r.Enabled, &r.Reason, &r.RetryCount, &r.CreateTime, &r.UpdateTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err)
	}
	return &r, nil
}

// Get returns a record by ID, or nil if not found.
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, key, name, rtsp, rtmp, enable, reason, retry_count, create_time, update_time FROM tb_ipc WHERE id=?`, id)
	return scanRecord(row)
}

// GetByKey returns a record by its unique key, or nil if not found.
func (s *Store) GetByKey(ctx context.Context, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, key, name, rtsp, rtmp, enable, reason, retry_count, create_time, update_time FROM tb_ipc WHERE key=?`, key)
	return scanRecord(row)
}

func queryRecords(ctx context.Context, db *sql.DB, query string, args ...any) ([]*Record, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Key, &r.Name, &r.InputURL, &r.OutputURL, &r.Enabled, &r.Reason, &r.RetryCount, &r.CreateTime, &r.UpdateTime); err != nil {
			return nil, wrap(err)
		}
		out = append(out, &r)
	}
	return out, wrap(rows.Err())
}

// List returns a page of records (1-based page, page size rows), optionally
// filtered by a substring keyword matched against key, name, input_url, or
// output_url. The keyword is always bound as a parameter, never
// concatenated into the query.
func (s *Store) List(ctx context.Context, page, rows int, keyword string) ([]*Record, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * rows

	query := `SELECT id, key, name, rtsp, rtmp, enable, reason, retry_count, create_time, update_time FROM tb_ipc WHERE 1=1`
	var args []any
	if keyword != "" {
		query += ` AND (key LIKE ? OR name LIKE ? OR rtsp LIKE ? OR rtmp LIKE ?)`
		like := "%" + keyword + "%"
		args = append(args, like, like, like, like)
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, rows, offset)

	return queryRecords(ctx, s.db, query, args...)
}

// ListEnabled returns records with enabled=1, bounded to maxRows.
func (s *Store) ListEnabled(ctx context.Context) ([]*Record, error) {
	return queryRecords(ctx, s.db,
		`SELECT id, key, name, rtsp, rtmp, enable, reason, retry_count, create_time, update_time FROM tb_ipc WHERE enable = 1 LIMIT ?`, maxRows)
}

// ListAbnormal returns records with enabled=0, a non-null reason, and
// retry_count below maxRetry, bounded to maxRows.
func (s *Store) ListAbnormal(ctx context.Context, maxRetry int) ([]*Record, error) {
	return queryRecords(ctx, s.db,
		`SELECT id, key, name, rtsp, rtmp, enable, reason, retry_count, create_time, update_time FROM tb_ipc WHERE enable = 0 AND reason IS NOT NULL AND retry_count < ? LIMIT ?`,
		maxRetry, maxRows)
}

func scanCount(ctx context.Context, db *sql.DB, query string, args ...any) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, wrap(err)
}

// Count returns the total number of stream records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return scanCount(ctx, s.db, `SELECT COUNT(1) FROM tb_ipc`)
}

// CountEnabled returns the number of records with enable=1.
func (s *Store) CountEnabled(ctx context.Context) (int64, error) {
	return scanCount(ctx, s.db, `SELECT COUNT(1) FROM tb_ipc WHERE enable = 1`)
}

// CountWithReason returns the number of records with enable=0 and a
// non-null reason.
func (s *Store) CountWithReason(ctx context.Context) (int64, error) {
	return scanCount(ctx, s.db, `SELECT COUNT(1) FROM tb_ipc WHERE enable = 0 AND reason IS NOT NULL`)
}

// GenerateNextKey derives the next stream key as "D" followed by a
// zero-padded, uppercase 4-digit hex count, matching the predecessor
// system's allocation scheme (count()+1, formatted "D%04X").
func (s *Store) GenerateNextKey(ctx context.Context) (string, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("D%04X", n+1), nil
}

// EnsureAdminAccount seeds a single administrator account on first run if
// tb_account is empty, matching the predecessor system's init_data.
func (s *Store) EnsureAdminAccount(ctx context.Context, username, passwordHash, token string, now int64) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tb_account LIMIT 1`).Scan(&exists)
	if err == nil {
		return nil // already seeded
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return wrap(err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tb_account(username, password, token, create_time) VALUES(?,?,?,?)`,
		username, passwordHash, token, now,
	)
	return wrap(err)
}

// GetAccountByToken returns the account matching token, or nil if none.
func (s *Store) GetAccountByToken(ctx context.Context, token string) (*Account, error) {
	var a Account
	err := s.db.QueryRowContext(ctx,
		`SELECT uid, username, password, token, create_time, update_time FROM tb_account WHERE token=?`, token,
	).Scan(&a.UID, &a.Username, &a.Password, &a.Token, &a.CreateTime, &a.UpdateTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err)
	}
	return &a, nil
}
