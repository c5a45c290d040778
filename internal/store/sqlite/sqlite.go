// Package sqlite implements internal/store.Store on top of modernc.org/sqlite,
// grounded on the teacher's internal/store/store.go: WAL mode, a busy_timeout
// pragma baked into the DSN, and exponential-backoff retry around SQLITE_BUSY.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codepod-dev/codepod-go/internal/model"
	"github.com/codepod-dev/codepod-go/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS containers (
	container_id   TEXT PRIMARY KEY,
	name           TEXT NOT NULL DEFAULT '',
	image          TEXT NOT NULL DEFAULT '',
	docker_status  TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	labels_json    TEXT NOT NULL DEFAULT '{}',
	created_at     DATETIME NOT NULL,
	started_at     DATETIME
);
CREATE INDEX IF NOT EXISTS idx_containers_status ON containers(status);

CREATE TABLE IF NOT EXISTS sessions (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	name                  TEXT NOT NULL,
	status                TEXT NOT NULL,
	container_id          TEXT,
	limits_json           TEXT NOT NULL DEFAULT '{}',
	network               TEXT NOT NULL DEFAULT 'none',
	timeout_seconds       INTEGER,
	created_at            DATETIME NOT NULL,
	last_activity_at      DATETIME NOT NULL,
	command_count         INTEGER NOT NULL DEFAULT 0,
	is_executing_command  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_container_id ON sessions(container_id);
`

// isBusyLock reports whether err indicates SQLite database lock contention.
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and
// perf pragmas applied per-connection (the driver applies DSN pragmas on
// every new connection, which matters once MaxOpenConns > 1).
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)"
}

type Store struct {
	db *sql.DB
}

// New opens (creating if absent) the sqlite-backed store at dbPath.
// maxOpenConns <= 0 uses DefaultMaxOpenConns. dbPath may be ":memory:" for tests.
func New(dbPath string, maxOpenConns int) (*Store, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = dsnWithPragmas(dbPath)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	if dbPath == ":memory:" {
		// A single shared connection keeps the in-memory database from
		// evaporating between pool checkouts.
		maxOpenConns = 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- containers ---

func (s *Store) InsertContainer(ctx context.Context, c *model.Container) error {
	labelsJSON, err := json.Marshal(c.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	return retryOnBusy(func() error {
		_, e := s.db.ExecContext(ctx,
			`INSERT INTO containers (container_id, name, image, docker_status, status, labels_json, created_at, started_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ContainerID, c.Name, c.Image, c.DockerStatus, string(c.Status), string(labelsJSON),
			c.CreatedAt.UTC(), nullableTime(c.StartedAt),
		)
		return e
	})
}

func (s *Store) GetContainer(ctx context.Context, id string) (*model.Container, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT container_id, name, image, docker_status, status, labels_json, created_at, started_at
		 FROM containers WHERE container_id = ?`, id)
	c, err := scanContainer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return c, err
}

func (s *Store) UpdateContainerStatus(ctx context.Context, id string, status model.ContainerStatus, dockerStatus string) error {
	var res sql.Result
	err := retryOnBusy(func() error {
		var e error
		res, e = s.db.ExecContext(ctx,
			`UPDATE containers SET status = ?, docker_status = ? WHERE container_id = ?`,
			string(status), dockerStatus, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating container status: %w", err)
	}
	return checkRowsAffected(res, store.ErrNotFound)
}

func (s *Store) DeleteContainer(ctx context.Context, id string) error {
	return retryOnBusy(func() error {
		_, e := s.db.ExecContext(ctx, `DELETE FROM containers WHERE container_id = ?`, id)
		return e
	})
}

func (s *Store) ListContainers(ctx context.Context) ([]*model.Container, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT container_id, name, image, docker_status, status, labels_json, created_at, started_at
		 FROM containers ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	defer rows.Close()
	var out []*model.Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) FirstIdle(ctx context.Context) (*model.Container, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT container_id, name, image, docker_status, status, labels_json, created_at, started_at
		 FROM containers WHERE status = ? ORDER BY created_at ASC LIMIT 1`, string(model.ContainerIdle))
	c, err := scanContainer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[model.ContainerStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM containers GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting containers: %w", err)
	}
	defer rows.Close()
	out := make(map[model.ContainerStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[model.ContainerStatus(status)] = count
	}
	return out, rows.Err()
}

// --- sessions ---

func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	limitsJSON, err := json.Marshal(sess.Limits)
	if err != nil {
		return fmt.Errorf("marshal limits: %w", err)
	}
	var id int64
	err = retryOnBusy(func() error {
		res, e := s.db.ExecContext(ctx,
			`INSERT INTO sessions (name, status, container_id, limits_json, network, timeout_seconds, created_at, last_activity_at, command_count, is_executing_command)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
			sess.Name, string(sess.Status), sess.ContainerID, string(limitsJSON), string(sess.Network),
			nullableInt(sess.TimeoutSeconds), sess.CreatedAt.UTC(), sess.LastActivityAt.UTC(),
		)
		if e != nil {
			return e
		}
		id, e = res.LastInsertId()
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	sess.ID = id
	return nil
}

func (s *Store) GetSession(ctx context.Context, id int64) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return sess, err
}

func (s *Store) RenameSession(ctx context.Context, id int64, name string) error {
	var res sql.Result
	err := retryOnBusy(func() error {
		var e error
		res, e = s.db.ExecContext(ctx, `UPDATE sessions SET name = ? WHERE id = ?`, name, id)
		return e
	})
	if err != nil {
		return err
	}
	return checkRowsAffected(res, store.ErrNotFound)
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]*model.Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionSelect+` WHERE status = ? ORDER BY id ASC`, string(model.SessionActive))
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) SessionsByContainer(ctx context.Context, containerID string) ([]*model.Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionSelect+` WHERE container_id = ?`, containerID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions by container: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) BumpActivity(ctx context.Context, id int64, now time.Time) error {
	var res sql.Result
	err := retryOnBusy(func() error {
		var e error
		res, e = s.db.ExecContext(ctx, `UPDATE sessions SET last_activity_at = ? WHERE id = ? AND status = ?`,
			now.UTC(), id, string(model.SessionActive))
		return e
	})
	if err != nil {
		return err
	}
	return checkRowsAffected(res, store.ErrNotFound)
}

func (s *Store) IncrementCommandCount(ctx context.Context, id int64) error {
	var res sql.Result
	err := retryOnBusy(func() error {
		var e error
		res, e = s.db.ExecContext(ctx,
			`UPDATE sessions SET command_count = command_count + 1, last_activity_at = ? WHERE id = ? AND status = ?`,
			time.Now().UTC(), id, string(model.SessionActive))
		return e
	})
	if err != nil {
		return err
	}
	return checkRowsAffected(res, store.ErrNotFound)
}

func (s *Store) SetExecuting(ctx context.Context, id int64, executing bool) error {
	flag := 0
	if executing {
		flag = 1
	}
	var res sql.Result
	err := retryOnBusy(func() error {
		var e error
		if executing {
			res, e = s.db.ExecContext(ctx,
				`UPDATE sessions SET is_executing_command = ?, last_activity_at = ? WHERE id = ? AND status = ?`,
				flag, time.Now().UTC(), id, string(model.SessionActive))
		} else {
			res, e = s.db.ExecContext(ctx,
				`UPDATE sessions SET is_executing_command = ? WHERE id = ? AND status = ?`,
				flag, id, string(model.SessionActive))
		}
		return e
	})
	if err != nil {
		return err
	}
	return checkRowsAffected(res, store.ErrNotFound)
}

func (s *Store) DestroySession(ctx context.Context, id int64) error {
	return retryOnBusy(func() error {
		_, e := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, container_id = NULL WHERE id = ? AND status = ?`,
			string(model.SessionDestroyed), id, string(model.SessionActive))
		return e
	})
}

func (s *Store) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE status = ?`, string(model.SessionActive)).Scan(&n)
	return n, err
}

func (s *Store) ResetExecutingFlags(ctx context.Context) error {
	return retryOnBusy(func() error {
		_, e := s.db.ExecContext(ctx, `UPDATE sessions SET is_executing_command = 0 WHERE status = ?`, string(model.SessionActive))
		return e
	})
}

// --- scanning helpers ---

const sessionSelect = `SELECT id, name, status, container_id, limits_json, network, timeout_seconds, created_at, last_activity_at, command_count, is_executing_command FROM sessions`

type scannable interface {
	Scan(dest ...any) error
}

func scanContainer(row scannable) (*model.Container, error) {
	var c model.Container
	var status, labelsJSON string
	var startedAt sql.NullTime
	err := row.Scan(&c.ContainerID, &c.Name, &c.Image, &c.DockerStatus, &status, &labelsJSON, &c.CreatedAt, &startedAt)
	if err != nil {
		return nil, err
	}
	c.Status = model.ContainerStatus(status)
	if labelsJSON != "" {
		if err := json.Unmarshal([]byte(labelsJSON), &c.Labels); err != nil {
			return nil, fmt.Errorf("unmarshal labels: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		c.StartedAt = &t
	}
	return &c, nil
}

func scanSession(row scannable) (*model.Session, error) {
	var s model.Session
	var status, network, limitsJSON string
	var containerID sql.NullString
	var timeoutSeconds sql.NullInt64
	var executing int
	err := row.Scan(&s.ID, &s.Name, &status, &containerID, &limitsJSON, &network, &timeoutSeconds,
		&s.CreatedAt, &s.LastActivityAt, &s.CommandCount, &executing)
	if err != nil {
		return nil, err
	}
	s.Status = model.SessionStatus(status)
	s.Network = model.NetworkMode(network)
	s.IsExecutingCommand = executing != 0
	if containerID.Valid {
		s.ContainerID = containerID.String
	}
	if timeoutSeconds.Valid {
		v := int(timeoutSeconds.Int64)
		s.TimeoutSeconds = &v
	}
	if limitsJSON != "" {
		if err := json.Unmarshal([]byte(limitsJSON), &s.Limits); err != nil {
			return nil, fmt.Errorf("unmarshal limits: %w", err)
		}
	}
	return &s, nil
}

func scanSessions(rows *sql.Rows) ([]*model.Session, error) {
	var out []*model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func checkRowsAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
