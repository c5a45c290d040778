// Package postgres implements internal/store.Store on top of
// github.com/jackc/pgx/v5's connection pool, with schema managed by
// github.com/golang-migrate/migrate/v4 against an embedded migration set.
// Grounded on whale-net-everything's manman/api/repository/postgres
// (pgxpool.Pool-backed repositories, $N placeholders, RETURNING clauses)
// and its libs/go/migrate.Runner (iofs source driver over an embed.FS,
// migrate.WithInstance wiring).
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/codepod-dev/codepod-go/internal/model"
	"github.com/codepod-dev/codepod-go/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a store.Store implementation backed by a Postgres pgxpool.Pool.
type Store struct {
	db *pgxpool.Pool
}

// New opens a pgxpool against dsn and runs pending migrations. dsn is a
// standard postgres:// connection string.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{db: pool}, nil
}

// runMigrations opens a separate database/sql connection (via pgx's stdlib
// adapter) because golang-migrate drives schema changes through database/sql,
// while query traffic uses the pgxpool connection pool directly.
func runMigrations(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer db.Close()

	sourceDriver, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	dbDriver, err := migratepostgres.WithInstance(db, &migratepostgres.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// --- containers ---

func (s *Store) InsertContainer(ctx context.Context, c *model.Container) error {
	labelsJSON, err := json.Marshal(c.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO containers (container_id, name, image, docker_status, status, labels_json, created_at, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ContainerID, c.Name, c.Image, c.DockerStatus, string(c.Status), labelsJSON,
		c.CreatedAt.UTC(), c.StartedAt,
	)
	return err
}

func (s *Store) GetContainer(ctx context.Context, id string) (*model.Container, error) {
	row := s.db.QueryRow(ctx,
		`SELECT container_id, name, image, docker_status, status, labels_json, created_at, started_at
		 FROM containers WHERE container_id = $1`, id)
	c, err := scanContainer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return c, err
}

func (s *Store) UpdateContainerStatus(ctx context.Context, id string, status model.ContainerStatus, dockerStatus string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE containers SET status = $1, docker_status = $2 WHERE container_id = $3`,
		string(status), dockerStatus, id)
	if err != nil {
		return fmt.Errorf("updating container status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteContainer(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM containers WHERE container_id = $1`, id)
	return err
}

func (s *Store) ListContainers(ctx context.Context) ([]*model.Container, error) {
	rows, err := s.db.Query(ctx,
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
	row := s.db.QueryRow(ctx,
		`SELECT container_id, name, image, docker_status, status, labels_json, created_at, started_at
		 FROM containers WHERE status = $1 ORDER BY created_at ASC LIMIT 1`, string(model.ContainerIdle))
	c, err := scanContainer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[model.ContainerStatus]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM containers GROUP BY status`)
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
	err = s.db.QueryRow(ctx,
		`INSERT INTO sessions (name, status, container_id, limits_json, network, timeout_seconds, created_at, last_activity_at, command_count, is_executing_command)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, FALSE) RETURNING id`,
		sess.Name, string(sess.Status), sess.ContainerID, limitsJSON, string(sess.Network),
		sess.TimeoutSeconds, sess.CreatedAt.UTC(), sess.LastActivityAt.UTC(),
	).Scan(&sess.ID)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id int64) (*model.Session, error) {
	row := s.db.QueryRow(ctx, sessionSelect+` WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return sess, err
}

func (s *Store) RenameSession(ctx context.Context, id int64, name string) error {
	tag, err := s.db.Exec(ctx, `UPDATE sessions SET name = $1 WHERE id = $2`, name, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]*model.Session, error) {
	rows, err := s.db.Query(ctx, sessionSelect+` WHERE status = $1 ORDER BY id ASC`, string(model.SessionActive))
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) SessionsByContainer(ctx context.Context, containerID string) ([]*model.Session, error) {
	rows, err := s.db.Query(ctx, sessionSelect+` WHERE container_id = $1`, containerID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions by container: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) BumpActivity(ctx context.Context, id int64, now time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE sessions SET last_activity_at = $1 WHERE id = $2 AND status = $3`,
		now.UTC(), id, string(model.SessionActive))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) IncrementCommandCount(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE sessions SET command_count = command_count + 1, last_activity_at = $1 WHERE id = $2 AND status = $3`,
		time.Now().UTC(), id, string(model.SessionActive))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetExecuting(ctx context.Context, id int64, executing bool) error {
	var tag pgconn.CommandTag
	var err error
	if executing {
		tag, err = s.db.Exec(ctx,
			`UPDATE sessions SET is_executing_command = $1, last_activity_at = $2 WHERE id = $3 AND status = $4`,
			executing, time.Now().UTC(), id, string(model.SessionActive))
	} else {
		tag, err = s.db.Exec(ctx,
			`UPDATE sessions SET is_executing_command = $1 WHERE id = $2 AND status = $3`,
			executing, id, string(model.SessionActive))
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DestroySession(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE sessions SET status = $1, container_id = NULL WHERE id = $2 AND status = $3`,
		string(model.SessionDestroyed), id, string(model.SessionActive))
	return err
}

func (s *Store) CountActiveSessions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM sessions WHERE status = $1`, string(model.SessionActive)).Scan(&n)
	return n, err
}

func (s *Store) ResetExecutingFlags(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `UPDATE sessions SET is_executing_command = FALSE WHERE status = $1`, string(model.SessionActive))
	return err
}

// --- scanning helpers ---

const sessionSelect = `SELECT id, name, status, container_id, limits_json, network, timeout_seconds, created_at, last_activity_at, command_count, is_executing_command FROM sessions`

type scannable interface {
	Scan(dest ...any) error
}

func scanContainer(row scannable) (*model.Container, error) {
	var c model.Container
	var status string
	var labelsJSON []byte
	var startedAt *time.Time
	err := row.Scan(&c.ContainerID, &c.Name, &c.Image, &c.DockerStatus, &status, &labelsJSON, &c.CreatedAt, &startedAt)
	if err != nil {
		return nil, err
	}
	c.Status = model.ContainerStatus(status)
	c.StartedAt = startedAt
	if len(labelsJSON) > 0 {
		if err := json.Unmarshal(labelsJSON, &c.Labels); err != nil {
			return nil, fmt.Errorf("unmarshal labels: %w", err)
		}
	}
	return &c, nil
}

func scanSession(row scannable) (*model.Session, error) {
	var s model.Session
	var status, network string
	var limitsJSON []byte
	var containerID *string
	var timeoutSeconds *int
	err := row.Scan(&s.ID, &s.Name, &status, &containerID, &limitsJSON, &network, &timeoutSeconds,
		&s.CreatedAt, &s.LastActivityAt, &s.CommandCount, &s.IsExecutingCommand)
	if err != nil {
		return nil, err
	}
	s.Status = model.SessionStatus(status)
	s.Network = model.NetworkMode(network)
	if containerID != nil {
		s.ContainerID = *containerID
	}
	s.TimeoutSeconds = timeoutSeconds
	if len(limitsJSON) > 0 {
		if err := json.Unmarshal(limitsJSON, &s.Limits); err != nil {
			return nil, fmt.Errorf("unmarshal limits: %w", err)
		}
	}
	return &s, nil
}

func scanSessions(rows pgx.Rows) ([]*model.Session, error) {
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
