// Package store defines the persistence contract the core needs: indexed
// CRUD on sessions and containers, satisfiable by any transactional KV/row
// store (see spec §6). Two implementations ship: sqlite (internal/store/sqlite)
// and postgres (internal/store/postgres).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/codepod-dev/codepod-go/internal/model"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract consumed by the pool, session,
// reconcile and sweeper packages. Every method is a single transactional
// call; no method spans a call to the container engine.
type Store interface {
	// Containers

	InsertContainer(ctx context.Context, c *model.Container) error
	GetContainer(ctx context.Context, id string) (*model.Container, error)
	UpdateContainerStatus(ctx context.Context, id string, status model.ContainerStatus, dockerStatus string) error
	DeleteContainer(ctx context.Context, id string) error
	ListContainers(ctx context.Context) ([]*model.Container, error)
	// FirstIdle returns one Idle container, or ok=false if none exist.
	FirstIdle(ctx context.Context) (c *model.Container, ok bool, err error)
	// CountByStatus returns the number of container rows in each status.
	CountByStatus(ctx context.Context) (map[model.ContainerStatus]int, error)

	// Sessions

	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id int64) (*model.Session, error)
	RenameSession(ctx context.Context, id int64, name string) error
	ListActiveSessions(ctx context.Context) ([]*model.Session, error)
	// SessionsByContainer returns sessions (of any status) bound to a container id.
	SessionsByContainer(ctx context.Context, containerID string) ([]*model.Session, error)
	BumpActivity(ctx context.Context, id int64, now time.Time) error
	IncrementCommandCount(ctx context.Context, id int64) error
	SetExecuting(ctx context.Context, id int64, executing bool) error
	// DestroySession marks a session Destroyed and clears its container_id.
	// It is idempotent: destroying an already-Destroyed session is a no-op.
	DestroySession(ctx context.Context, id int64) error
	CountActiveSessions(ctx context.Context) (int, error)
	// ResetExecutingFlags clears is_executing_command on every Active
	// session; called by the reconciler at the start of every pass, both at
	// startup and on demand (see DESIGN.md's resolution of the is_executing
	// durability open question).
	ResetExecutingFlags(ctx context.Context) error

	Close() error
}
