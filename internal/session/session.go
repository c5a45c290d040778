// Package session implements the Session Manager: creation against the
// Pool Manager, lookup, destruction, and activity/command bookkeeping.
// Grounded on the teacher's internal/session package for the resolve-
// defaults-then-validate creation shape and the per-session sync.Mutex
// idiom (sessionLock/removeSessionLock), generalized from a TTL-renewed-
// on-activity model to the spec's inactivity-window model.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codepod-dev/codepod-go/internal/config"
	"github.com/codepod-dev/codepod-go/internal/model"
	"github.com/codepod-dev/codepod-go/internal/pool"
	"github.com/codepod-dev/codepod-go/internal/store"
)

var (
	ErrNotFound             = errors.New("session: not found")
	ErrTimeoutExceedsLimit  = errors.New("session: timeout exceeds system limit")
	ErrInvalidArgument      = errors.New("session: invalid argument")
	ErrMaxContainersReached = errors.New("session: max containers reached")
)

// CreateOptions is the caller-supplied request to Create.
type CreateOptions struct {
	Name           string
	Limits         *model.ResourceLimits
	Network        *model.NetworkMode
	TimeoutSeconds *int
}

type Manager struct {
	store store.Store
	pool  *pool.Manager
	cfg   *config.Config

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

func New(st store.Store, pl *pool.Manager, cfg *config.Config) *Manager {
	return &Manager{
		store: st,
		pool:  pl,
		cfg:   cfg,
		locks: make(map[int64]*sync.Mutex),
	}
}

func (m *Manager) sessionLock(id int64) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[id] = mu
	}
	return mu
}

func (m *Manager) removeSessionLock(id int64) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	delete(m.locks, id)
}

// Lock returns the per-session mutex used to serialize router operations
// against a single session. Exported for internal/router.
func (m *Manager) Lock(id int64) *sync.Mutex {
	return m.sessionLock(id)
}

func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*model.Session, error) {
	if opts.TimeoutSeconds != nil && *opts.TimeoutSeconds > m.cfg.SessionTimeoutSeconds {
		return nil, ErrTimeoutExceedsLimit
	}

	limits := m.cfg.DefaultResourceLimits
	if opts.Limits != nil {
		limits = *opts.Limits
	}
	if !limits.Positive() || !limits.Within(m.cfg.MaxResourceLimits) {
		return nil, fmt.Errorf("%w: resource limits exceed configured maximum", ErrInvalidArgument)
	}

	network := m.cfg.DefaultNetworkMode
	if opts.Network != nil {
		network = *opts.Network
	}

	container, ok, err := m.pool.Acquire(ctx, limits, network)
	if err != nil {
		return nil, fmt.Errorf("acquiring container: %w", err)
	}
	if !ok {
		return nil, ErrMaxContainersReached
	}

	now := time.Now().UTC()
	sess := &model.Session{
		Name:           opts.Name,
		Status:         model.SessionActive,
		ContainerID:    container.ContainerID,
		Limits:         limits,
		Network:        network,
		TimeoutSeconds: opts.TimeoutSeconds,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if err := m.store.CreateSession(ctx, sess); err != nil {
		m.pool.Release(context.Background(), container.ContainerID)
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	if sess.Name == "" {
		sess.Name = model.DefaultName(sess.ID)
		if err := m.store.RenameSession(ctx, sess.ID, sess.Name); err != nil {
			return nil, fmt.Errorf("naming session: %w", err)
		}
	}

	return sess, nil
}

func (m *Manager) Get(ctx context.Context, id int64) (*model.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sess.Status != model.SessionActive {
		return nil, ErrNotFound
	}
	return sess, nil
}

func (m *Manager) List(ctx context.Context) ([]*model.Session, error) {
	return m.store.ListActiveSessions(ctx)
}

// Destroy is idempotent: destroying an already-Destroyed or absent session
// is a no-op.
func (m *Manager) Destroy(ctx context.Context, id int64) error {
	sess, err := m.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.Status == model.SessionDestroyed {
		return nil
	}

	if err := m.store.DestroySession(ctx, id); err != nil {
		return err
	}
	m.removeSessionLock(id)

	if sess.ContainerID != "" {
		if err := m.pool.Release(ctx, sess.ContainerID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) BumpActivity(ctx context.Context, id int64) error {
	return m.store.BumpActivity(ctx, id, time.Now().UTC())
}

func (m *Manager) IncrementCommandCount(ctx context.Context, id int64) error {
	return m.store.IncrementCommandCount(ctx, id)
}

func (m *Manager) SetExecuting(ctx context.Context, id int64, executing bool) error {
	return m.store.SetExecuting(ctx, id, executing)
}

// OnContainerDeleted marks any session referencing containerID as
// Destroyed, used by the reconciler when a container disappears from the
// engine out from under a live session.
func (m *Manager) OnContainerDeleted(ctx context.Context, containerID string) error {
	sessions, err := m.store.SessionsByContainer(ctx, containerID)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.Status != model.SessionActive {
			continue
		}
		if err := m.store.DestroySession(ctx, s.ID); err != nil {
			return err
		}
		m.removeSessionLock(s.ID)
	}
	return nil
}
