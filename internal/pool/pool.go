// Package pool implements the Pool Manager: the warm set of idle
// containers, the MaxContainers cap, and the Warm sequence used by prewarm,
// acquire-on-miss, and manual create. Grounded on the teacher's
// internal/pool/pool.go for the mutex-guarded idle-accounting shape and the
// background-refill idiom, generalized from an image-keyed idle map to the
// full Warming/Idle/Busy/Destroying lattice over resource limits and network
// mode.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codepod-dev/codepod-go/internal/config"
	"github.com/codepod-dev/codepod-go/internal/engine"
	"github.com/codepod-dev/codepod-go/internal/model"
	"github.com/codepod-dev/codepod-go/internal/store"
)

// ErrMaxContainersReached is returned by CreateManual when the pool is at
// MaxContainers; Acquire instead signals this via its ok=false return.
var ErrMaxContainersReached = errors.New("pool: max containers reached")

const readinessProbeTimeout = 30 * time.Second
const inspectPollInterval = 500 * time.Millisecond
const inspectPollTimeout = 30 * time.Second

// Listener is notified after every pool-mutating operation completes. It is
// called after the pool mutex has been released; implementations must not
// block.
type Listener func()

type Manager struct {
	store  store.Store
	engine engine.Adapter
	cfg    *config.Config
	logger *slog.Logger

	mu sync.Mutex

	bgCtx    context.Context
	bgCancel context.CancelFunc

	listenersMu sync.Mutex
	listeners   []Listener
}

func New(st store.Store, eng engine.Adapter, cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Manager{
		store:    st,
		engine:   eng,
		cfg:      cfg,
		logger:   logger,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
}

// Dispose cancels the background token, stopping any in-flight prewarm
// tasks from outliving the pool.
func (m *Manager) Dispose() {
	m.bgCancel()
}

// Lock and Unlock expose the pool's single logical mutex to the
// Reconciler, which must run its whole diff/converge pass under it per
// spec §4.4 (unlike Acquire/Release, which only protect the in-store
// state transitions and let engine I/O run lock-free).
func (m *Manager) Lock()   { m.mu.Lock() }
func (m *Manager) Unlock() { m.mu.Unlock() }

// Subscribe registers a listener fired after every mutation. Any number of
// listeners may be registered; registration is guarded by its own mutex, so
// it is safe to call concurrently with itself and with pool operations.
func (m *Manager) Subscribe(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notify() {
	m.listenersMu.Lock()
	ls := append([]Listener(nil), m.listeners...)
	m.listenersMu.Unlock()
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("pool listener panicked", "recover", r)
				}
			}()
			l()
		}()
	}
}

// counts returns the current Idle/Busy/Warming tallies under the lock.
func (m *Manager) counts(ctx context.Context) (idle, busy, warming int, err error) {
	byStatus, err := m.store.CountByStatus(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	return byStatus[model.ContainerIdle], byStatus[model.ContainerBusy], byStatus[model.ContainerWarming], nil
}

// EnsurePrewarm tops up the warm set to PrewarmCount, bounded by
// MaxContainers, concurrently. Called once at initialization.
func (m *Manager) EnsurePrewarm(ctx context.Context) error {
	m.mu.Lock()
	idle, busy, warming, err := m.counts(ctx)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	toWarm := m.cfg.PrewarmCount - idle
	if toWarm < 0 {
		toWarm = 0
	}
	headroom := m.cfg.MaxContainers - (idle + busy + warming)
	if headroom < 0 {
		headroom = 0
	}
	if toWarm > headroom {
		toWarm = headroom
	}
	m.mu.Unlock()

	if toWarm == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < toWarm; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.warm(ctx, m.cfg.DefaultResourceLimits, m.cfg.DefaultNetworkMode); err != nil {
				m.logger.Warn("prewarm: create failed", "error", err)
			}
		}()
	}
	wg.Wait()
	m.notify()
	return nil
}

// matchesDefaults reports whether limits/network are exactly the
// configured defaults, the eligibility rule for warm-set reuse.
func (m *Manager) matchesDefaults(limits model.ResourceLimits, network model.NetworkMode) bool {
	return limits.Equal(m.cfg.DefaultResourceLimits) && network == m.cfg.DefaultNetworkMode
}

// Acquire reserves a container for the given limits/network, returning
// ok=false if the pool is at MaxContainers.
func (m *Manager) Acquire(ctx context.Context, limits model.ResourceLimits, network model.NetworkMode) (*model.Container, bool, error) {
	if m.matchesDefaults(limits, network) {
		m.mu.Lock()
		c, ok, err := m.store.FirstIdle(ctx)
		if err != nil {
			m.mu.Unlock()
			return nil, false, err
		}
		if ok {
			if err := m.store.UpdateContainerStatus(ctx, c.ContainerID, model.ContainerBusy, c.DockerStatus); err != nil {
				m.mu.Unlock()
				return nil, false, err
			}
			m.mu.Unlock()
			c.Status = model.ContainerBusy
			m.launchPrewarmOne()
			m.notify()
			return c, true, nil
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	idle, busy, warming, err := m.counts(ctx)
	if err != nil {
		m.mu.Unlock()
		return nil, false, err
	}
	if idle+busy+warming >= m.cfg.MaxContainers {
		m.mu.Unlock()
		return nil, false, nil
	}
	m.mu.Unlock()

	c, err := m.warm(ctx, limits, network)
	if err != nil {
		return nil, false, err
	}
	if err := m.store.UpdateContainerStatus(ctx, c.ContainerID, model.ContainerBusy, c.DockerStatus); err != nil {
		return nil, false, err
	}
	c.Status = model.ContainerBusy
	m.launchPrewarmOne()
	m.notify()
	return c, true, nil
}

// Release tears down a container: marks Destroying, deletes from the
// engine, deletes the row.
func (m *Manager) Release(ctx context.Context, containerID string) error {
	m.mu.Lock()
	if err := m.store.UpdateContainerStatus(ctx, containerID, model.ContainerDestroying, ""); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	if err := m.engine.Delete(ctx, containerID); err != nil {
		m.logger.Warn("release: engine delete failed", "container_id", containerID, "error", err)
	}

	if err := m.store.DeleteContainer(ctx, containerID); err != nil {
		return err
	}
	m.launchPrewarmOne()
	m.notify()
	return nil
}

// CreateManual is the admin-only hatch: bypasses eligibility matching and
// always runs the Warm sequence for the configured defaults.
func (m *Manager) CreateManual(ctx context.Context) (*model.Container, error) {
	m.mu.Lock()
	idle, busy, warming, err := m.counts(ctx)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if idle+busy+warming >= m.cfg.MaxContainers {
		m.mu.Unlock()
		return nil, ErrMaxContainersReached
	}
	m.mu.Unlock()

	c, err := m.warm(ctx, m.cfg.DefaultResourceLimits, m.cfg.DefaultNetworkMode)
	if err != nil {
		return nil, err
	}
	m.notify()
	return c, nil
}

// DeleteAll marks every container row Destroying, removes them from the
// engine concurrently, then deletes the rows. Individual failures are
// logged and ignored.
func (m *Manager) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	containers, err := m.store.ListContainers(ctx)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	for _, c := range containers {
		if err := m.store.UpdateContainerStatus(ctx, c.ContainerID, model.ContainerDestroying, ""); err != nil {
			m.logger.Warn("delete all: mark destroying failed", "container_id", c.ContainerID, "error", err)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range containers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.engine.Delete(ctx, id); err != nil {
				m.logger.Warn("delete all: engine delete failed", "container_id", id, "error", err)
			}
		}(c.ContainerID)
	}
	wg.Wait()

	for _, c := range containers {
		if err := m.store.DeleteContainer(ctx, c.ContainerID); err != nil {
			m.logger.Warn("delete all: store delete failed", "container_id", c.ContainerID, "error", err)
		}
	}
	m.notify()
	return nil
}

func (m *Manager) ListAll(ctx context.Context) ([]*model.Container, error) {
	return m.store.ListContainers(ctx)
}

// Status is the pool admin status snapshot from spec §6.
type Status struct {
	MaxContainers  int
	Idle           int
	Busy           int
	Warming        int
	Destroying     int
	ActiveSessions int
}

func (m *Manager) StatusSnapshot(ctx context.Context) (Status, error) {
	byStatus, err := m.store.CountByStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	activeSessions, err := m.store.CountActiveSessions(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		MaxContainers:  m.cfg.MaxContainers,
		Idle:           byStatus[model.ContainerIdle],
		Busy:           byStatus[model.ContainerBusy],
		Warming:        byStatus[model.ContainerWarming],
		Destroying:     byStatus[model.ContainerDestroying],
		ActiveSessions: activeSessions,
	}, nil
}

// launchPrewarmOne fires a background TryPrewarmOne under the pool's
// cancellable token; callers never wait on it.
func (m *Manager) launchPrewarmOne() {
	go func() {
		if err := m.TryPrewarmOne(m.bgCtx); err != nil && m.bgCtx.Err() == nil {
			m.logger.Warn("background prewarm failed", "error", err)
		}
	}()
}

// TryPrewarmOne creates one more default-shaped container if the warm set
// is under PrewarmCount and there's headroom under MaxContainers.
func (m *Manager) TryPrewarmOne(ctx context.Context) error {
	m.mu.Lock()
	idle, busy, warming, err := m.counts(ctx)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	needed := idle < m.cfg.PrewarmCount && idle+busy+warming < m.cfg.MaxContainers
	m.mu.Unlock()

	if !needed {
		return nil
	}
	_, err = m.warm(ctx, m.cfg.DefaultResourceLimits, m.cfg.DefaultNetworkMode)
	if err != nil {
		return err
	}
	m.notify()
	return nil
}

// warm runs the Warm sequence: placeholder insert, engine create, poll
// Inspect until running, readiness probe, swap to the real row as Idle.
// On any failure the placeholder is removed and the engine container
// best-effort deleted.
func (m *Manager) warm(ctx context.Context, limits model.ResourceLimits, network model.NetworkMode) (*model.Container, error) {
	placeholderID := "placeholder-" + uuid.New().String()
	now := time.Now().UTC()
	placeholder := &model.Container{
		ContainerID: placeholderID,
		Status:      model.ContainerWarming,
		CreatedAt:   now,
	}
	m.mu.Lock()
	err := m.store.InsertContainer(ctx, placeholder)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	rollback := func() {
		m.mu.Lock()
		m.store.DeleteContainer(ctx, placeholderID)
		m.mu.Unlock()
	}

	name := m.cfg.LabelPrefix + "-" + uuid.New().String()[:12]
	labels := model.Labels(m.cfg.LabelPrefix, limits, network, now)
	containerID, err := m.engine.CreateContainer(ctx, engine.CreateSpec{
		Image:   m.cfg.Image,
		Name:    name,
		Workdir: m.cfg.Workdir,
		Cmd:     m.cfg.KeepaliveCmd(),
		Limits:  limits,
		Network: network,
		Labels:  labels,
	})
	if err != nil {
		rollback()
		return nil, err
	}

	if err := m.waitUntilRunning(ctx, containerID); err != nil {
		rollback()
		m.engine.Delete(context.Background(), containerID)
		return nil, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, readinessProbeTimeout)
	_, err = m.engine.Exec(probeCtx, containerID, engine.ExecSpec{
		Command: []string{"echo", "ready"},
		Timeout: readinessProbeTimeout,
	})
	cancel()
	if err != nil {
		if m.cfg.WindowsContainer {
			// Hyper-V container cold starts can legitimately exceed the
			// probe window the Linux path uses; proceed rather than fail
			// the warm outright.
			m.logger.Warn("readiness probe did not complete in time, proceeding",
				"container_id", containerID, "skip_reason", "hyperv_startup_window")
		} else {
			rollback()
			m.engine.Delete(context.Background(), containerID)
			return nil, err
		}
	}

	dockerStatus, _, err := m.engine.Inspect(ctx, containerID)
	if err != nil {
		rollback()
		m.engine.Delete(context.Background(), containerID)
		return nil, err
	}

	real := &model.Container{
		ContainerID:  containerID,
		Name:         name,
		Image:        m.cfg.Image,
		DockerStatus: dockerStatus,
		Status:       model.ContainerIdle,
		Labels:       labels,
		CreatedAt:    now,
	}

	m.mu.Lock()
	if err := m.store.DeleteContainer(ctx, placeholderID); err != nil {
		m.mu.Unlock()
		m.engine.Delete(context.Background(), containerID)
		return nil, err
	}
	if err := m.store.InsertContainer(ctx, real); err != nil {
		m.mu.Unlock()
		m.engine.Delete(context.Background(), containerID)
		return nil, err
	}
	m.mu.Unlock()

	return real, nil
}

func (m *Manager) waitUntilRunning(ctx context.Context, containerID string) error {
	deadline := time.Now().Add(inspectPollTimeout)
	for {
		status, running, err := m.engine.Inspect(ctx, containerID)
		if err != nil {
			return err
		}
		if running && status == "running" {
			return nil
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(inspectPollInterval):
		}
	}
}
