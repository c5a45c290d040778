// Package reconcile implements the Reconciler: a startup (and on-demand)
// diff between the engine's managed containers and the store's container
// and session rows, converging the store onto Invariant 6 from the data
// model. Split out of the teacher's combined internal/reaper package
// (reaper.go's reconcile()), which already diffs ListSandboxContainers
// against ListRunningSessions; extended here to the spec's three-way diff
// that also re-derives Busy-vs-Idle status for containers present in both.
package reconcile

import (
	"context"
	"log/slog"

	"github.com/codepod-dev/codepod-go/internal/config"
	"github.com/codepod-dev/codepod-go/internal/engine"
	"github.com/codepod-dev/codepod-go/internal/model"
	"github.com/codepod-dev/codepod-go/internal/pool"
	"github.com/codepod-dev/codepod-go/internal/session"
	"github.com/codepod-dev/codepod-go/internal/store"
)

type Reconciler struct {
	store   store.Store
	engine  engine.Adapter
	cfg     *config.Config
	pool    *pool.Manager
	session *session.Manager
	logger  *slog.Logger
}

func New(st store.Store, eng engine.Adapter, cfg *config.Config, pl *pool.Manager, sessionMgr *session.Manager, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: st, engine: eng, cfg: cfg, pool: pl, session: sessionMgr, logger: logger}
}

// Run executes the full diff/converge algorithm under the pool lock. It
// also resets is_executing_command on every Active session it touches
// (DESIGN.md's resolution of the is_executing_command durability open
// question).
func (r *Reconciler) Run(ctx context.Context) error {
	r.pool.Lock()
	defer r.pool.Unlock()

	if err := r.store.ResetExecutingFlags(ctx); err != nil {
		return err
	}

	engineIDs, err := r.engine.ListManaged(ctx, r.cfg.LabelPrefix)
	if err != nil {
		return err
	}
	engineSet := make(map[string]bool, len(engineIDs))
	for _, id := range engineIDs {
		engineSet[id] = true
	}

	storeContainers, err := r.store.ListContainers(ctx)
	if err != nil {
		return err
	}
	storeSet := make(map[string]*model.Container, len(storeContainers))
	for _, c := range storeContainers {
		storeSet[c.ContainerID] = c
	}

	activeSessions, err := r.store.ListActiveSessions(ctx)
	if err != nil {
		return err
	}
	busySet := make(map[string]bool)
	for _, s := range activeSessions {
		if s.ContainerID != "" {
			busySet[s.ContainerID] = true
		}
	}

	// Step 3: store-only rows.
	for id, c := range storeSet {
		if engineSet[id] {
			continue
		}
		if c.Status == model.ContainerWarming || c.Status == model.ContainerDestroying {
			continue // handled by step 6
		}
		if err := r.session.OnContainerDeleted(ctx, id); err != nil {
			r.logger.Warn("reconcile: marking sessions destroyed failed", "container_id", id, "error", err)
		}
		if err := r.store.DeleteContainer(ctx, id); err != nil {
			r.logger.Warn("reconcile: delete store-only row failed", "container_id", id, "error", err)
		}
	}

	// Step 4: engine-only containers.
	for id := range engineSet {
		if _, ok := storeSet[id]; ok {
			continue
		}
		dockerStatus, running, err := r.engine.Inspect(ctx, id)
		if err != nil {
			r.logger.Warn("reconcile: inspect engine-only container failed", "container_id", id, "error", err)
			continue
		}
		if !running {
			if err := r.engine.Delete(ctx, id); err != nil {
				r.logger.Warn("reconcile: delete non-running engine-only container failed", "container_id", id, "error", err)
			}
			continue
		}
		status := model.ContainerIdle
		if busySet[id] {
			status = model.ContainerBusy
		}
		if err := r.store.InsertContainer(ctx, &model.Container{
			ContainerID:  id,
			Status:       status,
			DockerStatus: dockerStatus,
		}); err != nil {
			r.logger.Warn("reconcile: adopting engine-only container failed", "container_id", id, "error", err)
		}
	}

	// Step 5: present in both.
	for id, c := range storeSet {
		if !engineSet[id] {
			continue
		}
		dockerStatus, running, err := r.engine.Inspect(ctx, id)
		if err != nil {
			r.logger.Warn("reconcile: inspect failed", "container_id", id, "error", err)
			continue
		}
		if !running {
			if err := r.session.OnContainerDeleted(ctx, id); err != nil {
				r.logger.Warn("reconcile: marking sessions destroyed failed", "container_id", id, "error", err)
			}
			if err := r.store.DeleteContainer(ctx, id); err != nil {
				r.logger.Warn("reconcile: delete stopped container row failed", "container_id", id, "error", err)
			}
			if err := r.engine.Delete(ctx, id); err != nil {
				r.logger.Warn("reconcile: delete stopped engine container failed", "container_id", id, "error", err)
			}
			continue
		}
		expected := model.ContainerIdle
		if busySet[id] {
			expected = model.ContainerBusy
		}
		unsettled := c.Status == model.ContainerWarming || c.Status == model.ContainerDestroying
		if c.Status != expected || unsettled {
			if err := r.store.UpdateContainerStatus(ctx, id, expected, dockerStatus); err != nil {
				r.logger.Warn("reconcile: status update failed", "container_id", id, "error", err)
			}
		}
	}

	// Step 6: stale Warming/Destroying rows whose engine container is gone.
	for id, c := range storeSet {
		if engineSet[id] {
			continue
		}
		if c.Status != model.ContainerWarming && c.Status != model.ContainerDestroying {
			continue
		}
		if err := r.store.DeleteContainer(ctx, id); err != nil {
			r.logger.Warn("reconcile: delete stale placeholder failed", "container_id", id, "error", err)
		}
	}

	// Step 7: Active sessions whose container no longer exists in the engine.
	for _, s := range activeSessions {
		if s.ContainerID == "" || engineSet[s.ContainerID] {
			continue
		}
		if err := r.session.OnContainerDeleted(ctx, s.ContainerID); err != nil {
			r.logger.Warn("reconcile: marking orphaned session destroyed failed", "session_id", s.ID, "error", err)
		}
	}

	return nil
}
