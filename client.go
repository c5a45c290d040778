// Package codepod is the public SDK surface: a pooled, engine-backed code
// execution session abstraction. Everything else lives under internal/,
// following the teacher repo's split between a thin public facade
// (cmd/sandkasten's daemon wiring) and an internal/ implementation tree.
package codepod

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/codepod-dev/codepod-go/internal/config"
	"github.com/codepod-dev/codepod-go/internal/engine"
	dockerengine "github.com/codepod-dev/codepod-go/internal/engine/docker"
	"github.com/codepod-dev/codepod-go/internal/metrics"
	"github.com/codepod-dev/codepod-go/internal/model"
	"github.com/codepod-dev/codepod-go/internal/pool"
	"github.com/codepod-dev/codepod-go/internal/reconcile"
	"github.com/codepod-dev/codepod-go/internal/router"
	"github.com/codepod-dev/codepod-go/internal/session"
	"github.com/codepod-dev/codepod-go/internal/store"
	"github.com/codepod-dev/codepod-go/internal/store/postgres"
	"github.com/codepod-dev/codepod-go/internal/store/sqlite"
	"github.com/codepod-dev/codepod-go/internal/sweeper"
)

// Error taxonomy (spec §7), grounded on the teacher's sentinel-error +
// errors.Is dispatch in internal/api/errors.go, adapted from an HTTP-status
// mapping table to a plain library taxonomy.
var (
	ErrSessionNotFound      = session.ErrNotFound
	ErrContainerNotFound    = engine.ErrContainerNotFound
	ErrTimeoutExceedsLimit  = session.ErrTimeoutExceedsLimit
	ErrInvalidArgument      = session.ErrInvalidArgument
	ErrMaxContainersReached = session.ErrMaxContainersReached
	ErrEngineUnreachable    = engine.ErrEngineUnreachable
	ErrCancelled            = context.Canceled
)

// EngineOperationError wraps a non-fatal engine-native failure with the
// operation name, satisfying errors.Unwrap so callers can match the cause.
type EngineOperationError = engine.EngineOperationError

// Config is the set of recognized configuration options from spec §6.
type Config struct {
	Image                 string
	Workdir               string
	LabelPrefix           string
	PrewarmCount          int
	MaxContainers         int
	SessionTimeoutSeconds int
	MaxExecTimeoutSeconds int
	DefaultResourceLimits model.ResourceLimits
	MaxResourceLimits     model.ResourceLimits
	DefaultNetworkMode    model.NetworkMode
	OutputOptions         OutputOptions
	WindowsContainer      bool
	DBPath                string

	// PostgresDSN, if non-empty, selects the postgres store backend
	// (internal/store/postgres) instead of the default sqlite one; DBPath
	// is ignored in that case.
	PostgresDSN string

	// ConfigYAMLPath, if non-empty, loads configuration through
	// internal/config.Load: its built-in defaults, then this YAML file, then
	// environment variables (spec §6/teacher's internal/config.Load shape).
	// The option fields above are then not used.
	ConfigYAMLPath string
	Logger         *slog.Logger
	SweepInterval  time.Duration
}

type OutputStrategy = config.OutputStrategy

const (
	Head        = config.Head
	Tail        = config.Tail
	HeadAndTail = config.HeadAndTail
)

type OutputOptions = config.OutputOptions

func (c Config) toInternal() *config.Config {
	return &config.Config{
		Image:                 c.Image,
		Workdir:               c.Workdir,
		LabelPrefix:           c.LabelPrefix,
		PrewarmCount:          c.PrewarmCount,
		MaxContainers:         c.MaxContainers,
		SessionTimeoutSeconds: c.SessionTimeoutSeconds,
		MaxExecTimeoutSeconds: c.MaxExecTimeoutSeconds,
		DefaultResourceLimits: c.DefaultResourceLimits,
		MaxResourceLimits:     c.MaxResourceLimits,
		DefaultNetworkMode:    c.DefaultNetworkMode,
		OutputOptions:         c.OutputOptions,
		WindowsContainer:      c.WindowsContainer,
		DBPath:                c.DBPath,
	}
}

// Session is a handle to a live, Active session.
type Session struct {
	ID             int64
	Name           string
	ContainerID    string
	Limits         model.ResourceLimits
	Network        model.NetworkMode
	CreatedAt      time.Time
	LastActivityAt time.Time
	CommandCount   int64
}

func fromModel(s *model.Session) *Session {
	return &Session{
		ID:             s.ID,
		Name:           s.Name,
		ContainerID:    s.ContainerID,
		Limits:         s.Limits,
		Network:        s.Network,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		CommandCount:   s.CommandCount,
	}
}

// ExecResult is the outcome of ExecCommand.
type ExecResult = router.Result

// Event is one chunk of a streamed exec.
type Event = engine.StreamEvent

// DirEntry is one entry from ListDirectory.
type DirEntry = engine.DirEntry

// Usage is a point-in-time resource usage snapshot.
type Usage = engine.Stats

// PoolStatus is the admin status snapshot from spec §6.
type PoolStatus = pool.Status

// CreateOptions is the caller-supplied request to CreateSession.
type CreateOptions struct {
	Name           string
	Limits         *model.ResourceLimits
	Network        *model.NetworkMode
	TimeoutSeconds *int
}

// Client is the root SDK object: one per application process, owning the
// store, engine adapter, pool, session manager, router, reconciler, and
// sweeper.
type Client struct {
	cfg      *config.Config
	store    store.Store
	engine   engine.Adapter
	pool     *pool.Manager
	session  *session.Manager
	router   *router.Router
	reconcile *reconcile.Reconciler
	sweeper  *sweeper.Sweeper
	metrics  *metrics.Collector
	logger   *slog.Logger

	sweepCancel context.CancelFunc
}

// NewClient constructs a Client, opens the store, dials the engine,
// ensures the configured image is present, reconciles store/engine state,
// prewarms the pool, and starts the background sweeper.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	internalCfg, err := loadConfig(cfg)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg, internalCfg)
	if err != nil {
		return nil, err
	}

	eng, err := dockerengine.New(internalCfg.LabelPrefix + ".")
	if err != nil {
		st.Close()
		return nil, err
	}

	if err := eng.EnsureImage(ctx, internalCfg.Image); err != nil {
		st.Close()
		eng.Close()
		return nil, err
	}

	pl := pool.New(st, eng, internalCfg, logger)
	sessionMgr := session.New(st, pl, internalCfg)
	rec := reconcile.New(st, eng, internalCfg, pl, sessionMgr, logger)

	collector := metrics.NewCollector(pl)
	pl.Subscribe(collector.Refresh)

	if err := rec.Run(ctx); err != nil {
		logger.Warn("initial reconcile failed", "error", err)
	}
	if err := pl.EnsurePrewarm(ctx); err != nil {
		logger.Warn("initial prewarm failed", "error", err)
	}

	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Second
	}
	sw := sweeper.New(st, sessionMgr, internalCfg, sweepInterval, logger)

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	go sw.Run(sweepCtx)

	return &Client{
		cfg:         internalCfg,
		store:       st,
		engine:      eng,
		pool:        pl,
		session:     sessionMgr,
		router:      router.New(sessionMgr, eng, internalCfg),
		reconcile:   rec,
		sweeper:     sw,
		metrics:     collector,
		logger:      logger,
		sweepCancel: sweepCancel,
	}, nil
}

func openStore(ctx context.Context, cfg Config, internalCfg *config.Config) (store.Store, error) {
	if cfg.PostgresDSN != "" {
		return postgres.New(ctx, cfg.PostgresDSN)
	}
	return sqlite.New(internalCfg.DBPath, sqlite.DefaultMaxOpenConns)
}

func loadConfig(cfg Config) (*config.Config, error) {
	if cfg.ConfigYAMLPath != "" || isZeroConfig(cfg) {
		loaded, err := config.Load(cfg.ConfigYAMLPath)
		if err != nil {
			return nil, err
		}
		return loaded, nil
	}
	internalCfg := cfg.toInternal()
	if err := internalCfg.Validate(); err != nil {
		return nil, err
	}
	return internalCfg, nil
}

func isZeroConfig(cfg Config) bool {
	return cfg.Image == "" && cfg.MaxContainers == 0
}

// Close stops background tasks and releases the store/engine. Every
// prewarm task launched under the pool's background token is cancelled.
func (c *Client) Close() error {
	c.sweepCancel()
	c.pool.Dispose()
	if err := c.engine.Close(); err != nil {
		c.logger.Warn("closing engine adapter failed", "error", err)
	}
	return c.store.Close()
}

// CreateSession resolves defaults, acquires a container from the pool, and
// persists a new Active session. See internal/session.Manager.Create.
func (c *Client) CreateSession(ctx context.Context, opts CreateOptions) (*Session, error) {
	sess, err := c.session.Create(ctx, session.CreateOptions{
		Name:           opts.Name,
		Limits:         opts.Limits,
		Network:        opts.Network,
		TimeoutSeconds: opts.TimeoutSeconds,
	})
	if err != nil {
		return nil, err
	}
	return fromModel(sess), nil
}

func (c *Client) GetSession(ctx context.Context, id int64) (*Session, error) {
	sess, err := c.session.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromModel(sess), nil
}

func (c *Client) ListSessions(ctx context.Context) ([]*Session, error) {
	sessions, err := c.session.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, fromModel(s))
	}
	return out, nil
}

func (c *Client) DestroySession(ctx context.Context, id int64) error {
	return c.session.Destroy(ctx, id)
}

// ExecCommand runs cmd (shell-wrapped if a single string, argv if a slice)
// in the session's working directory and returns its truncated output.
func (c *Client) ExecCommand(ctx context.Context, sessionID int64, cmd []string, cwd string, timeout time.Duration) (ExecResult, error) {
	return c.router.ExecCommand(ctx, sessionID, cmd, cwd, timeout)
}

// ExecCommandStream is the streaming counterpart; cancelling ctx cancels
// the underlying exec.
func (c *Client) ExecCommandStream(ctx context.Context, sessionID int64, cmd []string, cwd string, timeout time.Duration) (<-chan Event, error) {
	return c.router.ExecCommandStream(ctx, sessionID, cmd, cwd, timeout)
}

func (c *Client) UploadFile(ctx context.Context, sessionID int64, path string, content io.Reader, mode int64) error {
	return c.router.UploadFile(ctx, sessionID, path, content, mode)
}

func (c *Client) ListDirectory(ctx context.Context, sessionID int64, path string) ([]DirEntry, error) {
	return c.router.ListDirectory(ctx, sessionID, path)
}

func (c *Client) DownloadFile(ctx context.Context, sessionID int64, path string) ([]byte, error) {
	return c.router.DownloadFile(ctx, sessionID, path)
}

func (c *Client) DeleteFile(ctx context.Context, sessionID int64, path string) error {
	return c.router.DeleteFile(ctx, sessionID, path)
}

func (c *Client) GetStats(ctx context.Context, sessionID int64) (Usage, error) {
	return c.router.GetStats(ctx, sessionID)
}

// Pool admin surface (spec §6).

func (c *Client) CreateContainer(ctx context.Context) error {
	_, err := c.pool.CreateManual(ctx)
	if errors.Is(err, pool.ErrMaxContainersReached) {
		return ErrMaxContainersReached
	}
	return err
}

func (c *Client) ForceDelete(ctx context.Context, containerID string) error {
	return c.pool.Release(ctx, containerID)
}

func (c *Client) DeleteAll(ctx context.Context) error {
	return c.pool.DeleteAll(ctx)
}

func (c *Client) List(ctx context.Context) ([]*model.Container, error) {
	return c.pool.ListAll(ctx)
}

func (c *Client) PoolStatus(ctx context.Context) (PoolStatus, error) {
	return c.pool.StatusSnapshot(ctx)
}

// CleanupExpired is the manual sweep trigger from spec §6.
func (c *Client) CleanupExpired(ctx context.Context) {
	c.sweeper.Sweep(ctx)
}

// Reconcile re-runs the startup reconciliation on demand.
func (c *Client) Reconcile(ctx context.Context) error {
	return c.reconcile.Run(ctx)
}
