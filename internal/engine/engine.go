// Package engine defines the Engine Adapter contract: the seam between the
// pool/session core and a concrete container engine (internal/engine/docker
// is the only implementation shipped, but the interface is engine-agnostic
// per spec §4.1).
package engine

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/codepod-dev/codepod-go/internal/model"
)

// Sentinel errors the adapter maps engine-native failures onto. Callers
// match with errors.Is; EngineOperationError wraps the underlying cause.
var (
	ErrContainerNotFound = errors.New("engine: container not found")
	ErrImageNotFound      = errors.New("engine: image not found")
	ErrEngineUnreachable  = errors.New("engine: unreachable")
	ErrExecTimeout        = errors.New("engine: exec timed out")
	ErrPathNotFound       = errors.New("engine: path not found")
)

// EngineOperationError wraps an engine-native error with the operation that
// produced it, grounded on the teacher's errors.Is-based dispatch idiom
// (internal/api/errors.go) but carried as a plain wrapped error since this
// adapter has no HTTP layer to translate into.
type EngineOperationError struct {
	Op  string
	Err error
}

func (e *EngineOperationError) Error() string {
	return "engine: " + e.Op + ": " + e.Err.Error()
}

func (e *EngineOperationError) Unwrap() error { return e.Err }

// CreateSpec describes a container to create.
type CreateSpec struct {
	Image   string
	Name    string
	Workdir string
	// Cmd is the long-running keepalive argv the container is started
	// with; the caller derives it from config.Config.KeepaliveCmd so the
	// adapter doesn't need its own Windows-vs-Unix branch.
	Cmd     []string
	Limits  model.ResourceLimits
	Network model.NetworkMode
	Labels  map[string]string
}

// ExecSpec describes a one-shot or streamed command.
type ExecSpec struct {
	Cwd     string
	Command []string // argv; the adapter decides whether/how to shell-wrap
	Env     []string
	Timeout time.Duration
}

// ExecResult is the outcome of a batch (non-streamed) Exec.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// StreamEventType tags an ExecStream event.
type StreamEventType int

const (
	StreamStdout StreamEventType = iota
	StreamStderr
	StreamExit
)

// StreamEvent is one chunk pushed onto an ExecStream channel.
type StreamEvent struct {
	Type     StreamEventType
	Data     []byte
	ExitCode int
	Err      error
}

// DirEntry describes one entry returned by ListDirectory.
type DirEntry struct {
	Name  string
	IsDir bool
	Size  int64
}

// Stats is a one-shot resource usage snapshot.
type Stats struct {
	CPUNanos      uint64
	MemoryBytes   uint64
	MemoryPeak    uint64
	NetworkRxBytes uint64
	NetworkTxBytes uint64
}

// Adapter is the full set of operations the pool, session and router
// packages need from a container engine.
type Adapter interface {
	EnsureImage(ctx context.Context, image string) error
	CreateContainer(ctx context.Context, spec CreateSpec) (containerID string, err error)
	Inspect(ctx context.Context, containerID string) (dockerStatus string, running bool, err error)
	ListManaged(ctx context.Context, labelPrefix string) ([]string, error)
	Delete(ctx context.Context, containerID string) error

	Exec(ctx context.Context, containerID string, spec ExecSpec) (ExecResult, error)
	ExecStream(ctx context.Context, containerID string, spec ExecSpec) (<-chan StreamEvent, error)

	Upload(ctx context.Context, containerID, destPath string, content io.Reader, mode int64) error
	List(ctx context.Context, containerID, path string) ([]DirEntry, error)
	Download(ctx context.Context, containerID, path string) (io.ReadCloser, error)

	Stats(ctx context.Context, containerID string) (Stats, error)

	Close() error
}
