// Package router implements the Command Router: per-session bookkeeping
// (activity bump, command count, is-executing latch) wrapped around calls
// to the Engine Adapter, with output truncation applied to batch exec
// results. Grounded on the teacher's internal/session/exec.go pre/post
// bookkeeping shape (validateSession -> lock -> call engine -> extend
// lease) and internal/session/fs.go's Write/Read; DeleteFile keeps the
// teacher's choice of a plain rm -f exec rather than an archive op.
package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/codepod-dev/codepod-go/internal/config"
	"github.com/codepod-dev/codepod-go/internal/engine"
	"github.com/codepod-dev/codepod-go/internal/session"
	"github.com/codepod-dev/codepod-go/internal/truncate"
)

// ErrSessionNotFound is session.ErrNotFound, so router failures match the
// public codepod.ErrSessionNotFound with errors.Is.
var ErrSessionNotFound = session.ErrNotFound

type Router struct {
	session *session.Manager
	engine  engine.Adapter
	cfg     *config.Config
}

func New(sessionMgr *session.Manager, eng engine.Adapter, cfg *config.Config) *Router {
	return &Router{session: sessionMgr, engine: eng, cfg: cfg}
}

// Result is the outcome of ExecCommand.
type Result struct {
	Stdout      string
	Stderr      string
	ExitCode    int
	ElapsedMs   int64
	IsTruncated bool
}

func (r *Router) truncateMode() truncate.Mode {
	switch r.cfg.OutputOptions.Strategy {
	case config.Tail:
		return truncate.Tail
	case config.HeadAndTail:
		return truncate.HeadAndTail
	default:
		return truncate.Head
	}
}

func (r *Router) resolveSession(ctx context.Context, sessionID int64) (string, error) {
	sess, err := r.session.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", err
	}
	return sess.ContainerID, nil
}

func (r *Router) ExecCommand(ctx context.Context, sessionID int64, command []string, cwd string, timeout time.Duration) (Result, error) {
	containerID, err := r.resolveSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if cwd == "" {
		cwd = r.cfg.Workdir
	}
	if timeout <= 0 {
		timeout = time.Duration(r.cfg.MaxExecTimeoutSeconds) * time.Second
	}

	lock := r.session.Lock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := r.session.SetExecuting(ctx, sessionID, true); err != nil {
		return Result{}, err
	}
	if err := r.session.IncrementCommandCount(ctx, sessionID); err != nil {
		r.session.SetExecuting(ctx, sessionID, false)
		return Result{}, err
	}

	start := time.Now()
	execResult, execErr := r.engine.Exec(ctx, containerID, engine.ExecSpec{
		Cwd:     cwd,
		Command: command,
		Timeout: timeout,
	})
	elapsed := time.Since(start)

	// is_executing is cleared even on failure.
	if err := r.session.SetExecuting(ctx, sessionID, false); err != nil {
		return Result{}, err
	}
	if execErr != nil {
		return Result{}, execErr
	}

	stdoutT := truncate.Apply(execResult.Stdout, r.cfg.OutputOptions.MaxOutputBytes, r.truncateMode())
	stderrT := truncate.Apply(execResult.Stderr, r.cfg.OutputOptions.MaxOutputBytes, r.truncateMode())

	return Result{
		Stdout:      applyTruncationMessage(stdoutT, r.cfg.OutputOptions.TruncationMessage),
		Stderr:      applyTruncationMessage(stderrT, r.cfg.OutputOptions.TruncationMessage),
		ExitCode:    execResult.ExitCode,
		ElapsedMs:   elapsed.Milliseconds(),
		IsTruncated: stdoutT.Truncated || stderrT.Truncated,
	}, nil
}

// applyTruncationMessage positions the omitted-bytes message relative to
// the kept content per the mode Output was truncated under: appended after
// Head, prepended before Tail, and spliced between the two halves for
// HeadAndTail.
func applyTruncationMessage(r truncate.Result, template string) string {
	if !r.Truncated {
		return r.Output
	}
	omitted := r.OriginalBytes - len(r.Output)
	msg := strings.ReplaceAll(template, "{0}", strconv.Itoa(omitted))
	switch r.Mode {
	case truncate.Tail:
		return msg + r.Output
	case truncate.HeadAndTail:
		return r.Output[:r.HeadLen] + msg + r.Output[r.HeadLen:]
	default: // Head
		return r.Output + msg
	}
}

// ExecCommandStream yields engine events verbatim; no truncation applies.
// Cancelling ctx cancels the underlying exec.
func (r *Router) ExecCommandStream(ctx context.Context, sessionID int64, command []string, cwd string, timeout time.Duration) (<-chan engine.StreamEvent, error) {
	containerID, err := r.resolveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cwd == "" {
		cwd = r.cfg.Workdir
	}

	lock := r.session.Lock(sessionID)
	lock.Lock()

	if err := r.session.SetExecuting(ctx, sessionID, true); err != nil {
		lock.Unlock()
		return nil, err
	}
	if err := r.session.IncrementCommandCount(ctx, sessionID); err != nil {
		r.session.SetExecuting(ctx, sessionID, false)
		lock.Unlock()
		return nil, err
	}

	upstream, err := r.engine.ExecStream(ctx, containerID, engine.ExecSpec{
		Cwd:     cwd,
		Command: command,
		Timeout: timeout,
	})
	if err != nil {
		r.session.SetExecuting(ctx, sessionID, false)
		lock.Unlock()
		return nil, err
	}

	out := make(chan engine.StreamEvent, 16)
	go func() {
		defer close(out)
		defer lock.Unlock()
		defer r.session.SetExecuting(context.Background(), sessionID, false)
		for ev := range upstream {
			out <- ev
		}
	}()
	return out, nil
}

func (r *Router) UploadFile(ctx context.Context, sessionID int64, path string, content io.Reader, mode int64) error {
	containerID, err := r.resolveSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := r.engine.Upload(ctx, containerID, path, content, mode); err != nil {
		return err
	}
	return r.session.BumpActivity(ctx, sessionID)
}

func (r *Router) ListDirectory(ctx context.Context, sessionID int64, path string) ([]engine.DirEntry, error) {
	containerID, err := r.resolveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	entries, err := r.engine.List(ctx, containerID, path)
	if err != nil {
		return nil, err
	}
	if err := r.session.BumpActivity(ctx, sessionID); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Router) DownloadFile(ctx context.Context, sessionID int64, path string) ([]byte, error) {
	containerID, err := r.resolveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	reader, err := r.engine.Download(ctx, containerID, path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("reading downloaded content: %w", err)
	}
	if err := r.session.BumpActivity(ctx, sessionID); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DeleteFile is implemented as a plain rm -f (or Windows equivalent) exec
// rather than an archive operation, per spec §4.7.
func (r *Router) DeleteFile(ctx context.Context, sessionID int64, path string) error {
	containerID, err := r.resolveSession(ctx, sessionID)
	if err != nil {
		return err
	}
	cmd := []string{"rm", "-f", path}
	if r.cfg.WindowsContainer {
		cmd = []string{"powershell", "-Command", "Remove-Item -Force -ErrorAction SilentlyContinue " + path}
	}
	if _, err := r.engine.Exec(ctx, containerID, engine.ExecSpec{Command: cmd}); err != nil {
		return err
	}
	return r.session.BumpActivity(ctx, sessionID)
}

func (r *Router) GetStats(ctx context.Context, sessionID int64) (engine.Stats, error) {
	containerID, err := r.resolveSession(ctx, sessionID)
	if err != nil {
		return engine.Stats{}, err
	}
	return r.engine.Stats(ctx, containerID)
}
