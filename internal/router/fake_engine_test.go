package router

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/codepod-dev/codepod-go/internal/engine"
)

type fakeEngine struct {
	mu          sync.Mutex
	running     map[string]bool
	stdout      string
	stderr      string
	lastExecCmd []string
	uploaded    map[string][]byte
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{running: make(map[string]bool), uploaded: make(map[string][]byte)}
}

func (f *fakeEngine) EnsureImage(ctx context.Context, image string) error { return nil }

func (f *fakeEngine) CreateContainer(ctx context.Context, spec engine.CreateSpec) (string, error) {
	id := "fake-" + uuid.New().String()
	f.mu.Lock()
	f.running[id] = true
	f.mu.Unlock()
	return id, nil
}

func (f *fakeEngine) Inspect(ctx context.Context, containerID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[containerID] {
		return "running", true, nil
	}
	return "", false, engine.ErrContainerNotFound
}

func (f *fakeEngine) ListManaged(ctx context.Context, labelPrefix string) ([]string, error) {
	return nil, nil
}

func (f *fakeEngine) Delete(ctx context.Context, containerID string) error {
	f.mu.Lock()
	delete(f.running, containerID)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) Exec(ctx context.Context, containerID string, spec engine.ExecSpec) (engine.ExecResult, error) {
	f.mu.Lock()
	f.lastExecCmd = spec.Command
	stdout := f.stdout
	stderr := f.stderr
	f.mu.Unlock()
	return engine.ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: 0}, nil
}

func (f *fakeEngine) ExecStream(ctx context.Context, containerID string, spec engine.ExecSpec) (<-chan engine.StreamEvent, error) {
	ch := make(chan engine.StreamEvent, 1)
	ch <- engine.StreamEvent{Type: engine.StreamExit, ExitCode: 0}
	close(ch)
	return ch, nil
}

func (f *fakeEngine) Upload(ctx context.Context, containerID, destPath string, content io.Reader, mode int64) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, content); err != nil {
		return err
	}
	f.mu.Lock()
	f.uploaded[destPath] = buf.Bytes()
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) List(ctx context.Context, containerID, path string) ([]engine.DirEntry, error) {
	return nil, nil
}

func (f *fakeEngine) Download(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	data := f.uploaded[path]
	f.mu.Unlock()
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeEngine) Stats(ctx context.Context, containerID string) (engine.Stats, error) {
	return engine.Stats{}, nil
}

func (f *fakeEngine) Close() error { return nil }
