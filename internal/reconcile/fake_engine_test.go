package reconcile

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/codepod-dev/codepod-go/internal/engine"
)

type fakeEngine struct {
	mu      sync.Mutex
	running map[string]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{running: make(map[string]bool)}
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
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.running))
	for id := range f.running {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeEngine) Delete(ctx context.Context, containerID string) error {
	f.mu.Lock()
	delete(f.running, containerID)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) Exec(ctx context.Context, containerID string, spec engine.ExecSpec) (engine.ExecResult, error) {
	return engine.ExecResult{Stdout: "ready\n", ExitCode: 0}, nil
}

func (f *fakeEngine) ExecStream(ctx context.Context, containerID string, spec engine.ExecSpec) (<-chan engine.StreamEvent, error) {
	ch := make(chan engine.StreamEvent, 1)
	ch <- engine.StreamEvent{Type: engine.StreamExit, ExitCode: 0}
	close(ch)
	return ch, nil
}

func (f *fakeEngine) Upload(ctx context.Context, containerID, destPath string, content io.Reader, mode int64) error {
	return nil
}

func (f *fakeEngine) List(ctx context.Context, containerID, path string) ([]engine.DirEntry, error) {
	return nil, nil
}

func (f *fakeEngine) Download(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func (f *fakeEngine) Stats(ctx context.Context, containerID string) (engine.Stats, error) {
	return engine.Stats{}, nil
}

func (f *fakeEngine) Close() error { return nil }
