// Package docker implements engine.Adapter against the Docker Engine API,
// grounded on the teacher's internal/docker/client.go for SDK wiring
// (client.NewClientWithOpts/FromEnv/WithAPIVersionNegotiation, container
// create/start/remove, label-filtered listing) and on the opensandbox
// reference (_examples/other_examples) for streamed exec via stdcopy into
// a channel-backed writer.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"

	"github.com/codepod-dev/codepod-go/internal/engine"
	"github.com/codepod-dev/codepod-go/internal/model"
)

const labelManaged = "managed"

// Adapter implements engine.Adapter against a live Docker daemon.
type Adapter struct {
	docker      *client.Client
	labelPrefix string
}

// New dials the Docker daemon using the standard environment variables
// (DOCKER_HOST, DOCKER_CERT_PATH, ...), negotiating the API version.
func New(labelPrefix string) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Adapter{docker: cli, labelPrefix: labelPrefix}, nil
}

func (a *Adapter) Close() error { return a.docker.Close() }

func (a *Adapter) EnsureImage(ctx context.Context, img string) error {
	_, _, err := a.docker.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return &engine.EngineOperationError{Op: "inspect image", Err: err}
	}
	reader, err := a.docker.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return &engine.EngineOperationError{Op: "pull image", Err: err}
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return &engine.EngineOperationError{Op: "pull image", Err: err}
	}
	return nil
}

func (a *Adapter) CreateContainer(ctx context.Context, spec engine.CreateSpec) (string, error) {
	labels := map[string]string{
		a.labelPrefix + labelManaged: "true",
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	resources := container.Resources{
		NanoCPUs:  spec.Limits.NanoCPUs(),
		Memory:    spec.Limits.MemoryBytes,
		PidsLimit: int64Ptr(int64(spec.Limits.MaxProcesses)),
	}

	hostCfg := &container.HostConfig{
		Resources:   resources,
		AutoRemove:  false,
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeTmpfs,
				Target: "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: 512 * units.MiB,
				},
			},
			{
				Type:   mount.TypeTmpfs,
				Target: "/run",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: 16 * units.MiB,
				},
			},
		},
	}

	switch spec.Network {
	case model.NetworkNone:
		hostCfg.NetworkMode = "none"
	case model.NetworkHost:
		hostCfg.NetworkMode = "host"
	case model.NetworkBridge:
		hostCfg.NetworkMode = "bridge"
	}

	cmd := spec.Cmd
	if len(cmd) == 0 {
		cmd = []string{"sleep", "infinity"}
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Labels: labels,
		Tty:    false,
		// The entrypoint is whatever the image ships; commands run via exec.
		Cmd: cmd,
	}

	resp, err := a.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", &engine.EngineOperationError{Op: "create container", Err: engine.ErrImageNotFound}
		}
		return "", &engine.EngineOperationError{Op: "create container", Err: err}
	}

	if err := a.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		a.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", &engine.EngineOperationError{Op: "start container", Err: err}
	}

	if spec.Workdir != "" {
		mkdirCmd := []string{"mkdir", "-p", spec.Workdir, spec.Workdir + "/artifacts"}
		if _, err := a.Exec(ctx, resp.ID, engine.ExecSpec{Command: mkdirCmd}); err != nil {
			a.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
			return "", &engine.EngineOperationError{Op: "create workdir", Err: err}
		}
	}

	return resp.ID, nil
}

func (a *Adapter) Inspect(ctx context.Context, containerID string) (string, bool, error) {
	info, err := a.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", false, engine.ErrContainerNotFound
		}
		return "", false, &engine.EngineOperationError{Op: "inspect container", Err: err}
	}
	return info.State.Status, info.State.Running, nil
}

// ListManaged ignores its labelPrefix argument in favor of a.labelPrefix,
// the prefix this adapter was constructed with (already dotted by New's
// caller) and the one CreateContainer actually labels containers with.
// Accepting a separately-formatted prefix here invited drift between the
// filter and the label it's meant to match.
func (a *Adapter) ListManaged(ctx context.Context, labelPrefix string) ([]string, error) {
	f := filters.NewArgs()
	f.Add("label", a.managedLabelFilter())

	containers, err := a.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, &engine.EngineOperationError{Op: "list containers", Err: err}
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// managedLabelFilter builds the label=value filter term matching what
// CreateContainer stamps every managed container with.
func (a *Adapter) managedLabelFilter() string {
	return a.labelPrefix + labelManaged + "=true"
}

// Delete stops the container with a 2s grace period, then force-removes it.
// A failed stop is ignored; a not-found remove is swallowed.
func (a *Adapter) Delete(ctx context.Context, containerID string) error {
	grace := 2
	_ = a.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &grace})
	err := a.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return &engine.EngineOperationError{Op: "remove container", Err: err}
	}
	return nil
}

// shellWrap runs a one-element command (a single command string) through
// /bin/sh -lc, grounded on the /bin/sh -lc convention the teacher's runner
// substitutes for. A command of two or more elements is returned unchanged,
// so its discrete tokens reach the process without any shell interpretation.
func shellWrap(argv []string) []string {
	if len(argv) == 1 {
		return []string{"/bin/sh", "-lc", argv[0]}
	}
	return argv
}

func (a *Adapter) Exec(ctx context.Context, containerID string, spec engine.ExecSpec) (engine.ExecResult, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	execCfg := container.ExecOptions{
		Cmd:          shellWrap(spec.Command),
		Env:          spec.Env,
		WorkingDir:   spec.Cwd,
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := a.docker.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		if client.IsErrNotFound(err) {
			return engine.ExecResult{}, engine.ErrContainerNotFound
		}
		return engine.ExecResult{}, &engine.EngineOperationError{Op: "exec create", Err: err}
	}

	attachResp, err := a.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return engine.ExecResult{}, &engine.EngineOperationError{Op: "exec attach", Err: err}
	}
	defer attachResp.Close()

	stdoutBuf, stderrBuf, copyErr := demuxExecOutput(attachResp.Reader)
	if copyErr != nil && ctx.Err() != nil {
		return engine.ExecResult{Stdout: stdoutBuf, Stderr: stderrBuf, TimedOut: true}, nil
	}
	if copyErr != nil {
		return engine.ExecResult{}, &engine.EngineOperationError{Op: "exec read", Err: copyErr}
	}

	inspect, err := a.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return engine.ExecResult{}, &engine.EngineOperationError{Op: "exec inspect", Err: err}
	}

	return engine.ExecResult{
		Stdout:   stdoutBuf,
		Stderr:   stderrBuf,
		ExitCode: inspect.ExitCode,
	}, nil
}

// demuxExecOutput splits Docker's multiplexed exec attach stream (stdcopy's
// 8-byte-header framing: 1 type byte, 3 reserved, 4 big-endian size) into
// separate stdout/stderr strings.
func demuxExecOutput(r io.Reader) (stdout, stderr string, err error) {
	var stdoutBuf, stderrBuf bytes.Buffer
	_, err = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, r)
	return stdoutBuf.String(), stderrBuf.String(), err
}

// channelWriter turns each demultiplexed Write call into a StreamEvent,
// grounded on the opensandbox reference's pattern of feeding stdcopy two
// io.Writer implementations that push onto a channel instead of buffering.
type channelWriter struct {
	kind engine.StreamEventType
	ch   chan<- engine.StreamEvent
}

func (w *channelWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	w.ch <- engine.StreamEvent{Type: w.kind, Data: buf}
	return len(p), nil
}

func (a *Adapter) ExecStream(ctx context.Context, containerID string, spec engine.ExecSpec) (<-chan engine.StreamEvent, error) {
	execCfg := container.ExecOptions{
		Cmd:          shellWrap(spec.Command),
		Env:          spec.Env,
		WorkingDir:   spec.Cwd,
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := a.docker.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, engine.ErrContainerNotFound
		}
		return nil, &engine.EngineOperationError{Op: "exec create", Err: err}
	}

	attachResp, err := a.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, &engine.EngineOperationError{Op: "exec attach", Err: err}
	}

	events := make(chan engine.StreamEvent, 16)
	go func() {
		defer attachResp.Close()
		defer close(events)

		if spec.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			done <- demuxExecStream(attachResp.Reader, events)
		}()

		select {
		case <-ctx.Done():
			events <- engine.StreamEvent{Type: engine.StreamExit, Err: engine.ErrExecTimeout}
			return
		case err := <-done:
			if err != nil {
				events <- engine.StreamEvent{Type: engine.StreamExit, Err: err}
				return
			}
		}

		inspect, err := a.docker.ContainerExecInspect(context.Background(), execResp.ID)
		if err != nil {
			events <- engine.StreamEvent{Type: engine.StreamExit, Err: err}
			return
		}
		events <- engine.StreamEvent{Type: engine.StreamExit, ExitCode: inspect.ExitCode}
	}()

	return events, nil
}

// demuxExecStream feeds r's multiplexed frames onto events as they arrive,
// one StreamEvent per stdcopy Write. It does not push a StreamExit event;
// the caller appends that once the exit code is known.
func demuxExecStream(r io.Reader, events chan<- engine.StreamEvent) error {
	stdout := &channelWriter{kind: engine.StreamStdout, ch: events}
	stderr := &channelWriter{kind: engine.StreamStderr, ch: events}
	_, err := stdcopy.StdCopy(stdout, stderr, r)
	return err
}

func (a *Adapter) Upload(ctx context.Context, containerID, destPath string, content io.Reader, mode int64) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("reading upload content: %w", err)
	}

	dir := destPath[:strings.LastIndex(destPath, "/")+1]
	name := destPath[strings.LastIndex(destPath, "/")+1:]
	if dir == "" {
		dir = "/"
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: name,
		Mode: mode,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("writing tar content: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar writer: %w", err)
	}

	err = a.docker.CopyToContainer(ctx, containerID, dir, &buf, container.CopyToContainerOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return engine.ErrContainerNotFound
		}
		return &engine.EngineOperationError{Op: "copy to container", Err: err}
	}
	return nil
}

// List reads the tar stream CopyFromContainer produces for path. Docker
// prefixes every member with path's basename and includes a self-entry for
// that directory; both are stripped so callers see bare names relative to
// path.
func (a *Adapter) List(ctx context.Context, containerID, path string) ([]engine.DirEntry, error) {
	reader, _, err := a.docker.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, engine.ErrPathNotFound
		}
		return nil, &engine.EngineOperationError{Op: "copy from container", Err: err}
	}
	defer reader.Close()
	return parseDirListing(tar.NewReader(reader), path)
}

// parseDirListing walks the tar stream CopyFromContainer produces for path,
// stripping path's basename prefix and skipping path's own self-entry so
// callers see bare names relative to path.
func parseDirListing(tr *tar.Reader, path string) ([]engine.DirEntry, error) {
	base := strings.TrimSuffix(path, "/")
	base = base[strings.LastIndex(base, "/")+1:]
	prefix := base + "/"

	var out []engine.DirEntry
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar stream: %w", err)
		}

		name := strings.TrimSuffix(hdr.Name, "/")
		if name == base {
			continue // self-entry for path itself
		}
		name = strings.TrimPrefix(hdr.Name, prefix)
		name = strings.TrimSuffix(name, "/")
		if name == "" {
			continue
		}

		out = append(out, engine.DirEntry{
			Name:  name,
			IsDir: hdr.Typeflag == tar.TypeDir,
			Size:  hdr.Size,
		})
	}
	return out, nil
}

func (a *Adapter) Download(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	reader, _, err := a.docker.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, engine.ErrPathNotFound
		}
		return nil, &engine.EngineOperationError{Op: "copy from container", Err: err}
	}

	data, err := readSingleFile(tar.NewReader(reader), path)
	reader.Close()
	if err != nil {
		return nil, fmt.Errorf("reading tar content: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// readSingleFile reads the first tar entry from tr and returns its content,
// rejecting a directory entry (CopyFromContainer on a directory path is the
// caller's mistake to make via List, not Download).
func readSingleFile(tr *tar.Reader, path string) ([]byte, error) {
	hdr, err := tr.Next()
	if err != nil {
		return nil, fmt.Errorf("reading tar header: %w", err)
	}
	if hdr.Typeflag == tar.TypeDir {
		return nil, fmt.Errorf("download path %q is a directory", path)
	}
	return io.ReadAll(tr)
}

func (a *Adapter) Stats(ctx context.Context, containerID string) (engine.Stats, error) {
	resp, err := a.docker.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return engine.Stats{}, engine.ErrContainerNotFound
		}
		return engine.Stats{}, &engine.EngineOperationError{Op: "stats", Err: err}
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return engine.Stats{}, fmt.Errorf("decoding stats: %w", err)
	}

	var rx, tx uint64
	for _, n := range raw.Networks {
		rx += n.RxBytes
		tx += n.TxBytes
	}

	return engine.Stats{
		CPUNanos:       raw.CPUStats.CPUUsage.TotalUsage,
		MemoryBytes:    raw.MemoryStats.Usage,
		MemoryPeak:     raw.MemoryStats.MaxUsage,
		NetworkRxBytes: rx,
		NetworkTxBytes: tx,
	}, nil
}

func int64Ptr(v int64) *int64 { return &v }
