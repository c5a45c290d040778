package docker

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepod-dev/codepod-go/internal/engine"
)

// frame builds one stdcopy-framed chunk: a 1-byte stream type, 3 reserved
// bytes, a big-endian uint32 length, then the payload. This is the wire
// format ContainerExecAttach's hijacked connection actually produces;
// building it by hand here stands in for a live daemon.
func frame(streamType byte, payload string) []byte {
	hdr := make([]byte, 8)
	hdr[0] = streamType
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(payload)))
	return append(hdr, payload...)
}

func TestShellWrap(t *testing.T) {
	assert.Equal(t, []string{"/bin/sh", "-lc", "echo hi"}, shellWrap([]string{"echo hi"}))
	assert.Equal(t, []string{"echo", "hi"}, shellWrap([]string{"echo", "hi"}))
}

func TestDemuxExecOutput_SplitsStdoutAndStderr(t *testing.T) {
	var wire bytes.Buffer
	wire.Write(frame(byte(stdcopy.Stdout), "hello "))
	wire.Write(frame(byte(stdcopy.Stderr), "oops"))
	wire.Write(frame(byte(stdcopy.Stdout), "world"))

	stdout, stderr, err := demuxExecOutput(&wire)
	require.NoError(t, err)
	assert.Equal(t, "hello world", stdout)
	assert.Equal(t, "oops", stderr)
}

func TestDemuxExecStream_EmitsOneEventPerFrame(t *testing.T) {
	var wire bytes.Buffer
	wire.Write(frame(byte(stdcopy.Stdout), "line1\n"))
	wire.Write(frame(byte(stdcopy.Stderr), "warn\n"))

	events := make(chan engine.StreamEvent, 8)
	err := demuxExecStream(&wire, events)
	close(events)
	require.NoError(t, err)

	var gotStdout, gotStderr []string
	for ev := range events {
		switch ev.Type {
		case engine.StreamStdout:
			gotStdout = append(gotStdout, string(ev.Data))
		case engine.StreamStderr:
			gotStderr = append(gotStderr, string(ev.Data))
		default:
			t.Fatalf("unexpected event type %v", ev.Type)
		}
	}
	assert.Equal(t, []string{"line1\n"}, gotStdout)
	assert.Equal(t, []string{"warn\n"}, gotStderr)
}

// buildTar assembles a tar archive from name/isDir/content triples, mirroring
// the shape CopyFromContainer returns: every member prefixed by the copied
// directory's basename, plus a self-entry for that directory.
func buildTar(t *testing.T, entries []struct {
	name    string
	isDir   bool
	content string
}) *tar.Reader {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name}
		if e.isDir {
			hdr.Typeflag = tar.TypeDir
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.content))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if !e.isDir {
			_, err := tw.Write([]byte(e.content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return tar.NewReader(&buf)
}

func TestParseDirListing_StripsPrefixAndSelfEntry(t *testing.T) {
	tr := buildTar(t, []struct {
		name    string
		isDir   bool
		content string
	}{
		{name: "workspace/", isDir: true},
		{name: "workspace/download.txt", content: "hi"},
		{name: "workspace/artifacts/", isDir: true},
		{name: "workspace/artifacts/out.bin", content: "data"},
	})

	entries, err := parseDirListing(tr, "/workspace")
	require.NoError(t, err)

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	assert.ElementsMatch(t, []string{"download.txt", "artifacts", "artifacts/out.bin"}, names)

	for _, e := range entries {
		if e.Name == "download.txt" {
			assert.False(t, e.IsDir)
			assert.EqualValues(t, 2, e.Size)
		}
		if e.Name == "artifacts" {
			assert.True(t, e.IsDir)
		}
	}
}

func TestReadSingleFile_ReturnsContent(t *testing.T) {
	tr := buildTar(t, []struct {
		name    string
		isDir   bool
		content string
	}{
		{name: "download.txt", content: "file contents"},
	})

	data, err := readSingleFile(tr, "/workspace/download.txt")
	require.NoError(t, err)
	assert.Equal(t, "file contents", string(data))
}

func TestReadSingleFile_RejectsDirectory(t *testing.T) {
	tr := buildTar(t, []struct {
		name    string
		isDir   bool
		content string
	}{
		{name: "workspace/", isDir: true},
	})

	_, err := readSingleFile(tr, "/workspace")
	assert.Error(t, err)
}

func TestManagedLabelFilter_MatchesCreateContainerLabel(t *testing.T) {
	// ListManaged must key off a.labelPrefix, not a (possibly
	// differently-formatted) caller-supplied labelPrefix, since
	// CreateContainer always labels containers with a.labelPrefix.
	a := &Adapter{labelPrefix: "codepod."}
	assert.Equal(t, "codepod.managed=true", a.managedLabelFilter())

	labels := map[string]string{a.labelPrefix + labelManaged: "true"}
	assert.Equal(t, "true", labels["codepod.managed"])
}
