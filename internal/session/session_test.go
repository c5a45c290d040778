package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepod-dev/codepod-go/internal/config"
	"github.com/codepod-dev/codepod-go/internal/model"
	"github.com/codepod-dev/codepod-go/internal/pool"
	"github.com/codepod-dev/codepod-go/internal/store/sqlite"
)

func testSetup(t *testing.T) (*Manager, *pool.Manager) {
	t.Helper()
	st, err := sqlite.New(":memory:", 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		Image:         "codepod/runtime:base",
		LabelPrefix:   "codepod",
		MaxContainers: 3,
		DefaultResourceLimits: model.ResourceLimits{
			MemoryBytes: 512 * 1024 * 1024, CPUCores: 1.0, MaxProcesses: 256,
		},
		MaxResourceLimits: model.ResourceLimits{
			MemoryBytes: 2048 * 1024 * 1024, CPUCores: 4.0, MaxProcesses: 1024,
		},
		DefaultNetworkMode:    model.NetworkNone,
		SessionTimeoutSeconds: 1800,
	}

	pl := pool.New(st, newFakeEngineForSessionTests(), cfg, nil)
	t.Cleanup(pl.Dispose)

	return New(st, pl, cfg), pl
}

func TestCreate_AssignsDefaultName(t *testing.T) {
	m, _ := testSetup(t)
	sess, err := m.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.DefaultName(sess.ID), sess.Name)
	assert.Equal(t, model.SessionActive, sess.Status)
	assert.NotEmpty(t, sess.ContainerID)
}

func TestCreate_RejectsTimeoutAboveLimit(t *testing.T) {
	m, _ := testSetup(t)
	over := 999999
	_, err := m.Create(context.Background(), CreateOptions{TimeoutSeconds: &over})
	assert.ErrorIs(t, err, ErrTimeoutExceedsLimit)
}

func TestCreate_RejectsLimitsAboveMax(t *testing.T) {
	m, _ := testSetup(t)
	tooMuch := model.ResourceLimits{MemoryBytes: 9999 * 1024 * 1024, CPUCores: 99, MaxProcesses: 99999}
	_, err := m.Create(context.Background(), CreateOptions{Limits: &tooMuch})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCreate_NoRowOnAcquireFailure(t *testing.T) {
	m, _ := testSetup(t)
	// Exhaust the pool cap.
	_, err := m.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	limits2 := model.ResourceLimits{MemoryBytes: 1024 * 1024 * 1024, CPUCores: 2.0, MaxProcesses: 512}
	_, err = m.Create(context.Background(), CreateOptions{Limits: &limits2})
	require.NoError(t, err)
	limits3 := model.ResourceLimits{MemoryBytes: 1536 * 1024 * 1024, CPUCores: 3.0, MaxProcesses: 768}
	_, err = m.Create(context.Background(), CreateOptions{Limits: &limits3})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), CreateOptions{})
	assert.ErrorIs(t, err, ErrMaxContainersReached)

	sessions, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, sessions, 3)
}

func TestDestroy_IsIdempotent(t *testing.T) {
	m, _ := testSetup(t)
	sess, err := m.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Destroy(context.Background(), sess.ID))
	require.NoError(t, m.Destroy(context.Background(), sess.ID))

	_, err = m.Get(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDestroy_UnknownID_IsNoop(t *testing.T) {
	m, _ := testSetup(t)
	assert.NoError(t, m.Destroy(context.Background(), 999))
}
