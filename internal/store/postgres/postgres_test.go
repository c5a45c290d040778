//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepod-dev/codepod-go/internal/model"
)

// testStore opens a connection to the test postgres instance. Grounded on
// whale-net-everything's libs/go/migrate/integration_test.go env-DSN
// pattern; run with -tags=integration against a disposable database.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		envOr("TEST_DB_HOST", "localhost"),
		envOr("TEST_DB_PORT", "5432"),
		envOr("TEST_DB_USER", "postgres"),
		envOr("TEST_DB_PASSWORD", "postgres"),
		envOr("TEST_DB_NAME", "postgres"),
		envOr("TEST_DB_SSL_MODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := New(ctx, dsn)
	require.NoError(t, err, "opening postgres store")

	t.Cleanup(func() { st.Close() })
	return st
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestInsertAndGetContainer(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	c := &model.Container{
		ContainerID: "pg-test-" + time.Now().UTC().Format("150405.000000"),
		Name:        "pg-test",
		Image:       "codepod/runtime:base",
		Status:      model.ContainerIdle,
		Labels:      map[string]string{"codepod.managed": "true"},
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.InsertContainer(ctx, c))
	t.Cleanup(func() { st.DeleteContainer(ctx, c.ContainerID) })

	got, err := st.GetContainer(ctx, c.ContainerID)
	require.NoError(t, err)
	assert.Equal(t, c.Image, got.Image)
	assert.Equal(t, model.ContainerIdle, got.Status)
	assert.Equal(t, "true", got.Labels["codepod.managed"])
}

func TestSessionLifecycle(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	sess := &model.Session{
		Name:           "pg-session-test",
		Status:         model.SessionActive,
		Limits:         model.ResourceLimits{MemoryBytes: 512 * 1024 * 1024, CPUCores: 1, MaxProcesses: 128},
		Network:        model.NetworkNone,
		CreatedAt:      time.Now().UTC(),
		LastActivityAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateSession(ctx, sess))
	t.Cleanup(func() { st.DestroySession(ctx, sess.ID) })

	require.NoError(t, st.IncrementCommandCount(ctx, sess.ID))
	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.CommandCount)

	require.NoError(t, st.DestroySession(ctx, sess.ID))
	got, err = st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionDestroyed, got.Status)
	assert.Empty(t, got.ContainerID)
}
