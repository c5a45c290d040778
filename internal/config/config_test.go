package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepod-dev/codepod-go/internal/model"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "codepod/runtime:base", cfg.Image)
	assert.Equal(t, "/workspace", cfg.Workdir)
	assert.Equal(t, "codepod", cfg.LabelPrefix)
	assert.Equal(t, 1, cfg.PrewarmCount)
	assert.Equal(t, 10, cfg.MaxContainers)
	assert.Equal(t, HeadAndTail, cfg.OutputOptions.Strategy)
	assert.Equal(t, []string{"sleep", "infinity"}, cfg.KeepaliveCmd())
}

func TestLoadYAML(t *testing.T) {
	yamlContent := `
image: "codepod/runtime:python"
max_containers: 20
windows_container: true
`
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, "test.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0644))

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "codepod/runtime:python", cfg.Image)
	assert.Equal(t, 20, cfg.MaxContainers)
	assert.True(t, cfg.WindowsContainer)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CODEPOD_IMAGE", "codepod/runtime:node")
	t.Setenv("CODEPOD_MAX_CONTAINERS", "30")
	t.Setenv("CODEPOD_WINDOWS_CONTAINER", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "codepod/runtime:node", cfg.Image)
	assert.Equal(t, 30, cfg.MaxContainers)
	assert.True(t, cfg.WindowsContainer)
}

func TestKeepaliveCmd_SwitchesOnWindowsContainer(t *testing.T) {
	unix := Config{WindowsContainer: false}
	assert.Equal(t, []string{"sleep", "infinity"}, unix.KeepaliveCmd())

	win := Config{WindowsContainer: true}
	assert.Contains(t, win.KeepaliveCmd(), "powershell")
}

func validConfig() Config {
	cfg := Config{
		MaxContainers:         5,
		SessionTimeoutSeconds: 1800,
		DefaultResourceLimits: model.ResourceLimits{
			MemoryBytes: 512 * 1024 * 1024, CPUCores: 1.0, MaxProcesses: 256,
		},
		MaxResourceLimits: model.ResourceLimits{
			MemoryBytes: 2048 * 1024 * 1024, CPUCores: 4.0, MaxProcesses: 1024,
		},
		OutputOptions: OutputOptions{
			MaxOutputBytes:    1024,
			TruncationMessage: "...[{0} omitted]...",
		},
	}
	return cfg
}

func TestValidate_Passes(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_RejectsTruncationMessageWithoutPlaceholder(t *testing.T) {
	cfg := validConfig()
	cfg.OutputOptions.TruncationMessage = "bytes were omitted"

	err := cfg.Validate()
	require.Error(t, err)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "output_options.truncation_message", verr.Field)
}
