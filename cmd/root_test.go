package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/sightline/internal/config"
	"github.com/xkilldash9x/sightline/internal/observability"
)

// isolate keeps config discovery and the log file inside a temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("SIGHTLINE_LOGGER_LOG_FILE", filepath.Join(dir, "test.log"))
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
	return dir
}

func execute(t *testing.T, root *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// withConfig returns a root that skips config loading and hands cfg to sub.
func withConfig(cfg *config.Config, sub *cobra.Command) *cobra.Command {
	root := &cobra.Command{
		Use: "sightline",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
		SilenceUsage: true,
	}
	root.AddCommand(sub)
	return root
}

func TestRootVersionFlag(t *testing.T) {
	isolate(t)
	out, err := execute(t, NewRootCommand(), "--version")
	require.NoError(t, err)
	assert.Equal(t, "sightline version "+Version+"\n", out)
}

func TestVersionCommand(t *testing.T) {
	isolate(t)
	out, err := execute(t, NewRootCommand(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "sightline "+Version)
}

func TestRootNoArgsPrintsHelp(t *testing.T) {
	isolate(t)
	out, err := execute(t, NewRootCommand())
	require.NoError(t, err)
	for _, sub := range []string{"run", "evaluate", "decompose", "history", "logs", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestConfigFileIsLoaded(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("orchestrator:\n  max_cycles: 4\ndevice:\n  backend: web\n  web:\n    start_url: http://localhost:3000\n"), 0o600))

	var got *config.Config
	root := NewRootCommand()
	inspect := &cobra.Command{
		Use: "inspect",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			got, err = getConfigFromContext(cmd.Context())
			return err
		},
	}
	root.AddCommand(inspect)

	_, err := execute(t, root, "--config", path, "inspect")

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 4, got.Orchestrator.MaxCycles)
	assert.Equal(t, config.BackendWeb, got.Device.Backend)
	assert.Equal(t, "http://localhost:3000", got.Device.Web.StartURL)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	isolate(t)
	t.Setenv("SIGHTLINE_ORCHESTRATOR_MAX_CYCLES", "7")

	var got *config.Config
	root := NewRootCommand()
	root.AddCommand(&cobra.Command{
		Use: "inspect",
		RunE: func(cmd *cobra.Command, args []string) error {
			got, _ = getConfigFromContext(cmd.Context())
			return nil
		},
	})

	_, err := execute(t, root, "inspect")
	require.NoError(t, err)
	assert.Equal(t, 7, got.Orchestrator.MaxCycles)
}

func TestInvalidConfigFails(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  backend: carrier-pigeon\n"), 0o600))

	_, err := execute(t, NewRootCommand(), "--config", path, "decompose", "log in")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestMissingExplicitConfigFileFails(t *testing.T) {
	dir := isolate(t)
	_, err := execute(t, NewRootCommand(), "--config", filepath.Join(dir, "nope.yaml"), "decompose", "log in")
	assert.ErrorContains(t, err, "error reading config file")
}

func TestGetConfigFromContextWithoutConfig(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.Error(t, err)
}
