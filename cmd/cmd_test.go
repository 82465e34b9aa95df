// File: cmd/cmd_test.go
package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/arkenar/internal/config"
)

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeCommand(t, nil, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "arkenar version "+Version)
}

func TestVersionCmd(t *testing.T) {
	out, err := executeCommand(t, nil, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "arkenar "+Version)
}

func TestRootCmd_NoArgsPrintsHelp(t *testing.T) {
	out, err := executeCommand(t, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "ARKENAR discovers URLs")
	for _, sub := range []string{"scan", "resume", "proxy", "watch", "report", "import"} {
		assert.Contains(t, out, sub)
	}
}

func TestConfigPrecedence(t *testing.T) {
	cfgFile := writeFile(t, "config.yaml", `
engine:
  threads: 7
  mode: advanced
discovery:
  crawler:
    depth: 5
output:
  path: from-file.json
`)
	t.Setenv("ARKENAR_ENGINE_RATE_LIMIT", "12")

	cfg := captureConfig(t, "scan",
		"--config", cfgFile, "scan",
		"-t", "3",
		"--scope",
		"--tags", "cve,panel",
		"-H", "Authorization: Bearer x",
		"-H", "Cookie: a=b",
		"--crawl=false",
		"http://target.test")

	assert.Equal(t, 3, cfg.Engine.Threads, "flag beats file")
	assert.Equal(t, config.ModeAdvanced, cfg.Engine.Mode, "file beats default")
	assert.Equal(t, 5, cfg.Discovery.Crawler.Depth)
	assert.Equal(t, 12.0, cfg.Engine.RateLimit, "env beats default")
	assert.Equal(t, "from-file.json", cfg.Output.Path)
	assert.Equal(t, config.ScopeHost, cfg.Discovery.Scope, "bare --scope means host")
	assert.Equal(t, []string{"cve", "panel"}, cfg.Discovery.Templates.Tags)
	assert.Equal(t, []string{"Authorization: Bearer x", "Cookie: a=b"}, cfg.Network.Headers)
	assert.False(t, cfg.Discovery.Crawler.Enabled)
	assert.True(t, cfg.Discovery.Templates.Enabled, "unset bool flags keep the default")
	assert.Equal(t, 5*time.Second, cfg.Engine.Timeout, "unset flags keep the default")
}

func TestConfigDefaults(t *testing.T) {
	cfg := captureConfig(t, "scan", "scan", "http://target.test")
	assert.Equal(t, 50, cfg.Engine.Threads)
	assert.Equal(t, config.ModeSimple, cfg.Engine.Mode)
	assert.Equal(t, 100.0, cfg.Engine.RateLimit)
	assert.Equal(t, "scan_results.json", cfg.Output.Path)
	assert.Equal(t, 3, cfg.Discovery.Crawler.Depth)
	assert.Equal(t, 50, cfg.Discovery.Crawler.MaxURLs)
	assert.Equal(t, 60*time.Second, cfg.Discovery.Crawler.Timeout)
	assert.Equal(t, config.ScopeOff, cfg.Discovery.Scope)
}

func TestVerboseLowersLogLevel(t *testing.T) {
	cfg := captureConfig(t, "scan", "scan", "-v", "http://target.test")
	assert.True(t, cfg.Engine.Verbose)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestInvalidConfigIsRejected(t *testing.T) {
	_, err := executeCommand(t, nil, "scan", "-m", "turbo", "http://target.test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.mode")
}

func TestUnreadableConfigFile(t *testing.T) {
	bad := writeFile(t, "config.yaml", "engine: [unterminated")
	_, err := executeCommand(t, nil, "--config", bad, "version")
	require.NoError(t, err, "version does not load configuration")

	_, err = executeCommand(t, nil, "--config", bad, "report")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestGetConfigFromContext(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.Error(t, err)

	want := config.NewDefaultConfig()
	got, err := getConfigFromContext(context.WithValue(context.Background(), configKey, want))
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestCollectTargets(t *testing.T) {
	list := writeFile(t, "targets.txt", "http://a.test\n\n# comment\n  http://b.test  \n")

	got, err := collectTargets([]string{"http://c.test"}, list)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a.test", "http://b.test", "http://c.test"}, got)

	_, err = collectTargets(nil, filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read")
}
