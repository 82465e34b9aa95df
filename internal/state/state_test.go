package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/arkenar/api/schemas"
	"github.com/xkilldash9x/arkenar/internal/config"
)

func TestResumeScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultPath)
	cfg := *config.NewDefaultConfig()
	cfg.Engine.Threads = 7

	s := New(path, "scan-1", cfg, []string{"http://a.test/", "http://b.test/", "http://c.test/"})
	require.NoError(t, s.Save())
	require.NoError(t, s.Checkpoint("http://a.test/", []schemas.Finding{
		{URL: "http://a.test/?id=%27", VulnType: "SQLi [param: id]", Payload: "'", StatusCode: 500, Method: "GET",
			RequestHeaders: [][2]string{{"Content-Length", "0"}}},
	}))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://b.test/", "http://c.test/"}, loaded.Pending())
	require.Len(t, loaded.Results(), 1)
	assert.Equal(t, "SQLi [param: id]", loaded.Results()[0].VulnType)
	assert.Equal(t, [][2]string{{"Content-Length", "0"}}, loaded.Results()[0].RequestHeaders)
	assert.Equal(t, "scan-1", loaded.ScanID)
	assert.Equal(t, 7, loaded.Config.Engine.Threads)
	assert.Equal(t, cfg.Engine.Timeout, loaded.Config.Engine.Timeout)
	assert.False(t, loaded.LastCheckpoint.Before(loaded.StartedAt))
	assert.Equal(t, path, loaded.Path())

	require.NoError(t, Delete(path))
	assert.False(t, Exists(path))
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "no temp file left behind")
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestLoad_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"pending_urls": [`), 0o600))
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestCheckpoint_DropsSafeAndUnknownTargets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(path, "", config.Config{}, []string{"http://a.test/"})

	require.NoError(t, s.Checkpoint("http://other.test/", []schemas.Finding{
		{URL: "http://other.test/", VulnType: "Safe"},
		{URL: "http://other.test/", VulnType: "XSS"},
	}))
	assert.Equal(t, []string{"http://a.test/"}, s.Pending())
	assert.Len(t, s.Results(), 1)
}

func TestCheckpoint_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	var targets []string
	for i := 0; i < 40; i++ {
		targets = append(targets, fmt.Sprintf("http://t%d.test/", i))
	}
	s := New(path, "", config.Config{}, targets)

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			assert.NoError(t, s.Checkpoint(target, []schemas.Finding{{URL: target, VulnType: "XSS"}}))
		}(target)
	}
	wg.Wait()

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, loaded.Pending())
	assert.Len(t, loaded.Results(), len(targets))
}

func TestDelete_MissingIsNotAnError(t *testing.T) {
	assert.NoError(t, Delete(filepath.Join(t.TempDir(), "absent.json")))
}

func TestNew_DefaultPath(t *testing.T) {
	s := New("", "", config.Config{}, nil)
	assert.Equal(t, DefaultPath, s.Path())
}

func TestSave_ReplacesAtomicallyWithoutLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	s := New(path, "scan-1", *config.NewDefaultConfig(), []string{"http://a.test/", "http://b.test/"})
	require.NoError(t, s.Save())
	require.NoError(t, s.Checkpoint("http://a.test/", nil))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files are renamed or removed")
	assert.Equal(t, "state.json", entries[0].Name())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://b.test/"}, loaded.Pending())
}
