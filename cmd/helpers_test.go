// File: cmd/helpers_test.go
package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arkenar/internal/config"
	"github.com/xkilldash9x/arkenar/internal/observability"
	"github.com/xkilldash9x/arkenar/internal/store"
)

// resetForTest gives each command run a fresh logger.
func resetForTest(t *testing.T) {
	t.Helper()
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
}

// executeCommand runs the command tree with args and returns its output.
func executeCommand(t *testing.T, provider storeProvider, args ...string) (string, error) {
	t.Helper()
	resetForTest(t)

	root := newRootCommand(provider)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// captureConfig replaces the RunE of subcommand name and returns the
// configuration it was given.
func captureConfig(t *testing.T, name string, args ...string) *config.Config {
	t.Helper()
	resetForTest(t)

	root := newRootCommand(nil)
	sub, _, err := root.Find([]string{name})
	require.NoError(t, err)

	var captured *config.Config
	sub.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfigFromContext(cmd.Context())
		captured = cfg
		return err
	}
	root.SetOut(new(bytes.Buffer))
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(context.Background()))
	require.NotNil(t, captured)
	return captured
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// reflectingServer echoes the q parameter into an HTML page and counts the
// requests it receives.
func reflectingServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>You searched for " + r.URL.Query().Get("q") + "</body></html>"))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

// offlineScanArgs disables every phase that would reach beyond the test
// server and points the output files into dir.
func offlineScanArgs(dir string) []string {
	return []string{
		"--crawl=false", "--templates=false",
		"--rate-limit", "0",
		"-t", "4",
		"-o", filepath.Join(dir, "results.json"),
		"--state-file", filepath.Join(dir, "state.json"),
	}
}

// mockStoreProvider opens a store over a pgxmock pool.
type mockStoreProvider struct {
	pool pgxmock.PgxPoolIface
}

func newMockStoreProvider(t *testing.T) *mockStoreProvider {
	t.Helper()
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return &mockStoreProvider{pool: pool}
}

func (m *mockStoreProvider) expectOpen() {
	m.pool.ExpectPing()
	m.pool.ExpectExec("CREATE TABLE IF NOT EXISTS findings").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
}

func (m *mockStoreProvider) Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*store.Store, func(), error) {
	s, err := store.New(ctx, m.pool, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	return s, func() {}, nil
}
