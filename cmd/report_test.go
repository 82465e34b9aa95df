// File: cmd/report_test.go
package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const resultsFixture = `{"url":"https://x.test/a?id=1","vuln_type":"SQLi [param: id]","payload":"'","timing_ms":12,"status_code":500,"server":"nginx","method":"GET","request_headers":[["Accept","*/*"]]}
not json
{"url":"https://x.test/search?q=1","vuln_type":"XSS [param: q]","payload":"<svg/onload=alert()//>","timing_ms":3,"status_code":200,"method":"GET","request_headers":[]}
`

func TestReportCmd_TextFromFile(t *testing.T) {
	results := writeFile(t, "results.json", resultsFixture)

	out, err := executeCommand(t, nil, "report", results)
	require.NoError(t, err)
	assert.Contains(t, out, "2 finding(s) (SQLi: 1, XSS: 1)")
	assert.Contains(t, out, "#1 SQLi [param: id] -> https://x.test/a?id=1")
	assert.Contains(t, out, "status: 500")
}

func TestReportCmd_DefaultsToOutputPath(t *testing.T) {
	results := writeFile(t, "results.json", resultsFixture)

	out, err := executeCommand(t, nil, "report", "-f", "json", "--config", writeFile(t, "config.yaml", "output:\n  path: "+results+"\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(out), "\n")+1)
}

func TestReportCmd_SARIFToFile(t *testing.T) {
	results := writeFile(t, "results.json", resultsFixture)
	sarifPath := filepath.Join(t.TempDir(), "report.sarif")

	_, err := executeCommand(t, nil, "report", results, "-f", "sarif", "-o", sarifPath)
	require.NoError(t, err)

	data, err := os.ReadFile(sarifPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"version": "2.1.0"`)
	assert.Contains(t, string(data), "ARKENAR-SQLi")
	assert.Contains(t, string(data), "ARKENAR-XSS")
}

func TestReportCmd_Errors(t *testing.T) {
	_, err := executeCommand(t, nil, "report", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open results file")

	results := writeFile(t, "results.json", resultsFixture)
	_, err = executeCommand(t, nil, "report", results, "-f", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format")
}

func TestReportCmd_FromDatabase(t *testing.T) {
	provider := newMockStoreProvider(t)
	provider.expectOpen()
	rows := pgxmock.NewRows([]string{"url", "vuln_type", "payload", "timing_ms", "status_code", "server", "method", "request_headers", "request_body"}).
		AddRow("https://x.test/a", "Sensitive Exposure", "", int64(4), 200, "", "GET", []byte(`[]`), "")
	provider.pool.ExpectQuery("SELECT url, vuln_type").WithArgs("scan-db").WillReturnRows(rows)

	out, err := executeCommand(t, provider, "report", "--scan-id", "scan-db")
	require.NoError(t, err)
	assert.Contains(t, out, "1 finding(s) (Sensitive Exposure: 1)")
	assert.NoError(t, provider.pool.ExpectationsWereMet())
}

func TestReportCmd_DatabaseUnavailable(t *testing.T) {
	provider := newMockStoreProvider(t)
	provider.pool.ExpectPing().WillReturnError(errors.New("connection refused"))

	_, err := executeCommand(t, provider, "report", "--scan-id", "scan-db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestImportCmd(t *testing.T) {
	results := writeFile(t, "results.json", resultsFixture)
	provider := newMockStoreProvider(t)
	provider.expectOpen()
	provider.pool.ExpectBegin()
	batch := provider.pool.ExpectBatch()
	batch.ExpectExec("INSERT INTO findings").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	batch.ExpectExec("INSERT INTO findings").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	provider.pool.ExpectCommit()
	provider.pool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	out, err := executeCommand(t, provider, "import", results, "--scan-id", "imported")
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 2 finding(s) as scan imported")
	assert.NoError(t, provider.pool.ExpectationsWereMet())
}

func TestDefaultStoreProvider_RequiresURL(t *testing.T) {
	_, err := executeCommand(t, NewStoreProvider(), "import", writeFile(t, "results.json", resultsFixture))
	require.Error(t, err)
	assert.ErrorIs(t, err, errNoDatabase)
}
