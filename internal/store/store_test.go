package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/arkenar/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

var fixedNow = time.Date(2025, 11, 20, 10, 0, 0, 0, time.FixedZone("EST", -5*3600))

func newTestStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	s.now = func() time.Time { return fixedNow }
	return s, mockPool
}

func sampleFinding() schemas.Finding {
	return schemas.Finding{
		URL:            "https://x.com/a?id=%27",
		VulnType:       "SQLi [param: id]",
		Payload:        "'",
		TimingMs:       42,
		StatusCode:     500,
		Server:         "nginx",
		Method:         "GET",
		RequestHeaders: [][2]string{{"Accept", "*/*"}},
	}
}

func insertArgsFor(scanID string, f schemas.Finding, headers string) []interface{} {
	return []interface{}{
		pgxmock.AnyArg(), scanID, "https://x.com/a|SQLi",
		f.URL, f.VulnType, f.Payload, f.TimingMs, f.StatusCode,
		f.Server, f.Method, []byte(headers), f.RequestBody,
		fixedNow.UTC(),
	}
}

// -- Test Cases --

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should reject a nil pool", func(t *testing.T) {
		_, err := New(context.Background(), nil, nil)
		assert.Error(t, err)
	})
}

func TestEnsureSchema(t *testing.T) {
	s, mockPool := newTestStore(t, zap.NewNop())
	mockPool.ExpectExec(flexibleSQLMatcher(schemaSQL)).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, s.EnsureSchema(context.Background()))

	mockPool.ExpectExec(flexibleSQLMatcher(schemaSQL)).WillReturnError(errors.New("permission denied"))
	assert.Error(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRecordFinding(t *testing.T) {
	s, mockPool := newTestStore(t, zap.NewNop())
	f := sampleFinding()

	mockPool.ExpectExec(flexibleSQLMatcher(insertFindingSQL)).
		WithArgs(insertArgsFor("scan-1", f, `[["Accept","*/*"]]`)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewScanRecorder(s, "scan-1").RecordFinding(context.Background(), f))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRecordFinding_NilHeadersStoredAsEmptyArray(t *testing.T) {
	s, mockPool := newTestStore(t, zap.NewNop())
	f := sampleFinding()
	f.RequestHeaders = nil

	mockPool.ExpectExec(flexibleSQLMatcher(insertFindingSQL)).
		WithArgs(insertArgsFor("scan-1", f, `[]`)...).
		WillReturnError(errors.New("connection reset"))

	err := s.RecordFinding(context.Background(), "scan-1", f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPersistFindings(t *testing.T) {
	ctx := context.Background()

	t.Run("should insert non-safe findings in one transaction", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newTestStore(t, zap.New(observedZapCore))

		f := sampleFinding()
		safe := schemas.Finding{URL: "https://x.com/", VulnType: "Safe"}

		mockPool.ExpectBegin()
		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(insertFindingSQL)).
			WithArgs(insertArgsFor("scan-2", f, `[["Accept","*/*"]]`)...).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.PersistFindings(ctx, "scan-2", []schemas.Finding{f, safe}))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should roll back when an insert fails", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		f := sampleFinding()

		mockPool.ExpectBegin()
		batchExp := mockPool.ExpectBatch()
		batchExp.ExpectExec(flexibleSQLMatcher(insertFindingSQL)).
			WithArgs(insertArgsFor("scan-3", f, `[["Accept","*/*"]]`)...).
			WillReturnError(errors.New("disk full"))
		mockPool.ExpectRollback()

		err := s.PersistFindings(ctx, "scan-3", []schemas.Finding{f})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should skip the transaction when nothing is left", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		require.NoError(t, s.PersistFindings(ctx, "scan-4", []schemas.Finding{{VulnType: "Safe"}}))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestFindingsByScan(t *testing.T) {
	s, mockPool := newTestStore(t, zap.NewNop())
	columns := []string{"url", "vuln_type", "payload", "timing_ms", "status_code", "server", "method", "request_headers", "request_body"}

	rows := pgxmock.NewRows(columns).
		AddRow("https://x.com/a", "XSS [param: q]", "<svg>", int64(12), 200, "", "GET", []byte(`[["Accept","*/*"]]`), "").
		AddRow("https://x.com/b", "SQLi [form: id]", "'", int64(7), 500, "nginx", "POST", []byte(`[]`), "id=%27")
	mockPool.ExpectQuery(flexibleSQLMatcher(selectFindingsSQL)).WithArgs("scan-5").WillReturnRows(rows)

	got, err := s.FindingsByScan(context.Background(), "scan-5")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, [][2]string{{"Accept", "*/*"}}, got[0].RequestHeaders)
	assert.Equal(t, "id=%27", got[1].RequestBody)
	assert.Equal(t, 500, got[1].StatusCode)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestFindingsByScan_QueryError(t *testing.T) {
	s, mockPool := newTestStore(t, zap.NewNop())
	mockPool.ExpectQuery(flexibleSQLMatcher(selectFindingsSQL)).WithArgs("scan-6").WillReturnError(errors.New("boom"))

	_, err := s.FindingsByScan(context.Background(), "scan-6")
	assert.Error(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
