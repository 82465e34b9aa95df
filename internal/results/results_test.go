package results

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/arkenar/api/schemas"
	"github.com/xkilldash9x/arkenar/internal/mocks"
)

// -- Test Helpers --

func finding(rawURL, label, payload string) schemas.Finding {
	return schemas.Finding{URL: rawURL, VulnType: label, Payload: payload, Method: "GET", StatusCode: 200}
}

func feed(findings ...schemas.Finding) <-chan schemas.Finding {
	ch := make(chan schemas.Finding, len(findings))
	for _, f := range findings {
		ch <- f
	}
	close(ch)
	return ch
}

func runAggregator(t *testing.T, agg *Aggregator, path string, findings ...schemas.Finding) []schemas.Finding {
	t.Helper()
	got, err := agg.Run(context.Background(), feed(findings...), path)
	require.NoError(t, err)
	return got
}

func keys(findings []schemas.Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, DedupKey(f))
	}
	sort.Strings(out)
	return out
}

// -- Test Cases --

func TestDedupKey(t *testing.T) {
	tests := []struct {
		name string
		f    schemas.Finding
		want string
	}{
		{"query stripped", finding("https://x.com/a?x=1", "SQLi [param: x]", ""), "https://x.com/a|SQLi"},
		{"port dropped", finding("http://x.com:8080/a", "XSS", ""), "http://x.com/a|XSS"},
		{"label trimmed", finding("https://x.com/", "Blind SQLi  [json: a.b]", ""), "https://x.com/|Blind SQLi"},
		{"unparsable url verbatim", finding("not a url", "XSS [header: X]", ""), "not a url|XSS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DedupKey(tt.f))
		})
	}
}

func TestAggregator_CollapsesQueryVariants(t *testing.T) {
	defer goleak.VerifyNone(t)
	path := filepath.Join(t.TempDir(), "results.json")

	got := runAggregator(t, NewAggregator(nil, nil, zap.NewNop()), path,
		finding("https://x.com/a?x=1", "SQLi [param: x]", "'"),
		finding("https://x.com/a?x=2", "SQLi [param: x]", "' OR 1=1--"),
	)
	require.Len(t, got, 1)
	assert.Equal(t, "'", got[0].Payload, "first arrival is kept")
}

func TestAggregator_CollapsesInjectionPointVariants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")

	got := runAggregator(t, NewAggregator(nil, nil, nil), path,
		finding("https://x.com/a", "XSS [param: q]", "<svg/onload=alert()//>"),
		finding("https://x.com/a", "XSS [header: Referer]", "<img src=x onerror=alert()>"),
		finding("https://x.com/a", "SQLi [param: q]", "'"),
	)
	assert.Len(t, got, 2)
}

func TestAggregator_DropsSafe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	got := runAggregator(t, NewAggregator(nil, nil, nil), path,
		finding("https://x.com/a", "Safe", ""),
		finding("https://x.com/a", "Safe [param: q]", "x"),
	)
	assert.Empty(t, got)
}

func TestAggregator_DedupIsOrderIndependent(t *testing.T) {
	input := []schemas.Finding{
		finding("https://x.com/a?id=1", "SQLi [param: id]", "'"),
		finding("https://x.com/a?id=2", "SQLi [param: id]", "\""),
		finding("https://x.com/a", "XSS [param: q]", "<svg>"),
		finding("https://x.com/b", "SQLi [header: X-Id]", "'"),
		finding("https://y.com/a", "SQLi [param: id]", "'"),
		finding("https://x.com/a", "Safe", ""),
		finding("not a url", "Sensitive Exposure", ""),
		finding("not a url", "Sensitive Exposure", "other"),
	}

	baseline := keys(runAggregator(t, NewAggregator(nil, nil, nil), filepath.Join(t.TempDir(), "r.json"), input...))
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]schemas.Finding(nil), input...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := runAggregator(t, NewAggregator(nil, nil, nil), filepath.Join(t.TempDir(), "r.json"), shuffled...)
		assert.Equal(t, baseline, keys(got))
	}
	assert.Len(t, baseline, 5)
}

func TestAggregator_WritesNDJSONInAppendMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "results.json")

	runAggregator(t, NewAggregator(nil, nil, nil), path, finding("https://x.com/a", "XSS [param: q]", "<svg>"))
	runAggregator(t, NewAggregator(nil, nil, nil), path, finding("https://x.com/b", "SQLi [param: id]", "'"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"vuln_type":"XSS [param: q]"`)
	assert.Contains(t, lines[1], `"timing_ms":0`)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	got, skipped, err := ReadFindings(f)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, got, 2)
	assert.Equal(t, "https://x.com/b", got[1].URL)
}

func TestAggregator_ForwardsToSinkAndRecorder(t *testing.T) {
	sink := &mocks.MockSink{}
	rec := &mocks.MockRecorder{}
	rec.On("RecordFinding", mock.Anything, mock.MatchedBy(func(f schemas.Finding) bool { return f.URL == "https://x.com/a" })).
		Return(errors.New("db down")).Once()
	rec.On("RecordFinding", mock.Anything, mock.Anything).Return(nil)

	core, logs := observer.New(zap.WarnLevel)
	agg := NewAggregator(sink, rec, zap.New(core))
	runAggregator(t, agg, filepath.Join(t.TempDir(), "r.json"),
		finding("https://x.com/a", "XSS", ""),
		finding("https://x.com/b", "XSS", ""),
		finding("https://x.com/b", "XSS", ""),
	)

	assert.Len(t, sink.Snapshot(), 2)
	rec.AssertNumberOfCalls(t, "RecordFinding", 2)
	assert.Equal(t, 1, logs.FilterMessage("Failed to record finding").Len(), "recorder failures are not fatal")
}

func TestAggregator_Seed(t *testing.T) {
	agg := NewAggregator(nil, nil, nil)
	agg.Seed([]schemas.Finding{finding("https://x.com/a?id=1", "SQLi [param: id]", "'")})
	got := runAggregator(t, agg, filepath.Join(t.TempDir(), "r.json"),
		finding("https://x.com/a?id=9", "SQLi [param: id]", "\""),
		finding("https://x.com/c", "SQLi [param: id]", "'"),
	)
	require.Len(t, got, 1)
	assert.Equal(t, "https://x.com/c", got[0].URL)
}

func TestAggregator_SeedRestoresFindingsMissingFromOutput(t *testing.T) {
	defer goleak.VerifyNone(t)
	path := filepath.Join(t.TempDir(), "results.json")

	// Checkpointed while still buffered for the aggregator: the process
	// stopped before either reached the results file.
	lost := []schemas.Finding{
		finding("https://x.com/a?id=1", "SQLi [param: id]", "'"),
		finding("https://x.com/b", "XSS [param: q]", "<svg>"),
	}

	rec := new(mocks.MockRecorder)
	rec.On("RecordFinding", mock.Anything, mock.Anything).Return(nil)
	agg := NewAggregator(nil, rec, zap.NewNop())
	agg.Seed(lost)
	got := runAggregator(t, agg, path)

	assert.Empty(t, got, "restored findings are not reported as new")
	reported, skipped, err := ReadFindings(mustOpen(t, path))
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Equal(t, keys(lost), keys(reported))
	rec.AssertNumberOfCalls(t, "RecordFinding", 2)
}

func TestAggregator_SeedKeepsOutputAsRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	written := finding("https://x.com/a?id=1", "SQLi [param: id]", "'")
	runAggregator(t, NewAggregator(nil, nil, nil), path, written)

	agg := NewAggregator(nil, nil, nil)
	agg.Seed([]schemas.Finding{written, finding("https://x.com/s", "Safe", "")})
	got := runAggregator(t, agg, path,
		finding("https://x.com/a?id=2", "SQLi [param: id]", "\""),
		finding("https://x.com/c", "XSS", ""),
	)

	require.Len(t, got, 1)
	assert.Equal(t, "https://x.com/c", got[0].URL)
	reported, _, err := ReadFindings(mustOpen(t, path))
	require.NoError(t, err)
	assert.Len(t, reported, 2, "a finding already in the file is not appended again")
}

func mustOpen(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestAggregator_OutputOpenFailure(t *testing.T) {
	dir := t.TempDir()
	// A directory cannot be opened for writing.
	_, err := NewAggregator(nil, nil, nil).Run(context.Background(), feed(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutputOpen)
}

func TestSummarize(t *testing.T) {
	s := Summarize([]schemas.Finding{
		finding("https://x.com/a", "SQLi [param: id]", "'"),
		finding("https://x.com/b", "SQLi [json: user.name]", "'"),
		finding("https://x.com/c", "XSS [param: q]", "<svg>"),
		finding("https://x.com/d", "Safe", ""),
	})
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, map[string]int{"SQLi": 2, "XSS": 1}, s.ByLabel)
	assert.Equal(t, []string{"SQLi", "XSS"}, s.Labels())
	require.Len(t, s.Lines(), 3)
	assert.Equal(t, "#1 SQLi [param: id] -> https://x.com/a (payload: ')", s.Lines()[0])

	sink := &mocks.MockSink{}
	s.Report(sink)
	require.Len(t, sink.Logs, 4)
	assert.True(t, strings.HasPrefix(sink.Logs[0], "warn: 3 finding(s)"))

	empty := &mocks.MockSink{}
	Summarize(nil).Report(empty)
	assert.Equal(t, []string{"success: No vulnerabilities found."}, empty.Logs)
}

func TestReadFindings_SkipsMalformed(t *testing.T) {
	input := strings.Join([]string{
		`{"url":"https://x.com/a","vuln_type":"XSS","payload":"<svg>","timing_ms":12,"status_code":200,"method":"GET","request_headers":[["Accept","*/*"]]}`,
		``,
		`{"url":`,
		`not json at all`,
		`{"url":"https://x.com/b","vuln_type":"SQLi","payload":"'","timing_ms":1,"status_code":500,"method":"POST","request_headers":[],"request_body":"a=1"}`,
	}, "\n")

	got, skipped, err := ReadFindings(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	require.Len(t, got, 2)
	assert.Equal(t, [][2]string{{"Accept", "*/*"}}, got[0].RequestHeaders)
	assert.Equal(t, "a=1", got[1].RequestBody)
}
