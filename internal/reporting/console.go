// internal/reporting/console.go
package reporting

import (
	"fmt"
	"io"
	"sync"

	"github.com/xkilldash9x/arkenar/api/schemas"
)

var levelPrefix = map[schemas.LogLevel]string{
	schemas.LogInfo:    "[*]",
	schemas.LogWarn:    "[!]",
	schemas.LogError:   "[-]",
	schemas.LogSuccess: "[+]",
}

// ConsoleSink prints scan events as plain text lines. It is safe for
// concurrent use.
type ConsoleSink struct {
	mu  sync.Mutex
	out io.Writer
	// Progress enables phase progress lines.
	Progress bool
}

// NewConsoleSink creates a sink writing to out.
func NewConsoleSink(out io.Writer) *ConsoleSink {
	return &ConsoleSink{out: out}
}

// OnLog prints msg behind a level marker.
func (c *ConsoleSink) OnLog(level schemas.LogLevel, msg string) {
	prefix, ok := levelPrefix[level]
	if !ok {
		prefix = "[*]"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%s %s\n", prefix, msg)
}

// OnFinding prints the finding and a curl command that reproduces it.
func (c *ConsoleSink) OnFinding(f schemas.Finding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.Payload != "" {
		fmt.Fprintf(c.out, "[VULN] %s -> %s (payload: %s)\n", f.VulnType, f.URL, f.Payload)
	} else {
		fmt.Fprintf(c.out, "[VULN] %s -> %s\n", f.VulnType, f.URL)
	}
	fmt.Fprintf(c.out, "       %s\n", f.Curl())
}

// OnProgress prints phase progress when enabled.
func (c *ConsoleSink) OnProgress(phase string, current, total int) {
	if !c.Progress {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "[*] %s: %d/%d\n", phase, current, total)
}

var _ schemas.EventSink = (*ConsoleSink)(nil)
