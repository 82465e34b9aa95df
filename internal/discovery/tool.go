// internal/discovery/tool.go
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// waitDelay bounds how long Wait blocks on pipes held open by a killed
// tool's children.
const waitDelay = 2 * time.Second

// ErrBinaryNotFound is returned when an external discovery tool is not on
// PATH. The phase that needed it is skipped.
var ErrBinaryNotFound = errors.New("binary not found")

// LookPathFunc resolves a binary name to an executable path.
type LookPathFunc func(file string) (string, error)

// tool runs one external binary and hands its stdout to a consumer.
type tool struct {
	binary   string
	lookPath LookPathFunc
}

func newTool(binary string) tool {
	return tool{binary: binary, lookPath: exec.LookPath}
}

// resolve returns the executable path or ErrBinaryNotFound.
func (t tool) resolve() (string, error) {
	path, err := t.lookPath(t.binary)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, t.binary)
	}
	return path, nil
}

// run starts the binary and streams stdout into consume. Cancelling ctx
// kills the process; consume may also return early, in which case the
// process is killed once consume returns. stderr is discarded.
func (t tool) run(ctx context.Context, args []string, consume func(io.Reader)) error {
	path, err := t.resolve()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.WaitDelay = waitDelay
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to capture stdout from %s: %w", t.binary, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", t.binary, err)
	}

	consume(stdout)
	cancel()

	// Exit status is ignored: the tools exit non-zero when killed or when
	// they find nothing, and whatever they printed has been consumed.
	_ = cmd.Wait()
	return nil
}
