package modules

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultCheckTimeout bounds a single --help probe.
const DefaultCheckTimeout = 10 * time.Second

// Check runs the module's entry point with --help from its own directory and
// expects a zero exit status.
func Check(ctx context.Context, m Module, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.Entrypoint, "--help")
	cmd.Dir = m.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(out.String())
		if len(detail) > 200 {
			detail = detail[:200]
		}
		if detail == "" {
			return fmt.Errorf("module %s: %s --help: %w", m.Name, m.Entrypoint, err)
		}
		return fmt.Errorf("module %s: %s --help: %w: %s", m.Name, m.Entrypoint, err, detail)
	}
	return nil
}
