package worker

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"
)

// Capturer is the narrow contract with the external screenshot tool:
// produce a PNG at the given path or fail.
type Capturer interface {
	Capture(ctx context.Context, path string) error
}

// CaptureFilePrefix and CaptureFileSuffix bound the filenames the worker
// owns; anything else in the capture directory is left alone.
const (
	CaptureFilePrefix = "screenshot_"
	CaptureFileSuffix = ".png"
)

// captureTimestampLayout produces names like screenshot_20260824-151004.png
// that sort lexicographically in capture order.
const captureTimestampLayout = "20060102-150405"

// CaptureFileName returns the canonical capture filename for a timestamp.
func CaptureFileName(t time.Time) string {
	return CaptureFilePrefix + t.Format(captureTimestampLayout) + CaptureFileSuffix
}

// CommandCapturer shells out to the platform screenshot tool. Command
// overrides the default binary; it is invoked as `<command> <path>`.
type CommandCapturer struct {
	Command string
}

// Capture writes a full-screen PNG to path.
func (c *CommandCapturer) Capture(ctx context.Context, path string) error {
	var cmd *exec.Cmd
	switch {
	case c.Command != "":
		cmd = exec.CommandContext(ctx, c.Command, path)
	case runtime.GOOS == "darwin":
		cmd = exec.CommandContext(ctx, "screencapture", "-x", path)
	case runtime.GOOS == "linux":
		cmd = exec.CommandContext(ctx, "scrot", "-o", path)
	default:
		return fmt.Errorf("no capture command for %s; set agent.capture_command", runtime.GOOS)
	}

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("capture command failed: %w (%s)", err, firstLine(out))
	}
	return nil
}

// firstLine trims command output to something loggable.
func firstLine(out []byte) string {
	for i, b := range out {
		if b == '\n' {
			return string(out[:i])
		}
	}
	return string(out)
}
