package worker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Engine is the narrow contract with the external OCR tool: extract text
// from a PNG or fail.
type Engine interface {
	Recognize(ctx context.Context, path string) (string, error)
}

// CommandEngine shells out to tesseract (or an override binary) and reads
// the extracted text from stdout. An override is invoked as
// `<command> <path>` and must print the text to stdout.
type CommandEngine struct {
	Command string
}

// Recognize runs OCR over the image at path.
func (e *CommandEngine) Recognize(ctx context.Context, path string) (string, error) {
	var cmd *exec.Cmd
	if e.Command != "" {
		cmd = exec.CommandContext(ctx, e.Command, path)
	} else {
		cmd = exec.CommandContext(ctx, "tesseract", path, "stdout")
	}

	var stderr strings.Builder
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("ocr command failed: %w (%s)", err, firstLine([]byte(stderr.String())))
	}
	return string(out), nil
}

// NormalizeText strips trailing whitespace from every line while
// preserving line breaks.
func NormalizeText(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return strings.Join(lines, "\n")
}
