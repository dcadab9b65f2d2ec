package derive

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/jo-hoe/sitescan/internal/store"
)

// TextExtractor pulls readable text out of an artifact photo. An error means
// the extractor failed to run; an empty string with a nil error means it ran
// and found nothing. Callers decide whether to surface the difference.
type TextExtractor interface {
	ExtractText(ctx context.Context, imagePath string) (string, error)
}

// Recognizer proposes labels for an artifact photo, best first. The same
// error contract as TextExtractor applies.
type Recognizer interface {
	Recognize(ctx context.Context, imagePath string) ([]store.Label, error)
}

// DisabledExtractor is used when no OCR backend is configured.
type DisabledExtractor struct{}

func (DisabledExtractor) ExtractText(ctx context.Context, imagePath string) (string, error) {
	return "", nil
}

// DisabledRecognizer is used when no recognition backend is configured.
type DisabledRecognizer struct{}

func (DisabledRecognizer) Recognize(ctx context.Context, imagePath string) ([]store.Label, error) {
	return nil, nil
}

// CommandExtractor shells out to a tesseract-compatible binary invoked as
// `command <image> stdout`.
type CommandExtractor struct {
	Command string
}

func (c *CommandExtractor) ExtractText(ctx context.Context, imagePath string) (string, error) {
	if strings.TrimSpace(c.Command) == "" {
		return "", fmt.Errorf("ocr command not configured")
	}
	out, err := exec.CommandContext(ctx, c.Command, imagePath, "stdout").Output() // #nosec G204 - command comes from operator config
	if err != nil {
		return "", fmt.Errorf("run %s: %w", c.Command, err)
	}
	return strings.TrimSpace(string(out)), nil
}
