package derive

import (
	"context"
	"strings"
	"testing"
)

func TestDisabledVariants_ReturnEmptyWithoutError(t *testing.T) {
	txt, err := DisabledExtractor{}.ExtractText(context.Background(), "x.png")
	if err != nil || txt != "" {
		t.Fatalf("disabled extractor: %q %v", txt, err)
	}
	labels, err := DisabledRecognizer{}.Recognize(context.Background(), "x.png")
	if err != nil || len(labels) != 0 {
		t.Fatalf("disabled recognizer: %v %v", labels, err)
	}
}

func TestCommandExtractor_RunsConfiguredBinary(t *testing.T) {
	// `echo <image> stdout` stands in for a tesseract-compatible binary.
	c := &CommandExtractor{Command: "echo"}
	out, err := c.ExtractText(context.Background(), "shard.png")
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	if !strings.Contains(out, "shard.png") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestCommandExtractor_MissingBinaryIsAFailure(t *testing.T) {
	c := &CommandExtractor{Command: "definitely-not-a-binary-1234"}
	if _, err := c.ExtractText(context.Background(), "shard.png"); err == nil {
		t.Fatalf("expected failure for missing binary")
	}
}

func TestCommandExtractor_UnconfiguredIsAFailure(t *testing.T) {
	c := &CommandExtractor{}
	if _, err := c.ExtractText(context.Background(), "shard.png"); err == nil {
		t.Fatalf("expected failure for empty command")
	}
}
