package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jo-hoe/sitescan/internal/common"
)

func TestParseByteSize_K8sAndCommonUnits(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"1024", 1024},
		{"1Ki", 1024},
		{"1KiB", 1024},
		{"2Mi", 2 * 1024 * 1024},
		{"2MiB", 2 * 1024 * 1024},
		{"3Gi", 3 * 1024 * 1024 * 1024},
		{"3GiB", 3 * 1024 * 1024 * 1024},
		{"10KB", 10 * 1000},
		{"10MB", 10 * 1000 * 1000},
		{"2GB", 2 * 1000 * 1000 * 1000},
	}
	for _, c := range cases {
		got, err := ParseByteSize(c.in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseByteSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
	// invalid
	if _, err := ParseByteSize("bad"); err == nil {
		t.Fatalf("expected error for invalid unit")
	}
}

func TestLoad_WithEnvAndDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	// Use env expansion for provider token
	t.Setenv("GENAI_TOKEN", "secret123")

	yaml := `
server:
  address: ":0"
  readTimeout: 1s
  writeTimeout: 2s
  idleTimeout: 3s
  maxUploadSize: 1Mi
  storageDir: "` + escapeBackslashes(dir) + `"
  editorSecret: "dig-site-7"

worker:
  claimBatch: 3

recon:
  defaultMethod: "replicate"
  replicate:
    token: "${GENAI_TOKEN}"
    modelVersion: "v1"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load config: %v", err)
	}

	if cfg.Server.Addr != ":0" {
		t.Fatalf("address = %q", cfg.Server.Addr)
	}
	if cfg.Server.ReadTimeout != 1*time.Second || cfg.Server.WriteTimeout != 2*time.Second || cfg.Server.IdleTimeout != 3*time.Second {
		t.Fatalf("timeouts not parsed correctly")
	}
	if uint64(cfg.Server.MaxUploadSize) != 1024*1024 {
		t.Fatalf("maxUploadSize not parsed: %d", cfg.Server.MaxUploadSize)
	}
	if cfg.Server.EditorSecret != "dig-site-7" {
		t.Fatalf("editorSecret mismatch")
	}
	if cfg.Server.DatabasePath != filepath.Join(dir, "sitescan.db") {
		t.Fatalf("databasePath should default under storageDir, got %q", cfg.Server.DatabasePath)
	}
	if cfg.Server.ShutdownGrace != 15*time.Second {
		t.Fatalf("shutdownGrace default not applied: %v", cfg.Server.ShutdownGrace)
	}
	if cfg.Server.LogLevel != "info" {
		t.Fatalf("logLevel default not applied: %q", cfg.Server.LogLevel)
	}

	if cfg.Worker.ClaimBatch != 3 {
		t.Fatalf("claimBatch = %d", cfg.Worker.ClaimBatch)
	}
	if cfg.Worker.IdleInterval != 2*time.Second || cfg.Worker.BatchInterval != 1*time.Second {
		t.Fatalf("worker interval defaults not applied")
	}

	if cfg.Recon.DefaultMethod != "replicate" {
		t.Fatalf("defaultMethod = %q", cfg.Recon.DefaultMethod)
	}
	if cfg.Recon.Replicate.Token != "secret123" {
		t.Fatalf("env expansion failed: %q", cfg.Recon.Replicate.Token)
	}
	if cfg.Recon.Replicate.APIBaseURL != "https://api.replicate.com" {
		t.Fatalf("replicate base url default missing")
	}
	if cfg.Recon.Replicate.PollTimeout != 3*time.Minute {
		t.Fatalf("pollTimeout default not applied: %v", cfg.Recon.Replicate.PollTimeout)
	}
	if cfg.Recon.HuggingFace.APIBaseURL != "https://api-inference.huggingface.co" {
		t.Fatalf("huggingface base url default missing")
	}
}

func TestLoad_ClaimBatchDefaultsToShared(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  storageDir: "` + escapeBackslashes(dir) + `"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Worker.ClaimBatch != common.DefaultClaimBatch {
		t.Fatalf("claimBatch default = %d, want %d", cfg.Worker.ClaimBatch, common.DefaultClaimBatch)
	}
}

func TestLoad_RejectsUnknownDefaultMethod(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  storageDir: "` + escapeBackslashes(dir) + `"
recon:
  defaultMethod: "dalle"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("expected error for unknown defaultMethod")
	}
}

// escapeBackslashes makes Windows temp paths safe inside the YAML literal.
func escapeBackslashes(s string) string {
	return strings.ReplaceAll(s, `\`, `\\`)
}
