package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/sitescan/internal/common"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Worker WorkerConfig `yaml:"worker"`
	Recon  ReconConfig  `yaml:"recon"`
	Derive DeriveConfig `yaml:"derive"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxUploadSize ByteSize      `yaml:"maxUploadSize"`
	StorageDir    string        `yaml:"storageDir"`
	DatabasePath  string        `yaml:"databasePath"`  // optional, overrides default storageDir/sitescan.db
	EditorSecret  string        `yaml:"editorSecret"`  // optional shared secret gating mutation endpoints
	BaseURL       string        `yaml:"baseUrl"`       // optional public base URL encoded into QR codes
	ShutdownGrace time.Duration `yaml:"shutdownGrace"` // time to wait for in-flight work before forced stop
	LogLevel      string        `yaml:"logLevel"`      // debug|info|warn|error
}

// WorkerConfig tunes the background reconstruction loop.
type WorkerConfig struct {
	ClaimBatch    int           `yaml:"claimBatch"`    // max jobs polled per iteration
	IdleInterval  time.Duration `yaml:"idleInterval"`  // sleep when no jobs are runnable
	BatchInterval time.Duration `yaml:"batchInterval"` // sleep between processed batches
}

// ReconConfig selects the default reconstruction method and provider settings.
type ReconConfig struct {
	DefaultMethod string             `yaml:"defaultMethod"` // local|replicate|huggingface
	Replicate     ReplicateSettings  `yaml:"replicate"`
	HuggingFace   HuggingFaceSetting `yaml:"huggingface"`
}

// ReplicateSettings config for the asynchronous prediction provider.
type ReplicateSettings struct {
	Token        string        `yaml:"token"`        // API token; supports env expansion
	ModelVersion string        `yaml:"modelVersion"` // prediction model version id
	Model        string        `yaml:"model"`        // owner/model used to auto-resolve a version
	APIBaseURL   string        `yaml:"apiBaseUrl"`   // optional, default https://api.replicate.com
	PollTimeout  time.Duration `yaml:"pollTimeout"`  // bound on submit-to-terminal wait
	PollInterval time.Duration `yaml:"pollInterval"`
}

// HuggingFaceSetting config for the synchronous inference provider.
type HuggingFaceSetting struct {
	Token          string        `yaml:"token"`
	Model          string        `yaml:"model"`
	APIBaseURL     string        `yaml:"apiBaseUrl"` // optional, default https://api-inference.huggingface.co
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// DeriveConfig configures the best-effort OCR collaborator.
type DeriveConfig struct {
	OCRCommand string `yaml:"ocrCommand"` // path to a tesseract-compatible binary; empty disables OCR
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	// Numeric only
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	// Normalize to upper for suffix matching but keep numeric part as-is
	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		// Kubernetes binary-style without 'B'
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		// Binary with B
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		// Decimal
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var SITESCAN_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("SITESCAN_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	// Expand environment variables in file content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	// Ensure storage dir exists
	if cfg.Server.StorageDir != "" {
		if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
			return nil, fmt.Errorf("ensure storageDir: %w", err)
		}
	}
	// Default DB path under storage dir if not set.
	if cfg.Server.DatabasePath == "" {
		cfg.Server.DatabasePath = filepath.Join(cfg.Server.StorageDir, "sitescan.db")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(10 * 1024 * 1024) // 10 MiB default
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Worker defaults
	if cfg.Worker.ClaimBatch <= 0 {
		cfg.Worker.ClaimBatch = common.DefaultClaimBatch
	}
	if cfg.Worker.IdleInterval == 0 {
		cfg.Worker.IdleInterval = 2 * time.Second
	}
	if cfg.Worker.BatchInterval == 0 {
		cfg.Worker.BatchInterval = 1 * time.Second
	}

	// Recon defaults
	if cfg.Recon.DefaultMethod == "" {
		cfg.Recon.DefaultMethod = "local"
	}
	if strings.TrimSpace(cfg.Recon.Replicate.APIBaseURL) == "" {
		cfg.Recon.Replicate.APIBaseURL = "https://api.replicate.com"
	}
	if cfg.Recon.Replicate.PollTimeout == 0 {
		cfg.Recon.Replicate.PollTimeout = 3 * time.Minute
	}
	if cfg.Recon.Replicate.PollInterval == 0 {
		cfg.Recon.Replicate.PollInterval = 2 * time.Second
	}
	if strings.TrimSpace(cfg.Recon.HuggingFace.APIBaseURL) == "" {
		cfg.Recon.HuggingFace.APIBaseURL = "https://api-inference.huggingface.co"
	}
	if cfg.Recon.HuggingFace.RequestTimeout == 0 {
		cfg.Recon.HuggingFace.RequestTimeout = 2 * time.Minute
	}
}

func validate(cfg *Config) error {
	switch cfg.Recon.DefaultMethod {
	case "local", "replicate", "huggingface":
	default:
		return fmt.Errorf("recon.defaultMethod %q is not one of local, replicate, huggingface", cfg.Recon.DefaultMethod)
	}
	if cfg.Worker.ClaimBatch <= 0 {
		return errors.New("worker.claimBatch must be positive")
	}
	return nil
}
