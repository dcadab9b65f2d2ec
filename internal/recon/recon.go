package recon

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider produces a reconstructed image for an artifact.
type Provider interface {
	// Reconstruct reads the source image and writes a reconstruction,
	// returning the output path. Remote providers bound the call with an
	// explicit timeout; ctx cancellation stops polling early.
	Reconstruct(ctx context.Context, imagePath, artifactID string) (string, error)

	// Validate reports whether the provider has the configuration it needs.
	// Surfaced at job submission so misconfiguration is not discovered mid-run.
	Validate() error
}

// Method identifies a reconstruction provider. The set is closed; unknown
// method strings are rejected at submission time.
type Method string

const (
	MethodLocal       Method = "local"
	MethodReplicate   Method = "replicate"
	MethodHuggingFace Method = "huggingface"
)

// ParseMethod maps a method string to a known Method. The empty string maps
// to the registry default; "hf" is accepted as shorthand for huggingface.
func ParseMethod(s string) (Method, error) {
	switch strings.TrimSpace(s) {
	case string(MethodLocal):
		return MethodLocal, nil
	case string(MethodReplicate):
		return MethodReplicate, nil
	case string(MethodHuggingFace), "hf":
		return MethodHuggingFace, nil
	case "":
		return "", fmt.Errorf("empty method")
	default:
		return "", fmt.Errorf("unknown reconstruction method %q", s)
	}
}

// Registry resolves methods to providers with a configured default.
type Registry struct {
	providers map[Method]Provider
	def       Method
}

func NewRegistry(def Method) *Registry {
	return &Registry{providers: make(map[Method]Provider), def: def}
}

func (r *Registry) Add(m Method, p Provider) {
	r.providers[m] = p
}

// Default returns the registry's default method.
func (r *Registry) Default() Method {
	return r.def
}

// Resolve returns the provider for the given method string, falling back to
// the configured default when the method is empty, then to local.
func (r *Registry) Resolve(method string) (Provider, Method, error) {
	m := r.def
	if strings.TrimSpace(method) != "" {
		parsed, err := ParseMethod(method)
		if err != nil {
			return nil, "", err
		}
		m = parsed
	}
	if p, ok := r.providers[m]; ok {
		return p, m, nil
	}
	if p, ok := r.providers[MethodLocal]; ok {
		return p, MethodLocal, nil
	}
	return nil, "", fmt.Errorf("no provider registered for method %q", m)
}

// DataURI encodes the image file at path as a base64 data URI for remote
// API payloads. The mime type is derived from the file extension.
func DataURI(path string) (string, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path originates from our own store
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	mime := "image/png"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		mime = "image/jpeg"
	case ".tif", ".tiff":
		mime = "image/tiff"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
