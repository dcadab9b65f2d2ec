package hf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jo-hoe/sitescan/internal/common"
	"github.com/jo-hoe/sitescan/internal/config"
	"github.com/jo-hoe/sitescan/internal/recon"
)

var _ recon.Provider = (*Provider)(nil)

const (
	endpointModels = "/models/"

	defaultPrompt = "AI reconstruction of an archaeological artifact, fill missing parts, photorealistic"

	errorSnippetLimit = 400
)

// Provider calls a synchronous inference API: one request, one response.
// The response is either raw image bytes or a JSON payload naming an output
// URL to download.
type Provider struct {
	httpClient *http.Client
	baseURL    string
	token      string
	model      string
	outDir     string
}

func New(cfg config.HuggingFaceSetting, outDir string) *Provider {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Provider{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		token:      cfg.Token,
		model:      cfg.Model,
		outDir:     outDir,
	}
}

func (p *Provider) Validate() error {
	if strings.TrimSpace(p.token) == "" {
		return errors.New("huggingface: token is required")
	}
	if strings.TrimSpace(p.model) == "" {
		return errors.New("huggingface: model is required")
	}
	return nil
}

func (p *Provider) Reconstruct(ctx context.Context, imagePath, artifactID string) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	dataURI, err := recon.DataURI(imagePath)
	if err != nil {
		return "", err
	}

	payload := map[string]any{
		"inputs": defaultPrompt,
		"image":  dataURI,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal inference request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpointModels+p.model, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", common.ContentTypeJSON)
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read inference response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("huggingface status %d: %s", resp.StatusCode, truncate(string(respBytes), errorSnippetLimit))
	}

	outPath := filepath.Join(p.outDir, artifactID+"_ai_hf.png")

	// Direct image response
	if strings.Contains(resp.Header.Get("Content-Type"), "image") {
		if err := writeFile(outPath, respBytes); err != nil {
			return "", err
		}
		return outPath, nil
	}

	// JSON response naming an output URL
	var out struct {
		GeneratedImage string `json:"generated_image"`
	}
	if err := json.Unmarshal(respBytes, &out); err != nil {
		return "", fmt.Errorf("parse inference response: %w", err)
	}
	if out.GeneratedImage == "" {
		return "", errors.New("inference response carries no image")
	}
	if err := p.download(ctx, out.GeneratedImage, outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

func (p *Provider) download(ctx context.Context, url, outPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new download request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download output: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("download status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read output: %w", err)
	}
	return writeFile(outPath, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("ensure output dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
