package replicate

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
	endpointPredictions = "/v1/predictions"
	endpointModels      = "/v1/models/"

	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusCanceled  = "canceled"

	defaultPrompt = "AI-based reconstruction of an archaeological artifact; realistic, natural textures, fill missing parts"

	requestTimeout    = 30 * time.Second
	errorSnippetLimit = 400
)

// Provider drives the asynchronous prediction API: submit, poll until a
// terminal state within the configured bound, then download the output.
type Provider struct {
	httpClient   *http.Client
	baseURL      string
	token        string
	model        string
	modelVersion string
	pollTimeout  time.Duration
	pollInterval time.Duration
	outDir       string
}

func New(cfg config.ReplicateSettings, outDir string) *Provider {
	return &Provider{
		httpClient:   &http.Client{Timeout: requestTimeout},
		baseURL:      strings.TrimRight(cfg.APIBaseURL, "/"),
		token:        cfg.Token,
		model:        cfg.Model,
		modelVersion: cfg.ModelVersion,
		pollTimeout:  cfg.PollTimeout,
		pollInterval: cfg.PollInterval,
		outDir:       outDir,
	}
}

func (p *Provider) Validate() error {
	if strings.TrimSpace(p.token) == "" {
		return errors.New("replicate: token is required")
	}
	if strings.TrimSpace(p.modelVersion) == "" && strings.TrimSpace(p.model) == "" {
		return errors.New("replicate: modelVersion or model is required")
	}
	return nil
}

func (p *Provider) Reconstruct(ctx context.Context, imagePath, artifactID string) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	version := p.modelVersion
	if version == "" {
		v, err := p.ResolveLatestVersion(ctx, p.model)
		if err != nil {
			return "", fmt.Errorf("resolve model version: %w", err)
		}
		version = v
		p.modelVersion = v
	}

	dataURI, err := recon.DataURI(imagePath)
	if err != nil {
		return "", err
	}

	pred, err := p.submit(ctx, version, dataURI)
	if err != nil {
		return "", err
	}

	pred, err = p.poll(ctx, pred)
	if err != nil {
		return "", err
	}
	if pred.Status != statusSucceeded {
		return "", fmt.Errorf("prediction ended %q", pred.Status)
	}
	if len(pred.Output) == 0 {
		return "", errors.New("prediction succeeded with no output")
	}

	outPath := filepath.Join(p.outDir, artifactID+"_ai.png")
	if err := p.download(ctx, pred.Output[0], outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

type prediction struct {
	ID     string   `json:"id"`
	Status string   `json:"status"`
	Output []string `json:"output"`
	Error  string   `json:"error"`
}

func (p *Provider) submit(ctx context.Context, version, dataURI string) (*prediction, error) {
	payload := map[string]any{
		"version": version,
		"input": map[string]any{
			"image":  dataURI,
			"prompt": defaultPrompt,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal prediction: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+endpointPredictions, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", common.ContentTypeJSON)
	req.Header.Set("Authorization", "Token "+p.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit prediction: %w", err)
	}
	defer resp.Body.Close()
	respBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("replicate status %d: %s", resp.StatusCode, truncate(string(respBytes), errorSnippetLimit))
	}
	var pred prediction
	if err := json.Unmarshal(respBytes, &pred); err != nil {
		return nil, fmt.Errorf("parse prediction: %w", err)
	}
	if pred.ID == "" {
		return nil, errors.New("prediction response missing id")
	}
	return &pred, nil
}

// poll re-reads the prediction until it reaches a terminal status or the
// configured bound elapses. A timeout is an error; the job must never be
// left running forever.
func (p *Provider) poll(ctx context.Context, pred *prediction) (*prediction, error) {
	deadline := time.Now().Add(p.pollTimeout)
	for !terminal(pred.Status) {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("prediction %s not terminal after %s", pred.ID, p.pollTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.pollInterval):
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+endpointPredictions+"/"+pred.ID, nil)
		if err != nil {
			return nil, fmt.Errorf("new poll request: %w", err)
		}
		req.Header.Set("Authorization", "Token "+p.token)
		resp, err := p.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("poll prediction: %w", err)
		}
		respBytes, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			return nil, fmt.Errorf("replicate poll status %d: %s", resp.StatusCode, truncate(string(respBytes), errorSnippetLimit))
		}
		var next prediction
		if err := json.Unmarshal(respBytes, &next); err != nil {
			return nil, fmt.Errorf("parse poll response: %w", err)
		}
		pred = &next
	}
	return pred, nil
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
	if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
		return fmt.Errorf("ensure output dir: %w", err)
	}
	out, err := os.Create(outPath) // #nosec G304 - output path built from our own id
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// ResolveLatestVersion fetches the newest version id of an owner/model when
// no version is configured explicitly.
func (p *Provider) ResolveLatestVersion(ctx context.Context, model string) (string, error) {
	if strings.TrimSpace(model) == "" {
		return "", errors.New("model is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+endpointModels+model, nil)
	if err != nil {
		return "", fmt.Errorf("new model request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.token)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch model: %w", err)
	}
	defer resp.Body.Close()
	respBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("model status %d: %s", resp.StatusCode, truncate(string(respBytes), errorSnippetLimit))
	}
	var out struct {
		Versions []struct {
			ID string `json:"id"`
		} `json:"versions"`
	}
	if err := json.Unmarshal(respBytes, &out); err != nil {
		return "", fmt.Errorf("parse model: %w", err)
	}
	if len(out.Versions) == 0 {
		return "", errors.New("model has no versions")
	}
	return out.Versions[0].ID, nil
}

func terminal(status string) bool {
	switch status {
	case statusSucceeded, statusFailed, statusCanceled:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
