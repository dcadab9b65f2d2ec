package qr

import (
	"fmt"
	"os"
	"path/filepath"

	qrcode "github.com/skip2/go-qrcode"
)

const imageSize = 256

// Generator writes QR code images that point back at an artifact record.
type Generator struct {
	outDir string
}

func NewGenerator(outDir string) *Generator {
	return &Generator{outDir: outDir}
}

// Generate encodes baseURL?id=<id> (or the bare id when no base URL is
// configured) into a PNG under the qrcodes dir and returns its path.
func (g *Generator) Generate(artifactID, baseURL string) (string, error) {
	content := artifactID
	if baseURL != "" {
		content = fmt.Sprintf("%s?id=%s", baseURL, artifactID)
	}
	if err := os.MkdirAll(g.outDir, 0o750); err != nil {
		return "", fmt.Errorf("ensure qrcodes dir: %w", err)
	}
	outPath := filepath.Join(g.outDir, artifactID+".png")
	if err := qrcode.WriteFile(content, qrcode.Medium, imageSize, outPath); err != nil {
		return "", fmt.Errorf("write qr code: %w", err)
	}
	return outPath, nil
}
