package local

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"github.com/jo-hoe/sitescan/internal/recon"
)

var _ recon.Provider = (*Provider)(nil)

const upscaleFactor = 1.6

// Provider is the offline heuristic reconstruction: a deterministic upscale
// plus smoothing that yields a plausible placeholder. It is the fallback for
// unspecified or unreachable remote methods and never needs configuration.
type Provider struct {
	outDir string
}

func New(outDir string) *Provider {
	return &Provider{outDir: outDir}
}

func (p *Provider) Validate() error { return nil }

func (p *Provider) Reconstruct(ctx context.Context, imagePath, artifactID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := os.Open(imagePath) // #nosec G304 - path originates from our own store
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	b := src.Bounds()
	w := int(float64(b.Dx()) * upscaleFactor)
	h := int(float64(b.Dy()) * upscaleFactor)
	scaled := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), src, b, draw.Over, nil)

	smoothed := boxBlur(scaled)

	if err := os.MkdirAll(p.outDir, 0o750); err != nil {
		return "", fmt.Errorf("ensure output dir: %w", err)
	}
	outPath := filepath.Join(p.outDir, artifactID+".png")
	out, err := os.Create(outPath) // #nosec G304 - output path built from our own id
	if err != nil {
		return "", fmt.Errorf("create output: %w", err)
	}
	defer out.Close()
	if err := png.Encode(out, smoothed); err != nil {
		return "", fmt.Errorf("encode output: %w", err)
	}
	return outPath, nil
}

// boxBlur applies one 3x3 mean pass, enough to soften the upscale artifacts.
func boxBlur(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var r, g, bl, a, n uint32
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < b.Min.X || nx >= b.Max.X || ny < b.Min.Y || ny >= b.Max.Y {
						continue
					}
					pr, pg, pb, pa := src.RGBAAt(nx, ny).RGBA()
					r += pr >> 8
					g += pg >> 8
					bl += pb >> 8
					a += pa >> 8
					n++
				}
			}
			dst.SetRGBA(x, y, color.RGBA{
				R: uint8(r / n),
				G: uint8(g / n),
				B: uint8(bl / n),
				A: uint8(a / n),
			})
		}
	}
	return dst
}
