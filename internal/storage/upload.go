package storage

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/sitescan/internal/common"
)

// Uploader persists uploaded artifact photos on disk. Unlike a temporary
// upload spool, stored images live for the lifetime of the artifact record.
type Uploader struct {
	imagesDir string
}

var allowedImageMimes = map[string]string{
	common.MimeImagePNG:  ".png",
	common.MimeImageJPEG: ".jpg",
	common.MimeImageJPG:  ".jpg",
	common.MimeImageTIFF: ".tif",
}

// NewUploader creates an uploader that stores to baseDir/images.
func NewUploader(baseDir string) *Uploader {
	return &Uploader{imagesDir: filepath.Join(baseDir, common.ImagesDirName)}
}

// SaveArtifactImage validates and stores an uploaded image under the
// artifact's id. It returns the stored path and the detected mime type.
func (u *Uploader) SaveArtifactImage(fileHeader *multipart.FileHeader, artifactID string, maxBytes int64) (string, string, error) {
	if fileHeader == nil {
		return "", "", fmt.Errorf("no file provided")
	}
	mimeType := fileHeader.Header.Get("Content-Type")
	// Some clients set application/octet-stream for uploads; treat it as unknown and fall back to extension.
	if mimeType == "" || strings.EqualFold(strings.TrimSpace(mimeType), common.ContentTypeBinary) {
		ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
		mimeType = mime.TypeByExtension(ext)
	}
	if !isAllowedImageMime(mimeType) {
		return "", "", fmt.Errorf("unsupported content type: %s", mimeType)
	}

	if err := os.MkdirAll(u.imagesDir, 0o755); err != nil {
		return "", "", fmt.Errorf("ensure images dir: %w", err)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return "", "", fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()

	ext := pickExtension(mimeType, fileHeader.Filename)
	dstPath := filepath.Join(u.imagesDir, artifactID+ext)

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) // #nosec G304 - path built from our own id
	if err != nil {
		return "", "", fmt.Errorf("create image file: %w", err)
	}
	defer func() { _ = dst.Close() }()

	limited := io.LimitReader(src, maxBytes)
	if _, err := io.Copy(dst, limited); err != nil {
		_ = os.Remove(dstPath)
		return "", "", fmt.Errorf("copy upload: %w", err)
	}
	return dstPath, mimeType, nil
}

func isAllowedImageMime(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	_, ok := allowedImageMimes[mt]
	return ok
}

func pickExtension(mimeType, original string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if ext, ok := allowedImageMimes[mt]; ok {
		return ext
	}
	ext := strings.ToLower(filepath.Ext(original))
	if ext == "" {
		return ".png"
	}
	return ext
}
