package storage

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"testing"
)

func makeMultipartFile(t *testing.T, filename string, contentType string, content []byte) *multipart.FileHeader {
	t.Helper()
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, "http://example/upload", &b)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	if err := req.ParseMultipartForm(int64(b.Len()) + 1024); err != nil {
		t.Fatalf("ParseMultipartForm: %v", err)
	}
	fhs := req.MultipartForm.File["file"]
	if len(fhs) == 0 {
		t.Fatalf("no fileheaders parsed")
	}
	// Optionally override detected header content-type for stricter testing
	if contentType != "" {
		fhs[0].Header.Set("Content-Type", contentType)
	}
	return fhs[0]
}

func TestUploader_SaveArtifactImage_PNG(t *testing.T) {
	tmp := t.TempDir()
	up := NewUploader(tmp)

	fh := makeMultipartFile(t, "image.png", "image/png", []byte("pngdata"))
	path, mime, err := up.SaveArtifactImage(fh, "art-1", 10*1024*1024)
	if err != nil {
		t.Fatalf("SaveArtifactImage: %v", err)
	}
	if mime != "image/png" {
		t.Fatalf("mime = %q", mime)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("saved file not found: %v", err)
	}
	if filepath.Dir(path) != filepath.Join(tmp, "images") {
		t.Fatalf("file not stored under images dir: %s", path)
	}
	if filepath.Base(path) != "art-1.png" {
		t.Fatalf("file not named after the artifact: %s", path)
	}
}

func TestUploader_SaveArtifactImage_JPEG_ByExtension(t *testing.T) {
	tmp := t.TempDir()
	up := NewUploader(tmp)

	// No explicit content-type header; rely on extension detection
	fh := makeMultipartFile(t, "photo.jpg", "", []byte("jpgdata"))
	path, mime, err := up.SaveArtifactImage(fh, "art-2", 10*1024*1024)
	if err != nil {
		t.Fatalf("SaveArtifactImage: %v", err)
	}
	if mime != "image/jpeg" && mime != "image/jpg" {
		t.Fatalf("jpeg mime expected, got %q", mime)
	}
	if filepath.Base(path) != "art-2.jpg" {
		t.Fatalf("unexpected filename: %s", path)
	}
}

func TestUploader_SaveArtifactImage_RejectsUnsupported(t *testing.T) {
	tmp := t.TempDir()
	up := NewUploader(tmp)

	fh := makeMultipartFile(t, "doc.txt", "text/plain", []byte("text"))
	if _, _, err := up.SaveArtifactImage(fh, "art-3", 1024); err == nil {
		t.Fatalf("expected error for unsupported mime")
	}
}

func TestUploader_SaveArtifactImage_Overwrite(t *testing.T) {
	tmp := t.TempDir()
	up := NewUploader(tmp)

	fh := makeMultipartFile(t, "image.png", "image/png", []byte("first"))
	path, _, err := up.SaveArtifactImage(fh, "art-4", 1024)
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	fh = makeMultipartFile(t, "image.png", "image/png", []byte("second"))
	if _, _, err := up.SaveArtifactImage(fh, "art-4", 1024); err != nil {
		t.Fatalf("re-save for same artifact: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "second" {
		t.Fatalf("re-save should replace content: %q", data)
	}
}
