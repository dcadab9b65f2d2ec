package common

import "testing"

func TestConstantsValues(t *testing.T) {
	if ContentTypeJSON != "application/json" {
		t.Fatalf("ContentTypeJSON = %q", ContentTypeJSON)
	}
	if HeaderEditorSecret != "X-Editor-Secret" {
		t.Fatalf("HeaderEditorSecret = %q", HeaderEditorSecret)
	}
	if PathHealthz != "/healthz" || PathArtifacts != "/v1/artifacts" || PathJobs != "/v1/jobs" {
		t.Fatalf("paths mismatch: %q, %q, %q", PathHealthz, PathArtifacts, PathJobs)
	}
	if DefaultClaimBatch <= 0 {
		t.Fatalf("defaults should be positive")
	}
	if MimeImagePNG != "image/png" || MimeImageJPEG != "image/jpeg" || MimeImageJPG != "image/jpg" {
		t.Fatalf("mime constants mismatch")
	}
	if ImagesDirName == "" || QRCodesDirName == "" || ReconstructionsDirName == "" {
		t.Fatalf("dir names should be non-empty")
	}
}
