package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderEditorSecret = "X-Editor-Secret" // #nosec G101 - header name constant, not a credential
	ContentTypeJSON    = "application/json"
	ContentTypeBinary  = "application/octet-stream"
)

// API paths
const (
	PathHealthz   = "/healthz"
	PathArtifacts = "/v1/artifacts"
	PathChanges   = "/v1/changes"
	PathJobs      = "/v1/jobs"
	PathExport    = "/v1/export"
	PathImport    = "/v1/import"
)

// Defaults and limits
const (
	DefaultClaimBatch   = 5
	SQLiteBusyTimeoutMS = 5000
)

// Job types
const (
	JobTypeReconstruct = "genai_reconstruct"
)

// MIME types
const (
	MimeImagePNG  = "image/png"
	MimeImageJPEG = "image/jpeg"
	MimeImageJPG  = "image/jpg"
	MimeImageTIFF = "image/tiff"
)

// Subdirectory names under the storage dir
const (
	ImagesDirName          = "images"
	QRCodesDirName         = "qrcodes"
	ReconstructionsDirName = "reconstructions"
)
