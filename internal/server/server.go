package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jo-hoe/sitescan/internal/common"
	"github.com/jo-hoe/sitescan/internal/config"
	"github.com/jo-hoe/sitescan/internal/derive"
	"github.com/jo-hoe/sitescan/internal/qr"
	"github.com/jo-hoe/sitescan/internal/recon"
	"github.com/jo-hoe/sitescan/internal/storage"
	"github.com/jo-hoe/sitescan/internal/store"
	"github.com/jo-hoe/sitescan/internal/util"
)

const defaultListLimit = 100

type Service struct {
	Log        *slog.Logger
	Cfg        *config.Config
	Store      *store.Store
	Uploader   *storage.Uploader
	QR         *qr.Generator
	Extractor  derive.TextExtractor
	Recognizer derive.Recognizer
	Providers  *recon.Registry
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	if svc.Log == nil {
		svc.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc(http.MethodPost+" "+common.PathArtifacts, svc.withEditor(svc.handleCapture))
	mux.HandleFunc(http.MethodGet+" "+common.PathArtifacts, svc.handleListArtifacts)
	mux.HandleFunc(http.MethodGet+" "+common.PathArtifacts+"/{id}", svc.handleGetArtifact)
	mux.HandleFunc(http.MethodPut+" "+common.PathArtifacts+"/{id}/ocr", svc.withEditor(svc.handleUpdateOCR))
	mux.HandleFunc(http.MethodPost+" "+common.PathArtifacts+"/{id}/notes", svc.withEditor(svc.handleAppendNote))
	mux.HandleFunc(http.MethodGet+" "+common.PathArtifacts+"/{id}/changes", svc.handleListChanges)
	mux.HandleFunc(http.MethodGet+" "+common.PathChanges, svc.handleAllChanges)
	mux.HandleFunc(http.MethodPost+" "+common.PathArtifacts+"/{id}/reconstructions", svc.withEditor(svc.handleSubmitReconstruction))
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs+"/{id}", svc.handleGetJob)
	mux.HandleFunc(http.MethodGet+" "+common.PathExport, svc.handleExport)
	mux.HandleFunc(http.MethodPost+" "+common.PathImport, svc.withEditor(svc.handleImport))

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(mux), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	return s
}

// withEditor gates mutation endpoints behind the shared editor secret. An
// unconfigured secret leaves writes open, matching single-operator use.
func (svc *Service) withEditor(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if secret := strings.TrimSpace(svc.Cfg.Server.EditorSecret); secret != "" {
			if r.Header.Get(common.HeaderEditorSecret) != secret {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		max := safeInt64(svc.Cfg.Server.MaxUploadSize)
		if max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	}
}

func (svc *Service) handleCapture(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(safeInt64(svc.Cfg.Server.MaxUploadSize)); err != nil {
		http.Error(w, "invalid form: "+err.Error(), http.StatusBadRequest)
		return
	}

	fileHeaders := r.MultipartForm.File["file"]
	if len(fileHeaders) == 0 {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	uploaded := fileHeaders[0]

	id := util.NewID()
	imgPath, mimeType, err := svc.Uploader.SaveArtifactImage(uploaded, id, safeInt64(svc.Cfg.Server.MaxUploadSize))
	if err != nil {
		http.Error(w, "upload failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	artifact := &store.Artifact{
		ID:        id,
		Filename:  uploaded.Filename,
		ImagePath: imgPath,
		Metadata: store.Metadata{
			Site:    strings.TrimSpace(r.FormValue("site")),
			Spot:    strings.TrimSpace(r.FormValue("spot")),
			Fragile: parseBool(r.FormValue("fragile")),
			Tags:    parseTags(r.FormValue("tags")),
			Notes:   strings.TrimSpace(r.FormValue("notes")),
		},
		CreatedAt: util.Timestamp(),
	}

	// Derived fields are best-effort. A failing collaborator degrades the
	// record, it does not fail the capture.
	if qrPath, err := svc.QR.Generate(id, svc.Cfg.Server.BaseURL); err != nil {
		svc.Log.Warn("qr generation failed", "artifact_id", id, "error", err)
	} else {
		artifact.QRPath = qrPath
	}
	if text, err := svc.Extractor.ExtractText(r.Context(), imgPath); err != nil {
		svc.Log.Warn("ocr failed", "artifact_id", id, "error", err)
	} else {
		artifact.OCRText = text
	}
	if labels, err := svc.Recognizer.Recognize(r.Context(), imgPath); err != nil {
		svc.Log.Warn("recognition failed", "artifact_id", id, "error", err)
	} else {
		artifact.Labels = labels
	}
	if provider, _, err := svc.Providers.Resolve(string(recon.MethodLocal)); err == nil {
		if outPath, err := provider.Reconstruct(r.Context(), imgPath, id); err != nil {
			svc.Log.Warn("local reconstruction failed", "artifact_id", id, "error", err)
		} else {
			artifact.ReconstructionPath = outPath
		}
	}

	if err := svc.Store.UpsertArtifact(artifact); err != nil {
		svc.Log.Error("persist artifact", "artifact_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	svc.Log.Info("artifact captured",
		"artifact_id", id,
		"filename", uploaded.Filename,
		"mime", mimeType,
		"size", humanize.Bytes(uint64(max64(uploaded.Size, 0)))) // #nosec G115 - clamped to non-negative

	writeJSON(w, http.StatusCreated, artifact)
}

func (svc *Service) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseLimit(q.Get("limit"))
	query := q.Get("q")
	site := q.Get("site")
	spot := q.Get("spot")

	var (
		items []store.ArtifactSummary
		err   error
	)
	if query == "" && site == "" && spot == "" {
		items, err = svc.Store.ListArtifacts(limit)
	} else {
		items, err = svc.Store.SearchArtifacts(query, site, spot, limit)
	}
	if err != nil {
		svc.Log.Error("list artifacts", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": items})
}

func (svc *Service) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := svc.Store.GetArtifact(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		svc.Log.Error("get artifact", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (svc *Service) handleUpdateOCR(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OCRText string `json:"ocr_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	svc.mutateArtifact(w, r.PathValue("id"), func(a *store.Artifact) {
		a.OCRText = body.OCRText
	})
}

func (svc *Service) handleAppendNote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	note := strings.TrimSpace(body.Note)
	if note == "" {
		http.Error(w, "note is required", http.StatusBadRequest)
		return
	}
	svc.mutateArtifact(w, r.PathValue("id"), func(a *store.Artifact) {
		if a.Metadata.Notes == "" {
			a.Metadata.Notes = note
			return
		}
		a.Metadata.Notes = a.Metadata.Notes + "\n" + note
	})
}

// mutateArtifact applies a whole-record read-modify-upsert and writes the
// updated artifact back to the client.
func (svc *Service) mutateArtifact(w http.ResponseWriter, id string, mutate func(*store.Artifact)) {
	artifact, err := svc.Store.GetArtifact(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		svc.Log.Error("get artifact", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	mutate(artifact)
	if err := svc.Store.UpsertArtifact(artifact); err != nil {
		svc.Log.Error("persist artifact", "artifact_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (svc *Service) handleListChanges(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := svc.Store.GetArtifact(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		svc.Log.Error("get artifact", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	changes, err := svc.Store.ListChanges(id, parseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		svc.Log.Error("list changes", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changes})
}

func (svc *Service) handleAllChanges(w http.ResponseWriter, r *http.Request) {
	changes, err := svc.Store.ListChanges("", parseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		svc.Log.Error("list changes", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changes})
}

type submitResponse struct {
	JobID     int64  `json:"job_id"`
	Method    string `json:"method"`
	StatusURL string `json:"status_url"`
}

func (svc *Service) handleSubmitReconstruction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := svc.Store.GetArtifact(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		svc.Log.Error("get artifact", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var body struct {
		Method string `json:"method"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	// Method and provider configuration are checked at submission so a bad
	// request fails here, not minutes later inside the worker.
	provider, method, err := svc.Providers.Resolve(body.Method)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := provider.Validate(); err != nil {
		http.Error(w, fmt.Sprintf("provider %s not usable: %v", method, err), http.StatusBadRequest)
		return
	}

	jobID, err := svc.Store.EnqueueJob(id, common.JobTypeReconstruct, map[string]any{"method": string(method)})
	if err != nil {
		svc.Log.Error("enqueue job", "artifact_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	svc.Log.Info("reconstruction submitted", "artifact_id", id, "job_id", jobID, "method", method)

	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:     jobID,
		Method:    string(method),
		StatusURL: path.Join(common.PathJobs, strconv.FormatInt(jobID, 10)),
	})
}

func (svc *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	job, err := svc.Store.GetJob(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		svc.Log.Error("get job", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (svc *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	dbPath := svc.Cfg.Server.DatabasePath
	f, err := os.Open(dbPath) // #nosec G304 - path comes from operator config
	if err != nil {
		svc.Log.Error("open database for export", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		svc.Log.Error("stat database for export", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", common.ContentTypeBinary)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(dbPath)))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	n, err := io.Copy(w, f)
	if err != nil {
		svc.Log.Warn("export interrupted", "written", humanize.Bytes(uint64(max64(n, 0))), "error", err) // #nosec G115
		return
	}
	svc.Log.Info("store exported", "size", humanize.Bytes(uint64(max64(n, 0)))) // #nosec G115 - clamped
}

func (svc *Service) handleImport(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(safeInt64(svc.Cfg.Server.MaxUploadSize)); err != nil {
		http.Error(w, "invalid form: "+err.Error(), http.StatusBadRequest)
		return
	}
	fileHeaders := r.MultipartForm.File["file"]
	if len(fileHeaders) == 0 {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	uploaded := fileHeaders[0]

	src, err := uploaded.Open()
	if err != nil {
		http.Error(w, "upload failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer func() { _ = src.Close() }()

	tmp, err := os.CreateTemp("", "sitescan-import-*.db")
	if err != nil {
		svc.Log.Error("create temp file for import", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	size, err := io.Copy(tmp, io.LimitReader(src, safeInt64(svc.Cfg.Server.MaxUploadSize)))
	closeErr := tmp.Close()
	if err != nil || closeErr != nil {
		svc.Log.Error("spool import upload", "error", errors.Join(err, closeErr))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	imported, err := svc.Store.MergeFrom(tmpPath)
	if err != nil {
		svc.Log.Error("merge import", "error", err)
		http.Error(w, "import failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	svc.Log.Info("store imported",
		"size", humanize.Bytes(uint64(max64(size, 0))), // #nosec G115 - clamped
		"imported", imported)

	writeJSON(w, http.StatusOK, map[string]int{"imported": imported})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func max64(v, floor int64) int64 {
	if v < floor {
		return floor
	}
	return v
}

func parseLimit(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return n
}

func parseBool(s string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && v
}

func parseTags(s string) []string {
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	// Fallback to a discard logger if none provided to avoid nil deref in tests or minimal setups.
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
