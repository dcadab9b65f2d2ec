package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Label is one recognition result attached to an artifact.
type Label struct {
	Name  string  `json:"label"`
	Score float64 `json:"score"`
}

// Metadata holds the editable capture context of an artifact.
// Notes is append-only by convention; callers extend it, never rewrite it.
type Metadata struct {
	Site    string   `json:"site"`
	Spot    string   `json:"spot"`
	Fragile bool     `json:"fragile"`
	Tags    []string `json:"tags"`
	Notes   string   `json:"notes"`
}

// Artifact is one captured record with its derived and editable fields.
// Mutation is whole-record: callers read, modify, and upsert the full value.
type Artifact struct {
	ID                 string    `json:"id"`
	Filename           string    `json:"filename"`
	ImagePath          string    `json:"image_path"`
	QRPath             string    `json:"qr_path"`
	OCRText            string    `json:"ocr_text"`
	Labels             []Label   `json:"labels"`
	ReconstructionPath string    `json:"reconstruction_path"`
	Metadata           Metadata  `json:"metadata"`
	CreatedAt          time.Time `json:"created_at"`
}

// ArtifactSummary is the listing shape returned by List and Search.
type ArtifactSummary struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	ImagePath string    `json:"image_path"`
	CreatedAt time.Time `json:"created_at"`
}

// ChangeTypeUpsert is currently the only recorded change type.
const ChangeTypeUpsert = "upsert"

// Change is one immutable audit entry holding a full artifact snapshot.
type Change struct {
	ArtifactID string          `json:"artifact_id"`
	ChangeType string          `json:"change_type"`
	Payload    json.RawMessage `json:"payload"`
	ChangedAt  time.Time       `json:"changed_at"`
}

// UpsertArtifact inserts or fully replaces the artifact and appends one
// change entry. The change append is best-effort: durability of the primary
// row takes precedence over the audit log, so its failure is swallowed.
func (s *Store) UpsertArtifact(a *Artifact) error {
	if a == nil {
		return errors.New("artifact is nil")
	}
	if a.ID == "" {
		return errors.New("artifact.ID is required")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	labels := a.Labels
	if labels == nil {
		labels = []Label{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO artifacts
		 (id, filename, image_path, qr_path, ocr_text, labels, reconstruction_path, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Filename, a.ImagePath, a.QRPath, a.OCRText,
		string(labelsJSON), a.ReconstructionPath, string(metaJSON), formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}

	if payload, err := json.Marshal(a); err == nil {
		_, _ = s.db.Exec(
			`INSERT INTO changes (artifact_id, change_type, payload, changed_at) VALUES (?, ?, ?, ?)`,
			a.ID, ChangeTypeUpsert, string(payload), formatTime(time.Now()),
		)
	}
	return nil
}

// GetArtifact returns the artifact with the given id, or ErrNotFound.
func (s *Store) GetArtifact(id string) (*Artifact, error) {
	row := s.db.QueryRow(
		`SELECT id, filename, image_path, qr_path, ocr_text, labels, reconstruction_path, metadata, created_at
		 FROM artifacts WHERE id = ?`, id)

	var a Artifact
	var labels, meta, created sql.NullString
	if err := row.Scan(
		&a.ID, &a.Filename, &a.ImagePath, &a.QRPath, &a.OCRText,
		&labels, &a.ReconstructionPath, &meta, &created,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("scan artifact: %w", err)
	}

	a.Labels = []Label{}
	if labels.Valid && labels.String != "" {
		// Malformed rows (e.g. from foreign snapshots) degrade to empty.
		_ = json.Unmarshal([]byte(labels.String), &a.Labels)
	}
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &a.Metadata)
	}
	if created.Valid {
		a.CreatedAt = parseTime(created.String)
	}
	return &a, nil
}

// ListArtifacts returns up to limit artifact summaries, newest first.
func (s *Store) ListArtifacts(limit int) ([]ArtifactSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, filename, image_path, created_at FROM artifacts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// SearchArtifacts returns up to limit summaries, newest first, matching query
// as a case-sensitive substring of the id, filename, or serialized metadata.
// Site and spot are evaluated against the parsed metadata fields rather than
// the raw JSON text, so special characters in values cannot fake a match.
func (s *Store) SearchArtifacts(query, site, spot string, limit int) ([]ArtifactSummary, error) {
	if limit <= 0 {
		limit = 200
	}
	sqlStr := `SELECT id, filename, image_path, metadata, created_at FROM artifacts WHERE 1=1`
	var args []any
	if query != "" {
		sqlStr += ` AND (id LIKE ? OR filename LIKE ? OR metadata LIKE ?)`
		q := "%" + query + "%"
		args = append(args, q, q, q)
	}
	sqlStr += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("search artifacts: %w", err)
	}
	defer rows.Close()

	out := []ArtifactSummary{}
	for rows.Next() {
		var sum ArtifactSummary
		var meta, created sql.NullString
		if err := rows.Scan(&sum.ID, &sum.Filename, &sum.ImagePath, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan artifact summary: %w", err)
		}
		if site != "" || spot != "" {
			var md Metadata
			if meta.Valid && meta.String != "" {
				_ = json.Unmarshal([]byte(meta.String), &md)
			}
			if site != "" && !strings.Contains(md.Site, site) {
				continue
			}
			if spot != "" && !strings.Contains(md.Spot, spot) {
				continue
			}
		}
		if created.Valid {
			sum.CreatedAt = parseTime(created.String)
		}
		out = append(out, sum)
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// ListChanges returns up to limit change entries, newest first. When
// artifactID is empty, changes across all artifacts are returned.
func (s *Store) ListChanges(artifactID string, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 200
	}
	var (
		rows *sql.Rows
		err  error
	)
	if artifactID != "" {
		rows, err = s.db.Query(
			`SELECT artifact_id, change_type, payload, changed_at FROM changes
			 WHERE artifact_id = ? ORDER BY changed_at DESC, id DESC LIMIT ?`, artifactID, limit)
	} else {
		rows, err = s.db.Query(
			`SELECT artifact_id, change_type, payload, changed_at FROM changes
			 ORDER BY changed_at DESC, id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	out := []Change{}
	for rows.Next() {
		var c Change
		var payload, changed sql.NullString
		if err := rows.Scan(&c.ArtifactID, &c.ChangeType, &payload, &changed); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		if payload.Valid {
			c.Payload = json.RawMessage(payload.String)
		}
		if changed.Valid {
			c.ChangedAt = parseTime(changed.String)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanSummaries(rows *sql.Rows) ([]ArtifactSummary, error) {
	out := []ArtifactSummary{}
	for rows.Next() {
		var sum ArtifactSummary
		var created sql.NullString
		if err := rows.Scan(&sum.ID, &sum.Filename, &sum.ImagePath, &created); err != nil {
			return nil, fmt.Errorf("scan artifact summary: %w", err)
		}
		if created.Valid {
			sum.CreatedAt = parseTime(created.String)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}
