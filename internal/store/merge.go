package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// MergeFrom folds the artifacts of a foreign store file into this one.
// Only artifacts whose id is absent locally are inserted; existing rows are
// never overwritten (first-writer-wins on whole records). Malformed labels
// or metadata in the foreign snapshot are defaulted to empty rather than
// aborting. The whole merge runs in one transaction, so a structural failure
// leaves the local store untouched. Returns the number of inserted records.
func (s *Store) MergeFrom(sourcePath string) (int, error) {
	src, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", sourcePath))
	if err != nil {
		return 0, fmt.Errorf("open merge source: %w", err)
	}
	defer src.Close()

	rows, err := src.Query(
		`SELECT id, filename, image_path, qr_path, ocr_text, labels, reconstruction_path, metadata, created_at
		 FROM artifacts`)
	if err != nil {
		return 0, fmt.Errorf("read merge source: %w", err)
	}
	defer rows.Close()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("merge begin tx: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	inserted := 0
	for rows.Next() {
		var id, filename, imagePath, qrPath, ocrText, labels, reconPath, meta, created sql.NullString
		if err := rows.Scan(&id, &filename, &imagePath, &qrPath, &ocrText, &labels, &reconPath, &meta, &created); err != nil {
			return 0, fmt.Errorf("scan merge row: %w", err)
		}
		if !id.Valid || id.String == "" {
			continue
		}

		var exists int
		err := tx.QueryRow(`SELECT COUNT(1) FROM artifacts WHERE id = ?`, id.String).Scan(&exists)
		if err != nil {
			return 0, fmt.Errorf("merge existence check: %w", err)
		}
		if exists > 0 {
			continue
		}

		labelsJSON := sanitizeJSON(labels.String, "[]")
		metaJSON := sanitizeJSON(meta.String, "{}")
		createdAt := created.String
		if createdAt == "" {
			createdAt = formatTime(time.Now())
		}

		_, err = tx.Exec(
			`INSERT INTO artifacts
			 (id, filename, image_path, qr_path, ocr_text, labels, reconstruction_path, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id.String, filename.String, imagePath.String, qrPath.String, ocrText.String,
			labelsJSON, reconPath.String, metaJSON, createdAt,
		)
		if err != nil {
			return 0, fmt.Errorf("merge insert %s: %w", id.String, err)
		}

		payload, _ := json.Marshal(map[string]any{
			"id":                  id.String,
			"filename":            filename.String,
			"image_path":          imagePath.String,
			"qr_path":             qrPath.String,
			"ocr_text":            ocrText.String,
			"labels":              json.RawMessage(labelsJSON),
			"reconstruction_path": reconPath.String,
			"metadata":            json.RawMessage(metaJSON),
			"created_at":          createdAt,
		})
		_, err = tx.Exec(
			`INSERT INTO changes (artifact_id, change_type, payload, changed_at) VALUES (?, ?, ?, ?)`,
			id.String, ChangeTypeUpsert, string(payload), createdAt,
		)
		if err != nil {
			return 0, fmt.Errorf("merge change %s: %w", id.String, err)
		}
		inserted++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate merge source: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("merge commit: %w", err)
	}
	return inserted, nil
}

// sanitizeJSON returns raw if it is valid JSON, otherwise fallback.
func sanitizeJSON(raw, fallback string) string {
	if raw == "" || !json.Valid([]byte(raw)) {
		return fallback
	}
	return raw
}
