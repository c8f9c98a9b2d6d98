// Package snapshot moves the progress collection between an anonymous
// installation and an account as a self-describing JSON document.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/example/engprogress/internal/progress"
	"github.com/example/engprogress/pkg/models"
)

// FormatVersion is the snapshot layout written by Export
const FormatVersion = 1

var ErrInvalid = errors.New("snapshot: invalid document")

const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["schemaVersion", "records"],
  "properties": {
    "schemaVersion": {"type": "integer", "minimum": 1},
    "exportedAt": {"type": "string"},
    "userId": {"type": "string"},
    "records": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["itemId", "masteryLevel", "streak", "correctCount", "incorrectCount", "lastReviewedAt", "nextReviewAt", "version"],
        "properties": {
          "itemId": {"type": "string", "minLength": 1},
          "masteryLevel": {"type": "integer", "minimum": 0, "maximum": 5},
          "streak": {"type": "integer", "minimum": 0},
          "correctCount": {"type": "integer", "minimum": 0},
          "incorrectCount": {"type": "integer", "minimum": 0},
          "lastReviewedAt": {"type": "integer", "minimum": 0},
          "nextReviewAt": {"type": "integer", "minimum": 0},
          "version": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var (
	compileOnce sync.Once
	compiled    *gojsonschema.Schema
	compileErr  error
)

func documentValidator() (*gojsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled, compileErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	})
	return compiled, compileErr
}

// Export copies every stored record into a snapshot
func Export(ctx context.Context, svc *progress.Service, userID string) (models.Snapshot, error) {
	recs, err := svc.All(ctx)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to export progress: %w", err)
	}
	if recs == nil {
		recs = []models.ProgressRecord{}
	}
	return models.Snapshot{
		SchemaVersion: FormatVersion,
		ExportedAt:    models.NormalizeTime(svc.Now()),
		UserID:        userID,
		Records:       recs,
	}, nil
}

// Import merges a snapshot into the local store, last writer wins. Records
// that change are queued for upload. It returns how many changed.
func Import(ctx context.Context, svc *progress.Service, snap models.Snapshot) (int, error) {
	if err := Check(snap); err != nil {
		return 0, err
	}
	n, err := svc.Merge(ctx, snap.Records)
	if err != nil {
		return 0, fmt.Errorf("failed to import snapshot: %w", err)
	}
	return n, nil
}

// Check validates a decoded snapshot
func Check(snap models.Snapshot) error {
	if snap.SchemaVersion < 1 || snap.SchemaVersion > FormatVersion {
		return fmt.Errorf("%w: unsupported schema version %d", ErrInvalid, snap.SchemaVersion)
	}
	seen := make(map[string]bool, len(snap.Records))
	for _, rec := range snap.Records {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if seen[rec.ItemID] {
			return fmt.Errorf("%w: duplicate item %s", ErrInvalid, rec.ItemID)
		}
		seen[rec.ItemID] = true
	}
	return nil
}

// Write encodes snap as indented JSON
func Write(w io.Writer, snap models.Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// Read decodes a snapshot after validating it against the document schema
func Read(r io.Reader) (models.Snapshot, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	validator, err := documentValidator()
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("invalid snapshot schema: %w", err)
	}
	result, err := validator.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		if len(errs) > 3 {
			errs = append(errs[:3], fmt.Sprintf("... and %d more", len(errs)-3))
		}
		return models.Snapshot{}, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}

	var snap models.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := Check(snap); err != nil {
		return models.Snapshot{}, err
	}
	return snap, nil
}
