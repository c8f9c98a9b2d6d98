// Package excel exports and imports progress snapshots as spreadsheets,
// one row per item, so learners can move or inspect their progress by hand.
package excel

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/example/engprogress/internal/progress"
	"github.com/example/engprogress/internal/snapshot"
	"github.com/example/engprogress/pkg/models"
)

// SheetName is the worksheet written by WriteProgress
const SheetName = "Progress"

var header = []string{"Item", "Level", "Streak", "Correct", "Incorrect", "Last reviewed", "Next review", "Version"}

type Format int

const (
	XLSX Format = iota
	CSV
)

// FormatFor picks the format from a file extension
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return XLSX, nil
	case ".csv":
		return CSV, nil
	}
	return XLSX, fmt.Errorf("unsupported spreadsheet extension %q", filepath.Ext(path))
}

// ImportResult holds the result of an import operation
type ImportResult struct {
	TotalProcessed int
	Merged         int
	Skipped        int
	Errors         []string
}

func row(rec models.ProgressRecord) []string {
	return []string{
		rec.ItemID,
		rec.MasteryLevel.String(),
		strconv.Itoa(rec.Streak),
		strconv.Itoa(rec.CorrectCount),
		strconv.Itoa(rec.IncorrectCount),
		formatTime(rec.LastReviewedAt),
		formatTime(rec.NextReviewAt),
		strconv.FormatInt(rec.Version, 10),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return models.NormalizeTime(t), nil
}

func parseLevel(s string) (models.MasteryLevel, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		l := models.MasteryLevel(n)
		if !l.Valid() {
			return l, fmt.Errorf("mastery level %d out of range", n)
		}
		return l, nil
	}
	return models.ParseMasteryLevel(s)
}

// Helper function to parse a non-negative integer cell, empty meaning 0
func parseCount(s, name string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return n, nil
}

func parseRow(cells []string) (models.ProgressRecord, error) {
	for len(cells) < len(header) {
		cells = append(cells, "")
	}
	rec := models.ProgressRecord{ItemID: strings.TrimSpace(cells[0])}
	if rec.ItemID == "" {
		return rec, fmt.Errorf("item cannot be empty")
	}
	var err error
	if rec.MasteryLevel, err = parseLevel(cells[1]); err != nil {
		return rec, err
	}
	if rec.Streak, err = parseCount(cells[2], "streak"); err != nil {
		return rec, err
	}
	if rec.CorrectCount, err = parseCount(cells[3], "correct count"); err != nil {
		return rec, err
	}
	if rec.IncorrectCount, err = parseCount(cells[4], "incorrect count"); err != nil {
		return rec, err
	}
	if rec.LastReviewedAt, err = parseTime(cells[5]); err != nil {
		return rec, fmt.Errorf("invalid last review time: %w", err)
	}
	if rec.NextReviewAt, err = parseTime(cells[6]); err != nil {
		return rec, fmt.Errorf("invalid next review time: %w", err)
	}
	version, err := parseCount(cells[7], "version")
	if err != nil {
		return rec, err
	}
	rec.Version = int64(version)
	return rec, rec.Validate()
}

func isHeader(cells []string) bool {
	return len(cells) > 0 && strings.EqualFold(strings.TrimSpace(cells[0]), header[0])
}

// WriteProgress writes one row per record, after a header row
func WriteProgress(w io.Writer, format Format, snap models.Snapshot) error {
	if format == CSV {
		cw := csv.NewWriter(w)
		if err := cw.Write(header); err != nil {
			return err
		}
		for _, rec := range snap.Records {
			if err := cw.Write(row(rec)); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	}

	f := excelize.NewFile()
	defer f.Close()
	f.SetSheetName(f.GetSheetName(0), SheetName)
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for i, rec := range snap.Records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		cells := row(rec)
		if err := f.SetSheetRow(SheetName, cell, &cells); err != nil {
			return fmt.Errorf("failed to write %s: %w", rec.ItemID, err)
		}
	}
	if err := f.SetColWidth(SheetName, "A", "A", 24); err != nil {
		return err
	}
	if err := f.SetColWidth(SheetName, "F", "G", 28); err != nil {
		return err
	}
	_, err := f.WriteTo(w)
	return err
}

func readRows(r io.Reader, format Format) ([][]string, error) {
	if format == CSV {
		reader := csv.NewReader(r)
		reader.FieldsPerRecord = -1 // Allow variable number of fields
		reader.TrimLeadingSpace = true
		rows, err := reader.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("error reading CSV: %w", err)
		}
		return rows, nil
	}

	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()
	sheet := f.GetSheetName(0)
	for _, name := range f.GetSheetList() {
		if name == SheetName {
			sheet = name
		}
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to get rows: %w", err)
	}
	return rows, nil
}

// ReadProgress parses rows into records. Rows that do not parse are
// reported in the result and left out of the snapshot.
func ReadProgress(r io.Reader, format Format) (models.Snapshot, *ImportResult, error) {
	rows, err := readRows(r, format)
	if err != nil {
		return models.Snapshot{}, nil, err
	}
	result := &ImportResult{Errors: make([]string, 0)}
	snap := models.Snapshot{SchemaVersion: snapshot.FormatVersion, Records: []models.ProgressRecord{}}
	seen := make(map[string]int)
	for i, cells := range rows {
		if i == 0 && isHeader(cells) {
			continue
		}
		if len(strings.Join(cells, "")) == 0 {
			continue
		}
		result.TotalProcessed++
		rec, err := parseRow(cells)
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: %v", i+1, err))
			continue
		}
		if first, dup := seen[rec.ItemID]; dup {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("Row %d: item %s already on row %d", i+1, rec.ItemID, first))
			continue
		}
		seen[rec.ItemID] = i + 1
		snap.Records = append(snap.Records, rec)
	}
	return snap, result, nil
}

// ExportProgress writes every stored record to path; the extension picks
// the format. It returns the number of rows written.
func ExportProgress(ctx context.Context, svc *progress.Service, path, userID string) (int, error) {
	format, err := FormatFor(path)
	if err != nil {
		return 0, err
	}
	snap, err := snapshot.Export(ctx, svc, userID)
	if err != nil {
		return 0, err
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteProgress(file, format, snap); err != nil {
		file.Close()
		return 0, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return 0, err
	}
	return len(snap.Records), nil
}

// ImportProgress merges the rows of path into the store, last writer wins
func ImportProgress(ctx context.Context, svc *progress.Service, path string) (*ImportResult, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	snap, result, err := ReadProgress(file, format)
	if err != nil {
		return nil, err
	}
	result.Merged, err = snapshot.Import(ctx, svc, snap)
	if err != nil {
		return result, err
	}
	return result, nil
}
