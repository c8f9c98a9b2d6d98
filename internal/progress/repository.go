package progress

import (
	"fmt"
	"time"

	"github.com/example/engprogress/internal/database"
	"github.com/example/engprogress/internal/schema"
	"github.com/example/engprogress/pkg/models"
)

// Repository handles store operations for progress records. Every method
// runs inside a transaction owned by the caller.
type Repository struct{}

// NewRepository creates a new repository instance
func NewRepository() *Repository {
	return &Repository{}
}

// Get returns the record of an item, database.ErrNotFound when it was never answered
func (r *Repository) Get(tx *database.Txn, itemID string) (models.ProgressRecord, error) {
	var rec models.ProgressRecord
	if err := tx.Get(schema.Progress, itemID, &rec); err != nil {
		return models.ProgressRecord{}, fmt.Errorf("failed to get progress: %w", err)
	}
	return rec, nil
}

// Find is Get that reports a missing record with found=false
func (r *Repository) Find(tx *database.Txn, itemID string) (rec models.ProgressRecord, found bool, err error) {
	rec, err = r.Get(tx, itemID)
	switch {
	case err == nil:
		return rec, true, nil
	case isNotFound(err):
		return models.ProgressRecord{}, false, nil
	}
	return models.ProgressRecord{}, false, err
}

// Put validates and stores a record
func (r *Repository) Put(tx *database.Txn, rec models.ProgressRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if _, err := tx.Put(schema.Progress, rec); err != nil {
		return fmt.Errorf("failed to save progress: %w", err)
	}
	return nil
}

// Delete removes the record of an item
func (r *Repository) Delete(tx *database.Txn, itemID string) error {
	if err := tx.Delete(schema.Progress, itemID); err != nil {
		return fmt.Errorf("failed to delete progress: %w", err)
	}
	return nil
}

// All returns every record ordered by item id
func (r *Repository) All(tx *database.Txn) ([]models.ProgressRecord, error) {
	c, err := tx.ScanIndex(schema.Progress, database.PrimaryIndex, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	defer c.Close()
	return database.Collect[models.ProgressRecord](c)
}

func (r *Repository) scan(tx *database.Txn, index string, kr *database.KeyRange) ([]models.ProgressRecord, error) {
	c, err := tx.ScanIndex(schema.Progress, index, kr)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return database.Collect[models.ProgressRecord](c)
}

// DueBy returns the records whose next review is at or before now, plus
// every NotStarted record. The result is unordered.
func (r *Repository) DueBy(tx *database.Txn, now time.Time) ([]models.ProgressRecord, error) {
	due, err := r.scan(tx, schema.ByNextReview, database.UpperBound(models.ToMillis(now), false))
	if err != nil {
		return nil, fmt.Errorf("failed to get due items: %w", err)
	}
	fresh, err := r.scan(tx, schema.ByMastery, database.Only(int(models.NotStarted)))
	if err != nil {
		return nil, fmt.Errorf("failed to get new items: %w", err)
	}
	seen := make(map[string]bool, len(due))
	for _, rec := range due {
		seen[rec.ItemID] = true
	}
	for _, rec := range fresh {
		if !seen[rec.ItemID] {
			due = append(due, rec)
		}
	}
	return due, nil
}

// CountDue counts the records DueBy would return
func (r *Repository) CountDue(tx *database.Txn, now time.Time) (int, error) {
	due, err := r.DueBy(tx, now)
	return len(due), err
}

// CountByLevel counts the records at each mastery level
func (r *Repository) CountByLevel(tx *database.Txn) ([models.MasteryLevelCount]int, error) {
	var out [models.MasteryLevelCount]int
	for l := models.NotStarted; l <= models.Expert; l++ {
		n, err := tx.Count(schema.Progress, schema.ByMastery, database.Only(int(l)))
		if err != nil {
			return out, fmt.Errorf("failed to count %s items: %w", l, err)
		}
		out[l] = n
	}
	return out, nil
}

// Clear removes every record
func (r *Repository) Clear(tx *database.Txn) error {
	return tx.Clear(schema.Progress)
}
