package spaced_repetition

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/example/engprogress/pkg/models"
)

const day = 24 * time.Hour

// DefaultIntervals is the review interval per mastery level
var DefaultIntervals = [models.MasteryLevelCount]time.Duration{
	0,       // NotStarted: due immediately
	1 * day, // Learning
	3 * day, // Familiar
	7 * day, // Comfortable
	14 * day,
	30 * day,
}

// Scheduler decides when an item is due again. It is pure: the same
// inputs always produce the same schedule.
type Scheduler struct {
	Intervals [models.MasteryLevelCount]time.Duration
}

// NewScheduler creates a scheduler with the default interval table
func NewScheduler() *Scheduler {
	return &Scheduler{Intervals: DefaultIntervals}
}

// NewSchedulerFromIntervals builds a scheduler from one interval per level.
// An empty table selects the defaults.
func NewSchedulerFromIntervals(intervals []time.Duration) (*Scheduler, error) {
	if len(intervals) == 0 {
		return NewScheduler(), nil
	}
	if len(intervals) != models.MasteryLevelCount {
		return nil, fmt.Errorf("scheduler: need %d intervals, got %d", models.MasteryLevelCount, len(intervals))
	}
	s := &Scheduler{}
	copy(s.Intervals[:], intervals)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects tables where a higher level would be reviewed sooner
// than a lower one.
func (s *Scheduler) Validate() error {
	if s.Intervals[0] != 0 {
		return fmt.Errorf("scheduler: %s items must be due immediately", models.NotStarted)
	}
	for i := 1; i < len(s.Intervals); i++ {
		if s.Intervals[i] < s.Intervals[i-1] {
			return fmt.Errorf("scheduler: interval for %s (%s) is shorter than for %s (%s)",
				models.MasteryLevel(i), s.Intervals[i], models.MasteryLevel(i-1), s.Intervals[i-1])
		}
	}
	return nil
}

// Interval returns the review interval of a level; out of range levels are clamped
func (s *Scheduler) Interval(level models.MasteryLevel) time.Duration {
	return s.Intervals[level.Clamp()]
}

// NextReviewAt is when an item at level, reviewed at now, is due again
func (s *Scheduler) NextReviewAt(level models.MasteryLevel, now time.Time) time.Time {
	return models.NormalizeTime(now).Add(s.Interval(level))
}

// compareDue orders due items: earliest due date first, then the weakest
// level, then item id so the order is total.
func compareDue(a, b models.ProgressRecord) int {
	if c := a.NextReviewAt.Compare(b.NextReviewAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.MasteryLevel, b.MasteryLevel); c != 0 {
		return c
	}
	return cmp.Compare(a.ItemID, b.ItemID)
}

// DueSet yields the records due at now in review order. The input slice is
// not modified.
func (s *Scheduler) DueSet(records []models.ProgressRecord, now time.Time) iter.Seq[models.ProgressRecord] {
	due := make([]models.ProgressRecord, 0, len(records))
	for _, r := range records {
		if r.IsDue(now) {
			due = append(due, r)
		}
	}
	slices.SortFunc(due, compareDue)
	return func(yield func(models.ProgressRecord) bool) {
		for _, r := range due {
			if !yield(r) {
				return
			}
		}
	}
}

// NextDue returns at most limit due records; limit <= 0 means all
func (s *Scheduler) NextDue(records []models.ProgressRecord, now time.Time, limit int) []models.ProgressRecord {
	var out []models.ProgressRecord
	for r := range s.DueSet(records, now) {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, r)
	}
	return out
}
