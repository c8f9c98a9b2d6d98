package progress

import (
	"fmt"
	"time"

	"github.com/example/engprogress/internal/spaced_repetition"
	"github.com/example/engprogress/pkg/models"
)

// DefaultThresholds is the streak needed to leave each level. The streak is
// not reset by a promotion, so the table must not shrink with the level.
var DefaultThresholds = [models.MasteryLevelCount]int{
	models.NotStarted:  2,
	models.Learning:    3,
	models.Familiar:    3,
	models.Comfortable: 6,
	models.Mastered:    10,
	models.Expert:      0,
}

// Model applies answers to progress records. It holds no state besides its
// tuning and is safe for concurrent use.
type Model struct {
	// Thresholds[l] is the streak at which an item at level l is promoted
	Thresholds   [models.MasteryLevelCount]int
	LearnedLevel models.MasteryLevel
	Scheduler    *spaced_repetition.Scheduler
}

// NewModel returns a model with the default thresholds, Comfortable as the
// learned level and the default interval table.
func NewModel() *Model {
	return &Model{
		Thresholds:   DefaultThresholds,
		LearnedLevel: models.Comfortable,
		Scheduler:    spaced_repetition.NewScheduler(),
	}
}

// RecordAnswer returns rec updated with one answer given at now. The input
// record is not modified.
//
// A correct answer extends the streak and promotes one level once the streak
// reaches the level's threshold. A wrong answer resets the streak and demotes
// one level. A miss never pushes the next review later than it already was.
func (m *Model) RecordAnswer(rec models.ProgressRecord, isCorrect bool, now time.Time) models.ProgressRecord {
	now = models.NormalizeTime(now)
	out := rec
	level := rec.MasteryLevel.Clamp()

	if isCorrect {
		out.Streak++
		out.CorrectCount++
		if level < models.Expert && out.Streak >= m.Thresholds[level] {
			level++
		}
	} else {
		out.Streak = 0
		out.IncorrectCount++
		if level > models.NotStarted {
			level--
		}
	}

	out.MasteryLevel = level
	out.LastReviewedAt = now
	out.NextReviewAt = m.Scheduler.NextReviewAt(level, now)
	if !isCorrect && rec.NextReviewAt.After(now) && rec.NextReviewAt.Before(out.NextReviewAt) {
		out.NextReviewAt = rec.NextReviewAt
	}
	out.Version++
	return out
}

// IsLearned reports whether the item reached the learned level
func (m *Model) IsLearned(rec models.ProgressRecord) bool {
	return rec.MasteryLevel >= m.LearnedLevel
}

// Conflict describes two records with the same version and different
// content. The remote copy wins; the conflict is only reported.
type Conflict struct {
	ItemID  string
	Version int64
	Local   models.ProgressRecord
	Remote  models.ProgressRecord
}

func (c *Conflict) String() string {
	return fmt.Sprintf("conflict on %s at version %d", c.ItemID, c.Version)
}

// Resolve picks the winner between a local and a remote copy of the same
// item: the higher version wins, ties go to the remote. A non-nil Conflict
// is returned when a tie hides different content.
func Resolve(local, remote models.ProgressRecord) (models.ProgressRecord, *Conflict) {
	switch {
	case local.Version > remote.Version:
		return local, nil
	case local.Version < remote.Version:
		return remote, nil
	}
	if local.SameState(remote) {
		return remote, nil
	}
	return remote, &Conflict{ItemID: remote.ItemID, Version: remote.Version, Local: local, Remote: remote}
}
