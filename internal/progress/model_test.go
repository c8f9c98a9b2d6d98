package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/engprogress/pkg/models"
)

var t0 = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

const day = 24 * time.Hour

func TestFirstCorrectAnswer(t *testing.T) {
	m := NewModel()
	rec := m.RecordAnswer(models.NewProgressRecord("w1", t0), true, t0)

	assert.Equal(t, 1, rec.Streak)
	assert.Equal(t, 1, rec.CorrectCount)
	assert.Zero(t, rec.IncorrectCount)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, t0, rec.LastReviewedAt)
	assert.Equal(t, models.NotStarted, rec.MasteryLevel)
	assert.Equal(t, t0, rec.NextReviewAt)

	rec = m.RecordAnswer(rec, true, t0)
	assert.Equal(t, 2, rec.Streak)
	assert.Equal(t, models.Learning, rec.MasteryLevel)
	assert.Equal(t, t0.Add(day), rec.NextReviewAt)
}

func TestLevelHoldsUntilThreshold(t *testing.T) {
	m := NewModel()
	for level := models.NotStarted; level < models.Expert; level++ {
		threshold := m.Thresholds[level]
		for streak := 0; streak < threshold+2; streak++ {
			rec := models.ProgressRecord{ItemID: "w", MasteryLevel: level, Streak: streak, CorrectCount: streak}
			got := m.RecordAnswer(rec, true, t0)
			assert.Equal(t, streak+1, got.Streak)
			if streak+1 >= threshold {
				assert.Equal(t, level+1, got.MasteryLevel, "level %s streak %d", level, streak+1)
			} else {
				assert.Equal(t, level, got.MasteryLevel, "level %s streak %d", level, streak+1)
			}
		}
	}
}

func TestExpertIsCapped(t *testing.T) {
	m := NewModel()
	rec := models.ProgressRecord{ItemID: "w", MasteryLevel: models.Expert, Streak: 40, CorrectCount: 40}
	got := m.RecordAnswer(rec, true, t0)
	assert.Equal(t, models.Expert, got.MasteryLevel)
	assert.Equal(t, t0.Add(30*day), got.NextReviewAt)
}

func TestPromotionScenario(t *testing.T) {
	m := NewModel()
	rec := models.ProgressRecord{
		ItemID:         "w1",
		MasteryLevel:   models.Familiar,
		Streak:         1,
		CorrectCount:   4,
		LastReviewedAt: t0.Add(-day),
		NextReviewAt:   t0.Add(3 * day),
		Version:        7,
	}

	rec = m.RecordAnswer(rec, true, t0)
	assert.Equal(t, models.Familiar, rec.MasteryLevel)
	rec = m.RecordAnswer(rec, true, t0)

	assert.Equal(t, 3, rec.Streak)
	assert.Equal(t, models.Comfortable, rec.MasteryLevel)
	assert.Equal(t, t0.Add(7*day), rec.NextReviewAt)
	assert.Equal(t, int64(9), rec.Version)
	assert.True(t, m.IsLearned(rec))
}

func TestIncorrectAnswerNeverPushesReviewLater(t *testing.T) {
	m := NewModel()
	previous := []time.Duration{-2 * day, 0, time.Hour, day, 5 * day, 60 * day}
	for level := models.NotStarted; level <= models.Expert; level++ {
		for _, p := range previous {
			rec := models.ProgressRecord{
				ItemID:         "w",
				MasteryLevel:   level,
				Streak:         2,
				CorrectCount:   2,
				LastReviewedAt: t0.Add(-3 * day),
				NextReviewAt:   t0.Add(p),
			}
			got := m.RecordAnswer(rec, false, t0)

			assert.Zero(t, got.Streak)
			assert.Equal(t, 1, got.IncorrectCount)
			assert.Equal(t, (level - 1).Clamp(), got.MasteryLevel)
			assert.False(t, got.NextReviewAt.After(m.Scheduler.NextReviewAt(level, t0)),
				"miss at %s scheduled later than the level's own interval", level)
			if p > 0 {
				assert.False(t, got.NextReviewAt.After(rec.NextReviewAt), "miss pushed %s review later", level)
			}
			assert.False(t, got.NextReviewAt.Before(got.LastReviewedAt))
		}
	}
}

func TestAnswerSequenceKeepsInvariants(t *testing.T) {
	m := NewModel()
	answers := []bool{true, true, false, true, true, true, false, false, true, true, true, true, true, true, true}
	rec := models.NewProgressRecord("w1", t0)
	now := t0
	for i, ok := range answers {
		before := rec
		rec = m.RecordAnswer(rec, ok, now)
		require.NoError(t, rec.Validate(), "after answer %d", i)
		assert.Equal(t, i+1, rec.Attempts())
		assert.Equal(t, before.Version+1, rec.Version)
		if ok {
			assert.Equal(t, before.Streak+1, rec.Streak)
		} else {
			assert.Zero(t, rec.Streak)
		}
		now = now.Add(13 * time.Hour)
	}
}

func TestRecordAnswerNormalizesTime(t *testing.T) {
	m := NewModel()
	local := time.FixedZone("X", 3*3600)
	now := time.Date(2024, 3, 1, 12, 30, 0, 123456789, local)

	rec := m.RecordAnswer(models.NewProgressRecord("w1", now), false, now)
	assert.Equal(t, time.UTC, rec.LastReviewedAt.Location())
	assert.Equal(t, 123000000, rec.LastReviewedAt.Nanosecond())
}

func TestRecordAnswerDoesNotModifyInput(t *testing.T) {
	m := NewModel()
	rec := models.ProgressRecord{ItemID: "w1", MasteryLevel: models.Learning, Streak: 1, CorrectCount: 1}
	copyOf := rec
	m.RecordAnswer(rec, true, t0)
	assert.Equal(t, copyOf, rec)
}

func TestIsLearned(t *testing.T) {
	m := NewModel()
	assert.False(t, m.IsLearned(models.ProgressRecord{MasteryLevel: models.Familiar}))
	assert.True(t, m.IsLearned(models.ProgressRecord{MasteryLevel: models.Comfortable}))

	m.LearnedLevel = models.Expert
	assert.False(t, m.IsLearned(models.ProgressRecord{MasteryLevel: models.Mastered}))
}

func TestResolve(t *testing.T) {
	local := models.ProgressRecord{ItemID: "w", MasteryLevel: models.Learning, Version: 3}
	remote := models.ProgressRecord{ItemID: "w", MasteryLevel: models.Familiar, Version: 5}

	got, conflict := Resolve(local, remote)
	assert.Equal(t, remote, got)
	assert.Nil(t, conflict)

	got, conflict = Resolve(remote, local)
	assert.Equal(t, remote, got)
	assert.Nil(t, conflict)

	same := local
	got, conflict = Resolve(local, same)
	assert.Equal(t, same, got)
	assert.Nil(t, conflict)

	tie := remote
	tie.Version = local.Version
	got, conflict = Resolve(local, tie)
	assert.Equal(t, tie, got, "ties go to the remote copy")
	require.NotNil(t, conflict)
	assert.Equal(t, "w", conflict.ItemID)
	assert.Equal(t, int64(3), conflict.Version)
}
