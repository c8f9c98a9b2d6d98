package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MasteryLevel is the ordinal bucket summarizing how well a learner knows an item
type MasteryLevel int

const (
	NotStarted MasteryLevel = iota
	Learning
	Familiar
	Comfortable
	Mastered
	Expert
)

// MasteryLevelCount is the number of defined mastery levels
const MasteryLevelCount = int(Expert) + 1

var masteryNames = [...]string{"NotStarted", "Learning", "Familiar", "Comfortable", "Mastered", "Expert"}

func (l MasteryLevel) String() string {
	if l.Valid() {
		return masteryNames[l]
	}
	return fmt.Sprintf("MasteryLevel(%d)", int(l))
}

// Valid reports whether the level is inside NotStarted..Expert
func (l MasteryLevel) Valid() bool {
	return l >= NotStarted && l <= Expert
}

// Clamp forces the level into the valid range
func (l MasteryLevel) Clamp() MasteryLevel {
	if l < NotStarted {
		return NotStarted
	}
	if l > Expert {
		return Expert
	}
	return l
}

// ParseMasteryLevel parses a level name as produced by String
func ParseMasteryLevel(s string) (MasteryLevel, error) {
	for i, name := range masteryNames {
		if name == s {
			return MasteryLevel(i), nil
		}
	}
	return NotStarted, fmt.Errorf("unknown mastery level %q", s)
}

// ProgressRecord is the learning state of one learnable item (word, character, ...)
type ProgressRecord struct {
	ItemID         string       `json:"itemId"`
	MasteryLevel   MasteryLevel `json:"masteryLevel"`
	Streak         int          `json:"streak"`
	CorrectCount   int          `json:"correctCount"`
	IncorrectCount int          `json:"incorrectCount"`
	LastReviewedAt time.Time    `json:"lastReviewedAt"`
	NextReviewAt   time.Time    `json:"nextReviewAt"`
	Version        int64        `json:"version"`
}

// NewProgressRecord returns the lazily created NotStarted record for an item
func NewProgressRecord(itemID string, now time.Time) ProgressRecord {
	now = NormalizeTime(now)
	return ProgressRecord{
		ItemID:         itemID,
		MasteryLevel:   NotStarted,
		LastReviewedAt: now,
		NextReviewAt:   now,
	}
}

// Attempts is the number of answers recorded for the item
func (p ProgressRecord) Attempts() int {
	return p.CorrectCount + p.IncorrectCount
}

// IsDue reports whether the item should be reviewed at now. NotStarted
// items are always due, whatever date they carry.
func (p ProgressRecord) IsDue(now time.Time) bool {
	return p.MasteryLevel == NotStarted || !p.NextReviewAt.After(now)
}

// SameState compares every field except Version
func (p ProgressRecord) SameState(o ProgressRecord) bool {
	return p.ItemID == o.ItemID &&
		p.MasteryLevel == o.MasteryLevel &&
		p.Streak == o.Streak &&
		p.CorrectCount == o.CorrectCount &&
		p.IncorrectCount == o.IncorrectCount &&
		p.LastReviewedAt.Equal(o.LastReviewedAt) &&
		p.NextReviewAt.Equal(o.NextReviewAt)
}

// Validate checks the record invariants
func (p ProgressRecord) Validate() error {
	switch {
	case p.ItemID == "":
		return fmt.Errorf("progress record: empty item id")
	case !p.MasteryLevel.Valid():
		return fmt.Errorf("progress record %s: mastery level %d out of range", p.ItemID, int(p.MasteryLevel))
	case p.Streak < 0 || p.CorrectCount < 0 || p.IncorrectCount < 0:
		return fmt.Errorf("progress record %s: negative counter", p.ItemID)
	case p.Streak > p.CorrectCount:
		return fmt.Errorf("progress record %s: streak %d exceeds correct count %d", p.ItemID, p.Streak, p.CorrectCount)
	case p.NextReviewAt.Before(p.LastReviewedAt):
		return fmt.Errorf("progress record %s: next review before last review", p.ItemID)
	case p.Version < 0:
		return fmt.Errorf("progress record %s: negative version", p.ItemID)
	}
	return nil
}

// progressJSON is the stored form: timestamps as Unix milliseconds so the
// store indexes compare them numerically.
type progressJSON struct {
	ItemID         string       `json:"itemId"`
	MasteryLevel   MasteryLevel `json:"masteryLevel"`
	Streak         int          `json:"streak"`
	CorrectCount   int          `json:"correctCount"`
	IncorrectCount int          `json:"incorrectCount"`
	LastReviewedAt int64        `json:"lastReviewedAt"`
	NextReviewAt   int64        `json:"nextReviewAt"`
	Version        int64        `json:"version"`
}

func (p ProgressRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(progressJSON{
		ItemID:         p.ItemID,
		MasteryLevel:   p.MasteryLevel,
		Streak:         p.Streak,
		CorrectCount:   p.CorrectCount,
		IncorrectCount: p.IncorrectCount,
		LastReviewedAt: ToMillis(p.LastReviewedAt),
		NextReviewAt:   ToMillis(p.NextReviewAt),
		Version:        p.Version,
	})
}

func (p *ProgressRecord) UnmarshalJSON(data []byte) error {
	var raw progressJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = ProgressRecord{
		ItemID:         raw.ItemID,
		MasteryLevel:   raw.MasteryLevel,
		Streak:         raw.Streak,
		CorrectCount:   raw.CorrectCount,
		IncorrectCount: raw.IncorrectCount,
		LastReviewedAt: FromMillis(raw.LastReviewedAt),
		NextReviewAt:   FromMillis(raw.NextReviewAt),
		Version:        raw.Version,
	}
	return nil
}

// NormalizeTime truncates t to the millisecond precision used in storage
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// ToMillis converts t to Unix milliseconds; the zero time maps to 0
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of ToMillis
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
