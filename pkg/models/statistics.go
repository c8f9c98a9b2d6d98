package models

import "time"

// Statistics summarizes the learner's progress at one point in time
type Statistics struct {
	GeneratedAt    time.Time      `json:"generatedAt" yaml:"generatedAt"`
	Total          int            `json:"total" yaml:"total"`
	Due            int            `json:"due" yaml:"due"`
	Learned        int            `json:"learned" yaml:"learned"`
	ByLevel        map[string]int `json:"byLevel" yaml:"byLevel"`
	CorrectCount   int            `json:"correctCount" yaml:"correctCount"`
	IncorrectCount int            `json:"incorrectCount" yaml:"incorrectCount"`
	Pending        int            `json:"pendingSync" yaml:"pendingSync"`
}

// Accuracy is the share of correct answers, 0 when nothing was answered
func (s Statistics) Accuracy() float64 {
	total := s.CorrectCount + s.IncorrectCount
	if total == 0 {
		return 0
	}
	return float64(s.CorrectCount) / float64(total)
}
