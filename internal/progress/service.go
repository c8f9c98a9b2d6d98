// Package progress records answers, keeps per-item learning state and
// answers "what is due now". Every write to a record enqueues the record for
// upload in the same transaction.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/engprogress/internal/database"
	"github.com/example/engprogress/internal/logger"
	"github.com/example/engprogress/internal/queue"
	"github.com/example/engprogress/internal/schema"
	"github.com/example/engprogress/pkg/models"
)

var writeScope = []string{schema.Progress, schema.PendingMutations}

func isNotFound(err error) bool {
	return errors.Is(err, database.ErrNotFound)
}

// Service is the transactional API over progress records. It is safe for
// concurrent use.
type Service struct {
	h     *database.Handle
	model *Model
	repo  *Repository
	queue *queue.Queue
	log   *logger.Logger
	now   func() time.Time
}

// ServiceOption tunes a Service
type ServiceOption func(*Service)

// WithClock overrides the clock used to timestamp answers
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService wires a service on an open handle. model may be nil for the defaults.
func NewService(h *database.Handle, model *Model, q *queue.Queue, log *logger.Logger, opts ...ServiceOption) *Service {
	if model == nil {
		model = NewModel()
	}
	s := &Service{
		h:     h,
		model: model,
		repo:  NewRepository(),
		queue: q,
		log:   logger.OrNop(log).With("component", "progress"),
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Model returns the model used to apply answers
func (s *Service) Model() *Model {
	return s.model
}

// Now is the service clock
func (s *Service) Now() time.Time {
	return s.now()
}

// Queue returns the mutation queue fed by this service
func (s *Service) Queue() *queue.Queue {
	return s.queue
}

func (s *Service) enqueue(tx *database.Txn, rec models.ProgressRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", rec.ItemID, err)
	}
	_, err = s.queue.Enqueue(tx, rec.ItemID, payload)
	return err
}

// RecordAnswer applies one answer to an item and queues the result for
// upload. An item that was never answered starts as NotStarted.
func (s *Service) RecordAnswer(ctx context.Context, itemID string, isCorrect bool) (models.ProgressRecord, error) {
	if itemID == "" {
		return models.ProgressRecord{}, errors.New("progress: empty item id")
	}
	now := s.now()
	var out models.ProgressRecord
	err := s.h.Update(ctx, writeScope, func(tx *database.Txn) error {
		rec, found, err := s.repo.Find(tx, itemID)
		if err != nil {
			return err
		}
		if !found {
			rec = models.NewProgressRecord(itemID, now)
		}
		out = s.model.RecordAnswer(rec, isCorrect, now)
		if err := s.repo.Put(tx, out); err != nil {
			return err
		}
		return s.enqueue(tx, out)
	})
	if err != nil {
		return models.ProgressRecord{}, fmt.Errorf("failed to record answer for %s: %w", itemID, err)
	}
	s.log.Debug("answer recorded", "item", itemID, "correct", isCorrect, "level", out.MasteryLevel.String(), "version", out.Version)
	return out, nil
}

// Get returns the record of an item. Items never answered are reported
// with database.ErrNotFound.
func (s *Service) Get(ctx context.Context, itemID string) (models.ProgressRecord, error) {
	var rec models.ProgressRecord
	err := s.h.View(ctx, []string{schema.Progress}, func(tx *database.Txn) error {
		var err error
		rec, err = s.repo.Get(tx, itemID)
		return err
	})
	return rec, err
}

// GetOrNew returns the stored record or a fresh NotStarted one
func (s *Service) GetOrNew(ctx context.Context, itemID string) (models.ProgressRecord, error) {
	rec, err := s.Get(ctx, itemID)
	if isNotFound(err) {
		return models.NewProgressRecord(itemID, s.now()), nil
	}
	return rec, err
}

// All returns every stored record ordered by item id
func (s *Service) All(ctx context.Context) ([]models.ProgressRecord, error) {
	var out []models.ProgressRecord
	err := s.h.View(ctx, []string{schema.Progress}, func(tx *database.Txn) error {
		var err error
		out, err = s.repo.All(tx)
		return err
	})
	return out, err
}

// Due returns up to limit items due now in review order; limit <= 0 returns all
func (s *Service) Due(ctx context.Context, limit int) ([]models.ProgressRecord, error) {
	now := s.now()
	var due []models.ProgressRecord
	err := s.h.View(ctx, []string{schema.Progress}, func(tx *database.Txn) error {
		var err error
		due, err = s.repo.DueBy(tx, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.model.Scheduler.NextDue(due, now, limit), nil
}

// Stats summarizes the store
func (s *Service) Stats(ctx context.Context) (models.Statistics, error) {
	now := s.now()
	stats := models.Statistics{GeneratedAt: models.NormalizeTime(now), ByLevel: make(map[string]int)}
	err := s.h.View(ctx, writeScope, func(tx *database.Txn) error {
		levels, err := s.repo.CountByLevel(tx)
		if err != nil {
			return err
		}
		for l, n := range levels {
			level := models.MasteryLevel(l)
			stats.ByLevel[level.String()] = n
			stats.Total += n
			if level >= s.model.LearnedLevel {
				stats.Learned += n
			}
		}
		if stats.Due, err = s.repo.CountDue(tx, now); err != nil {
			return err
		}
		all, err := s.repo.All(tx)
		if err != nil {
			return err
		}
		for _, rec := range all {
			stats.CorrectCount += rec.CorrectCount
			stats.IncorrectCount += rec.IncorrectCount
		}
		stats.Pending, err = tx.Count(schema.PendingMutations, schema.BySynced, database.Only(false))
		return err
	})
	return stats, err
}

// Save stores a record written by this installation and queues it for
// upload. The stored version always grows, whatever version rec carries.
func (s *Service) Save(ctx context.Context, rec models.ProgressRecord) (models.ProgressRecord, error) {
	var out models.ProgressRecord
	err := s.h.Update(ctx, writeScope, func(tx *database.Txn) error {
		var err error
		out, err = s.save(tx, rec)
		return err
	})
	return out, err
}

func (s *Service) save(tx *database.Txn, rec models.ProgressRecord) (models.ProgressRecord, error) {
	stored, found, err := s.repo.Find(tx, rec.ItemID)
	if err != nil {
		return rec, err
	}
	switch {
	case found && rec.Version <= stored.Version:
		rec.Version = stored.Version + 1
	case rec.Version < 1:
		rec.Version = 1
	}
	if err := s.repo.Put(tx, rec); err != nil {
		return rec, err
	}
	return rec, s.enqueue(tx, rec)
}

// Merge folds records from another source (a guest snapshot) into the
// store with last-writer-wins. Records that win are saved with a version
// newer than the local one and queued for upload. It returns how many
// records changed.
func (s *Service) Merge(ctx context.Context, incoming []models.ProgressRecord) (int, error) {
	changed := 0
	err := s.h.Update(ctx, writeScope, func(tx *database.Txn) error {
		changed = 0
		for _, rec := range incoming {
			if err := rec.Validate(); err != nil {
				return err
			}
			local, found, err := s.repo.Find(tx, rec.ItemID)
			if err != nil {
				return err
			}
			if found {
				winner, conflict := Resolve(local, rec)
				if conflict != nil {
					s.log.Warn("merge conflict, incoming copy wins", "item", conflict.ItemID, "version", conflict.Version)
				}
				if winner.SameState(local) {
					continue
				}
			}
			if _, err := s.save(tx, rec); err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	return changed, err
}

// Adopt stores records accepted from the remote verbatim and drops any
// queued upload for them, which the remote copy supersedes. A record whose
// local copy became newer in the meantime is left alone, and so is an
// invalid one.
func (s *Service) Adopt(ctx context.Context, recs ...models.ProgressRecord) error {
	if len(recs) == 0 {
		return nil
	}
	err := s.h.Update(ctx, writeScope, func(tx *database.Txn) error {
		for _, rec := range recs {
			if err := rec.Validate(); err != nil {
				s.log.Warn("invalid remote record, not adopted", "item", rec.ItemID, "error", err)
				continue
			}
			local, found, err := s.repo.Find(tx, rec.ItemID)
			if err != nil {
				return err
			}
			if found && local.Version > rec.Version {
				s.log.Debug("local copy newer than remote, not adopted", "item", rec.ItemID, "local", local.Version, "remote", rec.Version)
				continue
			}
			if err := s.repo.Put(tx, rec); err != nil {
				return err
			}
			if err := s.queue.Clear(tx, rec.ItemID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to adopt remote progress: %w", err)
	}
	return nil
}

// Requeue queues the current local copy of items for upload without
// changing them. Items deleted meanwhile are skipped.
func (s *Service) Requeue(ctx context.Context, itemIDs ...string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	return s.h.Update(ctx, writeScope, func(tx *database.Txn) error {
		for _, id := range itemIDs {
			rec, found, err := s.repo.Find(tx, id)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			if err := s.enqueue(tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// ResetData deletes all progress and every queued upload
func (s *Service) ResetData(ctx context.Context) error {
	err := s.h.Update(ctx, writeScope, func(tx *database.Txn) error {
		if err := s.repo.Clear(tx); err != nil {
			return err
		}
		return s.queue.ClearAll(tx)
	})
	if err != nil {
		return fmt.Errorf("failed to reset progress: %w", err)
	}
	s.log.Info("progress data reset")
	return nil
}
