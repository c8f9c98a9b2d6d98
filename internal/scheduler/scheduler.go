package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/example/engprogress/internal/logger"
	"github.com/example/engprogress/internal/progress"
)

// Default notification window
const (
	DefaultNotificationStartHour = 8
	DefaultNotificationEndHour   = 22
)

// Notifier delivers due-item reminders to the learner
type Notifier interface {
	SendReminders(ctx context.Context, count int) error
}

// Syncer is poked by the periodic sync job
type Syncer interface {
	Trigger()
}

type Config struct {
	// SyncInterval is how often a sync is requested; 0 disables the job
	SyncInterval time.Duration
	StartHour    int
	EndHour      int
	// DailyLimit caps the count announced in one reminder; 0 means no cap
	DailyLimit int
}

// Scheduler manages scheduled tasks for the application
type Scheduler struct {
	scheduler *gocron.Scheduler
	svc       *progress.Service
	syncer    Syncer
	notifier  Notifier
	cfg       Config
	log       *logger.Logger
	now       func() time.Time
}

// New creates a new scheduler instance. syncer and notifier may be nil.
func New(svc *progress.Service, syncer Syncer, notifier Notifier, cfg Config, log *logger.Logger) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.Local),
		svc:       svc,
		syncer:    syncer,
		notifier:  notifier,
		cfg:       cfg,
		log:       logger.OrNop(log).With("component", "scheduler"),
		now:       time.Now,
	}
}

// Start begins running all scheduled tasks
func (s *Scheduler) Start() error {
	s.scheduler.SingletonModeAll()
	if s.syncer != nil && s.cfg.SyncInterval > 0 {
		if _, err := s.scheduler.Every(s.cfg.SyncInterval).Do(s.syncer.Trigger); err != nil {
			return fmt.Errorf("failed to schedule sync: %w", err)
		}
	}
	if s.notifier != nil {
		if _, err := s.scheduler.Every(1).Hour().Do(s.checkAndSendReminders); err != nil {
			return fmt.Errorf("failed to schedule reminders: %w", err)
		}
	}
	// Start the scheduler in a non-blocking manner
	s.scheduler.StartAsync()
	s.log.Info("scheduler started", "jobs", len(s.scheduler.Jobs()))
	return nil
}

// Stop terminates all scheduled tasks
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

// InWindow reports whether hour lies inside the notification window. A
// window whose start is after its end wraps past midnight.
func (c Config) InWindow(hour int) bool {
	if c.StartHour <= c.EndHour {
		return hour >= c.StartHour && hour <= c.EndHour
	}
	return hour >= c.StartHour || hour <= c.EndHour
}

func (s *Scheduler) checkAndSendReminders() {
	currentHour := s.now().Hour()
	if !s.cfg.InWindow(currentHour) {
		s.log.Debug("outside notification hours, skipping reminders",
			"hour", currentHour, "start", s.cfg.StartHour, "end", s.cfg.EndHour)
		return
	}
	if _, err := s.RunManualCheck(context.Background()); err != nil {
		s.log.Error("failed to send reminder", "error", err)
	}
}

// RunManualCheck counts the due items and sends a reminder when there are
// any, ignoring the notification window. It returns the announced count.
func (s *Scheduler) RunManualCheck(ctx context.Context) (int, error) {
	if s.notifier == nil {
		return 0, fmt.Errorf("no notifier configured")
	}
	due, err := s.svc.Due(ctx, s.cfg.DailyLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to get due items: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}
	if err := s.notifier.SendReminders(ctx, len(due)); err != nil {
		return 0, err
	}
	s.log.Info("reminder sent", "due", len(due))
	return len(due), nil
}
