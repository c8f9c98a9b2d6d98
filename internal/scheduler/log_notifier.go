package scheduler

import (
	"context"

	"github.com/example/engprogress/internal/logger"
)

// LogNotifier writes reminders to the log when no messenger is configured
type LogNotifier struct {
	Log *logger.Logger
}

func (n LogNotifier) SendReminders(_ context.Context, count int) error {
	logger.OrNop(n.Log).Info("items due for review", "count", count)
	return nil
}
