package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/micromdm/nanotask/engine/storage"
	"github.com/micromdm/nanotask/log/logkeys"

	"github.com/micromdm/nanolib/log"
)

const DefaultDuration = time.Minute * 5

// Worker deletes expired tokens on an interval.
type Worker struct {
	storage storage.TokenStorage
	logger  log.Logger
	now     func() time.Time

	// duration is the interval at which the worker will wake up to
	// continue polling the storage backend for data to take action on.
	duration time.Duration
}

type WorkerOption func(w *Worker)

func WithWorkerLogger(logger log.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithWorkerDuration configures the polling interval for the worker.
func WithWorkerDuration(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.duration = d
	}
}

// WithWorkerClock sets the time source used for expiry.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		w.now = now
	}
}

func NewWorker(storage storage.TokenStorage, opts ...WorkerOption) *Worker {
	w := &Worker{
		storage:  storage,
		logger:   log.NopLogger,
		now:      time.Now,
		duration: DefaultDuration,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunOnce runs the processes of the worker and logs errors.
func (w *Worker) RunOnce(ctx context.Context) error {
	n, err := w.storage.DeleteExpiredTokens(ctx, w.now())
	if err != nil {
		return logAndError(fmt.Errorf("deleting expired tokens: %w", err), w.logger, "processing tokens")
	}
	if n > 0 {
		w.logger.Debug(
			logkeys.Message, "deleted expired tokens",
			logkeys.GenericCount, n,
		)
	}
	return nil
}

// Run starts and runs the worker forever on an interval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug(logkeys.Message, "starting worker", "duration", w.duration)

	ticker := time.NewTicker(w.duration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
