// Package recorder turns committed settings revisions into history records and
// critical-change alerts off the request path.
package recorder

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/transitops/opsadmin/internal/alerts"
	"github.com/transitops/opsadmin/internal/history"
	"github.com/transitops/opsadmin/internal/settings"
)

// Defaults for Options
const (
	DefaultQueueSize   = 256
	DefaultWorkers     = 2
	DefaultTaskTimeout = 10 * time.Second
)

// Ledger is the subset of history.Manager used here
type Ledger interface {
	Append(ctx context.Context, r *history.Record) error
}

// Detector is the subset of alerts.Detector used here
type Detector interface {
	Check(ctx context.Context, changes []settings.Change, origin alerts.Origin) *alerts.Alert
}

// Observer is notified about queue activity, typically to update metrics
type Observer interface {
	TaskDropped()
	QueueDepth(n int)
}

// Options configures the worker pool
type Options struct {
	QueueSize   int
	Workers     int
	TaskTimeout time.Duration
}

type task struct {
	revision  *settings.Revision
	origin    alerts.Origin
	reset     bool
	alertOnly bool
}

// Recorder is a bounded queue drained by a fixed worker pool. Delivery is
// best-effort: a full queue drops the task and failures are only logged.
type Recorder struct {
	ledger   Ledger
	detector Detector
	observer Observer
	logger   *logrus.Logger
	opts     Options

	mu     sync.RWMutex
	closed bool
	queue  chan task
	wg     sync.WaitGroup
}

// New creates a recorder; call Start to launch the workers
func New(ledger Ledger, detector Detector, logger *logrus.Logger, opts Options) *Recorder {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	return &Recorder{
		ledger:   ledger,
		detector: detector,
		logger:   logger,
		opts:     opts,
		queue:    make(chan task, opts.QueueSize),
	}
}

// SetObserver registers a metrics observer
func (r *Recorder) SetObserver(o Observer) {
	r.observer = o
}

// Start launches the workers
func (r *Recorder) Start() {
	for i := 0; i < r.opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	r.logger.WithFields(logrus.Fields{
		"workers":    r.opts.Workers,
		"queue_size": r.opts.QueueSize,
	}).Info("Settings change recorder started")
}

// Commit queues a revision. Revisions without changes are ignored. It never
// blocks and reports whether the task was accepted.
func (r *Recorder) Commit(rev *settings.Revision, origin alerts.Origin) bool {
	if rev == nil || !rev.Changed() {
		return false
	}
	return r.enqueue(task{revision: rev, origin: origin})
}

// CommitAlert queues only the critical-change check for a revision whose
// history has already been written
func (r *Recorder) CommitAlert(rev *settings.Revision, origin alerts.Origin) bool {
	if rev == nil || !rev.Changed() {
		return false
	}
	return r.enqueue(task{revision: rev, origin: origin, alertOnly: true})
}

// CommitReset queues the sentinel record for a whole-store reset
func (r *Recorder) CommitReset(origin alerts.Origin) bool {
	return r.enqueue(task{origin: origin, reset: true})
}

func (r *Recorder) enqueue(t task) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.logger.Warn("Settings change recorder closed, dropping history task")
		r.dropped()
		return false
	}

	select {
	case r.queue <- t:
		if r.observer != nil {
			r.observer.QueueDepth(len(r.queue))
		}
		return true
	default:
		r.logger.WithFields(logrus.Fields{
			"actor_id":   t.origin.ActorID,
			"queue_size": r.opts.QueueSize,
		}).Warn("Settings change recorder queue full, dropping history task")
		r.dropped()
		return false
	}
}

func (r *Recorder) dropped() {
	if r.observer != nil {
		r.observer.TaskDropped()
	}
}

// Close stops accepting tasks and waits for queued ones to finish
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("Settings change recorder stopped")
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for t := range r.queue {
		r.process(t)
	}
}

func (r *Recorder) process(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.TaskTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			r.logger.WithField("panic", p).Error("Settings change recorder task panicked")
		}
	}()

	if t.reset {
		r.append(ctx, &history.Record{
			Key:       history.AllSettingsKey,
			Category:  history.SystemCategory,
			OldValue:  json.RawMessage(history.ResetOldValue),
			NewValue:  json.RawMessage(history.ResetNewValue),
			ChangedBy: t.origin.ActorID,
			Reason:    t.origin.Reason,
			IPAddress: t.origin.IPAddress,
			UserAgent: t.origin.UserAgent,
		})
		return
	}

	if t.alertOnly {
		if r.detector != nil {
			r.detector.Check(ctx, t.revision.Changes, t.origin)
		}
		return
	}

	changedAt := t.revision.After.LastUpdated
	for _, c := range t.revision.Changes {
		r.append(ctx, &history.Record{
			Key:       c.Key,
			Category:  string(c.Category),
			OldValue:  c.OldValue,
			NewValue:  c.NewValue,
			ChangedBy: t.origin.ActorID,
			ChangedAt: changedAt,
			Reason:    t.origin.Reason,
			IPAddress: t.origin.IPAddress,
			UserAgent: t.origin.UserAgent,
		})
	}

	if r.detector != nil {
		r.detector.Check(ctx, t.revision.Changes, t.origin)
	}
}

// append logs and swallows ledger failures
func (r *Recorder) append(ctx context.Context, rec *history.Record) {
	if err := r.ledger.Append(ctx, rec); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"key":        rec.Key,
			"changed_by": rec.ChangedBy,
		}).Warn("Dropped settings history record")
	}
}
