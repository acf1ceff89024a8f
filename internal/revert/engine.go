// Package revert restores the value a past history record replaced.
package revert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/transitops/opsadmin/internal/alerts"
	"github.com/transitops/opsadmin/internal/history"
	"github.com/transitops/opsadmin/internal/settings"
)

// ErrNotRevertible is returned for whole-store reset records
var ErrNotRevertible = errors.New("history record cannot be reverted")

// Store is the subset of settings.Manager used here
type Store interface {
	UpdateSetting(ctx context.Context, key string, value interface{}, actorID string) (*settings.Revision, error)
}

// Ledger is the subset of history.Manager used here
type Ledger interface {
	GetByID(ctx context.Context, id string) (*history.Record, error)
	Append(ctx context.Context, r *history.Record) error
}

// Alerter queues the critical-change check off the request path
type Alerter interface {
	CommitAlert(rev *settings.Revision, origin alerts.Origin) bool
}

// Result describes a completed revert
type Result struct {
	Reverted *history.Record `json:"reverted"`
	Record   *history.Record `json:"record"`
	Value    json.RawMessage `json:"value"`
}

// Engine writes a record's old value back through the settings store and
// appends exactly one new record describing the revert
type Engine struct {
	store   Store
	ledger  Ledger
	alerter Alerter
	logger  *logrus.Logger
}

// NewEngine creates a revert engine; alerter may be nil
func NewEngine(store Store, ledger Ledger, alerter Alerter, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		store:   store,
		ledger:  ledger,
		alerter: alerter,
		logger:  logger,
	}
}

// Revert restores the old value of record id. Values are treated as opaque
// JSON: a nested object is written back whole, never merged. A failure to
// append the revert record is logged and does not undo the write.
func (e *Engine) Revert(ctx context.Context, id string, origin alerts.Origin) (*Result, error) {
	target, err := e.ledger.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if target.Key == history.AllSettingsKey {
		return nil, fmt.Errorf("%w: %s is a reset record", ErrNotRevertible, id)
	}

	var value interface{}
	if err := json.Unmarshal(target.OldValue, &value); err != nil {
		return nil, fmt.Errorf("%w: stored value is not valid JSON", ErrNotRevertible)
	}

	rev, err := e.store.UpdateSetting(ctx, target.Key, value, origin.ActorID)
	if err != nil {
		return nil, err
	}

	record := &history.Record{
		Key:       target.Key,
		Category:  target.Category,
		OldValue:  target.NewValue,
		NewValue:  target.OldValue,
		ChangedBy: origin.ActorID,
		ChangedAt: rev.After.LastUpdated,
		Reason:    "Reverted change from " + target.ChangedAt.UTC().Format(time.RFC3339),
		IPAddress: origin.IPAddress,
		UserAgent: origin.UserAgent,
	}
	if !rev.Changed() {
		record.ChangedAt = time.Time{}
	}
	if err := e.ledger.Append(ctx, record); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"key":         target.Key,
			"reverted_id": target.ID,
		}).Warn("Failed to record settings revert")
	}

	if e.alerter != nil && rev.Changed() {
		origin.Reason = record.Reason
		e.alerter.CommitAlert(rev, origin)
	}

	e.logger.WithFields(logrus.Fields{
		"key":         target.Key,
		"reverted_id": target.ID,
		"actor_id":    origin.ActorID,
	}).Info("Reverted settings change")

	return &Result{
		Reverted: target,
		Record:   record,
		Value:    target.OldValue,
	}, nil
}
