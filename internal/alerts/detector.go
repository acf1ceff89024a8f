package alerts

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/transitops/opsadmin/internal/settings"
)

// Origin describes who made a change and from where
type Origin struct {
	ActorID   string
	Reason    string
	IPAddress string
	UserAgent string
}

// Detector filters committed changes down to critical keys and fans the
// resulting alert out to every notifier
type Detector struct {
	notifiers []Notifier
	observer  Observer
	logger    *logrus.Logger
	now       func() time.Time
}

// NewDetector creates a detector with the given channels
func NewDetector(logger *logrus.Logger, notifiers ...Notifier) *Detector {
	if logger == nil {
		logger = logrus.New()
	}
	return &Detector{
		notifiers: notifiers,
		logger:    logger,
		now:       time.Now,
	}
}

// SetObserver registers a metrics observer
func (d *Detector) SetObserver(o Observer) {
	d.observer = o
}

// Critical returns the subset of changes touching critical keys
func Critical(changes []settings.Change) []ChangedSetting {
	var critical []ChangedSetting
	for _, c := range changes {
		if IsCritical(c.Key) {
			critical = append(critical, ChangedSetting{
				Key:      c.Key,
				OldValue: c.OldValue,
				NewValue: c.NewValue,
			})
		}
	}
	return critical
}

// Check sends at most one alert for the batch and returns it, or nil when no
// critical key changed. Delivery failures are logged and never returned.
func (d *Detector) Check(ctx context.Context, changes []settings.Change, origin Origin) *Alert {
	critical := Critical(changes)
	if len(critical) == 0 {
		return nil
	}

	alert := &Alert{
		Event:     EventCriticalChange,
		Changes:   critical,
		ActorID:   origin.ActorID,
		Reason:    origin.Reason,
		IPAddress: origin.IPAddress,
		UserAgent: origin.UserAgent,
		Timestamp: d.now().UTC(),
	}

	for _, n := range d.notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"channel": n.Name(),
				"keys":    alert.Keys(),
			}).Error("Failed to deliver critical settings alert")
			if d.observer != nil {
				d.observer.AlertFailed(n.Name())
			}
			continue
		}
		if d.observer != nil {
			d.observer.AlertSent(n.Name())
		}
	}

	return alert
}
