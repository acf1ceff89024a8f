package alerts

import (
	"context"
	"encoding/json"
	"sort"
	"time"
)

// EventCriticalChange is the event name sent to webhook receivers
const EventCriticalChange = "settings.critical_change"

// criticalKeys are the security-sensitive settings that trigger alerts
var criticalKeys = map[string]struct{}{
	"security.twoFactorRequired":    {},
	"security.sessionEncryption":    {},
	"security.maxLoginAttempts":     {},
	"security.ipWhitelist":          {},
	"security.rateLimitEnabled":     {},
	"security.rateLimitMaxRequests": {},
	"system.maintenanceMode":        {},
}

// IsCritical reports whether changing key raises an alert
func IsCritical(key string) bool {
	_, ok := criticalKeys[key]
	return ok
}

// CriticalKeys lists the critical keys in sorted order
func CriticalKeys() []string {
	keys := make([]string, 0, len(criticalKeys))
	for k := range criticalKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ChangedSetting is one critical key that changed
type ChangedSetting struct {
	Key      string          `json:"key"`
	OldValue json.RawMessage `json:"oldValue"`
	NewValue json.RawMessage `json:"newValue"`
}

// Alert is one notification covering every critical change of a request
type Alert struct {
	Event     string           `json:"event"`
	Changes   []ChangedSetting `json:"changes"`
	ActorID   string           `json:"actorId"`
	Reason    string           `json:"reason,omitempty"`
	IPAddress string           `json:"ipAddress,omitempty"`
	UserAgent string           `json:"userAgent,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Keys returns the changed keys in order
func (a *Alert) Keys() []string {
	keys := make([]string, len(a.Changes))
	for i, c := range a.Changes {
		keys[i] = c.Key
	}
	return keys
}

// Notifier delivers alerts to one channel
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert *Alert) error
}

// Observer is notified about alert delivery, typically to update metrics
type Observer interface {
	AlertSent(channel string)
	AlertFailed(channel string)
}
