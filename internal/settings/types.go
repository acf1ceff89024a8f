package settings

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Category represents a group of related settings. It is always the first
// segment of a dotted key.
type Category string

const (
	CategorySystem        Category = "system"
	CategorySecurity      Category = "security"
	CategoryNotifications Category = "notifications"
	CategoryOperations    Category = "operations"
	CategoryIntegrations  Category = "integrations"
)

// Document is the single live settings record.
type Document struct {
	System        SystemSettings       `json:"system"`
	Security      SecuritySettings     `json:"security"`
	Notifications NotificationSettings `json:"notifications"`
	Operations    OperationsSettings   `json:"operations"`
	Integrations  IntegrationSettings  `json:"integrations"`

	LastUpdated   time.Time `json:"lastUpdated"`
	LastUpdatedBy string    `json:"lastUpdatedBy"`
	Version       int64     `json:"version"`
}

// SystemSettings holds company-wide values
type SystemSettings struct {
	CompanyName        string `json:"companyName"`
	SupportEmail       string `json:"supportEmail"`
	SupportPhone       string `json:"supportPhone"`
	WebsiteURL         string `json:"websiteUrl"`
	Timezone           string `json:"timezone"`
	Currency           string `json:"currency"`
	DateFormat         string `json:"dateFormat"`
	Language           string `json:"language"`
	MaintenanceMode    bool   `json:"maintenanceMode"`
	MaintenanceMessage string `json:"maintenanceMessage"`
}

// SecuritySettings holds authentication and access-control values
type SecuritySettings struct {
	TwoFactorRequired      bool     `json:"twoFactorRequired"`
	SessionEncryption      bool     `json:"sessionEncryption"`
	SessionTimeoutMinutes  int      `json:"sessionTimeoutMinutes"`
	MaxLoginAttempts       int      `json:"maxLoginAttempts"`
	LockoutDurationMinutes int      `json:"lockoutDurationMinutes"`
	PasswordMinLength      int      `json:"passwordMinLength"`
	PasswordRequireSpecial bool     `json:"passwordRequireSpecial"`
	PasswordExpiryDays     int      `json:"passwordExpiryDays"`
	IPWhitelist            []string `json:"ipWhitelist"`
	RateLimitEnabled       bool     `json:"rateLimitEnabled"`
	RateLimitMaxRequests   int      `json:"rateLimitMaxRequests"`
}

// SMTPSettings is the outgoing mail server used for rider and driver notices
type SMTPSettings struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Secure      bool   `json:"secure"`
	Username    string `json:"username"`
	FromAddress string `json:"fromAddress"`
}

// NotificationSettings controls outbound notification channels
type NotificationSettings struct {
	EmailEnabled    bool         `json:"emailEnabled"`
	SMSEnabled      bool         `json:"smsEnabled"`
	PushEnabled     bool         `json:"pushEnabled"`
	AlertEmail      string       `json:"alertEmail"`
	AlertPhone      string       `json:"alertPhone"`
	WebhookURL      string       `json:"webhookUrl"`
	DigestFrequency string       `json:"digestFrequency"`
	SMTP            SMTPSettings `json:"smtp"`
}

// ServiceHours is the daily operating window, "HH:MM" local time
type ServiceHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// OperationsSettings holds dispatch and booking rules
type OperationsSettings struct {
	DispatchMode          string       `json:"dispatchMode"`
	AutoAssignDrivers     bool         `json:"autoAssignDrivers"`
	MinBookingNoticeMins  int          `json:"minBookingNoticeMinutes"`
	MaxAdvanceBookingDays int          `json:"maxAdvanceBookingDays"`
	MaxPassengersPerTrip  int          `json:"maxPassengersPerTrip"`
	CancellationLimitHrs  int          `json:"cancellationLimitHours"`
	DailyTripLimit        int          `json:"dailyTripLimit"`
	DriverSearchRadiusKm  float64      `json:"driverSearchRadiusKm"`
	ServiceHours          ServiceHours `json:"serviceHours"`
}

// IntegrationSettings holds third-party endpoints
type IntegrationSettings struct {
	MapsProvider      string `json:"mapsProvider"`
	MapsAPIURL        string `json:"mapsApiUrl"`
	PaymentGatewayURL string `json:"paymentGatewayUrl"`
	SMSGatewayURL     string `json:"smsGatewayUrl"`
}

// Change is one key whose value differs between two documents. Values are
// kept as raw JSON so callers can treat them opaquely.
type Change struct {
	Key      string          `json:"key"`
	Category Category        `json:"category"`
	OldValue json.RawMessage `json:"oldValue"`
	NewValue json.RawMessage `json:"newValue"`
}

// Revision is the outcome of one successful write: the document observed by
// the winning compare-and-swap, the document that replaced it, and the keys
// that actually changed.
type Revision struct {
	Before  Document
	After   Document
	Changes []Change
}

// Changed reports whether the write modified anything
func (r *Revision) Changed() bool {
	return r != nil && len(r.Changes) > 0
}

// Keys returns the changed keys in order
func (r *Revision) Keys() []string {
	if r == nil {
		return nil
	}
	keys := make([]string, 0, len(r.Changes))
	for _, c := range r.Changes {
		keys = append(keys, c.Key)
	}
	return keys
}

// FieldError describes one rejected key
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError accumulates every rejected key of a write. The whole write
// is refused when it is returned.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Errors) == 0 {
		return "validation failed"
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msgs = append(msgs, fe.Message)
	}
	return strings.Join(msgs, "; ")
}

// Add appends a field error
func (e *ValidationError) Add(field, message string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: message})
}

// OrNil returns nil when no field errors were collected
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Errors) == 0 {
		return nil
	}
	return e
}

// Common settings errors
var (
	ErrUnknownKey       = errors.New("unknown setting")
	ErrVersionConflict  = errors.New("settings were modified concurrently")
	ErrEmptyUpdate      = errors.New("no settings provided")
	ErrSingletonMissing = errors.New("settings singleton missing")
)

// UpdateRequest is the body of PUT /settings/{key}
type UpdateRequest struct {
	Value  json.RawMessage `json:"value"`
	Reason string          `json:"reason,omitempty"`
}
