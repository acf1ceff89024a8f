package history

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Whole-store events use a sentinel key and category
const (
	AllSettingsKey   = "ALL_SETTINGS"
	SystemCategory   = "system"
	ResetOldValue    = `"various"`
	ResetNewValue    = `"defaults"`
	DefaultRetention = 90 * 24 * time.Hour // 7,776,000 seconds
)

// Pagination bounds for Query
const (
	DefaultLimit = 50
	MaxLimit     = 500
	StatsTopN    = 10
)

// Common history errors
var (
	ErrNotFound         = errors.New("history record not found")
	ErrInvalidRetention = errors.New("retention days must be at least 1")
	ErrInvalidWindow    = errors.New("stats window must be at least 1 day")
)

// Record is one immutable settings change
type Record struct {
	ID        string          `json:"id"`
	Key       string          `json:"key"`                 // Dotted setting key or ALL_SETTINGS
	Category  string          `json:"category"`            // First key segment
	OldValue  json.RawMessage `json:"oldValue"`            // Opaque JSON
	NewValue  json.RawMessage `json:"newValue"`            // Opaque JSON
	ChangedBy string          `json:"changedBy"`           // Actor ID
	ChangedAt time.Time       `json:"changedAt"`           // Set on append when empty
	Reason    string          `json:"reason,omitempty"`    // Optional free text
	IPAddress string          `json:"ipAddress,omitempty"` // Request origin
	UserAgent string          `json:"userAgent,omitempty"` // Request origin
}

// Filter for querying records
type Filter struct {
	Category   string    // Exact category match
	KeyPattern string    // Case-insensitive substring of the key
	ActorID    string    // Exact changedBy match
	StartDate  time.Time // Inclusive lower bound on changedAt
	EndDate    time.Time // Inclusive upper bound on changedAt
	Limit      int
	Skip       int
}

// Page is one page of query results
type Page struct {
	Records []*Record `json:"records"`
	Total   int       `json:"total"`
	Limit   int       `json:"limit"`
	Skip    int       `json:"skip"`
}

// CategoryCount is the number of changes in one category
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// ActorCount is the number of changes made by one actor
type ActorCount struct {
	ActorID string `json:"actorId"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Count   int    `json:"count"`
}

// KeyCount is the number of changes to one key
type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Aggregates are raw counts computed by a Store
type Aggregates struct {
	Total      int
	ByCategory []CategoryCount
	ByActor    []ActorCount
	ByKey      []KeyCount
}

// Stats summarise changes inside a time window
type Stats struct {
	WindowDays  int             `json:"windowDays"`
	Since       time.Time       `json:"since"`
	Total       int             `json:"total"`
	ByCategory  []CategoryCount `json:"byCategory"`
	TopActors   []ActorCount    `json:"topActors"`
	MostChanged []KeyCount      `json:"mostChanged"`
}

// Actor is the display identity of a changedBy value
type Actor struct {
	ID    string
	Name  string
	Email string
}

// ActorResolver looks up display identities for actor IDs
type ActorResolver interface {
	ResolveActors(ctx context.Context, ids []string) (map[string]Actor, error)
}

// Archiver receives records right before they are purged
type Archiver interface {
	Archive(ctx context.Context, records []*Record) error
}

// Store defines the interface for history storage
type Store interface {
	// Append inserts a record
	Append(ctx context.Context, record *Record) error

	// Query returns one page sorted by changedAt descending plus the total match count
	Query(ctx context.Context, filter Filter) ([]*Record, int, error)

	// Get retrieves a single record
	Get(ctx context.Context, id string) (*Record, error)

	// Aggregate counts records changed at or after since; the per-actor and
	// per-key lists are limited to topN entries
	Aggregate(ctx context.Context, since time.Time, topN int) (*Aggregates, error)

	// OlderThan lists records changed before cutoff
	OlderThan(ctx context.Context, cutoff time.Time) ([]*Record, error)

	// DeleteOlderThan deletes records changed before cutoff
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Close closes the store
	Close() error
}

// CategoryFor derives the category of a key
func CategoryFor(key string) string {
	if key == AllSettingsKey {
		return SystemCategory
	}
	if i := strings.IndexByte(key, '.'); i >= 0 {
		return key[:i]
	}
	return key
}
