package settings

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// keyPattern only admits plain dotted identifiers so gjson/sjson path syntax
// (wildcards, modifiers, array queries) can never reach the document.
var keyPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]*(\.[a-zA-Z][a-zA-Z0-9]*)+$`)

var (
	defaultsOnce sync.Once
	defaultsJSON []byte
)

func defaultDocumentJSON() []byte {
	defaultsOnce.Do(func() {
		raw, err := json.Marshal(Defaults())
		if err != nil {
			panic(fmt.Sprintf("settings: marshal defaults: %v", err))
		}
		defaultsJSON = raw
	})
	return defaultsJSON
}

// CategoryOf derives the category of a dotted key
func CategoryOf(key string) Category {
	if i := strings.IndexByte(key, '.'); i >= 0 {
		return Category(key[:i])
	}
	return Category(key)
}

// IsKnown reports whether key addresses a value of the settings document
func IsKnown(key string) bool {
	if !keyPattern.MatchString(key) {
		return false
	}
	switch CategoryOf(key) {
	case CategorySystem, CategorySecurity, CategoryNotifications, CategoryOperations, CategoryIntegrations:
	default:
		return false
	}
	return gjson.GetBytes(defaultDocumentJSON(), key).Exists()
}

// Lookup returns the raw JSON value stored at key
func (d Document) Lookup(key string) (json.RawMessage, error) {
	if !IsKnown(key) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}
	return json.RawMessage(gjson.GetBytes(raw, key).Raw), nil
}

// Value returns the decoded value stored at key
func (d Document) Value(key string) (interface{}, error) {
	raw, err := d.Lookup(key)
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return v, nil
}

// withValues returns a copy of d with every update written at its key. Each
// update is type-checked against the typed document on its own so that all
// offending keys are reported together.
func (d Document) withValues(updates map[string]interface{}) (Document, error) {
	base, err := json.Marshal(d)
	if err != nil {
		return Document{}, fmt.Errorf("failed to encode settings: %w", err)
	}

	verr := &ValidationError{}
	next := base
	for _, key := range sortedKeys(updates) {
		value := updates[key]
		if !IsKnown(key) {
			verr.Add(key, fmt.Sprintf("Unknown setting: %s", key))
			continue
		}
		candidate, err := sjson.SetBytes(base, key, value)
		if err != nil {
			verr.Add(key, fmt.Sprintf("Invalid value for %s", key))
			continue
		}
		var probe Document
		if err := json.Unmarshal(candidate, &probe); err != nil {
			verr.Add(key, fmt.Sprintf("Invalid value type for %s", key))
			continue
		}
		next, err = sjson.SetBytes(next, key, value)
		if err != nil {
			verr.Add(key, fmt.Sprintf("Invalid value for %s", key))
		}
	}
	if err := verr.OrNil(); err != nil {
		return Document{}, err
	}

	var out Document
	if err := json.Unmarshal(next, &out); err != nil {
		return Document{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	return out, nil
}

// Diff compares the values of keys in two documents using deep equality on
// the decoded JSON and returns one Change per differing key.
func Diff(before, after Document, keys []string) ([]Change, error) {
	beforeRaw, err := json.Marshal(before)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}
	afterRaw, err := json.Marshal(after)
	if err != nil {
		return nil, fmt.Errorf("failed to encode settings: %w", err)
	}

	var changes []Change
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup || !IsKnown(key) {
			continue
		}
		seen[key] = struct{}{}

		oldVal := gjson.GetBytes(beforeRaw, key)
		newVal := gjson.GetBytes(afterRaw, key)
		if reflect.DeepEqual(oldVal.Value(), newVal.Value()) {
			continue
		}
		changes = append(changes, Change{
			Key:      key,
			Category: CategoryOf(key),
			OldValue: rawOrNull(oldVal),
			NewValue: rawOrNull(newVal),
		})
	}
	return changes, nil
}

func rawOrNull(r gjson.Result) json.RawMessage {
	if !r.Exists() {
		return json.RawMessage("null")
	}
	return json.RawMessage(r.Raw)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
