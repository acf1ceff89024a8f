package settings

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
)

// RuleKind identifies how a value is checked
type RuleKind string

const (
	RuleEmail    RuleKind = "email"
	RuleURL      RuleKind = "url"
	RulePhone    RuleKind = "phone"
	RuleTimezone RuleKind = "timezone"
	RuleCIDRList RuleKind = "cidrList"
	RuleBool     RuleKind = "bool"
	RuleRange    RuleKind = "range"
	RuleEnum     RuleKind = "enum"
)

// Rule describes the constraint attached to one canonical key
type Rule struct {
	Kind    RuleKind
	Label   string
	Min     *float64
	Max     *float64
	Options []string
}

func atLeast(n float64) *float64 { return &n }

func bounded(label string, min, max float64) Rule {
	return Rule{Kind: RuleRange, Label: label, Min: atLeast(min), Max: atLeast(max)}
}

func minimum(label string, min float64) Rule {
	return Rule{Kind: RuleRange, Label: label, Min: atLeast(min)}
}

func oneOf(label string, options ...string) Rule {
	return Rule{Kind: RuleEnum, Label: label, Options: options}
}

// DefaultRules is the rule table for the settings document. Keys that are not
// listed are accepted as long as they decode into the typed document.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		"system.supportEmail":    {Kind: RuleEmail, Label: "Support email"},
		"system.supportPhone":    {Kind: RulePhone, Label: "Support phone"},
		"system.websiteUrl":      {Kind: RuleURL, Label: "Website URL"},
		"system.timezone":        {Kind: RuleTimezone, Label: "Timezone"},
		"system.currency":        oneOf("Currency", "USD", "EUR", "GBP", "CAD", "AUD", "INR", "NGN", "KES", "ZAR"),
		"system.dateFormat":      oneOf("Date format", "YYYY-MM-DD", "DD/MM/YYYY", "MM/DD/YYYY"),
		"system.language":        oneOf("Language", "en", "es", "fr", "de", "pt"),
		"system.maintenanceMode": {Kind: RuleBool, Label: "Maintenance mode"},

		"security.twoFactorRequired":      {Kind: RuleBool, Label: "Two-factor requirement"},
		"security.sessionEncryption":      {Kind: RuleBool, Label: "Session encryption"},
		"security.sessionTimeoutMinutes":  bounded("Session timeout", 1, 1440),
		"security.maxLoginAttempts":       bounded("Max login attempts", 1, 20),
		"security.lockoutDurationMinutes": minimum("Lockout duration", 0),
		"security.passwordMinLength":      minimum("Password minimum length", 6),
		"security.passwordRequireSpecial": {Kind: RuleBool, Label: "Password special character requirement"},
		"security.passwordExpiryDays":     minimum("Password expiry", 0),
		"security.ipWhitelist":            {Kind: RuleCIDRList, Label: "IP whitelist"},
		"security.rateLimitEnabled":       {Kind: RuleBool, Label: "Rate limiting"},
		"security.rateLimitMaxRequests":   minimum("Rate limit max requests", 0),

		"notifications.emailEnabled":     {Kind: RuleBool, Label: "Email notifications"},
		"notifications.smsEnabled":       {Kind: RuleBool, Label: "SMS notifications"},
		"notifications.pushEnabled":      {Kind: RuleBool, Label: "Push notifications"},
		"notifications.alertEmail":       {Kind: RuleEmail, Label: "Alert email"},
		"notifications.alertPhone":       {Kind: RulePhone, Label: "Alert phone"},
		"notifications.webhookUrl":       {Kind: RuleURL, Label: "Webhook URL"},
		"notifications.digestFrequency":  oneOf("Digest frequency", "none", "daily", "weekly"),
		"notifications.smtp.port":        bounded("SMTP port", 1, 65535),
		"notifications.smtp.secure":      {Kind: RuleBool, Label: "SMTP secure"},
		"notifications.smtp.fromAddress": {Kind: RuleEmail, Label: "SMTP from address"},

		"operations.dispatchMode":            oneOf("Dispatch mode", "manual", "automatic", "hybrid"),
		"operations.autoAssignDrivers":       {Kind: RuleBool, Label: "Automatic driver assignment"},
		"operations.minBookingNoticeMinutes": minimum("Minimum booking notice", 0),
		"operations.maxAdvanceBookingDays":   minimum("Max advance booking days", 0),
		"operations.maxPassengersPerTrip":    minimum("Max passengers per trip", 0),
		"operations.cancellationLimitHours":  minimum("Cancellation limit", 0),
		"operations.dailyTripLimit":          minimum("Daily trip limit", 0),
		"operations.driverSearchRadiusKm":    minimum("Driver search radius", 0),

		"integrations.mapsProvider":      oneOf("Maps provider", "google", "mapbox", "osm"),
		"integrations.mapsApiUrl":        {Kind: RuleURL, Label: "Maps API URL"},
		"integrations.paymentGatewayUrl": {Kind: RuleURL, Label: "Payment gateway URL"},
		"integrations.smsGatewayUrl":     {Kind: RuleURL, Label: "SMS gateway URL"},
	}
}

// Validator checks candidate values against the rule table
type Validator struct {
	validate *validator.Validate
	rules    map[string]Rule
}

// NewValidator creates a validator over DefaultRules
func NewValidator() *Validator {
	return NewValidatorWithRules(DefaultRules())
}

// NewValidatorWithRules creates a validator over a custom rule table
func NewValidatorWithRules(rules map[string]Rule) *Validator {
	return &Validator{
		validate: validator.New(),
		rules:    rules,
	}
}

// Rule returns the rule registered for key
func (v *Validator) Rule(key string) (Rule, bool) {
	r, ok := v.rules[key]
	return r, ok
}

// Validate checks a single value and returns it normalised (booleans given as
// "true"/"false" become booleans). Nested objects are checked against the
// rules of their sub-keys.
func (v *Validator) Validate(key string, value interface{}) (interface{}, *FieldError) {
	if rule, ok := v.rules[key]; ok {
		normalized, msg := v.check(rule, value)
		if msg != "" {
			return nil, &FieldError{Field: key, Message: msg}
		}
		value = normalized
	}

	obj, ok := value.(map[string]interface{})
	if !ok {
		return value, nil
	}
	for field, sub := range obj {
		normalized, ferr := v.Validate(key+"."+field, sub)
		if ferr != nil {
			return nil, ferr
		}
		obj[field] = normalized
	}
	return obj, nil
}

// ValidateAll checks every key of a batch. All failures are collected; on
// failure the returned error is a *ValidationError and no value is returned.
func (v *Validator) ValidateAll(updates map[string]interface{}) (map[string]interface{}, error) {
	if len(updates) == 0 {
		return nil, ErrEmptyUpdate
	}

	verr := &ValidationError{}
	out := make(map[string]interface{}, len(updates))
	for _, key := range sortedKeys(updates) {
		if !IsKnown(key) {
			verr.Add(key, fmt.Sprintf("Unknown setting: %s", key))
			continue
		}
		normalized, ferr := v.Validate(key, updates[key])
		if ferr != nil {
			verr.Errors = append(verr.Errors, *ferr)
			continue
		}
		out[key] = normalized
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateWithin checks every rule nested below the written keys against
// doc. A wholesale object write leaves omitted fields at their zero value,
// and those must satisfy the same rules as fields written one by one.
func (v *Validator) ValidateWithin(doc Document, written []string) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	ruleKeys := make([]string, 0, len(v.rules))
	for k := range v.rules {
		ruleKeys = append(ruleKeys, k)
	}
	sort.Strings(ruleKeys)

	verr := &ValidationError{}
	for _, key := range written {
		prefix := key + "."
		for _, rk := range ruleKeys {
			if !strings.HasPrefix(rk, prefix) {
				continue
			}
			res := gjson.GetBytes(raw, rk)
			if !res.Exists() {
				continue
			}
			if _, msg := v.check(v.rules[rk], res.Value()); msg != "" {
				verr.Add(rk, msg)
			}
		}
	}
	return verr.OrNil()
}

func (v *Validator) check(rule Rule, value interface{}) (interface{}, string) {
	switch rule.Kind {
	case RuleBool:
		switch b := value.(type) {
		case bool:
			return b, ""
		case string:
			if b == "true" || b == "false" {
				return b == "true", ""
			}
		}
		return nil, fmt.Sprintf("%s must be a boolean", rule.Label)

	case RuleRange:
		n, ok := toFloat(value)
		if !ok {
			return nil, fmt.Sprintf("%s must be a number", rule.Label)
		}
		if (rule.Min != nil && n < *rule.Min) || (rule.Max != nil && n > *rule.Max) {
			return nil, rangeMessage(rule)
		}
		return value, ""

	case RuleEmail:
		return v.checkString(rule, value, "email", "%s must be a valid email address")

	case RuleURL:
		return v.checkString(rule, value, "url", "%s must be a valid URL")

	case RuleTimezone:
		s, ok := value.(string)
		if !ok || s == "" || v.validate.Var(s, "timezone") != nil {
			return nil, fmt.Sprintf("%s must be a valid IANA timezone", rule.Label)
		}
		return s, ""

	case RulePhone:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Sprintf("%s must be a valid phone number", rule.Label)
		}
		if s == "" {
			return s, ""
		}
		if v.validate.Var(toE164(s), "e164") != nil {
			return nil, fmt.Sprintf("%s must be a valid phone number", rule.Label)
		}
		return s, ""

	case RuleCIDRList:
		list, ok := value.([]interface{})
		if !ok {
			if strs, isStrs := value.([]string); isStrs {
				for _, s := range strs {
					list = append(list, s)
				}
				ok = true
			}
		}
		if !ok {
			return nil, fmt.Sprintf("%s must be a list of IPv4 addresses or CIDR ranges", rule.Label)
		}
		for _, item := range list {
			s, isStr := item.(string)
			if !isStr || v.validate.Var(s, "cidrv4|ipv4") != nil {
				return nil, fmt.Sprintf("%s contains an invalid entry: %v", rule.Label, item)
			}
		}
		return value, ""

	case RuleEnum:
		s, ok := value.(string)
		if !ok || v.validate.Var(s, "oneof="+strings.Join(rule.Options, " ")) != nil {
			return nil, fmt.Sprintf("%s must be one of: %s", rule.Label, strings.Join(rule.Options, ", "))
		}
		return s, ""
	}
	return value, ""
}

// checkString accepts an empty string as "unset"
func (v *Validator) checkString(rule Rule, value interface{}, tag, format string) (interface{}, string) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Sprintf(format, rule.Label)
	}
	if s == "" {
		return s, ""
	}
	if v.validate.Var(s, tag) != nil {
		return nil, fmt.Sprintf(format, rule.Label)
	}
	return s, ""
}

func rangeMessage(rule Rule) string {
	switch {
	case rule.Min != nil && rule.Max != nil:
		return fmt.Sprintf("%s must be between %s and %s", rule.Label, formatBound(*rule.Min), formatBound(*rule.Max))
	case rule.Min != nil && *rule.Min == 0:
		return fmt.Sprintf("%s must be 0 or greater", rule.Label)
	case rule.Min != nil:
		return fmt.Sprintf("%s must be at least %s", rule.Label, formatBound(*rule.Min))
	default:
		return fmt.Sprintf("%s must be at most %s", rule.Label, formatBound(*rule.Max))
	}
}

func formatBound(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toFloat(value interface{}) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toE164 strips common formatting so "(555) 555-0100" style input can be
// checked as an E.164 number.
func toE164(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	return "+" + digits
}
