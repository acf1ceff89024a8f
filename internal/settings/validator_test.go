package settings

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorRanges(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		key     string
		value   interface{}
		message string
	}{
		{"max login attempts too high", "security.maxLoginAttempts", float64(25), "Max login attempts must be between 1 and 20"},
		{"max login attempts zero", "security.maxLoginAttempts", float64(0), "Max login attempts must be between 1 and 20"},
		{"max login attempts ok", "security.maxLoginAttempts", float64(20), ""},
		{"password min length too short", "security.passwordMinLength", float64(3), "Password minimum length must be at least 6"},
		{"password min length ok", "security.passwordMinLength", float64(6), ""},
		{"limit negative", "operations.dailyTripLimit", float64(-1), "Daily trip limit must be 0 or greater"},
		{"max negative", "operations.maxPassengersPerTrip", float64(-3), "Max passengers per trip must be 0 or greater"},
		{"min zero ok", "operations.minBookingNoticeMinutes", float64(0), ""},
		{"not a number", "security.maxLoginAttempts", "ten", "Max login attempts must be a number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ferr := v.Validate(tt.key, tt.value)
			if tt.message == "" {
				assert.Nil(t, ferr)
				return
			}
			require.NotNil(t, ferr)
			assert.Equal(t, tt.key, ferr.Field)
			assert.Equal(t, tt.message, ferr.Message)
		})
	}
}

func TestValidatorFormats(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		key   string
		value interface{}
		valid bool
	}{
		{"system.supportEmail", "ops@example.com", true},
		{"system.supportEmail", "not-an-email", false},
		{"system.supportEmail", "", true},
		{"system.websiteUrl", "https://metro.example.com/path", true},
		{"system.websiteUrl", "::not a url", false},
		{"system.supportPhone", "+1 (555) 555-0100", true},
		{"system.supportPhone", "call me", false},
		{"system.timezone", "America/New_York", true},
		{"system.timezone", "Mars/Olympus", false},
		{"system.timezone", "", false},
		{"security.ipWhitelist", []interface{}{"10.0.0.0/8", "192.168.1.20"}, true},
		{"security.ipWhitelist", []interface{}{"10.0.0.0/33"}, false},
		{"security.ipWhitelist", []interface{}{"example.com"}, false},
		{"security.ipWhitelist", "10.0.0.1", false},
		{"operations.dispatchMode", "hybrid", true},
		{"operations.dispatchMode", "chaotic", false},
		{"notifications.webhookUrl", "https://hooks.example.com/settings", true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			_, ferr := v.Validate(tt.key, tt.value)
			if tt.valid {
				assert.Nil(t, ferr, "expected %v to be valid for %s", tt.value, tt.key)
			} else {
				assert.NotNil(t, ferr, "expected %v to be rejected for %s", tt.value, tt.key)
			}
		})
	}
}

func TestValidatorBooleans(t *testing.T) {
	v := NewValidator()

	value, ferr := v.Validate("security.twoFactorRequired", "false")
	require.Nil(t, ferr)
	assert.Equal(t, false, value)

	value, ferr = v.Validate("security.twoFactorRequired", true)
	require.Nil(t, ferr)
	assert.Equal(t, true, value)

	_, ferr = v.Validate("security.twoFactorRequired", "yes")
	require.NotNil(t, ferr)
	assert.Equal(t, "Two-factor requirement must be a boolean", ferr.Message)
}

func TestValidatorUnmatchedKeysPass(t *testing.T) {
	v := NewValidator()

	value, ferr := v.Validate("system.companyName", "Harbor Transit")
	assert.Nil(t, ferr)
	assert.Equal(t, "Harbor Transit", value)
}

func TestValidatorNestedObject(t *testing.T) {
	v := NewValidator()

	_, ferr := v.Validate("notifications.smtp", map[string]interface{}{
		"host": "smtp.example.com",
		"port": float64(70000),
	})
	require.NotNil(t, ferr)
	assert.Equal(t, "notifications.smtp.port", ferr.Field)
}

func TestValidateWithinChecksOmittedFields(t *testing.T) {
	v := NewValidator()

	doc := Defaults()
	doc.Notifications.SMTP = SMTPSettings{Host: "smtp.example.com"}

	err := v.ValidateWithin(doc, []string{"notifications.smtp"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Errors, 1)
	assert.Equal(t, "notifications.smtp.port", verr.Errors[0].Field)
	assert.Equal(t, "SMTP port must be between 1 and 65535", verr.Errors[0].Message)

	// Leaf writes have nothing nested below them
	assert.NoError(t, v.ValidateWithin(doc, []string{"notifications.smtp.host"}))
	assert.NoError(t, v.ValidateWithin(Defaults(), []string{"notifications.smtp", "operations.serviceHours"}))
}

func TestValidateAllAccumulates(t *testing.T) {
	v := NewValidator()

	_, err := v.ValidateAll(map[string]interface{}{
		"security.passwordMinLength": float64(3),
		"security.maxLoginAttempts":  float64(50),
		"system.supportEmail":        "nope",
		"system.unknownThing":        true,
		"system.companyName":         "ok",
	})
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	fields := make([]string, 0, len(verr.Errors))
	for _, fe := range verr.Errors {
		fields = append(fields, fe.Field)
	}
	assert.ElementsMatch(t, []string{
		"security.passwordMinLength",
		"security.maxLoginAttempts",
		"system.supportEmail",
		"system.unknownThing",
	}, fields)
}

func TestValidateAllEmpty(t *testing.T) {
	_, err := NewValidator().ValidateAll(map[string]interface{}{})
	assert.ErrorIs(t, err, ErrEmptyUpdate)
}
