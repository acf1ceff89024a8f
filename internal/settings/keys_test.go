package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, CategorySecurity, CategoryOf("security.maxLoginAttempts"))
	assert.Equal(t, CategoryNotifications, CategoryOf("notifications.smtp.host"))
	assert.Equal(t, Category("ALL_SETTINGS"), CategoryOf("ALL_SETTINGS"))
}

func TestIsKnown(t *testing.T) {
	assert.True(t, IsKnown("security.maxLoginAttempts"))
	assert.True(t, IsKnown("notifications.smtp"))
	assert.True(t, IsKnown("notifications.smtp.host"))
	assert.False(t, IsKnown("security"))
	assert.False(t, IsKnown("security.doesNotExist"))
	assert.False(t, IsKnown("security.max*"))
	assert.False(t, IsKnown("security.ipWhitelist.#"))
	assert.False(t, IsKnown("version"))
}

func TestDiff(t *testing.T) {
	before := Defaults()
	after := Defaults()
	after.Security.MaxLoginAttempts = 9
	after.Security.IPWhitelist = []string{"10.0.0.1"}

	changes, err := Diff(before, after, []string{
		"security.maxLoginAttempts",
		"security.ipWhitelist",
		"system.timezone",
		"security.maxLoginAttempts",
	})
	require.NoError(t, err)
	require.Len(t, changes, 2)

	assert.Equal(t, "security.maxLoginAttempts", changes[0].Key)
	assert.JSONEq(t, `5`, string(changes[0].OldValue))
	assert.JSONEq(t, `9`, string(changes[0].NewValue))
	assert.Equal(t, "security.ipWhitelist", changes[1].Key)
	assert.JSONEq(t, `[]`, string(changes[1].OldValue))
	assert.JSONEq(t, `["10.0.0.1"]`, string(changes[1].NewValue))
}

func TestDiffDeepEqualityOnNestedObjects(t *testing.T) {
	before := Defaults()
	after := Defaults()

	changes, err := Diff(before, after, []string{"notifications.smtp", "operations.serviceHours"})
	require.NoError(t, err)
	assert.Empty(t, changes)

	after.Operations.ServiceHours.End = "23:30"
	changes, err = Diff(before, after, []string{"notifications.smtp", "operations.serviceHours"})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, CategoryOperations, changes[0].Category)
}

func TestDocumentValue(t *testing.T) {
	doc := Defaults()

	v, err := doc.Value("security.maxLoginAttempts")
	require.NoError(t, err)
	assert.Equal(t, float64(5), v)

	_, err = doc.Value("security.nothing")
	assert.ErrorIs(t, err, ErrUnknownKey)
}
