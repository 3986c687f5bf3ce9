package dk61

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidTriggerEmoji(t *testing.T) {
	valid := []string{
		"⭐",
		"🔥",
		"👍",
		"🇺🇦",
		"❤️",
		"<:star2:1234567890>",
		"<a:party:987654321>",
	}
	for _, s := range valid {
		assert.Truef(t, validTriggerEmoji(s), "expected %q to be valid", s)
	}

	invalid := []string{
		"",
		"star",
		":star:",
		"<:star2:abc>",
		"<@1234567890>",
		"⭐ extra",
	}
	for _, s := range invalid {
		assert.Falsef(t, validTriggerEmoji(s), "expected %q to be invalid", s)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "привет", truncate("привет мир", 6))
}

func TestGenerateRandomHexString(t *testing.T) {
	s, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.Len(t, s, 32)

	other, err := generateRandomHexString(16)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)
}

func TestHashAndVerifySecret(t *testing.T) {
	hashed, err := hashSecret("hunter2")
	require.NoError(t, err)
	assert.NotContains(t, hashed, "hunter2")

	ok, err := verifySecret(hashed, "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifySecret(hashed, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = verifySecret("not-a-hash", "hunter2")
	assert.Error(t, err)
}

func TestStructToSlogValueRedaction(t *testing.T) {
	type payload struct {
		Name  string
		Token string `log:"[redacted]"`
	}
	v := structToSlogValue(payload{Name: "alice", Token: "secret"}).String()
	assert.Contains(t, v, "alice")
	assert.NotContains(t, v, "secret")
}
