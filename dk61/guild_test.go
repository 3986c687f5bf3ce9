package dk61

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuildSettingsStarboardEnabled(t *testing.T) {
	settings := GuildSettings{GuildID: "g1"}
	assert.False(t, settings.StarboardEnabled())

	settings.StarboardChannelID = "chan"
	assert.False(t, settings.StarboardEnabled())

	settings.StarboardEmoji = "⭐"
	assert.True(t, settings.StarboardEnabled())
}

func TestGuildSettingsThreshold(t *testing.T) {
	settings := GuildSettings{StarboardThreshold: 5}
	assert.Equal(t, 5, settings.Threshold(3))

	settings.StarboardThreshold = 0
	assert.Equal(t, 3, settings.Threshold(3))

	settings.StarboardThreshold = -1
	assert.Equal(t, 3, settings.Threshold(3))
}

func TestGetOrCreateGuildSettings(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase(setupTestDB(t), testLogger(t), false)

	settings, created, err := getOrCreateGuildSettings(ctx, db, "guild-1")
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, settings)
	assert.Equal(t, "guild-1", settings.GuildID)
	assert.Equal(t, DefaultStarboardThreshold, settings.StarboardThreshold)

	// second call returns the same row without creating
	again, created, err := getOrCreateGuildSettings(ctx, db, "guild-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, settings.GuildID, again.GuildID)
}

func TestSettingsCacheReadThrough(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase(setupTestDB(t), testLogger(t), false)
	cache := newSettingsCache(db, testLogger(t), time.Minute)

	// unknown guild: negative result, no error
	settings, err := cache.FindByGuildID(ctx, "guild-1")
	require.NoError(t, err)
	assert.Nil(t, settings)

	created, _, err := getOrCreateGuildSettings(ctx, db, "guild-1")
	require.NoError(t, err)
	_, err = db.Updates(
		ctx, created, map[string]any{
			columnGuildStarboardChannelID: "board",
			columnGuildStarboardEmoji:     "⭐",
		},
	)
	require.NoError(t, err)

	// the negative entry is still cached
	settings, err = cache.FindByGuildID(ctx, "guild-1")
	require.NoError(t, err)
	assert.Nil(t, settings)

	// invalidation forces a re-read
	cache.Invalidate("guild-1")
	settings, err = cache.FindByGuildID(ctx, "guild-1")
	require.NoError(t, err)
	require.NotNil(t, settings)
	assert.Equal(t, "board", settings.StarboardChannelID)
	assert.True(t, settings.StarboardEnabled())
}

func TestSettingsCacheTTLExpiry(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase(setupTestDB(t), testLogger(t), false)
	cache := newSettingsCache(db, testLogger(t), time.Nanosecond)

	_, _, err := getOrCreateGuildSettings(ctx, db, "guild-1")
	require.NoError(t, err)

	settings, err := cache.FindByGuildID(ctx, "guild-1")
	require.NoError(t, err)
	require.NotNil(t, settings)

	created, err := cache.FindByGuildID(ctx, "guild-1")
	require.NoError(t, err)
	_, err = db.Updates(
		ctx, created, map[string]any{columnGuildPrefix: "!!"},
	)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)

	// a nanosecond TTL means every read goes to the database
	settings, err = cache.FindByGuildID(ctx, "guild-1")
	require.NoError(t, err)
	require.NotNil(t, settings)
	assert.Equal(t, "!!", settings.Prefix)
}

func TestGuildSettingsDeletedFlag(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase(setupTestDB(t), testLogger(t), false)

	settings, _, err := getOrCreateGuildSettings(ctx, db, "guild-1")
	require.NoError(t, err)

	_, err = db.Updates(
		ctx, settings, map[string]any{columnGuildDeleted: true},
	)
	require.NoError(t, err)

	var reread GuildSettings
	require.NoError(
		t,
		db.DB().WithContext(ctx).Where("guild_id = ?", "guild-1").
			First(&reread).Error,
	)
	assert.True(t, reread.Deleted)
}
