package dk61

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
)

var (
	columnGuildPrefix             = "prefix"
	columnGuildStarboardChannelID = "starboard_channel_id"
	columnGuildStarboardEmoji     = "starboard_emoji"
	columnGuildStarboardThreshold = "starboard_threshold"
	columnGuildDeleted            = "deleted"
)

// GuildSettings is the per-guild configuration row. A row is created
// when the bot joins a guild; the starboard stays disabled until an
// admin sets a board channel and emoji via /settings.
//
//nolint:lll // struct tags can't be split
type GuildSettings struct {
	// GuildID is the Discord guild (server) ID
	GuildID string `json:"guild_id" gorm:"primaryKey;type:string"`

	// Prefix triggers quote-card rendering when a reply's content
	// equals it. Empty means the process-wide default applies.
	Prefix string `json:"prefix" gorm:"column:prefix;type:string"`

	// StarboardChannelID is the channel promoted messages are mirrored
	// to. Empty disables the starboard for the guild.
	StarboardChannelID string `json:"starboard_channel_id" gorm:"column:starboard_channel_id;type:string"`

	// StarboardEmoji is the string form of the trigger emoji, either
	// unicode ("⭐") or a custom emoji ("<:name:id>").
	StarboardEmoji string `json:"starboard_emoji" gorm:"column:starboard_emoji;type:string"`

	// StarboardThreshold is the minimum effective reaction count for
	// promotion. Values < 1 fall back to the configured default.
	StarboardThreshold int `json:"starboard_threshold" gorm:"column:starboard_threshold;default:3"`

	// Deleted is set when the bot leaves (or is removed from) the
	// guild. The row is kept so settings survive a re-invite.
	Deleted bool `json:"deleted" gorm:"type:bool;default:false"`

	ModelUnixTime
}

// StarboardEnabled reports whether the guild has a board channel and a
// trigger emoji configured.
func (g GuildSettings) StarboardEnabled() bool {
	return g.StarboardChannelID != "" && g.StarboardEmoji != ""
}

// Threshold returns the guild's promotion threshold, or fallback when
// the guild hasn't set a sane one.
func (g GuildSettings) Threshold(fallback int) int {
	if g.StarboardThreshold >= 1 {
		return g.StarboardThreshold
	}
	if fallback >= 1 {
		return fallback
	}
	return DefaultStarboardThreshold
}

func (g GuildSettings) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", g.GuildID),
		slog.String("starboard_channel_id", g.StarboardChannelID),
		slog.String("starboard_emoji", g.StarboardEmoji),
		slog.Int("starboard_threshold", g.StarboardThreshold),
	)
}

// GuildSettingsStore is the read-side lookup the starboard engine
// consumes. A nil result with a nil error means "no settings for this
// guild" (feature disabled), not a failure.
type GuildSettingsStore interface {
	FindByGuildID(ctx context.Context, guildID string) (*GuildSettings, error)
}

type cachedGuildSettings struct {
	settings  *GuildSettings
	fetchedAt time.Time
}

// settingsCache is a read-through cache over the guild_settings table.
// Entries expire after ttl; admin commands (and the DB notifier, when
// another instance writes) invalidate eagerly.
type settingsCache struct {
	db      DBI
	logger  *slog.Logger
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]cachedGuildSettings
}

func newSettingsCache(db DBI, log *slog.Logger, ttl time.Duration) *settingsCache {
	if log == nil {
		log = slog.Default()
	}
	return &settingsCache{
		db:      db,
		logger:  log.With(loggerNameKey, "settings_cache"),
		ttl:     ttl,
		entries: map[string]cachedGuildSettings{},
	}
}

// FindByGuildID implements GuildSettingsStore.
func (c *settingsCache) FindByGuildID(
	ctx context.Context,
	guildID string,
) (*GuildSettings, error) {
	c.mu.Lock()
	entry, ok := c.entries[guildID]
	c.mu.Unlock()
	if ok && (c.ttl <= 0 || time.Since(entry.fetchedAt) < c.ttl) {
		return entry.settings, nil
	}

	var settings GuildSettings
	err := c.db.DB().WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).First(&settings).Error

	var result *GuildSettings
	switch {
	case err == nil:
		result = &settings
	case errors.Is(err, gorm.ErrRecordNotFound):
		// negative entries are cached too
	default:
		return nil, err
	}

	c.mu.Lock()
	c.entries[guildID] = cachedGuildSettings{
		settings:  result,
		fetchedAt: time.Now(),
	}
	c.mu.Unlock()
	return result, nil
}

// Invalidate drops the cache entry for the given guild.
func (c *settingsCache) Invalidate(guildID string) {
	c.mu.Lock()
	delete(c.entries, guildID)
	c.mu.Unlock()
}

// getOrCreateGuildSettings loads the settings row for a guild, creating
// a default row if none exists yet.
func getOrCreateGuildSettings(
	ctx context.Context,
	db DBI,
	guildID string,
) (*GuildSettings, bool, error) {
	var settings GuildSettings
	err := db.DB().WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).First(&settings).Error
	if err == nil {
		return &settings, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	settings = GuildSettings{
		GuildID:            guildID,
		StarboardThreshold: DefaultStarboardThreshold,
	}
	if _, err = db.Create(ctx, &settings); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// concurrent create, re-read
			readErr := db.DB().WithContext(ctx).Where(
				"guild_id = ?", guildID,
			).First(&settings).Error
			return &settings, false, readErr
		}
		return nil, false, err
	}
	return &settings, true, nil
}
