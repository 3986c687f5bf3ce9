package dk61

import (
	"bytes"
	"context"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// handleDiscordMessage watches for the quote trigger: a reply whose
// entire content is the guild's quote prefix. The replied-to message is
// rendered as a quote card and posted back to the channel.
func (b *Bot) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	ctx, logger := b.getLogger(ctx)

	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user == nil || user.Bot {
		return
	}
	if m.GuildID == "" || m.MessageReference == nil {
		return
	}

	prefix := DefaultQuotePrefix
	settings, err := b.settingsCache.FindByGuildID(ctx, m.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading guild settings", tint.Err(err))
		return
	}
	if settings != nil && settings.Prefix != "" {
		prefix = settings.Prefix
	}
	if strings.TrimSpace(m.Content) != prefix {
		return
	}

	if b.maintenance.Load() {
		logger.InfoContext(ctx, "maintenance mode, ignoring quote trigger")
		return
	}
	if !b.quote.Allow(user.ID) {
		logger.InfoContext(ctx, "quote rate limit exceeded", "user_id", user.ID)
		return
	}

	quoted := m.ReferencedMessage
	if quoted == nil {
		quoted, err = b.discord.session.ChannelMessage(
			m.MessageReference.ChannelID,
			m.MessageReference.MessageID,
		)
		if err != nil {
			logger.ErrorContext(
				ctx,
				"error fetching replied-to message",
				tint.Err(err),
			)
			return
		}
	}
	if quoted.Author == nil || strings.TrimSpace(quoted.Content) == "" {
		logger.DebugContext(ctx, "nothing to quote")
		return
	}

	png, err := b.quote.Render(ctx, quoteCardFromMessage(quoted))
	if err != nil {
		logger.ErrorContext(ctx, "error rendering quote card", tint.Err(err))
		return
	}

	go b.stats.Record(
		context.WithoutCancel(ctx),
		Stat{
			Type:      statTypeQuoteTrigger,
			Value:     prefix,
			UserID:    user.ID,
			GuildID:   m.GuildID,
			ChannelID: m.ChannelID,
		},
	)

	_, err = b.discord.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Files: []*discordgo.File{
				{
					Name:        quoteAttachmentName,
					ContentType: "image/png",
					Reader:      bytes.NewReader(png),
				},
			},
			Reference: quoted.Reference(),
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error sending quote card", tint.Err(err))
	}
}

// handleGuildCreate ensures a settings row exists for the guild and
// clears the deleted flag if the bot previously left it.
func (b *Bot) handleGuildCreate(
	ctx context.Context,
	g *discordgo.GuildCreate,
) {
	ctx, logger := b.getLogger(ctx)

	settings, created, err := getOrCreateGuildSettings(ctx, b.writeDB, g.ID)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"error syncing guild settings",
			"guild_id", g.ID,
			tint.Err(err),
		)
		return
	}
	if created {
		logger.InfoContext(ctx, "joined new guild", "guild_id", g.ID)
		return
	}
	if settings.Deleted {
		if _, err = b.writeDB.Updates(
			ctx,
			settings,
			map[string]any{columnGuildDeleted: false},
		); err != nil {
			logger.ErrorContext(
				ctx,
				"error clearing guild deleted flag",
				"guild_id", g.ID,
				tint.Err(err),
			)
			return
		}
		b.notifySettingsChanged(ctx, g.ID)
		logger.InfoContext(ctx, "rejoined guild", "guild_id", g.ID)
	}
}

// handleGuildDelete marks a guild's settings row deleted when the bot
// is removed. Gateway outages also emit GuildDelete with Unavailable
// set, which does not mean removal.
func (b *Bot) handleGuildDelete(
	ctx context.Context,
	g *discordgo.GuildDelete,
) {
	ctx, logger := b.getLogger(ctx)

	if g.Unavailable {
		logger.DebugContext(ctx, "guild unavailable", "guild_id", g.ID)
		return
	}

	var settings GuildSettings
	err := b.writeDB.DB().WithContext(ctx).Where(
		"guild_id = ?", g.ID,
	).First(&settings).Error
	if err != nil {
		logger.ErrorContext(
			ctx,
			"error loading settings for removed guild",
			"guild_id", g.ID,
			tint.Err(err),
		)
		return
	}
	if _, err = b.writeDB.Updates(
		ctx,
		&settings,
		map[string]any{columnGuildDeleted: true},
	); err != nil {
		logger.ErrorContext(
			ctx,
			"error marking guild deleted",
			"guild_id", g.ID,
			tint.Err(err),
		)
		return
	}
	b.notifySettingsChanged(ctx, g.ID)
	logger.InfoContext(ctx, "removed from guild", "guild_id", g.ID)
}
