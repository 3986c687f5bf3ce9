package dk61

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	maintenanceResponse = "I'm undergoing maintenance right now - try again later!"
	quoteRateLimited    = "Slow down! You can only quote a few messages per minute."
	quoteNoContent      = "That message has no text to quote."
)

// interactionLogAttrs returns log attributes identifying an interaction.
func interactionLogAttrs(i discordgo.InteractionCreate) []any {
	attrs := []any{
		slog.String("id", i.ID),
		slog.String("guild_id", i.GuildID),
		slog.String("channel_id", i.ChannelID),
		slog.Int("type", int(i.Type)),
	}
	if i.Type == discordgo.InteractionApplicationCommand {
		attrs = append(
			attrs,
			slog.String("command", i.ApplicationCommandData().Name),
		)
	}
	return attrs
}

// handleInteraction dispatches an incoming interaction to the matching
// command handler.
func (b *Bot) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger := b.logger.With(
		slog.Group("interaction", interactionLogAttrs(*i)...),
	)
	ctx = WithLogger(ctx, logger)

	if i.Type == discordgo.InteractionPing {
		_ = b.discord.session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
		return
	}

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}
	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", discordUser)
		return
	}

	if i.Type != discordgo.InteractionApplicationCommand {
		logger.DebugContext(ctx, "ignoring interaction type")
		return
	}

	commandName := i.ApplicationCommandData().Name
	logger.InfoContext(
		ctx,
		"received new interaction",
		"user", structToSlogValue(discordUser),
	)

	if b.maintenance.Load() {
		logger.InfoContext(ctx, "maintenance mode, rejecting command")
		b.respondEphemeral(ctx, i, maintenanceResponse)
		return
	}

	switch commandName {
	case DiscordSlashCommandSettings:
		b.handleSettingsCommand(ctx, i, discordUser)
	case DiscordSlashCommandPrefix:
		b.handlePrefixCommand(ctx, i, discordUser)
	case DiscordSlashCommandPing:
		b.handlePingCommand(ctx, i, discordUser)
	case DiscordContextCommandQuote:
		b.handleQuoteCommand(ctx, i, discordUser)
	default:
		logger.WarnContext(ctx, "unknown command", "command", commandName)
	}
}

// respondEphemeral sends a plain ephemeral text response to an
// interaction, logging (but otherwise swallowing) failures.
func (b *Bot) respondEphemeral(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		logger, ok := ContextLogger(ctx)
		if !ok {
			logger = b.logger
		}
		logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
}

// handleSettingsCommand applies the /settings options to the guild's
// settings row and confirms the resulting configuration.
func (b *Bot) handleSettingsCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = b.logger
	}
	if i.GuildID == "" {
		b.respondEphemeral(ctx, i, "This command only works in a server.")
		return
	}

	settings, _, err := getOrCreateGuildSettings(ctx, b.writeDB, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading guild settings", tint.Err(err))
		b.respondEphemeral(ctx, i, "Something went wrong loading this server's settings.")
		return
	}

	options := discordInteractionOptions(i)
	updates := map[string]any{}

	if opt, found := options[settingsOptionStarboardChannel]; found {
		ch := opt.ChannelValue(nil)
		if ch != nil {
			updates[columnGuildStarboardChannelID] = ch.ID
		}
	}
	if opt, found := options[settingsOptionStarboardEmoji]; found {
		emoji := strings.TrimSpace(opt.StringValue())
		if !validTriggerEmoji(emoji) {
			b.respondEphemeral(
				ctx,
				i,
				fmt.Sprintf("%q doesn't look like an emoji I can watch for.", emoji),
			)
			return
		}
		updates[columnGuildStarboardEmoji] = emoji
	}
	if opt, found := options[settingsOptionStarboardCount]; found {
		count := int(opt.FloatValue())
		if count < 1 {
			b.respondEphemeral(ctx, i, "The reaction count must be at least 1.")
			return
		}
		updates[columnGuildStarboardThreshold] = count
	}
	if opt, found := options[settingsOptionQuotesPrefix]; found {
		updates[columnGuildPrefix] = strings.TrimSpace(opt.StringValue())
	}

	if len(updates) > 0 {
		if _, err = b.writeDB.Updates(ctx, settings, updates); err != nil {
			logger.ErrorContext(ctx, "error updating guild settings", tint.Err(err))
			b.respondEphemeral(ctx, i, "Something went wrong saving the settings.")
			return
		}
		b.notifySettingsChanged(ctx, i.GuildID)
	}

	go b.stats.Record(
		context.WithoutCancel(ctx),
		Stat{
			Type:      statTypeSlashCommand,
			Value:     DiscordSlashCommandSettings,
			UserID:    u.ID,
			GuildID:   i.GuildID,
			ChannelID: i.ChannelID,
		},
	)

	err = b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{settingsEmbed(settings)},
				Flags:  discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error responding to settings command", tint.Err(err))
	}
}

// settingsEmbed summarizes the guild's current configuration.
func settingsEmbed(settings *GuildSettings) *discordgo.MessageEmbed {
	starboardChannel := "not set"
	if settings.StarboardChannelID != "" {
		starboardChannel = fmt.Sprintf("<#%s>", settings.StarboardChannelID)
	}
	emoji := settings.StarboardEmoji
	if emoji == "" {
		emoji = "not set"
	}
	prefix := settings.Prefix
	if prefix == "" {
		prefix = DefaultQuotePrefix
	}
	return &discordgo.MessageEmbed{
		Title: "Server settings",
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Starboard channel",
				Value:  starboardChannel,
				Inline: true,
			},
			{
				Name:   "Starboard emoji",
				Value:  emoji,
				Inline: true,
			},
			{
				Name: "Reactions required",
				Value: fmt.Sprintf(
					"%d",
					settings.Threshold(DefaultStarboardThreshold),
				),
				Inline: true,
			},
			{
				Name:   "Quote prefix",
				Value:  fmt.Sprintf("`%s`", prefix),
				Inline: true,
			},
		},
	}
}

// handlePrefixCommand sets or resets the guild's quote prefix.
func (b *Bot) handlePrefixCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = b.logger
	}
	if i.GuildID == "" {
		b.respondEphemeral(ctx, i, "This command only works in a server.")
		return
	}

	settings, _, err := getOrCreateGuildSettings(ctx, b.writeDB, i.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading guild settings", tint.Err(err))
		b.respondEphemeral(ctx, i, "Something went wrong loading this server's settings.")
		return
	}

	prefix := ""
	if opt, found := discordInteractionOptions(i)[prefixOptionPrefix]; found {
		prefix = strings.TrimSpace(opt.StringValue())
	}
	if _, err = b.writeDB.Updates(
		ctx,
		settings,
		map[string]any{columnGuildPrefix: prefix},
	); err != nil {
		logger.ErrorContext(ctx, "error updating guild prefix", tint.Err(err))
		b.respondEphemeral(ctx, i, "Something went wrong saving the prefix.")
		return
	}
	b.notifySettingsChanged(ctx, i.GuildID)

	go b.stats.Record(
		context.WithoutCancel(ctx),
		Stat{
			Type:      statTypeSlashCommand,
			Value:     DiscordSlashCommandPrefix,
			UserID:    u.ID,
			GuildID:   i.GuildID,
			ChannelID: i.ChannelID,
		},
	)

	if prefix == "" {
		b.respondEphemeral(
			ctx,
			i,
			fmt.Sprintf("Quote prefix reset to `%s`.", DefaultQuotePrefix),
		)
		return
	}
	b.respondEphemeral(ctx, i, fmt.Sprintf("Quote prefix set to `%s`.", prefix))
}

func (b *Bot) handlePingCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) {
	go b.stats.Record(
		context.WithoutCancel(ctx),
		Stat{
			Type:      statTypeSlashCommand,
			Value:     DiscordSlashCommandPing,
			UserID:    u.ID,
			GuildID:   i.GuildID,
			ChannelID: i.ChannelID,
		},
	)
	b.respondEphemeral(ctx, i, "Pong!")
}

// handleQuoteCommand renders the targeted message as a quote card and
// posts it as a followup. Rendering can take a moment (two image
// fetches plus PNG encoding), so the response is deferred first.
func (b *Bot) handleQuoteCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = b.logger
	}

	data := i.ApplicationCommandData()
	msg := data.Resolved.Messages[data.TargetID]
	if msg == nil {
		logger.ErrorContext(ctx, "no resolved message on quote command")
		b.respondEphemeral(ctx, i, "I couldn't find that message.")
		return
	}
	if strings.TrimSpace(msg.Content) == "" {
		b.respondEphemeral(ctx, i, quoteNoContent)
		return
	}
	if !b.quote.Allow(u.ID) {
		b.respondEphemeral(ctx, i, quoteRateLimited)
		return
	}

	err := b.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error deferring quote response", tint.Err(err))
		return
	}

	card := quoteCardFromMessage(msg)
	png, err := b.quote.Render(ctx, card)
	if err != nil {
		logger.ErrorContext(ctx, "error rendering quote card", tint.Err(err))
		_, _ = b.discord.session.FollowupMessageCreate(
			i.Interaction,
			true,
			&discordgo.WebhookParams{
				Content: "Something went wrong rendering that quote.",
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		)
		return
	}

	go b.stats.Record(
		context.WithoutCancel(ctx),
		Stat{
			Type:      statTypeContextCommand,
			Value:     DiscordContextCommandQuote,
			UserID:    u.ID,
			GuildID:   i.GuildID,
			ChannelID: i.ChannelID,
		},
	)

	_, err = b.discord.session.FollowupMessageCreate(
		i.Interaction,
		true,
		&discordgo.WebhookParams{
			Files: []*discordgo.File{
				{
					Name:        quoteAttachmentName,
					ContentType: "image/png",
					Reader:      bytes.NewReader(png),
				},
			},
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error sending quote followup", tint.Err(err))
	}
}

// quoteCardFromMessage builds a QuoteCard from a quoted message:
// mentions replaced with usernames, the display name and avatar of the
// author, and the first image attachment as the card background.
func quoteCardFromMessage(msg *discordgo.Message) QuoteCard {
	mentions := make(map[string]string, len(msg.Mentions))
	for _, m := range msg.Mentions {
		mentions[m.ID] = m.Username
	}
	card := QuoteCard{
		Content:    replaceMentions(msg.Content, mentions),
		AuthorName: msg.Author.Username,
		AvatarURL:  msg.Author.AvatarURL("256"),
	}
	for _, a := range msg.Attachments {
		if a.Width > 0 && a.Height > 0 {
			card.BackgroundURL = a.URL
			break
		}
	}
	return card
}
