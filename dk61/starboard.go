package dk61

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// ErrLedgerConflict is returned by StarLedger.Insert when a record for
// the same (guild, source message) pair already exists. The engine
// treats it as "already starred" and falls back to an in-place update.
var ErrLedgerConflict = errors.New("starred message already recorded")

// StarredMessage links a promoted source message to its board post.
// At most one board post exists per source message per guild; the
// composite unique index is the only guard against concurrent
// double-promotion. BoardMessageID is immutable once set - the board
// post is edited in place, never replaced.
//
//nolint:lll // struct tags can't be split
type StarredMessage struct {
	ModelUintID
	ModelUnixTime

	// GuildID is the guild the source message belongs to
	GuildID string `json:"guild_id" gorm:"uniqueIndex:idx_starred_guild_message;type:string;not null"`

	// MessageID is the ID of the promoted source message
	MessageID string `json:"message_id" gorm:"uniqueIndex:idx_starred_guild_message;type:string;not null"`

	// BoardMessageID is the ID of the mirrored post in the board channel
	BoardMessageID string `json:"board_message_id" gorm:"type:string;not null"`
}

func (m StarredMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", m.GuildID),
		slog.String("message_id", m.MessageID),
		slog.String("board_message_id", m.BoardMessageID),
	)
}

// StarLedger is the persistent mapping from promoted source messages to
// their board posts. FindByGuildAndSource returns (nil, nil) when no
// record exists.
type StarLedger interface {
	FindByGuildAndSource(
		ctx context.Context,
		guildID string,
		messageID string,
	) (*StarredMessage, error)

	// Insert records a new promotion. Returns ErrLedgerConflict if the
	// (guild, source message) pair is already recorded.
	Insert(
		ctx context.Context,
		guildID string,
		messageID string,
		boardMessageID string,
	) (*StarredMessage, error)

	Delete(ctx context.Context, guildID string, messageID string) error
}

// gormStarLedger implements StarLedger over the write DB.
type gormStarLedger struct {
	db DBI
}

func newStarLedger(db DBI) StarLedger {
	return &gormStarLedger{db: db}
}

func (l *gormStarLedger) FindByGuildAndSource(
	ctx context.Context,
	guildID string,
	messageID string,
) (*StarredMessage, error) {
	var record StarredMessage
	err := l.db.DB().WithContext(ctx).Where(
		"guild_id = ? AND message_id = ?",
		guildID,
		messageID,
	).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (l *gormStarLedger) Insert(
	ctx context.Context,
	guildID string,
	messageID string,
	boardMessageID string,
) (*StarredMessage, error) {
	record := StarredMessage{
		GuildID:        guildID,
		MessageID:      messageID,
		BoardMessageID: boardMessageID,
	}
	if _, err := l.db.Create(ctx, &record); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrLedgerConflict
		}
		return nil, err
	}
	return &record, nil
}

func (l *gormStarLedger) Delete(
	ctx context.Context,
	guildID string,
	messageID string,
) error {
	// DBI.Delete is unscoped - a soft-deleted row would still trip the
	// unique index on the next promotion of the same message
	_, err := l.db.Delete(
		ctx,
		&StarredMessage{},
		"guild_id = ? AND message_id = ?",
		guildID,
		messageID,
	)
	return err
}

// starboardSession is the slice of the Discord session the engine
// needs. DiscordSessionHandler satisfies it; tests use a mock.
type starboardSession interface {
	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	Channel(
		channelID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
	MessageReactions(
		channelID, messageID, emojiID string,
		limit int,
		beforeID, afterID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.User, error)
	UserChannelPermissions(
		userID, channelID string,
		fetchOptions ...discordgo.RequestOption,
	) (int64, error)
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error
	BotUserID() string
}

// ReactionEvent is the normalized, fully-resolved form of a raw
// reaction add/remove notification. It exists for a single evaluation
// and is never persisted.
type ReactionEvent struct {
	// Removed is true for reaction-remove notifications
	Removed bool

	GuildID   string
	ChannelID string

	// ChannelNSFW gates attachment images out of new board posts
	ChannelNSFW bool

	MessageID       string
	AuthorID        string
	AuthorUsername  string
	AuthorAvatarURL string
	Content         string

	// AttachmentURL is the URL of the first attachment, if any
	AttachmentURL string

	// Emoji is the message ("toString") form of the reacted emoji
	Emoji string

	// emojiAPIName is the REST form ("name:id" for custom emoji)
	emojiAPIName string

	// ReactorID is the user who added/removed the reaction
	ReactorID string

	// RawCount is the live total of reactions with this emoji
	RawCount int

	// AuthorReacted is true when the message author is among the
	// reactors with this emoji
	AuthorReacted bool
}

// EffectiveCount is the raw count minus the author's own same-emoji
// reaction. The author never counts toward their own promotion; no
// other reaction is discounted.
func (ev ReactionEvent) EffectiveCount() int {
	if ev.AuthorReacted {
		return ev.RawCount - 1
	}
	return ev.RawCount
}

// MessageURL returns the jump link for the source message.
func (ev ReactionEvent) MessageURL() string {
	return fmt.Sprintf(
		"https://discord.com/channels/%s/%s/%s",
		ev.GuildID, ev.ChannelID, ev.MessageID,
	)
}

func (ev ReactionEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("removed", ev.Removed),
		slog.String("guild_id", ev.GuildID),
		slog.String("channel_id", ev.ChannelID),
		slog.String("message_id", ev.MessageID),
		slog.String("emoji", ev.Emoji),
		slog.String("reactor_id", ev.ReactorID),
		slog.Int("raw_count", ev.RawCount),
		slog.Bool("author_reacted", ev.AuthorReacted),
	)
}

// Starboard is the reaction-driven promotion engine. It owns no
// in-memory state between events: every transition re-reads settings,
// the ledger and the live reaction count, so interleaved events
// converge to idempotent re-renders rather than divergent states.
type Starboard struct {
	session          starboardSession
	settings         GuildSettingsStore
	ledger           StarLedger
	stats            *Stats
	logger           *slog.Logger
	defaultThreshold int
}

// NewStarboard creates a promotion engine from its collaborators. All
// dependencies are explicit; nothing is resolved from globals. stats
// may be nil, in which case transitions are not recorded.
func NewStarboard(
	session starboardSession,
	settings GuildSettingsStore,
	ledger StarLedger,
	stats *Stats,
	log *slog.Logger,
	defaultThreshold int,
) *Starboard {
	if log == nil {
		log = slog.Default()
	}
	if defaultThreshold < 1 {
		defaultThreshold = DefaultStarboardThreshold
	}
	return &Starboard{
		session:          session,
		settings:         settings,
		ledger:           ledger,
		stats:            stats,
		logger:           log.With(loggerNameKey, "starboard"),
		defaultThreshold: defaultThreshold,
	}
}

// recordTransition records a promotion or demotion. In-place re-renders
// are not recorded - only state transitions are interesting.
func (sb *Starboard) recordTransition(
	ctx context.Context,
	ev *ReactionEvent,
	value string,
) {
	if sb.stats == nil {
		return
	}
	sb.stats.Record(
		ctx, Stat{
			Type:      statTypeStarboard,
			Value:     value,
			UserID:    ev.ReactorID,
			GuildID:   ev.GuildID,
			ChannelID: ev.ChannelID,
		},
	)
}

// HandleReaction evaluates a single raw reaction notification. All
// failures are logged and swallowed: the triggering actor is a passive
// reactor, so there is nothing useful to surface, and dropping the
// event is always safe (the next reaction re-reads everything).
func (sb *Starboard) HandleReaction(
	ctx context.Context,
	mr *discordgo.MessageReaction,
	removed bool,
) {
	if mr == nil || mr.GuildID == "" {
		return
	}
	log := sb.logger.With(
		"guild_id", mr.GuildID,
		"message_id", mr.MessageID,
		"removed", removed,
	)

	settings, err := sb.settings.FindByGuildID(ctx, mr.GuildID)
	if err != nil {
		log.ErrorContext(ctx, "error loading guild settings", tint.Err(err))
		return
	}
	// no settings row, or starboard not configured: feature disabled
	// for this guild, not an error
	if settings == nil || !settings.StarboardEnabled() {
		return
	}
	if mr.Emoji.MessageFormat() != settings.StarboardEmoji {
		return
	}

	ev, err := sb.resolveReaction(ctx, mr, removed)
	if err != nil {
		log.WarnContext(ctx, "dropping unresolvable reaction event", tint.Err(err))
		return
	}
	// self-reactions never count, in either direction
	if ev.ReactorID == ev.AuthorID {
		return
	}

	threshold := settings.Threshold(sb.defaultThreshold)
	if ev.Removed {
		sb.processRemove(ctx, ev, settings, threshold)
	} else {
		sb.processAdd(ctx, ev, settings, threshold)
	}
}

// resolveReaction completes a partial gateway reaction payload into a
// total ReactionEvent. Gateway reaction notifications never carry
// counts or message bodies, so this always fetches the source message,
// its channel, and the reactor list for the trigger emoji.
func (sb *Starboard) resolveReaction(
	ctx context.Context,
	mr *discordgo.MessageReaction,
	removed bool,
) (*ReactionEvent, error) {
	msg, err := sb.session.ChannelMessage(mr.ChannelID, mr.MessageID)
	if err != nil {
		return nil, fmt.Errorf("error fetching source message: %w", err)
	}
	if msg.Author == nil {
		return nil, errors.New("source message has no author")
	}

	ev := &ReactionEvent{
		Removed:      removed,
		GuildID:      mr.GuildID,
		ChannelID:    mr.ChannelID,
		MessageID:    mr.MessageID,
		ReactorID:    mr.UserID,
		Emoji:        mr.Emoji.MessageFormat(),
		emojiAPIName: mr.Emoji.APIName(),

		AuthorID:        msg.Author.ID,
		AuthorUsername:  msg.Author.Username,
		AuthorAvatarURL: msg.Author.AvatarURL(""),
		Content:         msg.Content,
	}
	if len(msg.Attachments) > 0 && msg.Attachments[0] != nil {
		ev.AttachmentURL = msg.Attachments[0].URL
	}

	for _, reaction := range msg.Reactions {
		if reaction != nil && reaction.Emoji != nil &&
			reaction.Emoji.APIName() == ev.emojiAPIName {
			ev.RawCount = reaction.Count
			break
		}
	}

	channel, err := sb.session.Channel(mr.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("error fetching source channel: %w", err)
	}
	ev.ChannelNSFW = channel.NSFW

	if ev.RawCount > 0 {
		users, err := sb.session.MessageReactions(
			mr.ChannelID,
			mr.MessageID,
			ev.emojiAPIName,
			maxReactionPageSize,
			"", "",
		)
		if err != nil {
			return nil, fmt.Errorf("error listing reactors: %w", err)
		}
		for _, u := range users {
			if u != nil && u.ID == ev.AuthorID {
				ev.AuthorReacted = true
				break
			}
		}
	}

	return ev, nil
}

// boardPostable reports whether the bot can post to the board channel.
// A missing channel or a failed permission lookup both read as "not
// postable".
func (sb *Starboard) boardPostable(channelID string) bool {
	botID := sb.session.BotUserID()
	if botID == "" {
		return false
	}
	perms, err := sb.session.UserChannelPermissions(botID, channelID)
	if err != nil {
		sb.logger.Warn(
			"board channel permission check failed",
			"channel_id", channelID,
			tint.Err(err),
		)
		return false
	}
	return perms&discordgo.PermissionSendMessages != 0
}

// processAdd handles the add direction: promote at threshold, refresh
// an existing board post otherwise.
func (sb *Starboard) processAdd(
	ctx context.Context,
	ev *ReactionEvent,
	settings *GuildSettings,
	threshold int,
) {
	log := sb.logger.With("event", ev)

	if ev.EffectiveCount() < threshold {
		return
	}
	if !sb.boardPostable(settings.StarboardChannelID) {
		return
	}

	record, err := sb.ledger.FindByGuildAndSource(ctx, ev.GuildID, ev.MessageID)
	if err != nil {
		log.ErrorContext(ctx, "ledger lookup failed", tint.Err(err))
		return
	}

	if record != nil {
		sb.updateBoardPost(ctx, settings.StarboardChannelID, record.BoardMessageID, ev)
		return
	}

	boardMsg, err := sb.session.ChannelMessageSendComplex(
		settings.StarboardChannelID,
		newBoardPost(ev),
	)
	if err != nil {
		log.ErrorContext(ctx, "error sending board post", tint.Err(err))
		return
	}

	if _, err = sb.ledger.Insert(
		ctx, ev.GuildID, ev.MessageID, boardMsg.ID,
	); err != nil {
		if errors.Is(err, ErrLedgerConflict) {
			// lost a create race: another event already promoted this
			// message. Remove the duplicate post and refresh the
			// recorded one.
			log.InfoContext(ctx, "already starred, falling back to update")
			if delErr := sb.session.ChannelMessageDelete(
				settings.StarboardChannelID, boardMsg.ID,
			); delErr != nil {
				log.WarnContext(ctx, "error deleting duplicate board post", tint.Err(delErr))
			}
			record, lookupErr := sb.ledger.FindByGuildAndSource(ctx, ev.GuildID, ev.MessageID)
			if lookupErr != nil || record == nil {
				return
			}
			sb.updateBoardPost(ctx, settings.StarboardChannelID, record.BoardMessageID, ev)
			return
		}
		log.ErrorContext(ctx, "error inserting ledger record", tint.Err(err))
		return
	}

	log.InfoContext(
		ctx,
		"message promoted",
		"board_message_id", boardMsg.ID,
		"effective_count", ev.EffectiveCount(),
	)
	sb.recordTransition(ctx, ev, statValueStarboardPromotion)
}

// processRemove handles the remove direction: refresh while the count
// holds, demote once it drops below threshold.
func (sb *Starboard) processRemove(
	ctx context.Context,
	ev *ReactionEvent,
	settings *GuildSettings,
	threshold int,
) {
	log := sb.logger.With("event", ev)

	if !sb.boardPostable(settings.StarboardChannelID) {
		return
	}

	record, err := sb.ledger.FindByGuildAndSource(ctx, ev.GuildID, ev.MessageID)
	if err != nil {
		log.ErrorContext(ctx, "ledger lookup failed", tint.Err(err))
		return
	}
	if record == nil {
		return
	}

	if ev.EffectiveCount() >= threshold {
		sb.updateBoardPost(ctx, settings.StarboardChannelID, record.BoardMessageID, ev)
		return
	}

	// Demotion: the platform delete is best-effort, but the ledger
	// delete always runs. A stray board post is cosmetically
	// recoverable; a dangling ledger row blocks all future promotions
	// of this message.
	if delErr := sb.session.ChannelMessageDelete(
		settings.StarboardChannelID, record.BoardMessageID,
	); delErr != nil {
		log.WarnContext(ctx, "error deleting board post", tint.Err(delErr))
	}
	if err = sb.ledger.Delete(ctx, ev.GuildID, ev.MessageID); err != nil {
		log.ErrorContext(ctx, "error deleting ledger record", tint.Err(err))
		return
	}
	log.InfoContext(
		ctx,
		"message demoted",
		"board_message_id", record.BoardMessageID,
		"effective_count", ev.EffectiveCount(),
	)
	sb.recordTransition(ctx, ev, statValueStarboardDemotion)
}

// updateBoardPost re-renders an existing board post in place. If the
// post is gone or uneditable the update is a silent no-op: it is never
// recreated, and the ledger is untouched (a later demotion self-heals
// the dangling record).
func (sb *Starboard) updateBoardPost(
	ctx context.Context,
	boardChannelID string,
	boardMessageID string,
	ev *ReactionEvent,
) {
	edit := newBoardPostEdit(boardChannelID, boardMessageID, ev)
	if _, err := sb.session.ChannelMessageEditComplex(edit); err != nil {
		sb.logger.DebugContext(
			ctx,
			"board post update skipped",
			"board_message_id", boardMessageID,
			tint.Err(err),
		)
	}
}
