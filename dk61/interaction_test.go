package dk61

import (
	"context"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fullMockSession implements DiscordSessionHandler for handler tests,
// reusing mockBoardSession for the starboard surface.
type fullMockSession struct {
	*mockBoardSession

	responses []*discordgo.InteractionResponse
	followups []*discordgo.WebhookParams
	statuses  []string
}

func newFullMockSession() *fullMockSession {
	return &fullMockSession{mockBoardSession: newMockBoardSession()}
}

func (m *fullMockSession) Open() error  { return nil }
func (m *fullMockSession) Close() error { return nil }

func (m *fullMockSession) AddHandler(_ any) func() {
	return func() {}
}

func (m *fullMockSession) ChannelMessageSend(
	channelID string, content string, _ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (m *fullMockSession) ApplicationCommandBulkOverwrite(
	_ string, _ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func (m *fullMockSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.responses = append(m.responses, resp)
	return nil
}

func (m *fullMockSession) FollowupMessageCreate(
	_ *discordgo.Interaction,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.followups = append(m.followups, data)
	return &discordgo.Message{}, nil
}

func (m *fullMockSession) UpdateCustomStatus(status string) error {
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *fullMockSession) SetLogLevel(_ slog.Level) error { return nil }

func (m *fullMockSession) SetHTTPClient(_ *http.Client) {}

// newTestBot builds a Bot around a mock session and a temp sqlite DB.
func newTestBot(t testing.TB) (*Bot, *fullMockSession) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "test-app"

	db := NewDatabase(setupTestDB(t), testLogger(t), false)
	b := &Bot{
		config:                   cfg,
		logger:                   testLogger(t),
		writeDB:                  db,
		stats:                    newStats(db, testLogger(t)),
		settingsCache:            newSettingsCache(db, testLogger(t), time.Minute),
		startedAt:                time.Now(),
		signalStop:               make(chan struct{}, 1),
		triggerSettingsRefreshCh: make(chan string, 1),
	}

	disc, err := newDiscord(cfg.Discord)
	require.NoError(t, err)
	disc.logger = testLogger(t)
	disc.b = b
	session := newFullMockSession()
	disc.session = session
	b.discord = disc

	b.quote = newQuoteRenderer(cfg.Quote, nil, testLogger(t))
	b.starboard = NewStarboard(
		session,
		b.settingsCache,
		newStarLedger(db),
		b.stats,
		testLogger(t),
		cfg.Starboard.Threshold,
	)

	notifier, err := newDBNotifier(b)
	require.NoError(t, err)
	b.dbNotifier = notifier

	return b, session
}

func slashInteraction(
	name string,
	options []*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "interaction-1",
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   "guild-1",
			ChannelID: "chan-1",
			Member: &discordgo.Member{
				User: &discordgo.User{ID: "admin-1", Username: "admin"},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: options,
			},
		},
	}
}

func TestHandleSettingsCommand(t *testing.T) {
	b, session := newTestBot(t)
	ctx := context.Background()

	i := slashInteraction(
		DiscordSlashCommandSettings,
		[]*discordgo.ApplicationCommandInteractionDataOption{
			{
				Name:  settingsOptionStarboardChannel,
				Type:  discordgo.ApplicationCommandOptionChannel,
				Value: "board-chan",
			},
			{
				Name:  settingsOptionStarboardEmoji,
				Type:  discordgo.ApplicationCommandOptionString,
				Value: "⭐",
			},
			{
				Name:  settingsOptionStarboardCount,
				Type:  discordgo.ApplicationCommandOptionNumber,
				Value: float64(5),
			},
		},
	)
	b.handleInteraction(ctx, i)

	var settings GuildSettings
	require.NoError(
		t,
		b.writeDB.DB().Where("guild_id = ?", "guild-1").
			First(&settings).Error,
	)
	assert.Equal(t, "board-chan", settings.StarboardChannelID)
	assert.Equal(t, "⭐", settings.StarboardEmoji)
	assert.Equal(t, 5, settings.StarboardThreshold)

	require.Len(t, session.responses, 1)
	resp := session.responses[0]
	assert.Equal(
		t,
		discordgo.InteractionResponseChannelMessageWithSource,
		resp.Type,
	)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	require.Len(t, resp.Data.Embeds, 1)
}

func TestHandleSettingsCommandInvalidEmoji(t *testing.T) {
	b, session := newTestBot(t)

	i := slashInteraction(
		DiscordSlashCommandSettings,
		[]*discordgo.ApplicationCommandInteractionDataOption{
			{
				Name:  settingsOptionStarboardEmoji,
				Type:  discordgo.ApplicationCommandOptionString,
				Value: "definitely not an emoji",
			},
		},
	)
	b.handleInteraction(context.Background(), i)

	var settings GuildSettings
	require.NoError(
		t,
		b.writeDB.DB().Where("guild_id = ?", "guild-1").
			First(&settings).Error,
	)
	assert.Empty(t, settings.StarboardEmoji)

	require.Len(t, session.responses, 1)
	assert.Contains(t, session.responses[0].Data.Content, "emoji")
}

func TestHandlePrefixCommand(t *testing.T) {
	b, session := newTestBot(t)
	ctx := context.Background()

	i := slashInteraction(
		DiscordSlashCommandPrefix,
		[]*discordgo.ApplicationCommandInteractionDataOption{
			{
				Name:  prefixOptionPrefix,
				Type:  discordgo.ApplicationCommandOptionString,
				Value: "!!",
			},
		},
	)
	b.handleInteraction(ctx, i)

	var settings GuildSettings
	require.NoError(
		t,
		b.writeDB.DB().Where("guild_id = ?", "guild-1").
			First(&settings).Error,
	)
	assert.Equal(t, "!!", settings.Prefix)

	// omitting the option resets to the default
	b.handleInteraction(ctx, slashInteraction(DiscordSlashCommandPrefix, nil))
	require.NoError(
		t,
		b.writeDB.DB().Where("guild_id = ?", "guild-1").
			First(&settings).Error,
	)
	assert.Empty(t, settings.Prefix)

	require.Len(t, session.responses, 2)
	assert.Contains(t, session.responses[1].Data.Content, DefaultQuotePrefix)
}

func TestHandlePingCommand(t *testing.T) {
	b, session := newTestBot(t)

	b.handleInteraction(
		context.Background(),
		slashInteraction(DiscordSlashCommandPing, nil),
	)

	require.Len(t, session.responses, 1)
	assert.Equal(t, "Pong!", session.responses[0].Data.Content)
}

func TestHandleInteractionMaintenanceMode(t *testing.T) {
	b, session := newTestBot(t)
	b.maintenance.Store(true)

	b.handleInteraction(
		context.Background(),
		slashInteraction(DiscordSlashCommandPing, nil),
	)

	require.Len(t, session.responses, 1)
	assert.Equal(t, maintenanceResponse, session.responses[0].Data.Content)
}

func TestHandleInteractionIgnoresBots(t *testing.T) {
	b, session := newTestBot(t)

	i := slashInteraction(DiscordSlashCommandPing, nil)
	i.Member.User.Bot = true
	b.handleInteraction(context.Background(), i)

	assert.Empty(t, session.responses)
}

func TestHandleQuoteCommandNoContent(t *testing.T) {
	b, session := newTestBot(t)

	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "interaction-2",
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   "guild-1",
			ChannelID: "chan-1",
			Member: &discordgo.Member{
				User: &discordgo.User{ID: "u1", Username: "user"},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				Name:     DiscordContextCommandQuote,
				TargetID: "target-msg",
				Resolved: &discordgo.ApplicationCommandInteractionDataResolved{
					Messages: map[string]*discordgo.Message{
						"target-msg": {
							ID:      "target-msg",
							Content: "   ",
							Author:  &discordgo.User{ID: "a", Username: "alice"},
						},
					},
				},
			},
		},
	}
	b.handleInteraction(context.Background(), i)

	require.Len(t, session.responses, 1)
	assert.Equal(t, quoteNoContent, session.responses[0].Data.Content)
	assert.Empty(t, session.followups)
}

func TestSettingsEmbedDefaults(t *testing.T) {
	embed := settingsEmbed(&GuildSettings{GuildID: "g1"})
	require.Len(t, embed.Fields, 4)
	assert.Equal(t, "not set", embed.Fields[0].Value)
	assert.Equal(t, "not set", embed.Fields[1].Value)
	assert.Equal(t, "3", embed.Fields[2].Value)
	assert.Equal(t, "`>>`", embed.Fields[3].Value)
}

func TestAppCommandDefinitions(t *testing.T) {
	d := &Discord{}

	settings := d.appCommandSettings()
	assert.Equal(t, DiscordSlashCommandSettings, settings.Name)
	assert.Len(t, settings.Options, 4)
	require.NotNil(t, settings.DefaultMemberPermissions)
	assert.Equal(
		t,
		int64(discordgo.PermissionAdministrator),
		*settings.DefaultMemberPermissions,
	)

	quote := d.appCommandQuote()
	assert.Equal(t, DiscordContextCommandQuote, quote.Name)
	assert.Equal(t, discordgo.MessageApplicationCommand, quote.Type)
	assert.Empty(t, quote.Description)
}
