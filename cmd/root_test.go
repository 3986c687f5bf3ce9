package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zvshka/dk61rewrite/dk61"
)

func assertLogLevel(t *testing.T, expected slog.Level, actual any) {
	t.Helper()
	levelVar, ok := actual.(*slog.LevelVar)
	require.Truef(t, ok, "expected *slog.LevelVar, got %T", actual)
	assert.Equal(t, expected, levelVar.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

DK_DATABASE=/home/foo/dk61.sqlite3
DK_DATABASE_TYPE=sqlite
DK_DATABASE_LOG_LEVEL=INFO
DK_DATABASE_SLOW_THRESHOLD=200ms
DK_LOG_LEVEL=INFO
DK_STARTUP_TIMEOUT=30s
DK_SHUTDOWN_TIMEOUT=60s

# Discord bot config

DK_DISCORD_TOKEN=your-discord-bot-token
DK_DISCORD_APPLICATION_ID=your-discord-bot-app-id
DK_DISCORD_GUILD_ID=
DK_DISCORD_LOG_LEVEL=WARN
DK_DISCORD_DISCORDGO_LOG_LEVEL=WARN
DK_DISCORD_STARTUP_MESSAGE="I'm here!"
DK_DISCORD_CUSTOM_STATUS="watching the stars"
DK_DISCORD_GATEWAY_INTENTS=3243773

# Starboard config

DK_STARBOARD_THRESHOLD=5
DK_STARBOARD_SETTINGS_CACHE_TTL=2m

# Quote config

DK_QUOTE_FONT_REGULAR=/usr/share/fonts/regular.ttf
DK_QUOTE_FONT_ITALIC=/usr/share/fonts/italic.ttf
DK_QUOTE_RATE_PER_MINUTE=6

# API server

DK_API_ENABLED=true
DK_API_LISTEN=127.0.0.1:5000
DK_API_SECRET=your-api-secret
DK_API_LOG_LEVEL=DEBUG
DK_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
DK_API_CORS_ALLOW_METHODS=GET PUT OPTIONS HEAD
DK_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept Authorization Cache-Control
DK_API_CORS_ALLOW_CREDENTIALS=true
DK_API_CORS_MAX_AGE=12h
DK_API_READ_TIMEOUT=5s
DK_API_READ_HEADER_TIMEOUT=5s
DK_API_WRITE_TIMEOUT=10s
DK_API_IDLE_TIMEOUT=30s
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/dk61.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/dk61.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))

	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))

	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(t, "your-discord-bot-app-id", viper.GetString("discord.application_id"))
	assert.Equal(t, "", viper.GetString("discord.guild_id"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assert.Equal(t, "I'm here!", viper.GetString("discord.startup_message"))
	assert.Equal(t, "watching the stars", viper.GetString("discord.custom_status"))
	assert.Equal(t, 3243773, viper.GetInt("discord.gateway_intents"))

	assert.Equal(t, 5, viper.GetInt("starboard.threshold"))
	assert.Equal(t, 2*time.Minute, viper.GetDuration("starboard.settings_cache_ttl"))

	assert.Equal(t, "/usr/share/fonts/regular.ttf", viper.GetString("quote.font_regular"))
	assert.Equal(t, "/usr/share/fonts/italic.ttf", viper.GetString("quote.font_italic"))
	assert.Equal(t, 6, viper.GetInt("quote.rate_per_minute"))

	assert.True(t, viper.GetBool("api.enabled"))
	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assert.Equal(t, "tcp", viper.GetString("api.listen_network"))
	assert.Equal(t, "your-api-secret", viper.GetString("api.secret"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.Equal(
		t,
		[]string{"GET", "PUT", "OPTIONS", "HEAD"},
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	assert.Equal(
		t,
		[]string{"GET", "PUT", "OPTIONS", "HEAD"},
		cfg.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"Authorization",
			"Cache-Control",
		},
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	assert.True(t, viper.GetBool("api.cors.allow_credentials"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("api.cors.max_age"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_header_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))

	// Unmarshal the configuration into a dk61.Config struct
	var config dk61.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	assert.NoError(t, err)

	// Verify some key fields in the Config struct
	assert.Equal(t, "/home/foo/dk61.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "I'm here!", config.Discord.StartupMessage)
	assert.Equal(t, "watching the stars", config.Discord.CustomStatus)
	assert.Equal(t, discordgo.Intent(3243773), config.Discord.GatewayIntents)

	assert.Equal(t, 5, config.Starboard.Threshold)
	assert.Equal(t, 2*time.Minute, config.Starboard.SettingsCacheTTL)

	assert.Equal(t, "/usr/share/fonts/regular.ttf", config.Quote.FontRegular)
	assert.Equal(t, "/usr/share/fonts/italic.ttf", config.Quote.FontItalic)
	assert.Equal(t, 6, config.Quote.RatePerMinute)

	assert.True(t, config.API.Enabled)
	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, "tcp", config.API.ListenNetwork)
	assert.Equal(t, "your-api-secret", config.API.Secret)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "PUT", "OPTIONS", "HEAD"},
		config.API.CORS.AllowMethods,
	)
	assert.True(t, config.API.CORS.AllowCredentials)
	assert.Equal(t, 12*time.Hour, config.API.CORS.MaxAge)
}

func TestGetLogLevel(t *testing.T) {
	for _, expected := range []slog.Level{
		slog.LevelDebug,
		slog.LevelInfo,
		slog.LevelWarn,
		slog.LevelError,
	} {
		lvl, err := getLogLevel(expected.String())
		require.NoError(t, err)
		assert.Equal(t, expected, lvl)
	}

	_, err := getLogLevel("LOUD")
	assert.Error(t, err)
}
