package dk61

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	CommitSHA = ""
	BuildTime = ""
)

var (
	defaultLogWriter io.Writer = os.Stdout

	structValidator = validator.New()
)

// Bot wires the starboard engine, quote renderer, admin commands, and
// admin API around a single Discord gateway session.
type Bot struct {
	config *Config

	// gorm.DB wrapper for write/update/delete operations. When using
	// sqlite, a mutex serializes writes.
	writeDB DBI

	db *gorm.DB

	// dbNotifier fans guild-settings changes out to other instances
	// (postgres LISTEN/NOTIFY) or loops them back in-process (sqlite).
	dbNotifier DBNotifier

	// Standard logger. Missing loggers will try to use this, and fall
	// back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Read-through cache over GuildSettings rows
	settingsCache *settingsCache

	// The reaction promotion/demotion engine
	starboard *Starboard

	// Renders quote cards
	quote *QuoteRenderer

	// Usage counters
	stats *Stats

	// Admin HTTP API
	api *API

	// maintenance mirrors BotState.Maintenance. While set, reaction
	// events, quote triggers and non-admin commands are dropped.
	maintenance atomic.Bool

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `PUT /api/maintenance` shutdown path or a NOTIFY
	// from another instance.
	signalStop chan struct{}

	// signalReady has a value sent on it once startup completes: DB
	// migrated, state loaded, discord session open, commands registered.
	signalReady chan struct{}

	// triggerSettingsRefreshCh receives guild IDs whose cached settings
	// should be dropped.
	triggerSettingsRefreshCh chan string

	// prevents concurrent Run calls
	runMu sync.Mutex

	startedAt time.Time
}

// New creates a new Bot with the given config. The database is not
// touched until Run.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:                   config,
		signalReady:              make(chan struct{}, 1),
		triggerSettingsRefreshCh: make(chan string, 1),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.config.Discord.httpClient = b.config.HTTPClient

	disc, err := newDiscord(b.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if disc != nil {
		disc.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     b.config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")
		disc.b = b
		b.discord = disc
	}

	b.quote = newQuoteRenderer(
		b.config.Quote,
		b.config.HTTPClient,
		b.logger.With(loggerNameKey, "quote"),
	)

	api, err := newAPI(b, config.API)
	errs = append(errs, err)
	b.api = api

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// getLogger returns the logger attached to ctx, falling back to the
// bot's own, and a ctx carrying it.
func (b *Bot) getLogger(ctx context.Context) (context.Context, *slog.Logger) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = b.logger
		if logger == nil {
			logger = slog.Default()
		}
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// notifySettingsChanged drops the local cache entry for the guild and
// announces the change to any other instances.
func (b *Bot) notifySettingsChanged(ctx context.Context, guildID string) {
	b.settingsCache.Invalidate(guildID)
	if b.dbNotifier == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(
		context.WithoutCancel(ctx),
		dbNotifierSendTimeout,
	)
	defer cancel()
	b.dbNotifier.GuildSettingsUpdated(notifyCtx, guildID)
}

// Maintenance reports whether maintenance mode is on.
func (b *Bot) Maintenance() bool {
	return b.maintenance.Load()
}

// SetMaintenance persists the maintenance flag and applies it to this
// instance immediately.
func (b *Bot) SetMaintenance(ctx context.Context, enabled bool) error {
	state, err := getOrCreateBotState(ctx, b.writeDB)
	if err != nil {
		return fmt.Errorf("error loading bot state: %w", err)
	}
	if state.Maintenance != enabled {
		if _, err = b.writeDB.Updates(
			ctx,
			state,
			map[string]any{"maintenance": enabled},
		); err != nil {
			return fmt.Errorf("error updating bot state: %w", err)
		}
	}
	b.maintenance.Store(enabled)
	b.logger.InfoContext(ctx, "maintenance mode set", "enabled", enabled)
	return nil
}

// Run starts the bot and blocks until ctx is canceled or a stop signal
// is received, then shuts down gracefully.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// the 'runtime' context - canceling it triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled, sending stop signal")
			b.signalStop <- struct{}{}
		}
	}()

	runtimeWG := &sync.WaitGroup{}

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- b.initRun(startCtx, ctx, runtimeWG)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
	}

	if b.config.API.Enabled {
		go func() {
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	b.startSettingsRefresher(ctx, runtimeWG)

	for _, channel := range []string{
		b.dbNotifier.SettingsChannelName(),
		b.dbNotifier.StopChannelName(),
	} {
		if channel == "" {
			continue
		}
		runtimeWG.Add(1)
		go func(ch string) {
			defer runtimeWG.Done()
			if e := b.dbNotifier.Listen(ctx, ch); e != nil {
				logger.ErrorContext(
					ctx,
					"error listening on notify channel",
					"channel", ch,
					tint.Err(e),
				)
			}
		}(channel)
	}

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "ready")

	<-ctx.Done()

	return b.shutdown(runtimeWG)
}

// initRun initializes the database, loads persisted state, opens the
// discord session and registers commands. startCtx bounds startup;
// ctx is the runtime context handlers will use.
func (b *Bot) initRun(
	startCtx context.Context,
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	db, err := CreateDB(
		startCtx,
		b.config.DatabaseType,
		b.config.Database,
		b.config.DatabaseLogLevel,
		b.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.db = db
	b.writeDB = NewDatabase(
		db,
		b.logger,
		b.config.DatabaseType == dbTypePostgres,
	)

	notifier, err := newDBNotifier(b)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	b.dbNotifier = notifier

	state, err := getOrCreateBotState(startCtx, b.writeDB)
	if err != nil {
		return fmt.Errorf("error loading bot state: %w", err)
	}
	b.maintenance.Store(state.Maintenance)

	b.settingsCache = newSettingsCache(
		b.writeDB,
		b.logger,
		b.config.Starboard.SettingsCacheTTL,
	)
	b.stats = newStats(b.writeDB, b.logger)

	if b.discord.session == nil {
		session, sessionErr := b.discord.newSession()
		if sessionErr != nil {
			return sessionErr
		}
		b.discord.session = session
	}

	b.starboard = NewStarboard(
		b.discord.session,
		b.settingsCache,
		newStarLedger(b.writeDB),
		b.stats,
		b.logger.With(loggerNameKey, "starboard"),
		b.config.Starboard.Threshold,
	)

	b.registerGatewayHandlers(ctx, runtimeWG)

	if err = b.discord.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	if _, err = b.discord.registerCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}

	return nil
}

// registerGatewayHandlers attaches the discordgo event handlers. Each
// event is handled in its own goroutine tracked by runtimeWG, so
// shutdown waits for in-flight events.
func (b *Bot) registerGatewayHandlers(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) {
	d := b.discord
	for _, h := range d.discordgoRemoveHandlerFuncs {
		h()
	}
	d.discordgoRemoveHandlerFuncs = []func(){
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleInteraction(ctx, i)
				}()
			},
		),
		d.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleDiscordMessage(ctx, m)
				}()
			},
		),
		d.session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleReaction(ctx, r.MessageReaction, false)
				}()
			},
		),
		d.session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleReaction(ctx, r.MessageReaction, true)
				}()
			},
		),
		d.session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleGuildCreate(ctx, g)
				}()
			},
		),
		d.session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildDelete) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleGuildDelete(ctx, g)
				}()
			},
		),
	}
}

// handleReaction gates reaction events on maintenance mode, then hands
// them to the starboard engine.
func (b *Bot) handleReaction(
	ctx context.Context,
	mr *discordgo.MessageReaction,
	removed bool,
) {
	if b.maintenance.Load() {
		return
	}
	b.starboard.HandleReaction(ctx, mr, removed)
}

// startSettingsRefresher consumes guild IDs from
// triggerSettingsRefreshCh and drops the matching cache entries.
func (b *Bot) startSettingsRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case guildID := <-b.triggerSettingsRefreshCh:
				b.logger.Info(
					"dropping cached guild settings",
					"guild_id", guildID,
				)
				b.settingsCache.Invalidate(guildID)
			}
		}
	}()
}

// shutdown closes the discord session and API server, waiting up to
// ShutdownTimeout for in-flight event handlers.
func (b *Bot) shutdown(runtimeWG *sync.WaitGroup) error {
	b.logger.Warn("shutting down")

	closeCtx, closeCancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer closeCancel()

	done := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()

		if err := b.discord.session.Close(); err != nil {
			b.logger.Error("error closing discord session", tint.Err(err))
		}
		if b.api != nil && b.api.httpServer != nil {
			if err := b.api.httpServer.Shutdown(closeCtx); err != nil {
				b.logger.Error("error shutting down api server", tint.Err(err))
			}
		}
		done <- struct{}{}
	}()

	select {
	case <-done:
		b.logger.Info("shutdown complete")
		return nil
	case <-closeCtx.Done():
		if b.api != nil && b.api.httpServer != nil {
			_ = b.api.httpServer.Close()
		}
		return fmt.Errorf("graceful shutdown timed out")
	}
}
