package dk61

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Stat types recorded per usage event.
const (
	statTypeSlashCommand   = "SLASH_COMMAND"
	statTypeContextCommand = "MESSAGE_CONTEXT_MENU_COMMAND"
	statTypeQuoteTrigger   = "QUOTE_TRIGGER"
	statTypeStarboard      = "STARBOARD_EVENT"

	// statTypeStarboard values
	statValueStarboardPromotion = "promotion"
	statValueStarboardDemotion  = "demotion"
)

// Stat is one usage record: a slash command invocation, a context-menu
// command, a prefix-triggered quote, or a starboard promotion/demotion.
//
//nolint:lll // struct tags can't be split
type Stat struct {
	ModelUintID
	ModelUnixTime

	// Type is one of the statType* constants
	Type string `json:"type" gorm:"type:string;index"`

	// Value is the command name or event kind
	Value string `json:"value" gorm:"type:string"`

	UserID    string `json:"user_id" gorm:"type:string"`
	GuildID   string `json:"guild_id" gorm:"type:string;index"`
	ChannelID string `json:"channel_id" gorm:"type:string"`
}

// Stats records usage events and answers aggregation queries for the
// admin API.
type Stats struct {
	db     DBI
	logger *slog.Logger
}

func newStats(db DBI, log *slog.Logger) *Stats {
	if log == nil {
		log = slog.Default()
	}
	return &Stats{db: db, logger: log.With(loggerNameKey, "stats")}
}

// Record inserts a usage record. Failures are logged and swallowed -
// stats are never worth failing the triggering operation for.
func (s *Stats) Record(ctx context.Context, stat Stat) {
	if _, err := s.db.Create(ctx, &stat); err != nil {
		s.logger.WarnContext(
			ctx,
			"error recording stat",
			"type", stat.Type,
			"value", stat.Value,
			tint.Err(err),
		)
	}
}

// TotalStats summarizes overall usage.
type TotalStats struct {
	TotalGuilds   int64 `json:"total_guilds"`
	TotalStarred  int64 `json:"total_starred"`
	TotalCommands int64 `json:"total_commands"`
}

// Totals returns overall usage counts: known (non-deleted) guilds,
// currently-starred messages, and command invocations. The counts are
// independent, so they run concurrently.
func (s *Stats) Totals(ctx context.Context) (TotalStats, error) {
	var totals TotalStats

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			return s.db.DB().WithContext(gctx).Model(&GuildSettings{}).
				Where("deleted = ?", false).
				Count(&totals.TotalGuilds).Error
		},
	)
	g.Go(
		func() error {
			return s.db.DB().WithContext(gctx).Model(&StarredMessage{}).
				Count(&totals.TotalStarred).Error
		},
	)
	g.Go(
		func() error {
			return s.db.DB().WithContext(gctx).Model(&Stat{}).
				Where(
					"type IN ?",
					[]string{
						statTypeSlashCommand,
						statTypeContextCommand,
						statTypeQuoteTrigger,
					},
				).
				Count(&totals.TotalCommands).Error
		},
	)
	return totals, g.Wait()
}

// CommandUsage is one row of the top-commands aggregation.
type CommandUsage struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// TopCommands returns command usage grouped by type and name, most
// used first.
func (s *Stats) TopCommands(ctx context.Context) ([]CommandUsage, error) {
	var rows []CommandUsage
	err := s.db.DB().WithContext(ctx).Model(&Stat{}).
		Select("type, value as name, count(*) as count").
		Where(
			"type IN ?",
			[]string{statTypeSlashCommand, statTypeContextCommand, statTypeQuoteTrigger},
		).
		Group("type").Group("value").
		Order("count DESC").
		Scan(&rows).Error
	return rows, err
}

// LastInteraction returns the most recent usage record, or nil if none
// exist.
func (s *Stats) LastInteraction(ctx context.Context) (*Stat, error) {
	var stat Stat
	err := s.db.DB().WithContext(ctx).
		Order("created_at DESC").
		First(&stat).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &stat, nil
}
