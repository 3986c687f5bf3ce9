package dk61

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestCreateDBMigrates(t *testing.T) {
	db := setupTestDB(t)
	for _, model := range []any{
		&GuildSettings{},
		&StarredMessage{},
		&Stat{},
		&BotState{},
	} {
		assert.Truef(
			t,
			db.Migrator().HasTable(model),
			"expected table for %T",
			model,
		)
	}
}

func TestCreateDBInvalidType(t *testing.T) {
	_, err := CreateDB(context.Background(), "mssql", "whatever", nil, 0)
	assert.Error(t, err)
}

func TestCreateDBLoggerConfig(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.sqlite3")
	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		dbPath,
		slog.LevelDebug,
		42*time.Millisecond,
	)
	require.NoError(t, err)

	gormLogger, ok := db.Logger.(*gormStructuredLogger)
	require.True(t, ok)
	assert.Equal(t, 42*time.Millisecond, gormLogger.SlowThreshold)
}

func TestCreateDBLoggerDefaults(t *testing.T) {
	db := setupTestDB(t)

	gormLogger, ok := db.Logger.(*gormStructuredLogger)
	require.True(t, ok)
	assert.Equal(t, DefaultDatabaseSlowThreshold, gormLogger.SlowThreshold)
}

func TestDeleteFreesUniqueIndex(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase(setupTestDB(t), testLogger(t), false)

	_, err := db.Create(
		ctx,
		&StarredMessage{GuildID: "g1", MessageID: "m1", BoardMessageID: "b1"},
	)
	require.NoError(t, err)

	rowsAffected, err := db.Delete(
		ctx,
		&StarredMessage{},
		"guild_id = ? AND message_id = ?", "g1", "m1",
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rowsAffected)

	// the delete must be unscoped - a soft-deleted row would still
	// occupy the unique index and break re-promotion
	var count int64
	err = db.DB().WithContext(ctx).
		Unscoped().
		Model(&StarredMessage{}).
		Count(&count).Error
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = db.Create(
		ctx,
		&StarredMessage{GuildID: "g1", MessageID: "m1", BoardMessageID: "b2"},
	)
	assert.NoError(t, err)
}

func TestDuplicateKeyTranslated(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase(setupTestDB(t), testLogger(t), false)

	_, err := db.Create(
		ctx,
		&StarredMessage{GuildID: "g1", MessageID: "m1", BoardMessageID: "b1"},
	)
	require.NoError(t, err)

	_, err = db.Create(
		ctx,
		&StarredMessage{GuildID: "g1", MessageID: "m1", BoardMessageID: "b2"},
	)
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
}

func TestGetOrCreateBotState(t *testing.T) {
	ctx := context.Background()
	db := NewDatabase(setupTestDB(t), testLogger(t), false)

	state, err := getOrCreateBotState(ctx, db)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.False(t, state.Maintenance)

	_, err = db.Updates(ctx, state, map[string]any{"maintenance": true})
	require.NoError(t, err)

	// the same row is returned, not a new one
	again, err := getOrCreateBotState(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, state.ID, again.ID)
	assert.True(t, again.Maintenance)
}

func TestSettingsUpdatedNotificationRoundTrip(t *testing.T) {
	msg := newSettingsUpdatedNotificationMessage("notifier-abc", "guild-123")
	notifierID, guildID := parseSettingsUpdatedNotification(msg)
	assert.Equal(t, "notifier-abc", notifierID)
	assert.Equal(t, "guild-123", guildID)
}

func TestSQLiteNotifierForwardsInProcess(t *testing.T) {
	b := &Bot{
		config:                   DefaultConfig(),
		logger:                   testLogger(t),
		signalStop:               make(chan struct{}, 1),
		triggerSettingsRefreshCh: make(chan string, 1),
	}
	notifier, err := newDBNotifier(b)
	require.NoError(t, err)
	assert.NotEmpty(t, notifier.ID())

	ok := notifier.GuildSettingsUpdated(context.Background(), "guild-1")
	assert.True(t, ok)
	select {
	case guildID := <-b.triggerSettingsRefreshCh:
		assert.Equal(t, "guild-1", guildID)
	default:
		t.Fatal("expected settings refresh signal")
	}

	ok = notifier.Stop(context.Background())
	assert.True(t, ok)
	select {
	case <-b.signalStop:
	default:
		t.Fatal("expected stop signal")
	}
}
