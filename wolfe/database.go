package wolfe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	conversationLogBuffer   = 256
	conversationLogInterval = 5 * time.Second
)

var sqliteExecPragma = []string{
	"pragma journal_mode=WAL;",
	"pragma synchronous = normal;",
	"pragma temp_store = memory;",
	"pragma foreign_keys = ON;",
}

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// ConversationEntry is one logged message: either an inbound platform
// event or a reply the bot delivered.
type ConversationEntry struct {
	ModelUintID
	ModelUnixTime
	MessageID  string `json:"message_id"`
	ChannelID  string `gorm:"index" json:"channel_id"`
	GuildID    string `json:"guild_id"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	FromBot    bool   `json:"from_bot"`
	Outbound   bool   `json:"outbound"`
	TurnKind   string `json:"turn_kind"`
	Content    string `json:"content"`
}

func newInboundEntry(ev InboundEvent) ConversationEntry {
	return ConversationEntry{
		MessageID:  ev.ID,
		ChannelID:  ev.ChannelID,
		GuildID:    ev.GuildID,
		AuthorID:   ev.AuthorID,
		AuthorName: ev.AuthorName,
		FromBot:    ev.IsBot,
		Content:    ev.Text,
	}
}

// ConversationLog persists turn traffic through gorm, buffering writes
// so the hot path never blocks on the database. Entries still buffered
// at shutdown are flushed by Close.
type ConversationLog struct {
	db     *gorm.DB
	logger *slog.Logger

	entries chan ConversationEntry
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu      sync.Mutex
	dropped int64
}

// NewConversationLog starts the flush loop and returns the log.
func NewConversationLog(db *gorm.DB, logger *slog.Logger) *ConversationLog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &ConversationLog{
		db:      db,
		logger:  logger.With(loggerNameKey, "conversation_log"),
		entries: make(chan ConversationEntry, conversationLogBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go c.flushLoop()
	return c
}

// RecordInbound enqueues an inbound event. Non-blocking: when the
// buffer is full the entry is dropped and counted.
func (c *ConversationLog) RecordInbound(ev InboundEvent) {
	c.enqueue(newInboundEntry(ev))
}

// RecordReply enqueues a delivered reply.
func (c *ConversationLog) RecordReply(channelID string, kind TurnKind, text string) {
	c.enqueue(ConversationEntry{
		ChannelID: channelID,
		FromBot:   true,
		Outbound:  true,
		TurnKind:  string(kind),
		Content:   text,
	})
}

func (c *ConversationLog) enqueue(entry ConversationEntry) {
	select {
	case c.entries <- entry:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		c.logger.Warn("conversation log buffer full, dropping entry")
	}
}

func (c *ConversationLog) flushLoop() {
	defer close(c.stopped)
	ticker := time.NewTicker(conversationLogInterval)
	defer ticker.Stop()

	var pending []ConversationEntry
	for {
		select {
		case entry := <-c.entries:
			pending = append(pending, entry)
			if len(pending) >= conversationLogBuffer/2 {
				pending = c.flush(pending)
			}
		case <-ticker.C:
			pending = c.flush(pending)
		case <-c.done:
			for {
				select {
				case entry := <-c.entries:
					pending = append(pending, entry)
				default:
					c.flush(pending)
					return
				}
			}
		}
	}
}

func (c *ConversationLog) flush(pending []ConversationEntry) []ConversationEntry {
	if len(pending) == 0 {
		return pending
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.db.WithContext(ctx).Create(&pending).Error; err != nil {
		c.logger.Error("conversation log flush failed", tint.Err(err), "entries", len(pending))
		return pending[:0]
	}
	c.logger.Debug("flushed conversation log", "entries", len(pending))
	return pending[:0]
}

// Close stops the flush loop, blocking until buffered entries have
// been drained and written.
func (c *ConversationLog) Close() {
	c.once.Do(func() {
		close(c.done)
	})
	<-c.stopped
}

// RecentEntries returns up to limit entries for a channel, newest
// first.
func (c *ConversationLog) RecentEntries(
	ctx context.Context,
	channelID string,
	limit int,
) ([]ConversationEntry, error) {
	var entries []ConversationEntry
	err := c.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("created_at desc").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// CreateDB opens (and migrates) the configured database.
func CreateDB(ctx context.Context, cfg *Config) (*gorm.DB, error) {
	handler := tint.NewHandler(
		defaultLogWriter,
		&tint.Options{
			Level:     cfg.DatabaseLogLevel,
			AddSource: true,
		},
	)
	gormLogger := newGORMLogger(handler, cfg.DatabaseSlowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", cfg.DatabaseType,
		"database", cfg.Database,
	)
	db, err := getDB(cfg.DatabaseType, cfg.Database, gormLogger)
	if err != nil {
		return db, err
	}

	if err = db.WithContext(ctx).AutoMigrate(&ConversationEntry{}); err != nil {
		return db, err
	}

	if cfg.DatabaseType == dbTypeSQLite {
		for _, pragma := range sqliteExecPragma {
			if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
				return db, err
			}
		}
	}
	return db, nil
}

// getDB initializes and returns a GORM database connection based on
// the specified database type.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
