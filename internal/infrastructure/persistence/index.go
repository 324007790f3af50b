package persistence

import (
	"context"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/agentrelay/agentrelay/internal/domain/conversation"
	"github.com/agentrelay/agentrelay/internal/infrastructure/eventbus"
	"github.com/agentrelay/agentrelay/internal/infrastructure/persistence/models"
)

// EventSessionStats is published every time a Recorder writes a STATS
// record: the SessionIndex subscribes to it to keep its derived sqlite row
// in sync without the Message Store or SessionLog knowing it exists.
const EventSessionStats = "persistence.session_stats"

// StatsPayload is EventSessionStats' payload.
type StatsPayload struct {
	SessionID string
	StartedAt time.Time
	Snapshot  conversation.Snapshot
}

// IndexPath returns the default session-index database path under dataDir.
func IndexPath(dataDir string) string {
	return filepath.Join(dataDir, "sessions", "index.db")
}

// NewIndexDB opens (creating if needed) the sqlite file at path and
// migrates the session_index table.
func NewIndexDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&models.SessionIndexModel{}); err != nil {
		return nil, err
	}
	return db, nil
}

// SessionIndex maintains the derived, rebuildable sqlite view over session
// metadata. It is never consulted by the Conversation Loop itself — only
// by read-side tooling (e.g. a "list past sessions" command) — so a bug
// here can never corrupt the authoritative JSONL log or snapshot.
type SessionIndex struct {
	db *gorm.DB
}

// NewSessionIndex wraps an already-migrated *gorm.DB.
func NewSessionIndex(db *gorm.DB) *SessionIndex {
	return &SessionIndex{db: db}
}

// Upsert writes or replaces one session's row.
func (idx *SessionIndex) Upsert(sessionID string, startedAt time.Time, snap conversation.Snapshot) error {
	row := models.SessionIndexModel{
		ID:               sessionID,
		StartedAt:        startedAt,
		LastActivity:     time.Now().UTC(),
		InputTokens:      snap.InputTokens,
		OutputTokens:     snap.OutputTokens,
		CachedTokens:     snap.CachedTokens,
		TotalCost:        snap.TotalCost,
		ToolCalls:        snap.ToolCalls,
		TotalAPITimeMS:   snap.TotalAPITimeMS,
		TotalToolTimeMS:  snap.TotalToolTimeMS,
		TotalLayerTimeMS: snap.TotalLayerTimeMS,
	}
	return idx.db.Save(&row).Error
}

// List returns every indexed session, most recently active first.
func (idx *SessionIndex) List() ([]models.SessionIndexModel, error) {
	var rows []models.SessionIndexModel
	err := idx.db.Order("last_activity desc").Find(&rows).Error
	return rows, err
}

// Subscribe registers the index as an EventSessionStats handler on bus, so
// every Recorder.RecordTurn call keeps the sqlite row current.
func (idx *SessionIndex) Subscribe(bus eventbus.Bus) {
	bus.Subscribe(EventSessionStats, func(_ context.Context, ev eventbus.Event) {
		p, ok := ev.Payload.(StatsPayload)
		if !ok {
			return
		}
		_ = idx.Upsert(p.SessionID, p.StartedAt, p.Snapshot)
	})
}
