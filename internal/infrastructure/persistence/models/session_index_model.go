// Package models holds the gorm row types backing the session index.
package models

import "time"

// SessionIndexModel is one row of the derived, rebuildable session index:
// never authoritative, always reconstructible from the JSONL session log's
// STATS records.
type SessionIndexModel struct {
	ID           string `gorm:"primaryKey"`
	StartedAt    time.Time
	LastActivity time.Time `gorm:"index"`

	InputTokens      int64
	OutputTokens     int64
	CachedTokens     int64
	TotalCost        float64
	ToolCalls        int64
	TotalAPITimeMS   int64
	TotalToolTimeMS  int64
	TotalLayerTimeMS int64
}

func (SessionIndexModel) TableName() string { return "session_index" }
