package entity

import "time"

// ChangeRecord is one field-level difference between a row and its last known value.
type ChangeRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Field     string    `json:"field"`
	OldValue  string    `json:"oldValue"`
	NewValue  string    `json:"newValue"`
}

// ItemState is what the local snapshot remembers about one identity hash.
type ItemState struct {
	Row       *ExtractedRow  `json:"row,omitempty"`
	History   []ChangeRecord `json:"history,omitempty"`
	FirstSeen time.Time      `json:"firstSeen"`
	LastSeen  time.Time      `json:"lastSeen"`
}

// StateMeta is the aggregate metadata kept alongside a seen-set.
type StateMeta struct {
	LastUpdate time.Time `json:"lastUpdate"`
	TotalItems int64     `json:"totalItems"`
}

// Snapshot is the durable local form of incremental state.
type Snapshot struct {
	Prefix string                `json:"prefix"`
	Meta   StateMeta             `json:"meta"`
	Items  map[string]*ItemState `json:"items"`
}
