package models

import "time"

// Snapshot is a serialized copy of the progress collection, used to move
// guest progress into an authenticated account.
type Snapshot struct {
	SchemaVersion int              `json:"schemaVersion"`
	ExportedAt    time.Time        `json:"exportedAt"`
	UserID        string           `json:"userId,omitempty"`
	Records       []ProgressRecord `json:"records"`
}
