package models

import (
	"encoding/json"
	"time"
)

// PendingMutation is a local write that the remote system has not confirmed yet.
// It is owned by the mutation queue.
type PendingMutation struct {
	ID        string          `json:"id"`
	ItemID    string          `json:"itemId"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Synced    bool            `json:"synced"`
}

type mutationJSON struct {
	ID        string          `json:"id"`
	ItemID    string          `json:"itemId"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
	Synced    bool            `json:"synced"`
}

func (m PendingMutation) MarshalJSON() ([]byte, error) {
	return json.Marshal(mutationJSON{
		ID:        m.ID,
		ItemID:    m.ItemID,
		Payload:   m.Payload,
		CreatedAt: ToMillis(m.CreatedAt),
		UpdatedAt: ToMillis(m.UpdatedAt),
		Synced:    m.Synced,
	})
}

func (m *PendingMutation) UnmarshalJSON(data []byte) error {
	var raw mutationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = PendingMutation{
		ID:        raw.ID,
		ItemID:    raw.ItemID,
		Payload:   raw.Payload,
		CreatedAt: FromMillis(raw.CreatedAt),
		UpdatedAt: FromMillis(raw.UpdatedAt),
		Synced:    raw.Synced,
	}
	return nil
}

// Record decodes the payload as a progress record
func (m PendingMutation) Record() (ProgressRecord, error) {
	var rec ProgressRecord
	err := json.Unmarshal(m.Payload, &rec)
	return rec, err
}
