package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventRecord is the persisted counterpart of an ingested event. The bus
// itself never persists; ingress points record events they want tracked
// and the worker marks them processed when the derived task succeeds.
type EventRecord struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Payload       string    `json:"payload"`
	SourceChannel string    `json:"source_channel,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	Processed     bool      `json:"processed"`
	CreatedAt     time.Time `json:"created_at"`
}

// ErrEventNotFound is returned when an event id has no row.
var ErrEventNotFound = errors.New("event not found")

// RecordEvent persists an ingested event. Recording the same id twice is
// a no-op.
func (s *Store) RecordEvent(ctx context.Context, id, kind string, payload map[string]any, sourceChannel, userID string) error {
	if id == "" || kind == "" {
		return errors.New("event id and kind required")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (id, kind, payload, source_channel, user_id, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), CURRENT_TIMESTAMP);
	`, id, kind, string(encoded), sourceChannel, userID)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// MarkEventProcessed flags an event record once its derived task reached
// success. Unknown ids are ignored; not every event has a persistent
// counterpart.
func (s *Store) MarkEventProcessed(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET processed = 1 WHERE id = ?;
	`, id)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// GetEventRecord fetches one event record by id.
func (s *Store) GetEventRecord(ctx context.Context, id string) (*EventRecord, error) {
	var rec EventRecord
	var processed int
	var sourceChannel, userID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, payload, source_channel, user_id, processed, created_at
		FROM events WHERE id = ?;
	`, id).Scan(&rec.ID, &rec.Kind, &rec.Payload, &sourceChannel, &userID, &processed, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("get event record: %w", err)
	}
	rec.Processed = processed == 1
	rec.SourceChannel = sourceChannel.String
	rec.UserID = userID.String
	return &rec, nil
}
