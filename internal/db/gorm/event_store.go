package gorm

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/veille-labs/courant/pkg/models"
)

// EventStore persists detected events. Rows are immutable; the store
// also answers the dedupe probe and the cursor replay for streaming.
type EventStore struct {
	db *gorm.DB
}

// NewEventStore creates a new event store.
func NewEventStore(store *Store) *EventStore {
	return &EventStore{db: store.DB}
}

// Insert appends an event row.
func (s *EventStore) Insert(ctx context.Context, ev *models.Event) error {
	row := Event{
		UID:             ev.UID,
		RunID:           ev.RunID,
		ClusterID:       ev.ClusterID,
		DetectedAtEpoch: ev.DetectedAtEpoch,
		Score:           ev.Score,
		Severity:        string(ev.Severity),
		Label:           ev.Label,
		WindowStart:     ev.WindowStart,
		WindowEnd:       ev.WindowEnd,
		DedupeKey:       ev.DedupeKey,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	ev.ID = row.ID
	ev.DetectedAtEpoch = row.DetectedAtEpoch
	return nil
}

// LatestByDedupeKey returns the newest event sharing the dedupe key, or
// nil when the (cluster, window) identity has not fired yet.
func (s *EventStore) LatestByDedupeKey(ctx context.Context, key string) (*models.Event, error) {
	var row Event
	err := s.db.WithContext(ctx).
		Where("dedupe_key = ?", key).
		Order("id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest event for key %s: %w", key, err)
	}
	return toDomainEvent(&row), nil
}

// ListAfter returns up to limit events with id > cursor, oldest first.
// Backs the restartable event stream.
func (s *EventStore) ListAfter(ctx context.Context, cursor int64, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []Event
	err := s.db.WithContext(ctx).
		Where("id > ?", cursor).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list events after %d: %w", cursor, err)
	}
	out := make([]models.Event, len(rows))
	for i := range rows {
		out[i] = *toDomainEvent(&rows[i])
	}
	return out, nil
}

func toDomainEvent(r *Event) *models.Event {
	return &models.Event{
		ID:              r.ID,
		UID:             r.UID,
		RunID:           r.RunID,
		ClusterID:       r.ClusterID,
		DetectedAtEpoch: r.DetectedAtEpoch,
		Score:           r.Score,
		Severity:        models.Severity(r.Severity),
		Label:           r.Label,
		WindowStart:     r.WindowStart,
		WindowEnd:       r.WindowEnd,
		DedupeKey:       r.DedupeKey,
	}
}
