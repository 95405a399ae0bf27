package repository

import (
	"context"

	"github.com/smallbiznis/quota/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertMarker(ctx context.Context, db *gorm.DB, marker *domain.ProcessedEvent) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO processed_events (
			event_id, consumer, provider, event_type, processed_at
		) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_id, consumer) DO NOTHING`,
		marker.EventID,
		marker.Consumer,
		marker.Provider,
		marker.EventType,
		marker.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindMarker(ctx context.Context, db *gorm.DB, eventID, consumer string) (*domain.ProcessedEvent, error) {
	var item domain.ProcessedEvent
	err := db.WithContext(ctx).Raw(
		`SELECT event_id, consumer, provider, event_type, processed_at
		 FROM processed_events
		 WHERE event_id = ? AND consumer = ?
		 LIMIT 1`,
		eventID,
		consumer,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.EventID == "" {
		return nil, nil
	}
	return &item, nil
}
