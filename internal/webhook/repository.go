package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"mitienda-be/internal/logger"

	"go.uber.org/zap"
)

var ErrEventNotFound = errors.New("webhook event not found")

// Log is the idempotency gate in front of all business logic. Every inbound
// notification must be durably recorded here before anything else runs.
type Log interface {
	// RecordOrSkip inserts the event if unseen and reports whether the
	// caller should process it. A PROCESSED event is never reprocessed; a
	// FAILED or RECEIVED one is retryable; a PROCESSING one is held by a
	// concurrent delivery and skipped.
	RecordOrSkip(ctx context.Context, eventID, eventType string) (bool, error)

	MarkProcessing(ctx context.Context, eventID string) error
	MarkProcessed(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID, errorMessage string) error

	// Reset returns the event to RECEIVED with the error cleared, so an
	// administrator can force reprocessing.
	Reset(ctx context.Context, eventID string) error

	List(ctx context.Context, limit int) ([]*Event, error)
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Log {
	return &repository{db: db}
}

func (r *repository) RecordOrSkip(ctx context.Context, eventID, eventType string) (bool, error) {
	log := logger.FromCtx(ctx).With(zap.String("event_id", eventID))

	const insert = `
		INSERT INTO webhook_events (event_id, event_type, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowContext(ctx, insert, eventID, eventType, StatusReceived).Scan(&id)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}

	// Conflict: the event exists. Whether it is retryable depends on how
	// far the previous delivery got.
	var status EventStatus
	err = r.db.QueryRowContext(ctx,
		`SELECT status FROM webhook_events WHERE event_id = $1`, eventID,
	).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("failed to load webhook event status: %w", err)
	}

	switch status {
	case StatusProcessed:
		log.Info("duplicate delivery of processed event, skipping")
		return false, nil
	case StatusProcessing:
		log.Info("event held by concurrent delivery, skipping")
		return false, nil
	default: // RECEIVED or FAILED are retryable
		return true, nil
	}
}

func (r *repository) MarkProcessing(ctx context.Context, eventID string) error {
	return r.setStatus(ctx, eventID, StatusProcessing, nil)
}

func (r *repository) MarkProcessed(ctx context.Context, eventID string) error {
	return r.setStatus(ctx, eventID, StatusProcessed, nil)
}

func (r *repository) MarkFailed(ctx context.Context, eventID, errorMessage string) error {
	return r.setStatus(ctx, eventID, StatusFailed, &errorMessage)
}

func (r *repository) setStatus(ctx context.Context, eventID string, status EventStatus, errorMessage *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE event_id = $3
	`, status, errorMessage, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event %s: %w", status, err)
	}
	return nil
}

func (r *repository) Reset(ctx context.Context, eventID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $1, error_message = NULL, updated_at = NOW()
		WHERE event_id = $2
	`, StatusReceived, eventID)
	if err != nil {
		return fmt.Errorf("failed to reset webhook event: %w", err)
	}

	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (r *repository) List(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_id, event_type, status, error_message, created_at, updated_at
		FROM webhook_events
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.EventType, &e.Status,
			&e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}

	return events, rows.Err()
}
