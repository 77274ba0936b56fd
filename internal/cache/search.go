package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/brandon/mail-webhook-bridge/pkg/types"
)

// RecentDeliveries returns up to limit deliveries, newest first
func (j *SQLite) RecentDeliveries(ctx context.Context, limit int) ([]types.DeliveryRecord, error) {
	query := `
		SELECT id, mailbox, uid, title, author, announced_at, delivered_at
		FROM deliveries
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := j.db.QueryContext(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var records []types.DeliveryRecord
	for rows.Next() {
		var record types.DeliveryRecord
		var announcedAt, deliveredAt string

		err := rows.Scan(
			&record.ID,
			&record.Mailbox,
			&record.UID,
			&record.Title,
			&record.Author,
			&announcedAt,
			&deliveredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}

		record.AnnouncedAt, err = time.Parse(time.RFC3339Nano, announcedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse announced_at: %w", err)
		}
		record.DeliveredAt, err = time.Parse(time.RFC3339Nano, deliveredAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse delivered_at: %w", err)
		}

		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read deliveries: %w", err)
	}

	return records, nil
}
