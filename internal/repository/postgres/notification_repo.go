package postgres

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// NotificationRepo implements NotificationRepository using PostgreSQL.
type NotificationRepo struct{ db *DB }

// NewNotificationRepo constructs a notification marker repository.
func NewNotificationRepo(db *DB) *NotificationRepo { return &NotificationRepo{db: db} }

// Claim inserts a marker; false means another run already sent it.
func (r *NotificationRepo) Claim(ctx context.Context, accountID uuid.UUID, renewal time.Time, offset int, template string) (bool, error) {
	const q = `
INSERT INTO notification_marks (account_id, renewal_date, day_offset, template)
VALUES ($1, $2, $3, $4)
ON CONFLICT (account_id, renewal_date, day_offset) DO NOTHING`
	tag, err := r.db.Pool.Exec(ctx, q, accountID, renewal, offset, template)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Release deletes a marker so the notification can be retried.
func (r *NotificationRepo) Release(ctx context.Context, accountID uuid.UUID, renewal time.Time, offset int) error {
	const q = `DELETE FROM notification_marks WHERE account_id=$1 AND renewal_date=$2 AND day_offset=$3`
	_, err := r.db.Pool.Exec(ctx, q, accountID, renewal, offset)
	return err
}
