package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed quota shared by every process talking to the CRM
// (the server and ad-hoc CLI sweeps). The window is split into slots; each
// slot admits calls/(slots+1) requests so any window-long span stays within
// the quota regardless of alignment.
type PG struct {
	pool    Querier
	bucket  string
	slot    time.Duration
	perSlot int
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// Querier is the part of a pgx pool the quota needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const pgSlots = 5

// NewPG constructs a PostgreSQL-backed quota. q is usually the process pool.
func NewPG(q Querier, bucket string, calls int, window time.Duration) *PG {
	per := calls / (pgSlots + 1)
	if per < 1 {
		per = 1
	}
	return &PG{
		pool:    q,
		bucket:  bucket,
		slot:    window / pgSlots,
		perSlot: per,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Wait reserves one call in the current slot, sleeping into the next slot
// while the current one is full.
func (l *PG) Wait(ctx context.Context) error {
	for {
		now := l.now()
		start := now.Truncate(l.slot)
		ok, err := l.reserve(ctx, start)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := l.sleep(ctx, start.Add(l.slot).Sub(now)); err != nil {
			return err
		}
	}
}

func (l *PG) reserve(ctx context.Context, start time.Time) (bool, error) {
	const q = `
INSERT INTO crm_quota (bucket, slot_start, calls)
VALUES ($1, $2, 1)
ON CONFLICT (bucket, slot_start) DO UPDATE
SET calls = crm_quota.calls + 1
WHERE crm_quota.calls < $3
RETURNING calls`
	var calls int
	err := l.pool.QueryRow(ctx, q, l.bucket, start, l.perSlot).Scan(&calls)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	case err != nil:
		return false, err
	}
	if calls == 1 {
		const del = `DELETE FROM crm_quota WHERE bucket=$1 AND slot_start < $2`
		if _, err := l.pool.Exec(ctx, del, l.bucket, start.Add(-pgSlots*l.slot)); err != nil {
			return false, err
		}
	}
	return true, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
