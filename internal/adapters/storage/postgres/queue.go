package postgres

import (
	"context"
	"time"

	"github.com/hylla/outreach/internal/app"
	"github.com/hylla/outreach/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const queueColumns = `id, org_id, activity_id, priority, status, attempts, next_eligible_at, claimed_at, claimed_by, last_error, created_at, updated_at`

// ListDueBacklog counts due pending items per organization, busiest
// priority first. An empty orgID covers every organization.
func (r *Repository) ListDueBacklog(ctx context.Context, orgID string, at time.Time) ([]app.OrgBacklog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT org_id, COUNT(*) FROM queue_items
		WHERE status = 'pending' AND next_eligible_at <= $1 AND ($2::text = '' OR org_id = $2)
		GROUP BY org_id
		ORDER BY MAX(priority) DESC, org_id ASC
	`, at.UTC(), orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []app.OrgBacklog{}
	for rows.Next() {
		var b app.OrgBacklog
		if err := rows.Scan(&b.OrgID, &b.Due); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ClaimQueueItems locks up to req.Limit eligible rows with SKIP LOCKED and
// flips them to claimed in the same statement. Concurrent claimers skip each
// other's locked rows instead of waiting on them.
func (r *Repository) ClaimQueueItems(ctx context.Context, req app.ClaimRequest) ([]domain.QueueItem, error) {
	if req.Limit <= 0 {
		return []domain.QueueItem{}, nil
	}
	rows, err := r.pool.Query(ctx, `
		WITH picked AS (
			SELECT id FROM queue_items
			WHERE status = 'pending' AND next_eligible_at <= $1 AND ($2::text = '' OR org_id = $2)
			ORDER BY priority DESC, next_eligible_at ASC, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_items q
		SET status = 'claimed', claimed_at = $1, claimed_by = $4, updated_at = $1
		FROM picked
		WHERE q.id = picked.id
		RETURNING q.id, q.org_id, q.activity_id, q.priority, q.status, q.attempts, q.next_eligible_at,
			q.claimed_at, q.claimed_by, q.last_error, q.created_at, q.updated_at
	`, req.Now.UTC(), req.OrgID, req.Limit, req.Owner)
	if err != nil {
		return nil, err
	}
	out, err := collectQueueItems(rows)
	if err != nil {
		return nil, err
	}
	domain.SortQueueItems(out)
	return out, nil
}

// CompleteSend marks the item sent, writes the activity and stamps the
// contact in one transaction.
func (r *Repository) CompleteSend(ctx context.Context, c app.SendCommit) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE queue_items
			SET status = 'sent', claimed_at = NULL, claimed_by = '', updated_at = $1
			WHERE id = $2 AND status = 'claimed' AND claimed_by = $3
		`, c.Now.UTC(), c.ItemID, c.Owner)
		if err != nil {
			return err
		}
		if err := requireClaim(tag); err != nil {
			return err
		}
		if err := updateActivity(ctx, tx, c.Activity, c.ExpectedVersion); err != nil {
			return err
		}
		if c.ContactID == "" {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE contacts SET last_contacted_at = $1, updated_at = $2 WHERE id = $3
		`, c.ContactedAt.UTC(), c.Now.UTC(), c.ContactID)
		return err
	})
}

// ReleaseQueueItem ends a claim and optionally writes the activity.
func (r *Repository) ReleaseQueueItem(ctx context.Context, rel app.QueueRelease) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE queue_items
			SET status = $1, attempts = $2, next_eligible_at = $3, last_error = $4, claimed_at = NULL, claimed_by = '', updated_at = $5
			WHERE id = $6 AND status = 'claimed' AND claimed_by = $7
		`, string(rel.Status), rel.Attempts, rel.NextEligibleAt.UTC(), rel.LastError, rel.Now.UTC(), rel.ItemID, rel.Owner)
		if err != nil {
			return err
		}
		if err := requireClaim(tag); err != nil {
			return err
		}
		if rel.Activity == nil {
			return nil
		}
		return updateActivity(ctx, tx, *rel.Activity, rel.ExpectedVersion)
	})
}

// ReapStaleClaims returns claims older than staleBefore to pending.
func (r *Repository) ReapStaleClaims(ctx context.Context, staleBefore, now time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = 'pending', claimed_at = NULL, claimed_by = '', next_eligible_at = $1, last_error = 'stale claim reaped', updated_at = $1
		WHERE status = 'claimed' AND claimed_at < $2
	`, now.UTC(), staleBefore.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ListQueueItems lists items in dispatch order.
func (r *Repository) ListQueueItems(ctx context.Context, filter app.QueueFilter) ([]domain.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_items
		WHERE ($1::text = '' OR org_id = $1) AND ($2::text = '' OR status = $2)
		ORDER BY priority DESC, next_eligible_at ASC, id ASC`
	args := []any{filter.OrgID, string(filter.Status)}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectQueueItems(rows)
}

func collectQueueItems(rows pgx.Rows) ([]domain.QueueItem, error) {
	defer rows.Close()
	out := []domain.QueueItem{}
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// requireClaim maps a zero-row claim update to ErrClaimLost.
func requireClaim(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return app.ErrClaimLost
	}
	return nil
}

func scanQueueItem(row pgx.Row) (domain.QueueItem, error) {
	var (
		q      domain.QueueItem
		status string
	)
	if err := row.Scan(&q.ID, &q.OrgID, &q.ActivityID, &q.Priority, &status, &q.Attempts, &q.NextEligibleAt, &q.ClaimedAt, &q.ClaimedBy, &q.LastError, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return domain.QueueItem{}, translateNoRows(err)
	}
	q.Status = domain.QueueStatus(status)
	q.NextEligibleAt = q.NextEligibleAt.UTC()
	q.ClaimedAt = utcPtr(q.ClaimedAt)
	q.CreatedAt = q.CreatedAt.UTC()
	q.UpdatedAt = q.UpdatedAt.UTC()
	return q, nil
}
