package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hylla/outreach/internal/app"
	"github.com/hylla/outreach/internal/domain"
)

const queueColumns = `id, org_id, activity_id, priority, status, attempts, next_eligible_at, claimed_at, claimed_by, last_error, created_at, updated_at`

// ListDueBacklog counts due pending items per organization, busiest
// priority first. An empty orgID covers every organization.
func (r *Repository) ListDueBacklog(ctx context.Context, orgID string, at time.Time) ([]app.OrgBacklog, error) {
	query := `
		SELECT org_id, COUNT(*) FROM queue_items
		WHERE status = 'pending' AND next_eligible_at <= ?`
	args := []any{ts(at)}
	if orgID != "" {
		query += ` AND org_id = ?`
		args = append(args, orgID)
	}
	query += `
		GROUP BY org_id
		ORDER BY MAX(priority) DESC, org_id ASC`
	rows, err := r.db.QueryContext(ctx, query, args...)
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

// ClaimQueueItems flips up to req.Limit eligible pending items to claimed in
// a single conditional UPDATE. A row already claimed by another caller no
// longer matches status = 'pending', so no item is handed out twice.
func (r *Repository) ClaimQueueItems(ctx context.Context, req app.ClaimRequest) ([]domain.QueueItem, error) {
	if req.Limit <= 0 {
		return []domain.QueueItem{}, nil
	}
	now := ts(req.Now)
	query := `
		UPDATE queue_items
		SET status = 'claimed', claimed_at = ?, claimed_by = ?, updated_at = ?
		WHERE status = 'pending' AND id IN (
			SELECT id FROM queue_items
			WHERE status = 'pending' AND next_eligible_at <= ?`
	args := []any{now, req.Owner, now, now}
	if req.OrgID != "" {
		query += ` AND org_id = ?`
		args = append(args, req.OrgID)
	}
	query += `
			ORDER BY priority DESC, next_eligible_at ASC, id ASC
			LIMIT ?
		)
		RETURNING ` + queueColumns
	args = append(args, req.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.QueueItem{}
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	domain.SortQueueItems(out)
	return out, nil
}

// CompleteSend marks the item sent, writes the activity and stamps the
// contact in one transaction. It fails with ErrClaimLost when the caller no
// longer owns the claim.
func (r *Repository) CompleteSend(ctx context.Context, c app.SendCommit) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE queue_items
			SET status = 'sent', claimed_at = NULL, claimed_by = '', updated_at = ?
			WHERE id = ? AND status = 'claimed' AND claimed_by = ?
		`, ts(c.Now), c.ItemID, c.Owner)
		if err != nil {
			return err
		}
		if err := requireClaim(res); err != nil {
			return err
		}
		if err := updateActivity(ctx, tx, c.Activity, c.ExpectedVersion); err != nil {
			return err
		}
		if c.ContactID == "" {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE contacts SET last_contacted_at = ?, updated_at = ? WHERE id = ?
		`, ts(c.ContactedAt), ts(c.Now), c.ContactID)
		return err
	})
}

// ReleaseQueueItem ends a claim by returning the item to pending or failing
// it, and writes the activity alongside when one is given.
func (r *Repository) ReleaseQueueItem(ctx context.Context, rel app.QueueRelease) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE queue_items
			SET status = ?, attempts = ?, next_eligible_at = ?, last_error = ?, claimed_at = NULL, claimed_by = '', updated_at = ?
			WHERE id = ? AND status = 'claimed' AND claimed_by = ?
		`, string(rel.Status), rel.Attempts, ts(rel.NextEligibleAt), rel.LastError, ts(rel.Now), rel.ItemID, rel.Owner)
		if err != nil {
			return err
		}
		if err := requireClaim(res); err != nil {
			return err
		}
		if rel.Activity == nil {
			return nil
		}
		return updateActivity(ctx, tx, *rel.Activity, rel.ExpectedVersion)
	})
}

// ReapStaleClaims returns claims older than staleBefore to pending. The
// attempt counter is left unchanged since the send outcome is unknown.
func (r *Repository) ReapStaleClaims(ctx context.Context, staleBefore, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = 'pending', claimed_at = NULL, claimed_by = '', next_eligible_at = ?, last_error = 'stale claim reaped', updated_at = ?
		WHERE status = 'claimed' AND claimed_at < ?
	`, ts(now), ts(now), ts(staleBefore))
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// ListQueueItems lists items in dispatch order.
func (r *Repository) ListQueueItems(ctx context.Context, filter app.QueueFilter) ([]domain.QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_items WHERE 1 = 1`
	args := []any{}
	if filter.OrgID != "" {
		query += ` AND org_id = ?`
		args = append(args, filter.OrgID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY priority DESC, next_eligible_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
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
func requireClaim(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return app.ErrClaimLost
	}
	return nil
}

func scanQueueItem(s scanner) (domain.QueueItem, error) {
	var (
		q           domain.QueueItem
		status      string
		eligibleRaw string
		claimedRaw  sql.NullString
		createdRaw  string
		updatedRaw  string
	)
	if err := s.Scan(&q.ID, &q.OrgID, &q.ActivityID, &q.Priority, &status, &q.Attempts, &eligibleRaw, &claimedRaw, &q.ClaimedBy, &q.LastError, &createdRaw, &updatedRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.QueueItem{}, app.ErrNotFound
		}
		return domain.QueueItem{}, err
	}
	q.Status = domain.QueueStatus(status)
	q.NextEligibleAt = parseTS(eligibleRaw)
	q.ClaimedAt = parseNullTS(claimedRaw)
	q.CreatedAt = parseTS(createdRaw)
	q.UpdatedAt = parseTS(updatedRaw)
	return q, nil
}
