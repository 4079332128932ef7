package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hylla/outreach/internal/app"
	"github.com/hylla/outreach/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the multi-instance store. Claims rely on row locks with
// SKIP LOCKED, so any number of dispatchers may share one database.
type Repository struct {
	pool *pgxpool.Pool
}

var _ app.Repository = (*Repository)(nil)

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Repository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	repo := &Repository{pool: pool}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// Close releases every pooled connection.
func (r *Repository) Close() error {
	if r.pool != nil {
		r.pool.Close()
	}
	return nil
}

// Ping reports whether the database answers.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS leads (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			categories TEXT[] NOT NULL DEFAULT '{}',
			value BIGINT NOT NULL DEFAULT 0,
			units INTEGER NOT NULL DEFAULT 0,
			stage TEXT NOT NULL DEFAULT '',
			city TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			score INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL,
			last_contacted_at TIMESTAMPTZ,
			response_status TEXT NOT NULL DEFAULT 'new',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE(org_id, email)
		)`,
		`CREATE TABLE IF NOT EXISTS lead_contacts (
			lead_id TEXT NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
			contact_id TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			PRIMARY KEY(lead_id, contact_id)
		)`,
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			lead_id TEXT NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
			contact_id TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
			vertical TEXT NOT NULL,
			role TEXT NOT NULL,
			profile_hash TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
			lead_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			stage_type TEXT NOT NULL,
			template_id TEXT NOT NULL DEFAULT '',
			tracking_token TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			sent_at TIMESTAMPTZ,
			delivered_at TIMESTAMPTZ,
			opened_at TIMESTAMPTZ,
			clicked_at TIMESTAMPTZ,
			bounced_at TIMESTAMPTZ,
			failed_at TIMESTAMPTZ,
			UNIQUE(campaign_id, stage)
		)`,
		`CREATE TABLE IF NOT EXISTS queue_items (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			activity_id TEXT NOT NULL UNIQUE REFERENCES activities(id) ON DELETE CASCADE,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_eligible_at TIMESTAMPTZ NOT NULL,
			claimed_at TIMESTAMPTZ,
			claimed_by TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			lead_id TEXT NOT NULL DEFAULT '',
			lead_name TEXT NOT NULL DEFAULT '',
			contact_id TEXT NOT NULL DEFAULT '',
			contact_name TEXT NOT NULL DEFAULT '',
			contact_email TEXT NOT NULL DEFAULT '',
			activity_id TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			vertical TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			pain_point TEXT NOT NULL DEFAULT '',
			best_contact_time TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rate_counters (
			org_id TEXT NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			used INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(org_id, window_start)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_leads_org ON leads(org_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_lead ON campaigns(lead_id, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_campaigns_identity ON campaigns(lead_id, contact_id, profile_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_campaign ON activities(campaign_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_claim ON queue_items(status, priority DESC, next_eligible_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_claimed_at ON queue_items(status, claimed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_org_created ON alerts(org_id, created_at DESC, id DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UpsertLead inserts or replaces a lead and its ordered contact links.
func (r *Repository) UpsertLead(ctx context.Context, l domain.Lead) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO leads(id, org_id, name, categories, value, units, stage, city, state, score, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT(id) DO UPDATE SET
				org_id = EXCLUDED.org_id,
				name = EXCLUDED.name,
				categories = EXCLUDED.categories,
				value = EXCLUDED.value,
				units = EXCLUDED.units,
				stage = EXCLUDED.stage,
				city = EXCLUDED.city,
				state = EXCLUDED.state,
				score = EXCLUDED.score,
				updated_at = EXCLUDED.updated_at
		`, l.ID, l.OrgID, l.Name, nonNil(l.Categories), l.Value, l.Units, l.Stage, l.City, l.State, l.Score, l.CreatedAt.UTC(), l.UpdatedAt.UTC()); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM lead_contacts WHERE lead_id = $1`, l.ID); err != nil {
			return err
		}
		for i, contactID := range l.ContactIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO lead_contacts(lead_id, contact_id, position) VALUES ($1, $2, $3)
			`, l.ID, contactID, i); err != nil {
				return fmt.Errorf("link contact %q: %w", contactID, err)
			}
		}
		return nil
	})
}

const leadColumns = `l.id, l.org_id, l.name, l.categories, l.value, l.units, l.stage, l.city, l.state, l.score, l.created_at, l.updated_at,
	COALESCE((SELECT array_agg(lc.contact_id ORDER BY lc.position) FROM lead_contacts lc WHERE lc.lead_id = l.id), '{}')`

// GetLead returns lead.
func (r *Repository) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	return scanLead(r.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads l WHERE l.id = $1`, id))
}

// ListLeads lists leads.
func (r *Repository) ListLeads(ctx context.Context, filter app.LeadFilter) ([]domain.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads l WHERE ($1::text = '' OR l.org_id = $1) ORDER BY l.id`
	args := []any{filter.OrgID}
	if filter.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, filter.Limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Lead{}
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lead)
	}
	return out, rows.Err()
}

// UpsertContact inserts or updates a contact.
func (r *Repository) UpsertContact(ctx context.Context, c domain.Contact) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO contacts(id, org_id, name, title, email, last_contacted_at, response_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT(id) DO UPDATE SET
			name = EXCLUDED.name,
			title = EXCLUDED.title,
			email = EXCLUDED.email,
			last_contacted_at = EXCLUDED.last_contacted_at,
			response_status = EXCLUDED.response_status,
			updated_at = EXCLUDED.updated_at
	`, c.ID, c.OrgID, c.Name, c.Title, c.Email, utcPtr(c.LastContactedAt), string(c.ResponseStatus), c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	return err
}

const contactColumns = `id, org_id, name, title, email, last_contacted_at, response_status, created_at, updated_at`

// GetContact returns contact.
func (r *Repository) GetContact(ctx context.Context, id string) (domain.Contact, error) {
	return scanContact(r.pool.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id))
}

// FindContactByEmail returns the contact with email inside orgID.
func (r *Repository) FindContactByEmail(ctx context.Context, orgID, email string) (domain.Contact, error) {
	return scanContact(r.pool.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE org_id = $1 AND email = $2`, orgID, email))
}

// ListContacts returns the contacts with ids, in the order given.
func (r *Repository) ListContacts(ctx context.Context, ids []string) ([]domain.Contact, error) {
	if len(ids) == 0 {
		return []domain.Contact{}, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+contactColumns+` FROM contacts c
		JOIN unnest($1::text[]) WITH ORDINALITY AS wanted(id, ord) USING (id)
		ORDER BY wanted.ord
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AdvanceContactStatus moves a contact forward with a conditional update.
func (r *Repository) AdvanceContactStatus(ctx context.Context, id string, to domain.ResponseStatus, at time.Time) (bool, error) {
	predecessors := make([]string, 0, 2)
	for _, p := range to.Predecessors() {
		predecessors = append(predecessors, string(p))
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE contacts SET response_status = $1, updated_at = $2
		WHERE id = $3 AND response_status = ANY($4)
	`, string(to), at.UTC(), id, predecessors)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetContact(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// CreateCampaign inserts c unless the (lead, contact, profile hash) campaign
// already exists, and returns the stored row. A concurrent insert of the same
// identity waits on the unique index and then reads the winner.
func (r *Repository) CreateCampaign(ctx context.Context, c domain.Campaign) (domain.Campaign, bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO campaigns(id, org_id, lead_id, contact_id, vertical, role, profile_hash, started_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT(lead_id, contact_id, profile_hash) DO NOTHING
	`, c.ID, c.OrgID, c.LeadID, c.ContactID, string(c.Vertical), string(c.Role), c.ProfileHash, c.StartedAt.UTC(), c.CreatedAt.UTC())
	if err != nil {
		return domain.Campaign{}, false, err
	}
	if tag.RowsAffected() == 1 {
		return c, true, nil
	}
	row := r.pool.QueryRow(ctx, `
		SELECT id, org_id, lead_id, contact_id, vertical, role, profile_hash, started_at, created_at
		FROM campaigns WHERE lead_id = $1 AND contact_id = $2 AND profile_hash = $3
	`, c.LeadID, c.ContactID, c.ProfileHash)
	existing, err := scanCampaign(row)
	if err != nil {
		return domain.Campaign{}, false, err
	}
	return existing, false, nil
}

// ListCampaigns lists every campaign of a lead, oldest first.
func (r *Repository) ListCampaigns(ctx context.Context, leadID string) ([]domain.Campaign, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, lead_id, contact_id, vertical, role, profile_hash, started_at, created_at
		FROM campaigns WHERE lead_id = $1
		ORDER BY created_at, id
	`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCampaign(row pgx.Row) (domain.Campaign, error) {
	var (
		c              domain.Campaign
		vertical, role string
	)
	if err := row.Scan(&c.ID, &c.OrgID, &c.LeadID, &c.ContactID, &vertical, &role, &c.ProfileHash, &c.StartedAt, &c.CreatedAt); err != nil {
		return domain.Campaign{}, translateNoRows(err)
	}
	c.Vertical = domain.Vertical(vertical)
	c.Role = domain.Role(role)
	c.StartedAt = c.StartedAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

const activityColumns = `id, org_id, campaign_id, lead_id, contact_id, stage, stage_type, template_id, tracking_token, status, version,
	metadata, created_at, updated_at, sent_at, delivered_at, opened_at, clicked_at, bounced_at, failed_at`

// ListCampaignActivities lists activities.
func (r *Repository) ListCampaignActivities(ctx context.Context, campaignID string) ([]domain.Activity, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+activityColumns+` FROM activities WHERE campaign_id = $1 ORDER BY created_at, id
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Activity{}
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreatePlannedSends stores each activity with its queue item in one
// transaction, skipping (campaign, stage) pairs that already exist.
func (r *Repository) CreatePlannedSends(ctx context.Context, records []app.PlannedRecord) (int, error) {
	created := 0
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		created = 0
		for _, rec := range records {
			meta, err := encodeActivityMetadata(rec.Activity.Metadata)
			if err != nil {
				return err
			}
			a := rec.Activity
			tag, err := tx.Exec(ctx, `
				INSERT INTO activities(`+activityColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
				ON CONFLICT(campaign_id, stage) DO NOTHING
			`, a.ID, a.OrgID, a.CampaignID, a.LeadID, a.ContactID, a.Stage, string(a.StageType), a.TemplateID, a.TrackingToken,
				string(a.Status), a.Version, meta, a.CreatedAt.UTC(), a.UpdatedAt.UTC(), utcPtr(a.SentAt), utcPtr(a.DeliveredAt),
				utcPtr(a.OpenedAt), utcPtr(a.ClickedAt), utcPtr(a.BouncedAt), utcPtr(a.FailedAt))
			if err != nil {
				return fmt.Errorf("insert activity %q: %w", a.ID, err)
			}
			if tag.RowsAffected() == 0 {
				continue
			}
			q := rec.Item
			if _, err := tx.Exec(ctx, `
				INSERT INTO queue_items(`+queueColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			`, q.ID, q.OrgID, q.ActivityID, q.Priority, string(q.Status), q.Attempts, q.NextEligibleAt.UTC(), utcPtr(q.ClaimedAt),
				q.ClaimedBy, q.LastError, q.CreatedAt.UTC(), q.UpdatedAt.UTC()); err != nil {
				return fmt.Errorf("insert queue item %q: %w", q.ID, err)
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// GetActivity returns activity.
func (r *Repository) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	return scanActivity(r.pool.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities WHERE id = $1`, id))
}

// GetActivityByToken returns the activity carrying a tracking token.
func (r *Repository) GetActivityByToken(ctx context.Context, token string) (domain.Activity, error) {
	return scanActivity(r.pool.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities WHERE tracking_token = $1`, token))
}

// UpdateActivity writes a only when the stored version still equals expected.
func (r *Repository) UpdateActivity(ctx context.Context, a domain.Activity, expected int) error {
	return updateActivity(ctx, r.pool, a, expected)
}

func updateActivity(ctx context.Context, q querier, a domain.Activity, expected int) error {
	meta, err := encodeActivityMetadata(a.Metadata)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `
		UPDATE activities
		SET template_id = $1, status = $2, version = $3, metadata = $4, updated_at = $5,
		    sent_at = $6, delivered_at = $7, opened_at = $8, clicked_at = $9, bounced_at = $10, failed_at = $11
		WHERE id = $12 AND version = $13
	`, a.TemplateID, string(a.Status), a.Version, meta, a.UpdatedAt.UTC(),
		utcPtr(a.SentAt), utcPtr(a.DeliveredAt), utcPtr(a.OpenedAt), utcPtr(a.ClickedAt), utcPtr(a.BouncedAt), utcPtr(a.FailedAt),
		a.ID, expected)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM activities WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return app.ErrNotFound
	}
	return app.ErrConflict
}

// CreateAlert creates alert.
func (r *Repository) CreateAlert(ctx context.Context, a domain.Alert) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO alerts(id, org_id, kind, lead_id, lead_name, contact_id, contact_name, contact_email, activity_id, stage,
			vertical, role, pain_point, best_contact_time, notes, occurred_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, a.ID, a.OrgID, string(a.Kind), a.LeadID, a.LeadName, a.ContactID, a.ContactName, a.ContactEmail, a.ActivityID, a.Stage,
		string(a.Vertical), string(a.Role), a.PainPoint, a.BestContactTime, a.Notes, a.OccurredAt.UTC(), a.CreatedAt.UTC())
	return err
}

// ListAlerts lists alerts, newest first.
func (r *Repository) ListAlerts(ctx context.Context, filter app.AlertFilter) ([]domain.Alert, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	var since *time.Time
	if !filter.Since.IsZero() {
		s := filter.Since.UTC()
		since = &s
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, kind, lead_id, lead_name, contact_id, contact_name, contact_email, activity_id, stage,
			vertical, role, pain_point, best_contact_time, notes, occurred_at, created_at
		FROM alerts
		WHERE ($1::text = '' OR org_id = $1) AND ($2::timestamptz IS NULL OR created_at >= $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, filter.OrgID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Alert{}
	for rows.Next() {
		var (
			a                    domain.Alert
			kind, vertical, role string
		)
		if err := rows.Scan(&a.ID, &a.OrgID, &kind, &a.LeadID, &a.LeadName, &a.ContactID, &a.ContactName, &a.ContactEmail, &a.ActivityID, &a.Stage,
			&vertical, &role, &a.PainPoint, &a.BestContactTime, &a.Notes, &a.OccurredAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Kind = domain.AlertKind(kind)
		a.Vertical = domain.Vertical(vertical)
		a.Role = domain.Role(role)
		a.OccurredAt = a.OccurredAt.UTC()
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// ConsumeQuota grants up to q.Amount sends from the (org, window) counter
// while holding the counter row lock.
func (r *Repository) ConsumeQuota(ctx context.Context, q app.QuotaRequest) (int, error) {
	granted := 0
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		window := q.WindowStart.UTC()
		if _, err := tx.Exec(ctx, `
			INSERT INTO rate_counters(org_id, window_start, used) VALUES ($1, $2, 0)
			ON CONFLICT(org_id, window_start) DO NOTHING
		`, q.OrgID, window); err != nil {
			return err
		}
		var used int
		if err := tx.QueryRow(ctx, `
			SELECT used FROM rate_counters WHERE org_id = $1 AND window_start = $2 FOR UPDATE
		`, q.OrgID, window).Scan(&used); err != nil {
			return err
		}
		granted = min(max(q.Amount, 0), max(q.Limit-used, 0))
		if granted == 0 {
			return nil
		}
		_, err := tx.Exec(ctx, `
			UPDATE rate_counters SET used = used + $1 WHERE org_id = $2 AND window_start = $3
		`, granted, q.OrgID, window)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("consume quota: %w", err)
	}
	return granted, nil
}

// ReleaseQuota returns unused sends to the counter.
func (r *Repository) ReleaseQuota(ctx context.Context, q app.QuotaRequest) error {
	if q.Amount <= 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE rate_counters SET used = GREATEST(used - $1, 0) WHERE org_id = $2 AND window_start = $3
	`, q.Amount, q.OrgID, q.WindowStart.UTC())
	return err
}

// activityMetadata is the stored JSON shape of domain.ActivityMetadata.
type activityMetadata struct {
	Subject       string            `json:"subject,omitempty"`
	MessageID     string            `json:"message_id,omitempty"`
	Variables     map[string]string `json:"variables,omitempty"`
	Notes         string            `json:"notes,omitempty"`
	Outcome       string            `json:"outcome,omitempty"`
	OutcomeAt     *time.Time        `json:"outcome_at,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
}

func encodeActivityMetadata(m domain.ActivityMetadata) ([]byte, error) {
	raw, err := json.Marshal(activityMetadata{
		Subject:       m.Subject,
		MessageID:     m.MessageID,
		Variables:     m.Variables,
		Notes:         m.Notes,
		Outcome:       string(m.Outcome),
		OutcomeAt:     m.OutcomeAt,
		FailureReason: m.FailureReason,
	})
	if err != nil {
		return nil, fmt.Errorf("encode activity metadata: %w", err)
	}
	return raw, nil
}

func decodeActivityMetadata(raw []byte) (domain.ActivityMetadata, error) {
	if len(raw) == 0 {
		return domain.ActivityMetadata{}, nil
	}
	var m activityMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.ActivityMetadata{}, fmt.Errorf("decode activity metadata: %w", err)
	}
	out := domain.ActivityMetadata{
		Subject:       m.Subject,
		MessageID:     m.MessageID,
		Variables:     m.Variables,
		Notes:         m.Notes,
		Outcome:       domain.CallOutcome(m.Outcome),
		FailureReason: m.FailureReason,
	}
	out.OutcomeAt = utcPtr(m.OutcomeAt)
	return out, nil
}

func scanLead(row pgx.Row) (domain.Lead, error) {
	var l domain.Lead
	if err := row.Scan(&l.ID, &l.OrgID, &l.Name, &l.Categories, &l.Value, &l.Units, &l.Stage, &l.City, &l.State, &l.Score, &l.CreatedAt, &l.UpdatedAt, &l.ContactIDs); err != nil {
		return domain.Lead{}, translateNoRows(err)
	}
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return l, nil
}

func scanContact(row pgx.Row) (domain.Contact, error) {
	var (
		c      domain.Contact
		status string
	)
	if err := row.Scan(&c.ID, &c.OrgID, &c.Name, &c.Title, &c.Email, &c.LastContactedAt, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.Contact{}, translateNoRows(err)
	}
	c.ResponseStatus = domain.ResponseStatus(status)
	c.LastContactedAt = utcPtr(c.LastContactedAt)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func scanActivity(row pgx.Row) (domain.Activity, error) {
	var (
		a         domain.Activity
		stageType string
		status    string
		meta      []byte
	)
	if err := row.Scan(
		&a.ID, &a.OrgID, &a.CampaignID, &a.LeadID, &a.ContactID, &a.Stage, &stageType, &a.TemplateID, &a.TrackingToken, &status, &a.Version,
		&meta, &a.CreatedAt, &a.UpdatedAt, &a.SentAt, &a.DeliveredAt, &a.OpenedAt, &a.ClickedAt, &a.BouncedAt, &a.FailedAt,
	); err != nil {
		return domain.Activity{}, translateNoRows(err)
	}
	metadata, err := decodeActivityMetadata(meta)
	if err != nil {
		return domain.Activity{}, err
	}
	a.StageType = domain.StageType(stageType)
	a.Status = domain.ActivityStatus(status)
	a.Metadata = metadata
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	a.SentAt = utcPtr(a.SentAt)
	a.DeliveredAt = utcPtr(a.DeliveredAt)
	a.OpenedAt = utcPtr(a.OpenedAt)
	a.ClickedAt = utcPtr(a.ClickedAt)
	a.BouncedAt = utcPtr(a.BouncedAt)
	a.FailedAt = utcPtr(a.FailedAt)
	return a, nil
}

// translateNoRows maps pgx.ErrNoRows to app.ErrNotFound.
func translateNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return app.ErrNotFound
	}
	return err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
