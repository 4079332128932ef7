package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hylla/outreach/internal/app"
	"github.com/hylla/outreach/internal/domain"
	_ "modernc.org/sqlite"
)

// driverName defines a package constant value.
const driverName = "sqlite"

// tsLayout is fixed width so that TEXT timestamps compare correctly in SQL.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Repository stores leads, campaigns, activities and the dispatch queue.
type Repository struct {
	db *sql.DB
}

var _ app.Repository = (*Repository)(nil)

// Open opens the database at path, creating parent directories as needed.
func Open(path string) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return newRepository(db)
}

// OpenInMemory opens a private in-memory database.
func OpenInMemory() (*Repository, error) {
	db, err := sql.Open(driverName, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	return newRepository(db)
}

func newRepository(db *sql.DB) (*Repository, error) {
	// SQLite serializes writers; one connection keeps claims free of SQLITE_BUSY
	// and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	repo := &Repository{db: db}
	if err := repo.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Close closes the requested operation.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping reports whether the database answers.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// migrate handles migrate.
func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS leads (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			categories_json TEXT NOT NULL DEFAULT '[]',
			value INTEGER NOT NULL DEFAULT 0,
			units INTEGER NOT NULL DEFAULT 0,
			stage TEXT NOT NULL DEFAULT '',
			city TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			score INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL,
			last_contacted_at TEXT,
			response_status TEXT NOT NULL DEFAULT 'new',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(org_id, email)
		);`,
		`CREATE TABLE IF NOT EXISTS lead_contacts (
			lead_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY(lead_id, contact_id),
			FOREIGN KEY(lead_id) REFERENCES leads(id) ON DELETE CASCADE,
			FOREIGN KEY(contact_id) REFERENCES contacts(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS campaigns (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			lead_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			vertical TEXT NOT NULL,
			role TEXT NOT NULL,
			profile_hash TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY(lead_id) REFERENCES leads(id) ON DELETE CASCADE,
			FOREIGN KEY(contact_id) REFERENCES contacts(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			campaign_id TEXT NOT NULL,
			lead_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			stage_type TEXT NOT NULL,
			template_id TEXT NOT NULL DEFAULT '',
			tracking_token TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			sent_at TEXT,
			delivered_at TEXT,
			opened_at TEXT,
			clicked_at TEXT,
			bounced_at TEXT,
			failed_at TEXT,
			UNIQUE(campaign_id, stage),
			FOREIGN KEY(campaign_id) REFERENCES campaigns(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS queue_items (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			activity_id TEXT NOT NULL UNIQUE,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_eligible_at TEXT NOT NULL,
			claimed_at TEXT,
			claimed_by TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY(activity_id) REFERENCES activities(id) ON DELETE CASCADE
		);`,
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
			occurred_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS rate_counters (
			org_id TEXT NOT NULL,
			window_start TEXT NOT NULL,
			used INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(org_id, window_start)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_leads_org ON leads(org_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_lead ON campaigns(lead_id, created_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_campaigns_identity ON campaigns(lead_id, contact_id, profile_hash);`,
		`CREATE INDEX IF NOT EXISTS idx_activities_campaign ON activities(campaign_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_claim ON queue_items(org_id, status, priority DESC, next_eligible_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_claimed_at ON queue_items(status, claimed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_org_created ON alerts(org_id, created_at DESC, id DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// inTx runs fn inside a transaction and commits when it returns nil.
func (r *Repository) inTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertLead inserts or replaces a lead and its ordered contact links.
func (r *Repository) UpsertLead(ctx context.Context, l domain.Lead) error {
	categoriesJSON, err := json.Marshal(l.Categories)
	if err != nil {
		return fmt.Errorf("encode lead categories: %w", err)
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO leads(id, org_id, name, categories_json, value, units, stage, city, state, score, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				org_id = excluded.org_id,
				name = excluded.name,
				categories_json = excluded.categories_json,
				value = excluded.value,
				units = excluded.units,
				stage = excluded.stage,
				city = excluded.city,
				state = excluded.state,
				score = excluded.score,
				updated_at = excluded.updated_at
		`, l.ID, l.OrgID, l.Name, string(categoriesJSON), l.Value, l.Units, l.Stage, l.City, l.State, l.Score, ts(l.CreatedAt), ts(l.UpdatedAt)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM lead_contacts WHERE lead_id = ?`, l.ID); err != nil {
			return err
		}
		for i, contactID := range l.ContactIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO lead_contacts(lead_id, contact_id, position) VALUES (?, ?, ?)
			`, l.ID, contactID, i); err != nil {
				return fmt.Errorf("link contact %q: %w", contactID, err)
			}
		}
		return nil
	})
}

// GetLead returns lead.
func (r *Repository) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, categories_json, value, units, stage, city, state, score, created_at, updated_at
		FROM leads
		WHERE id = ?
	`, id)
	lead, err := scanLead(row)
	if err != nil {
		return domain.Lead{}, err
	}
	lead.ContactIDs, err = r.leadContactIDs(ctx, lead.ID)
	if err != nil {
		return domain.Lead{}, err
	}
	return lead, nil
}

// ListLeads lists leads.
func (r *Repository) ListLeads(ctx context.Context, filter app.LeadFilter) ([]domain.Lead, error) {
	query := `
		SELECT id, org_id, name, categories_json, value, units, stage, city, state, score, created_at, updated_at
		FROM leads
	`
	args := []any{}
	if filter.OrgID != "" {
		query += ` WHERE org_id = ?`
		args = append(args, filter.OrgID)
	}
	query += ` ORDER BY id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := []domain.Lead{}
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, lead)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	// The single connection must be free before the link queries run.
	_ = rows.Close()
	for i := range out {
		if out[i].ContactIDs, err = r.leadContactIDs(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Repository) leadContactIDs(ctx context.Context, leadID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT contact_id FROM lead_contacts WHERE lead_id = ? ORDER BY position ASC
	`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpsertContact inserts or updates a contact.
func (r *Repository) UpsertContact(ctx context.Context, c domain.Contact) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO contacts(id, org_id, name, title, email, last_contacted_at, response_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			title = excluded.title,
			email = excluded.email,
			last_contacted_at = excluded.last_contacted_at,
			response_status = excluded.response_status,
			updated_at = excluded.updated_at
	`, c.ID, c.OrgID, c.Name, c.Title, c.Email, nullableTS(c.LastContactedAt), string(c.ResponseStatus), ts(c.CreatedAt), ts(c.UpdatedAt))
	return err
}

const contactColumns = `id, org_id, name, title, email, last_contacted_at, response_status, created_at, updated_at`

// GetContact returns contact.
func (r *Repository) GetContact(ctx context.Context, id string) (domain.Contact, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	return scanContact(row)
}

// FindContactByEmail returns the contact with email inside orgID.
func (r *Repository) FindContactByEmail(ctx context.Context, orgID, email string) (domain.Contact, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE org_id = ? AND email = ?`, orgID, email)
	return scanContact(row)
}

// ListContacts returns the contacts with ids, in the order given. Unknown ids are skipped.
func (r *Repository) ListContacts(ctx context.Context, ids []string) ([]domain.Contact, error) {
	if len(ids) == 0 {
		return []domain.Contact{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byID := make(map[string]domain.Contact, len(ids))
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]domain.Contact, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// AdvanceContactStatus moves a contact forward with a conditional update.
// It reports false when the contact already sits at or past to.
func (r *Repository) AdvanceContactStatus(ctx context.Context, id string, to domain.ResponseStatus, at time.Time) (bool, error) {
	predecessors := to.Predecessors()
	if len(predecessors) == 0 {
		if _, err := r.GetContact(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(predecessors)), ", ")
	args := []any{string(to), ts(at), id}
	for _, p := range predecessors {
		args = append(args, string(p))
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE contacts
		SET response_status = ?, updated_at = ?
		WHERE id = ? AND response_status IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		if _, err := r.GetContact(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// CreateCampaign inserts c unless the (lead, contact, profile hash) campaign
// already exists, and returns the stored row.
func (r *Repository) CreateCampaign(ctx context.Context, c domain.Campaign) (domain.Campaign, bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO campaigns(id, org_id, lead_id, contact_id, vertical, role, profile_hash, started_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lead_id, contact_id, profile_hash) DO NOTHING
	`, c.ID, c.OrgID, c.LeadID, c.ContactID, string(c.Vertical), string(c.Role), c.ProfileHash, ts(c.StartedAt), ts(c.CreatedAt))
	if err != nil {
		return domain.Campaign{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Campaign{}, false, err
	}
	if affected == 1 {
		return c, true, nil
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT id, org_id, lead_id, contact_id, vertical, role, profile_hash, started_at, created_at
		FROM campaigns
		WHERE lead_id = ? AND contact_id = ? AND profile_hash = ?
	`, c.LeadID, c.ContactID, c.ProfileHash)
	existing, err := scanCampaign(row)
	if err != nil {
		return domain.Campaign{}, false, err
	}
	return existing, false, nil
}

// ListCampaigns lists every campaign of a lead, oldest first.
func (r *Repository) ListCampaigns(ctx context.Context, leadID string) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, org_id, lead_id, contact_id, vertical, role, profile_hash, started_at, created_at
		FROM campaigns
		WHERE lead_id = ?
		ORDER BY created_at ASC, id ASC
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

func scanCampaign(s scanner) (domain.Campaign, error) {
	var (
		c                      domain.Campaign
		vertical, role         string
		startedRaw, createdRaw string
	)
	if err := s.Scan(&c.ID, &c.OrgID, &c.LeadID, &c.ContactID, &vertical, &role, &c.ProfileHash, &startedRaw, &createdRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Campaign{}, app.ErrNotFound
		}
		return domain.Campaign{}, err
	}
	c.Vertical = domain.Vertical(vertical)
	c.Role = domain.Role(role)
	c.StartedAt = parseTS(startedRaw)
	c.CreatedAt = parseTS(createdRaw)
	return c, nil
}

const activityColumns = `id, org_id, campaign_id, lead_id, contact_id, stage, stage_type, template_id, tracking_token, status, version,
	metadata_json, created_at, updated_at, sent_at, delivered_at, opened_at, clicked_at, bounced_at, failed_at`

// ListCampaignActivities lists activities.
func (r *Repository) ListCampaignActivities(ctx context.Context, campaignID string) ([]domain.Activity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+activityColumns+`
		FROM activities
		WHERE campaign_id = ?
		ORDER BY created_at ASC, id ASC
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
// transaction. A (campaign, stage) pair that already exists is skipped, so
// re-planning never duplicates a send.
func (r *Repository) CreatePlannedSends(ctx context.Context, records []app.PlannedRecord) (int, error) {
	created := 0
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		created = 0
		for _, rec := range records {
			metaJSON, err := encodeActivityMetadata(rec.Activity.Metadata)
			if err != nil {
				return err
			}
			a := rec.Activity
			res, err := tx.ExecContext(ctx, `
				INSERT INTO activities(`+activityColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(campaign_id, stage) DO NOTHING
			`, a.ID, a.OrgID, a.CampaignID, a.LeadID, a.ContactID, a.Stage, string(a.StageType), a.TemplateID, a.TrackingToken,
				string(a.Status), a.Version, metaJSON, ts(a.CreatedAt), ts(a.UpdatedAt), nullableTS(a.SentAt), nullableTS(a.DeliveredAt),
				nullableTS(a.OpenedAt), nullableTS(a.ClickedAt), nullableTS(a.BouncedAt), nullableTS(a.FailedAt))
			if err != nil {
				return fmt.Errorf("insert activity %q: %w", a.ID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				continue
			}
			q := rec.Item
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO queue_items(id, org_id, activity_id, priority, status, attempts, next_eligible_at, claimed_at, claimed_by, last_error, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, q.ID, q.OrgID, q.ActivityID, q.Priority, string(q.Status), q.Attempts, ts(q.NextEligibleAt), nullableTS(q.ClaimedAt),
				q.ClaimedBy, q.LastError, ts(q.CreatedAt), ts(q.UpdatedAt)); err != nil {
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
	return getActivity(ctx, r.db, `id = ?`, id)
}

// GetActivityByToken returns the activity carrying a tracking token.
func (r *Repository) GetActivityByToken(ctx context.Context, token string) (domain.Activity, error) {
	return getActivity(ctx, r.db, `tracking_token = ?`, token)
}

// UpdateActivity writes a only when the stored version still equals expected.
func (r *Repository) UpdateActivity(ctx context.Context, a domain.Activity, expected int) error {
	return updateActivity(ctx, r.db, a, expected)
}

// CreateAlert creates alert.
func (r *Repository) CreateAlert(ctx context.Context, a domain.Alert) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alerts(id, org_id, kind, lead_id, lead_name, contact_id, contact_name, contact_email, activity_id, stage,
			vertical, role, pain_point, best_contact_time, notes, occurred_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.OrgID, string(a.Kind), a.LeadID, a.LeadName, a.ContactID, a.ContactName, a.ContactEmail, a.ActivityID, a.Stage,
		string(a.Vertical), string(a.Role), a.PainPoint, a.BestContactTime, a.Notes, ts(a.OccurredAt), ts(a.CreatedAt))
	return err
}

// ListAlerts lists alerts, newest first.
func (r *Repository) ListAlerts(ctx context.Context, filter app.AlertFilter) ([]domain.Alert, error) {
	query := `
		SELECT id, org_id, kind, lead_id, lead_name, contact_id, contact_name, contact_email, activity_id, stage,
			vertical, role, pain_point, best_contact_time, notes, occurred_at, created_at
		FROM alerts
		WHERE 1 = 1
	`
	args := []any{}
	if filter.OrgID != "" {
		query += ` AND org_id = ?`
		args = append(args, filter.OrgID)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, ts(filter.Since))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.Alert{}
	for rows.Next() {
		var (
			a                       domain.Alert
			kind, vertical, role    string
			occurredRaw, createdRaw string
		)
		if err := rows.Scan(&a.ID, &a.OrgID, &kind, &a.LeadID, &a.LeadName, &a.ContactID, &a.ContactName, &a.ContactEmail, &a.ActivityID, &a.Stage,
			&vertical, &role, &a.PainPoint, &a.BestContactTime, &a.Notes, &occurredRaw, &createdRaw); err != nil {
			return nil, err
		}
		a.Kind = domain.AlertKind(kind)
		a.Vertical = domain.Vertical(vertical)
		a.Role = domain.Role(role)
		a.OccurredAt = parseTS(occurredRaw)
		a.CreatedAt = parseTS(createdRaw)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ConsumeQuota grants up to q.Amount sends from the (org, window) counter.
func (r *Repository) ConsumeQuota(ctx context.Context, q app.QuotaRequest) (int, error) {
	granted := 0
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		window := ts(q.WindowStart)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rate_counters(org_id, window_start, used) VALUES (?, ?, 0)
			ON CONFLICT(org_id, window_start) DO NOTHING
		`, q.OrgID, window); err != nil {
			return err
		}
		var used int
		if err := tx.QueryRowContext(ctx, `
			SELECT used FROM rate_counters WHERE org_id = ? AND window_start = ?
		`, q.OrgID, window).Scan(&used); err != nil {
			return err
		}
		granted = min(max(q.Amount, 0), max(q.Limit-used, 0))
		if granted == 0 {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE rate_counters SET used = used + ? WHERE org_id = ? AND window_start = ?
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
	_, err := r.db.ExecContext(ctx, `
		UPDATE rate_counters SET used = MAX(used - ?, 0) WHERE org_id = ? AND window_start = ?
	`, q.Amount, q.OrgID, ts(q.WindowStart))
	return err
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// execerContext is satisfied by *sql.DB and *sql.Tx.
type execerContext interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

func getActivity(ctx context.Context, q queryRower, where string, arg string) (domain.Activity, error) {
	row := q.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE `+where, arg)
	return scanActivity(row)
}

// updateActivity applies the optimistic version check. A missing row is
// ErrNotFound and a version mismatch is ErrConflict.
func updateActivity(ctx context.Context, execer execerContext, a domain.Activity, expected int) error {
	metaJSON, err := encodeActivityMetadata(a.Metadata)
	if err != nil {
		return err
	}
	res, err := execer.ExecContext(ctx, `
		UPDATE activities
		SET template_id = ?, status = ?, version = ?, metadata_json = ?, updated_at = ?,
		    sent_at = ?, delivered_at = ?, opened_at = ?, clicked_at = ?, bounced_at = ?, failed_at = ?
		WHERE id = ? AND version = ?
	`, a.TemplateID, string(a.Status), a.Version, metaJSON, ts(a.UpdatedAt),
		nullableTS(a.SentAt), nullableTS(a.DeliveredAt), nullableTS(a.OpenedAt), nullableTS(a.ClickedAt), nullableTS(a.BouncedAt), nullableTS(a.FailedAt),
		a.ID, expected)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	var exists int
	err = execer.QueryRowContext(ctx, `SELECT 1 FROM activities WHERE id = ?`, a.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return app.ErrNotFound
	}
	if err != nil {
		return err
	}
	return app.ErrConflict
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

func encodeActivityMetadata(m domain.ActivityMetadata) (string, error) {
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
		return "", fmt.Errorf("encode activity metadata: %w", err)
	}
	return string(raw), nil
}

func decodeActivityMetadata(raw string) (domain.ActivityMetadata, error) {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	var m activityMetadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return domain.ActivityMetadata{}, fmt.Errorf("decode metadata_json: %w", err)
	}
	out := domain.ActivityMetadata{
		Subject:       m.Subject,
		MessageID:     m.MessageID,
		Variables:     m.Variables,
		Notes:         m.Notes,
		Outcome:       domain.CallOutcome(m.Outcome),
		FailureReason: m.FailureReason,
	}
	if m.OutcomeAt != nil {
		at := m.OutcomeAt.UTC()
		out.OutcomeAt = &at
	}
	return out, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanLead(s scanner) (domain.Lead, error) {
	var (
		l             domain.Lead
		categoriesRaw string
		createdRaw    string
		updatedRaw    string
	)
	if err := s.Scan(&l.ID, &l.OrgID, &l.Name, &categoriesRaw, &l.Value, &l.Units, &l.Stage, &l.City, &l.State, &l.Score, &createdRaw, &updatedRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Lead{}, app.ErrNotFound
		}
		return domain.Lead{}, err
	}
	if strings.TrimSpace(categoriesRaw) == "" {
		categoriesRaw = "[]"
	}
	if err := json.Unmarshal([]byte(categoriesRaw), &l.Categories); err != nil {
		return domain.Lead{}, fmt.Errorf("decode categories_json: %w", err)
	}
	l.CreatedAt = parseTS(createdRaw)
	l.UpdatedAt = parseTS(updatedRaw)
	return l, nil
}

func scanContact(s scanner) (domain.Contact, error) {
	var (
		c          domain.Contact
		lastRaw    sql.NullString
		statusRaw  string
		createdRaw string
		updatedRaw string
	)
	if err := s.Scan(&c.ID, &c.OrgID, &c.Name, &c.Title, &c.Email, &lastRaw, &statusRaw, &createdRaw, &updatedRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Contact{}, app.ErrNotFound
		}
		return domain.Contact{}, err
	}
	c.LastContactedAt = parseNullTS(lastRaw)
	c.ResponseStatus = domain.ResponseStatus(statusRaw)
	if c.ResponseStatus == "" {
		c.ResponseStatus = domain.ResponseNew
	}
	c.CreatedAt = parseTS(createdRaw)
	c.UpdatedAt = parseTS(updatedRaw)
	return c, nil
}

func scanActivity(s scanner) (domain.Activity, error) {
	var (
		a            domain.Activity
		stageType    string
		status       string
		metadataRaw  string
		createdRaw   string
		updatedRaw   string
		sentRaw      sql.NullString
		deliveredRaw sql.NullString
		openedRaw    sql.NullString
		clickedRaw   sql.NullString
		bouncedRaw   sql.NullString
		failedRaw    sql.NullString
	)
	if err := s.Scan(
		&a.ID,
		&a.OrgID,
		&a.CampaignID,
		&a.LeadID,
		&a.ContactID,
		&a.Stage,
		&stageType,
		&a.TemplateID,
		&a.TrackingToken,
		&status,
		&a.Version,
		&metadataRaw,
		&createdRaw,
		&updatedRaw,
		&sentRaw,
		&deliveredRaw,
		&openedRaw,
		&clickedRaw,
		&bouncedRaw,
		&failedRaw,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Activity{}, app.ErrNotFound
		}
		return domain.Activity{}, err
	}
	meta, err := decodeActivityMetadata(metadataRaw)
	if err != nil {
		return domain.Activity{}, err
	}
	a.StageType = domain.StageType(stageType)
	a.Status = domain.ActivityStatus(status)
	a.Metadata = meta
	a.CreatedAt = parseTS(createdRaw)
	a.UpdatedAt = parseTS(updatedRaw)
	a.SentAt = parseNullTS(sentRaw)
	a.DeliveredAt = parseNullTS(deliveredRaw)
	a.OpenedAt = parseNullTS(openedRaw)
	a.ClickedAt = parseNullTS(clickedRaw)
	a.BouncedAt = parseNullTS(bouncedRaw)
	a.FailedAt = parseNullTS(failedRaw)
	return a, nil
}

// ts handles ts.
func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// nullableTS handles nullable ts.
func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

// parseTS parses input into a normalized form.
func parseTS(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

// parseNullTS parses input into a normalized form.
func parseNullTS(v sql.NullString) *time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	ts := parseTS(v.String)
	return &ts
}
