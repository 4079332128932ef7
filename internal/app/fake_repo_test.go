package app

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/hylla/outreach/internal/domain"
)

type fakeRepo struct {
	mu         sync.Mutex
	leads      map[string]domain.Lead
	contacts   map[string]domain.Contact
	campaigns  map[string]domain.Campaign
	activities map[string]domain.Activity
	items      map[string]domain.QueueItem
	alerts     []domain.Alert
	quota      map[string]int
	// completeErrs fail the next CompleteSend calls in order.
	completeErrs []error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		leads:      map[string]domain.Lead{},
		contacts:   map[string]domain.Contact{},
		campaigns:  map[string]domain.Campaign{},
		activities: map[string]domain.Activity{},
		items:      map[string]domain.QueueItem{},
		quota:      map[string]int{},
	}
}

func (f *fakeRepo) UpsertLead(_ context.Context, l domain.Lead) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leads[l.ID] = l
	return nil
}

func (f *fakeRepo) GetLead(_ context.Context, id string) (domain.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leads[id]
	if !ok {
		return domain.Lead{}, ErrNotFound
	}
	return l, nil
}

func (f *fakeRepo) ListLeads(_ context.Context, filter LeadFilter) ([]domain.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Lead, 0, len(f.leads))
	for _, l := range f.leads {
		if filter.OrgID != "" && l.OrgID != filter.OrgID {
			continue
		}
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b domain.Lead) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (f *fakeRepo) UpsertContact(_ context.Context, c domain.Contact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts[c.ID] = c
	return nil
}

func (f *fakeRepo) GetContact(_ context.Context, id string) (domain.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[id]
	if !ok {
		return domain.Contact{}, ErrNotFound
	}
	return c, nil
}

func (f *fakeRepo) FindContactByEmail(_ context.Context, orgID, email string) (domain.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.contacts {
		if c.OrgID == orgID && c.Email == email {
			return c, nil
		}
	}
	return domain.Contact{}, ErrNotFound
}

func (f *fakeRepo) ListContacts(_ context.Context, ids []string) ([]domain.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Contact, 0, len(ids))
	for _, id := range ids {
		if c, ok := f.contacts[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRepo) AdvanceContactStatus(_ context.Context, id string, to domain.ResponseStatus, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[id]
	if !ok {
		return false, ErrNotFound
	}
	if !c.Advance(to, at) {
		return false, nil
	}
	f.contacts[id] = c
	return true, nil
}

func (f *fakeRepo) CreateCampaign(_ context.Context, c domain.Campaign) (domain.Campaign, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.campaigns {
		if existing.LeadID == c.LeadID && existing.ContactID == c.ContactID && existing.ProfileHash == c.ProfileHash {
			return existing, false, nil
		}
	}
	f.campaigns[c.ID] = c
	return c, true, nil
}

func (f *fakeRepo) ListCampaigns(_ context.Context, leadID string) ([]domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Campaign
	for _, c := range f.campaigns {
		if c.LeadID == leadID {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b domain.Campaign) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (f *fakeRepo) ListCampaignActivities(_ context.Context, campaignID string) ([]domain.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Activity
	for _, a := range f.activities {
		if a.CampaignID == campaignID {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b domain.Activity) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (f *fakeRepo) CreatePlannedSends(_ context.Context, records []PlannedRecord) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	created := 0
	for _, rec := range records {
		duplicate := false
		for _, a := range f.activities {
			if a.CampaignID == rec.Activity.CampaignID && a.Stage == rec.Activity.Stage {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		f.activities[rec.Activity.ID] = rec.Activity
		f.items[rec.Item.ID] = rec.Item
		created++
	}
	return created, nil
}

func (f *fakeRepo) GetActivity(_ context.Context, id string) (domain.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.activities[id]
	if !ok {
		return domain.Activity{}, ErrNotFound
	}
	return a, nil
}

func (f *fakeRepo) GetActivityByToken(_ context.Context, token string) (domain.Activity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.activities {
		if a.TrackingToken == token {
			return a, nil
		}
	}
	return domain.Activity{}, ErrNotFound
}

func (f *fakeRepo) UpdateActivity(_ context.Context, a domain.Activity, expected int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateActivityLocked(a, expected)
}

func (f *fakeRepo) updateActivityLocked(a domain.Activity, expected int) error {
	current, ok := f.activities[a.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expected {
		return ErrConflict
	}
	f.activities[a.ID] = a
	return nil
}

func (f *fakeRepo) ListDueBacklog(_ context.Context, orgID string, now time.Time) ([]OrgBacklog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	due := map[string]int{}
	top := map[string]int{}
	for _, item := range f.items {
		if (orgID != "" && item.OrgID != orgID) || !item.Eligible(now) {
			continue
		}
		if due[item.OrgID] == 0 || item.Priority > top[item.OrgID] {
			top[item.OrgID] = item.Priority
		}
		due[item.OrgID]++
	}
	out := make([]OrgBacklog, 0, len(due))
	for org, n := range due {
		out = append(out, OrgBacklog{OrgID: org, Due: n})
	}
	slices.SortFunc(out, func(a, b OrgBacklog) int {
		if c := cmp.Compare(top[b.OrgID], top[a.OrgID]); c != 0 {
			return c
		}
		return cmp.Compare(a.OrgID, b.OrgID)
	})
	return out, nil
}

func (f *fakeRepo) ClaimQueueItems(_ context.Context, req ClaimRequest) ([]domain.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var eligible []domain.QueueItem
	for _, item := range f.items {
		if req.OrgID != "" && item.OrgID != req.OrgID {
			continue
		}
		if item.Eligible(req.Now) {
			eligible = append(eligible, item)
		}
	}
	domain.SortQueueItems(eligible)
	if len(eligible) > req.Limit {
		eligible = eligible[:req.Limit]
	}
	for i := range eligible {
		claimedAt := req.Now
		eligible[i].Status = domain.QueueClaimed
		eligible[i].ClaimedAt = &claimedAt
		eligible[i].ClaimedBy = req.Owner
		eligible[i].UpdatedAt = req.Now
		f.items[eligible[i].ID] = eligible[i]
	}
	return eligible, nil
}

func (f *fakeRepo) CompleteSend(_ context.Context, c SendCommit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.completeErrs) > 0 {
		err := f.completeErrs[0]
		f.completeErrs = f.completeErrs[1:]
		return err
	}
	item, ok := f.items[c.ItemID]
	if !ok || item.Status != domain.QueueClaimed || item.ClaimedBy != c.Owner {
		return ErrClaimLost
	}
	if err := f.updateActivityLocked(c.Activity, c.ExpectedVersion); err != nil {
		return err
	}
	item.Status = domain.QueueSent
	item.ClaimedAt = nil
	item.ClaimedBy = ""
	item.UpdatedAt = c.Now
	f.items[item.ID] = item
	if contact, ok := f.contacts[c.ContactID]; ok {
		at := c.ContactedAt
		contact.LastContactedAt = &at
		f.contacts[contact.ID] = contact
	}
	return nil
}

func (f *fakeRepo) ReleaseQueueItem(_ context.Context, r QueueRelease) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[r.ItemID]
	if !ok || item.Status != domain.QueueClaimed || item.ClaimedBy != r.Owner {
		return ErrClaimLost
	}
	if r.Activity != nil {
		if err := f.updateActivityLocked(*r.Activity, r.ExpectedVersion); err != nil {
			return err
		}
	}
	item.Status = r.Status
	item.Attempts = r.Attempts
	item.NextEligibleAt = r.NextEligibleAt
	item.LastError = r.LastError
	item.ClaimedAt = nil
	item.ClaimedBy = ""
	item.UpdatedAt = r.Now
	f.items[item.ID] = item
	return nil
}

func (f *fakeRepo) ReapStaleClaims(_ context.Context, staleBefore, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, item := range f.items {
		if item.Status != domain.QueueClaimed || item.ClaimedAt == nil || !item.ClaimedAt.Before(staleBefore) {
			continue
		}
		item.Status = domain.QueuePending
		item.ClaimedAt = nil
		item.ClaimedBy = ""
		item.NextEligibleAt = now
		item.LastError = "stale claim reaped"
		item.UpdatedAt = now
		f.items[id] = item
		n++
	}
	return n, nil
}

func (f *fakeRepo) ListQueueItems(_ context.Context, filter QueueFilter) ([]domain.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.QueueItem
	for _, item := range f.items {
		if filter.OrgID != "" && item.OrgID != filter.OrgID {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		out = append(out, item)
	}
	slices.SortFunc(out, func(a, b domain.QueueItem) int { return cmp.Compare(a.ID, b.ID) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeRepo) CreateAlert(_ context.Context, a domain.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeRepo) ListAlerts(_ context.Context, filter AlertFilter) ([]domain.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Alert
	for _, a := range f.alerts {
		if filter.OrgID != "" && a.OrgID != filter.OrgID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeRepo) ConsumeQuota(_ context.Context, q QuotaRequest) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := q.OrgID + "|" + q.WindowStart.Format(time.RFC3339)
	granted := min(q.Amount, max(q.Limit-f.quota[key], 0))
	f.quota[key] += granted
	return granted, nil
}

func (f *fakeRepo) ReleaseQuota(_ context.Context, q QuotaRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := q.OrgID + "|" + q.WindowStart.Format(time.RFC3339)
	f.quota[key] = max(f.quota[key]-q.Amount, 0)
	return nil
}

func (f *fakeRepo) itemsByStatus(status domain.QueueStatus) []domain.QueueItem {
	items, _ := f.ListQueueItems(context.Background(), QueueFilter{Status: status})
	return items
}

func (f *fakeRepo) activityList() []domain.Activity {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Activity, 0, len(f.activities))
	for _, a := range f.activities {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b domain.Activity) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (f *fakeRepo) alertList() []domain.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.alerts)
}
