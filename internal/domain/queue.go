package domain

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// QueueStatus is the dispatch state of one unit of send work.
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueClaimed QueueStatus = "claimed"
	QueueSent    QueueStatus = "sent"
	QueueFailed  QueueStatus = "failed"
)

var validQueueStatuses = []QueueStatus{QueuePending, QueueClaimed, QueueSent, QueueFailed}

// QueueStatuses returns every queue status in canonical order.
func QueueStatuses() []QueueStatus {
	return slices.Clone(validQueueStatuses)
}

func ParseQueueStatus(raw string) (QueueStatus, error) {
	status := QueueStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !slices.Contains(validQueueStatuses, status) {
		return "", ErrInvalidStatus
	}
	return status, nil
}

// QueueItem references one activity awaiting dispatch. Each activity owns at
// most one queue item, so at most one claim per activity can exist.
type QueueItem struct {
	ID             string
	OrgID          string
	ActivityID     string
	Priority       int
	Status         QueueStatus
	Attempts       int
	NextEligibleAt time.Time
	ClaimedAt      *time.Time
	ClaimedBy      string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type QueueItemInput struct {
	ID             string
	OrgID          string
	ActivityID     string
	Priority       int
	NextEligibleAt time.Time
}

func NewQueueItem(in QueueItemInput, now time.Time) (QueueItem, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.OrgID = strings.TrimSpace(in.OrgID)
	in.ActivityID = strings.TrimSpace(in.ActivityID)
	if in.ID == "" || in.OrgID == "" || in.ActivityID == "" {
		return QueueItem{}, ErrInvalidID
	}
	if in.Priority < 0 {
		return QueueItem{}, ErrInvalidValue
	}
	ts := now.UTC()
	eligible := in.NextEligibleAt.UTC()
	if in.NextEligibleAt.IsZero() {
		eligible = ts
	}
	return QueueItem{
		ID:             in.ID,
		OrgID:          in.OrgID,
		ActivityID:     in.ActivityID,
		Priority:       in.Priority,
		Status:         QueuePending,
		NextEligibleAt: eligible,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}, nil
}

// Eligible reports whether the item may be claimed at now.
func (q QueueItem) Eligible(now time.Time) bool {
	return q.Status == QueuePending && !q.NextEligibleAt.After(now)
}

// Terminal reports whether the item will never be dispatched again.
func (q QueueItem) Terminal() bool {
	return q.Status == QueueSent || q.Status == QueueFailed
}

// SortQueueItems orders items for dispatch: highest priority first, then
// earliest eligibility, then id.
func SortQueueItems(items []QueueItem) {
	slices.SortFunc(items, func(a, b QueueItem) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := a.NextEligibleAt.Compare(b.NextEligibleAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
