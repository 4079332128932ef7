package domain

import (
	"strings"
	"time"
)

// Campaign is the planning context for one lead/contact pair. A changed
// classification starts a new campaign instead of rewriting an old one.
type Campaign struct {
	ID          string
	OrgID       string
	LeadID      string
	ContactID   string
	Vertical    Vertical
	Role        Role
	ProfileHash string
	StartedAt   time.Time
	CreatedAt   time.Time
}

type CampaignInput struct {
	ID          string
	OrgID       string
	LeadID      string
	ContactID   string
	Vertical    Vertical
	Role        Role
	ProfileHash string
	StartedAt   time.Time
}

func NewCampaign(in CampaignInput, now time.Time) (Campaign, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.OrgID = strings.TrimSpace(in.OrgID)
	in.LeadID = strings.TrimSpace(in.LeadID)
	in.ContactID = strings.TrimSpace(in.ContactID)
	if in.ID == "" || in.OrgID == "" || in.LeadID == "" || in.ContactID == "" {
		return Campaign{}, ErrInvalidID
	}
	if in.Vertical == "" {
		in.Vertical = VerticalGeneral
	}
	if in.Role == "" {
		in.Role = RoleUnknown
	}
	started := in.StartedAt
	if started.IsZero() {
		started = now
	}
	return Campaign{
		ID:          in.ID,
		OrgID:       in.OrgID,
		LeadID:      in.LeadID,
		ContactID:   in.ContactID,
		Vertical:    in.Vertical,
		Role:        in.Role,
		ProfileHash: strings.TrimSpace(in.ProfileHash),
		StartedAt:   started.UTC(),
		CreatedAt:   now.UTC(),
	}, nil
}

// DueAt returns when a stage becomes due for this campaign.
func (c Campaign) DueAt(stage Stage) time.Time {
	return c.StartedAt.Add(stage.Offset)
}
