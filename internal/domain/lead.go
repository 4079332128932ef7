package domain

import (
	"net/mail"
	"slices"
	"strings"
	"time"
)

type ResponseStatus string

const (
	ResponseNew       ResponseStatus = "new"
	ResponseEngaged   ResponseStatus = "engaged"
	ResponseResponded ResponseStatus = "responded"
)

var responseOrder = []ResponseStatus{ResponseNew, ResponseEngaged, ResponseResponded}

// Lead is a project plus the contacts attached to it.
type Lead struct {
	ID         string
	OrgID      string
	Name       string
	Categories []string
	Value      int64
	Units      int
	Stage      string
	City       string
	State      string
	Score      int
	ContactIDs []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type LeadInput struct {
	ID         string
	OrgID      string
	Name       string
	Categories []string
	Value      int64
	Units      int
	Stage      string
	City       string
	State      string
	Score      int
	ContactIDs []string
}

func NewLead(in LeadInput, now time.Time) (Lead, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.OrgID = strings.TrimSpace(in.OrgID)
	in.Name = strings.TrimSpace(in.Name)
	if in.ID == "" || in.OrgID == "" {
		return Lead{}, ErrInvalidID
	}
	if in.Value < 0 || in.Units < 0 {
		return Lead{}, ErrInvalidValue
	}
	if in.Score < 0 || in.Score > 100 {
		return Lead{}, ErrInvalidValue
	}
	ts := now.UTC()
	return Lead{
		ID:         in.ID,
		OrgID:      in.OrgID,
		Name:       in.Name,
		Categories: NormalizeCategories(in.Categories),
		Value:      in.Value,
		Units:      in.Units,
		Stage:      strings.ToLower(strings.TrimSpace(in.Stage)),
		City:       strings.TrimSpace(in.City),
		State:      strings.ToUpper(strings.TrimSpace(in.State)),
		Score:      in.Score,
		ContactIDs: normalizeIDs(in.ContactIDs),
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}, nil
}

// Location renders "City, ST" with whichever parts are known.
func (l Lead) Location() string {
	switch {
	case l.City != "" && l.State != "":
		return l.City + ", " + l.State
	case l.City != "":
		return l.City
	default:
		return l.State
	}
}

// Contact is a stakeholder reachable by email. Many leads may share one contact.
type Contact struct {
	ID              string
	OrgID           string
	Name            string
	Title           string
	Email           string
	LastContactedAt *time.Time
	ResponseStatus  ResponseStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type ContactInput struct {
	ID    string
	OrgID string
	Name  string
	Title string
	Email string
}

func NewContact(in ContactInput, now time.Time) (Contact, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.OrgID = strings.TrimSpace(in.OrgID)
	if in.ID == "" || in.OrgID == "" {
		return Contact{}, ErrInvalidID
	}
	email, err := NormalizeEmail(in.Email)
	if err != nil {
		return Contact{}, err
	}
	ts := now.UTC()
	return Contact{
		ID:             in.ID,
		OrgID:          in.OrgID,
		Name:           strings.Join(strings.Fields(in.Name), " "),
		Title:          strings.TrimSpace(in.Title),
		Email:          email,
		ResponseStatus: ResponseNew,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}, nil
}

// Advance moves the response status forward. Backward moves are ignored.
func (c *Contact) Advance(to ResponseStatus, now time.Time) bool {
	if !to.After(c.ResponseStatus) {
		return false
	}
	c.ResponseStatus = to
	c.UpdatedAt = now.UTC()
	return true
}

// After reports whether s sits strictly later than other in the response lifecycle.
func (s ResponseStatus) After(other ResponseStatus) bool {
	return slices.Index(responseOrder, s) > slices.Index(responseOrder, other)
}

// Predecessors lists the statuses a contact may advance to s from.
func (s ResponseStatus) Predecessors() []ResponseStatus {
	idx := slices.Index(responseOrder, s)
	if idx <= 0 {
		return nil
	}
	return slices.Clone(responseOrder[:idx])
}

func ParseResponseStatus(raw string) (ResponseStatus, error) {
	status := ResponseStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !slices.Contains(responseOrder, status) {
		return "", ErrInvalidStatus
	}
	return status, nil
}

func NormalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(addr.Address), nil
}

func NormalizeCategories(categories []string) []string {
	out := make([]string, 0, len(categories))
	seen := map[string]struct{}{}
	for _, raw := range categories {
		category := strings.Join(strings.Fields(strings.ToLower(raw)), " ")
		if category == "" {
			continue
		}
		if _, ok := seen[category]; ok {
			continue
		}
		seen[category] = struct{}{}
		out = append(out, category)
	}
	return out
}

func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := map[string]struct{}{}
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
