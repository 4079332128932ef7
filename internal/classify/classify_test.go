package classify

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hylla/outreach/internal/domain"
)

func testLead(t *testing.T, in domain.LeadInput) domain.Lead {
	t.Helper()
	if in.ID == "" {
		in.ID = "l1"
	}
	if in.OrgID == "" {
		in.OrgID = "org"
	}
	lead, err := domain.NewLead(in, time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewLead() error = %v", err)
	}
	return lead
}

func testContact(t *testing.T, id, title, email string) domain.Contact {
	t.Helper()
	c, err := domain.NewContact(domain.ContactInput{ID: id, OrgID: "org", Title: title, Email: email}, time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NewContact() error = %v", err)
	}
	return c
}

func TestClassifyHotelOwner(t *testing.T) {
	lead := testLead(t, domain.LeadInput{Categories: []string{"hotel"}, Stage: "planning", Value: 18_000_000})
	contact := testContact(t, "c1", "Owner", "taylor@example.com")

	profile := Classify(lead, []domain.Contact{contact})
	if profile.Vertical != domain.VerticalHospitality {
		t.Fatalf("Vertical = %q, want hospitality", profile.Vertical)
	}
	if role := profile.RoleFor("c1"); role != domain.RoleOwner {
		t.Fatalf("RoleFor() = %q, want owner", role)
	}
	if profile.Phase != domain.PhaseEarly {
		t.Fatalf("Phase = %q, want early", profile.Phase)
	}
	if profile.Psychology(domain.RoleOwner).Authority != domain.AuthorityFinal {
		t.Fatal("expected owner to carry final authority")
	}
	if got := profile.PainPoint(domain.RoleOwner); got != "guest satisfaction scores" {
		t.Fatalf("PainPoint() = %q", got)
	}
}

func TestDetectVerticalTable(t *testing.T) {
	cases := []struct {
		categories []string
		want       domain.Vertical
	}{
		{[]string{"Hotel"}, domain.VerticalHospitality},
		{[]string{"Luxury Resort & Spa"}, domain.VerticalHospitality},
		{[]string{"Assisted Living Facility"}, domain.VerticalSeniorLiving},
		{[]string{"Medical Office Building"}, domain.VerticalMedical},
		{[]string{"garden apartments"}, domain.VerticalMultifamily},
		{[]string{"University Dorm"}, domain.VerticalStudentHousing},
		{[]string{"distribution center"}, domain.VerticalIndustrial},
		{[]string{"Shopping Center"}, domain.VerticalRetail},
		{[]string{"parking garage", "office"}, domain.VerticalCorporateOffice},
		{[]string{"parking garage"}, domain.VerticalGeneral},
		{nil, domain.VerticalGeneral},
	}
	for _, tc := range cases {
		got, _, _ := DetectVertical(tc.categories)
		if got != tc.want {
			t.Fatalf("DetectVertical(%v) = %q, want %q", tc.categories, got, tc.want)
		}
	}
}

func TestClassifyRefinesMixedUse(t *testing.T) {
	large := Classify(testLead(t, domain.LeadInput{Categories: []string{"mixed-use"}, Units: 320, Value: 90_000_000}), nil)
	if large.Vertical != domain.VerticalMultifamily || !large.Refined || large.BaseCategory != "mixed-use" {
		t.Fatalf("unexpected large mixed-use profile %#v", large)
	}
	small := Classify(testLead(t, domain.LeadInput{Categories: []string{"mixed use"}, Units: 8, Value: 4_000_000}), nil)
	if small.Vertical != domain.VerticalRetail || !small.Refined {
		t.Fatalf("unexpected small mixed-use profile %#v", small)
	}
	middle := Classify(testLead(t, domain.LeadInput{Categories: []string{"mixed use"}, Units: 80, Value: 25_000_000}), nil)
	if middle.Vertical != domain.VerticalMixedUse || middle.Refined {
		t.Fatalf("unexpected mid-size mixed-use profile %#v", middle)
	}
}

func TestClassifyDegradesToGeneral(t *testing.T) {
	profile := Classify(testLead(t, domain.LeadInput{Categories: []string{"parking structure"}}), []domain.Contact{
		testContact(t, "c1", "Chief Vibes Officer", "vibes@example.com"),
	})
	if profile.Vertical != domain.VerticalGeneral || !profile.Degraded {
		t.Fatalf("expected degraded general profile, got %#v", profile)
	}
	if profile.RoleFor("c1") != domain.RoleUnknown {
		t.Fatalf("expected unknown role, got %q", profile.RoleFor("c1"))
	}
	psych := profile.Psychology(domain.RoleUnknown)
	if psych.Authority != domain.AuthorityRecommender || len(psych.BusinessConcerns) == 0 {
		t.Fatalf("expected generic low-specificity psychology, got %#v", psych)
	}
}

func TestDetectRole(t *testing.T) {
	cases := map[string]domain.Role{
		"Owner":                          domain.RoleOwner,
		"CEO & Founder":                  domain.RoleOwner,
		"V.P., Sales":                    domain.RoleDirectorOfSales,
		"Chief Financial Officer":        domain.RoleCFO,
		"Director of Nursing":            domain.RoleDirectorOfNursing,
		"Executive Director":             domain.RoleAdministrator,
		"Senior Project Manager":         domain.RoleGeneralContractor,
		"Director of Development":        domain.RoleDeveloper,
		"Community Manager":              domain.RolePropertyManager,
		"Facilities Supervisor":          domain.RoleFacilitiesManager,
		"Project Architect":              domain.RoleArchitect,
		"MEP Engineer":                   domain.RoleEngineer,
		"IT Director":                    domain.RoleITDirector,
		"":                               domain.RoleUnknown,
		"Receptionist":                   domain.RoleUnknown,
		"Dogecoin Enthusiast and Pundit": domain.RoleUnknown,
	}
	for title, want := range cases {
		if got := DetectRole(title); got != want {
			t.Fatalf("DetectRole(%q) = %q, want %q", title, got, want)
		}
	}
}

func TestMemoMatchesDirectClassification(t *testing.T) {
	lead := testLead(t, domain.LeadInput{Categories: []string{"memory care"}, Units: 90, Stage: "design"})
	contacts := []domain.Contact{
		testContact(t, "c1", "Administrator", "admin1@example.com"),
		testContact(t, "c2", "Director of Nursing", "don@example.com"),
	}
	memo := NewMemo(8)
	first, key1 := memo.Classify(lead, contacts)
	second, key2 := memo.Classify(lead, []domain.Contact{contacts[1], contacts[0]})
	if key1 != key2 {
		t.Fatal("expected contact order not to affect the lead hash")
	}
	if memo.Len() != 1 {
		t.Fatalf("expected one cached entry, got %d", memo.Len())
	}
	if diff := cmp.Diff(Classify(lead, contacts), first); diff != "" {
		t.Fatalf("memoized profile mismatch (-want +got):\n%s", diff)
	}
	second.Roles[domain.RoleOwner] = domain.RolePsychology{}
	third, _ := memo.Classify(lead, contacts)
	if _, ok := third.Roles[domain.RoleOwner]; ok {
		t.Fatal("mutating a returned profile leaked into the cache")
	}
}

func TestLeadHashChangesWithAttributes(t *testing.T) {
	base := testLead(t, domain.LeadInput{Categories: []string{"hotel"}, Value: 1})
	changed := base
	changed.Value = 2
	if LeadHash(base, nil) == LeadHash(changed, nil) {
		t.Fatal("expected value change to alter the hash")
	}
}
