// Package classify maps lead attributes to a vertical profile. Every function
// here is pure and total: unknown input degrades to the general vertical and
// the unknown role instead of failing.
package classify

import (
	"maps"
	"strings"

	"github.com/hylla/outreach/internal/domain"
)

// exactVerticals maps normalized category tags straight to a vertical.
var exactVerticals = map[string]domain.Vertical{
	"multifamily":      domain.VerticalMultifamily,
	"multi-family":     domain.VerticalMultifamily,
	"apartments":       domain.VerticalMultifamily,
	"senior living":    domain.VerticalSeniorLiving,
	"senior_living":    domain.VerticalSeniorLiving,
	"hotel":            domain.VerticalHospitality,
	"hospitality":      domain.VerticalHospitality,
	"medical":          domain.VerticalMedical,
	"healthcare":       domain.VerticalMedical,
	"student housing":  domain.VerticalStudentHousing,
	"student_housing":  domain.VerticalStudentHousing,
	"office":           domain.VerticalCorporateOffice,
	"corporate office": domain.VerticalCorporateOffice,
	"corporate_office": domain.VerticalCorporateOffice,
	"mixed use":        domain.VerticalMixedUse,
	"mixed-use":        domain.VerticalMixedUse,
	"mixed_use":        domain.VerticalMixedUse,
	"retail":           domain.VerticalRetail,
	"industrial":       domain.VerticalIndustrial,
}

// keywordVerticals is checked in order; earlier keywords win on overlap
// ("medical office" is medical, not office).
var keywordVerticals = []struct {
	keyword  string
	vertical domain.Vertical
}{
	{"mixed-use", domain.VerticalMixedUse},
	{"mixed use", domain.VerticalMixedUse},
	{"assisted living", domain.VerticalSeniorLiving},
	{"memory care", domain.VerticalSeniorLiving},
	{"nursing home", domain.VerticalSeniorLiving},
	{"independent living", domain.VerticalSeniorLiving},
	{"senior", domain.VerticalSeniorLiving},
	{"hotel", domain.VerticalHospitality},
	{"hospitality", domain.VerticalHospitality},
	{"motel", domain.VerticalHospitality},
	{"resort", domain.VerticalHospitality},
	{"hospital", domain.VerticalMedical},
	{"clinic", domain.VerticalMedical},
	{"healthcare", domain.VerticalMedical},
	{"medical", domain.VerticalMedical},
	{"dorm", domain.VerticalStudentHousing},
	{"student", domain.VerticalStudentHousing},
	{"apartment", domain.VerticalMultifamily},
	{"multifamily", domain.VerticalMultifamily},
	{"condo", domain.VerticalMultifamily},
	{"office", domain.VerticalCorporateOffice},
	{"corporate", domain.VerticalCorporateOffice},
	{"shopping", domain.VerticalRetail},
	{"retail", domain.VerticalRetail},
	{"warehouse", domain.VerticalIndustrial},
	{"distribution", domain.VerticalIndustrial},
	{"logistics", domain.VerticalIndustrial},
	{"manufacturing", domain.VerticalIndustrial},
}

var residentialHints = []string{"residential", "apartment", "multifamily", "condo", "housing"}

const (
	largeMixedUseUnits = 150
	largeMixedUseValue = 50_000_000
	smallMixedUseUnits = 40
	smallMixedUseValue = 10_000_000
	implicitUnitsFloor = 20
)

// DetectVertical looks up the first category tag that maps to a vertical,
// trying exact matches across all tags before substring matches.
func DetectVertical(categories []string) (domain.Vertical, string, bool) {
	normalized := domain.NormalizeCategories(categories)
	for _, category := range normalized {
		if v, ok := exactVerticals[category]; ok {
			return v, category, true
		}
	}
	for _, category := range normalized {
		for _, entry := range keywordVerticals {
			if strings.Contains(category, entry.keyword) {
				return entry.vertical, category, true
			}
		}
	}
	return domain.VerticalGeneral, "", false
}

// DetectPhase buckets a free-text project stage.
func DetectPhase(stage string) domain.ProjectPhase {
	stage = strings.ToLower(strings.TrimSpace(stage))
	switch {
	case stage == "":
		return domain.PhaseUnknown
	case containsAny(stage, "concept", "planning", "design", "pre-construction", "preconstruction", "permit", "entitle", "bidding"):
		return domain.PhaseEarly
	case containsAny(stage, "construction", "groundbreaking", "under way", "underway", "in progress"):
		return domain.PhaseActive
	case containsAny(stage, "complete", "opening", "renovation", "operating", "occupied"):
		return domain.PhaseLate
	default:
		return domain.PhaseUnknown
	}
}

// Classify derives the vertical profile for a lead and its contacts.
func Classify(lead domain.Lead, contacts []domain.Contact) domain.VerticalProfile {
	vertical, base, found := DetectVertical(lead.Categories)
	refinedVertical, refined := refine(vertical, lead)

	profile := domain.VerticalProfile{
		Vertical:     refinedVertical,
		BaseCategory: base,
		Refined:      refined,
		Degraded:     !found && !refined,
		Phase:        DetectPhase(lead.Stage),
		Roles:        map[domain.Role]domain.RolePsychology{},
		ContactRoles: make(map[string]domain.Role, len(contacts)),
	}
	profile.Roles[domain.RoleUnknown] = psychologyFor(refinedVertical, domain.RoleUnknown)
	for _, contact := range contacts {
		role := DetectRole(contact.Title)
		profile.ContactRoles[contact.ID] = role
		if _, ok := profile.Roles[role]; !ok {
			profile.Roles[role] = psychologyFor(refinedVertical, role)
		}
	}
	return profile
}

// refine resolves categories that are ambiguous on their own using the
// project's value and unit count.
func refine(vertical domain.Vertical, lead domain.Lead) (domain.Vertical, bool) {
	switch vertical {
	case domain.VerticalMixedUse:
		large := lead.Units >= largeMixedUseUnits || lead.Value >= largeMixedUseValue
		if large && (lead.Units > 0 || hasResidentialHint(lead.Categories)) {
			return domain.VerticalMultifamily, true
		}
		if lead.Units < smallMixedUseUnits && lead.Value > 0 && lead.Value < smallMixedUseValue {
			return domain.VerticalRetail, true
		}
		return vertical, false
	case domain.VerticalGeneral:
		if lead.Units >= implicitUnitsFloor {
			return domain.VerticalMultifamily, true
		}
		return vertical, false
	default:
		return vertical, false
	}
}

func hasResidentialHint(categories []string) bool {
	for _, category := range categories {
		if containsAny(strings.ToLower(category), residentialHints...) {
			return true
		}
	}
	return false
}

func containsAny(s string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

// cloneProfile deep-copies the maps of a profile.
func cloneProfile(p domain.VerticalProfile) domain.VerticalProfile {
	p.Roles = maps.Clone(p.Roles)
	p.ContactRoles = maps.Clone(p.ContactRoles)
	return p
}
