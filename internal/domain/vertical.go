package domain

import (
	"slices"
	"strings"
)

// Vertical is a market category that drives tone and template choice.
type Vertical string

const (
	VerticalGeneral         Vertical = "general"
	VerticalMultifamily     Vertical = "multifamily"
	VerticalSeniorLiving    Vertical = "senior_living"
	VerticalHospitality     Vertical = "hospitality"
	VerticalMedical         Vertical = "medical"
	VerticalStudentHousing  Vertical = "student_housing"
	VerticalCorporateOffice Vertical = "corporate_office"
	VerticalMixedUse        Vertical = "mixed_use"
	VerticalRetail          Vertical = "retail"
	VerticalIndustrial      Vertical = "industrial"
)

var validVerticals = []Vertical{
	VerticalGeneral,
	VerticalMultifamily,
	VerticalSeniorLiving,
	VerticalHospitality,
	VerticalMedical,
	VerticalStudentHousing,
	VerticalCorporateOffice,
	VerticalMixedUse,
	VerticalRetail,
	VerticalIndustrial,
}

// Verticals returns every known vertical in canonical order.
func Verticals() []Vertical {
	return slices.Clone(validVerticals)
}

func ParseVertical(raw string) (Vertical, bool) {
	v := Vertical(strings.ToLower(strings.TrimSpace(raw)))
	return v, slices.Contains(validVerticals, v)
}

// Role is the canonical stakeholder role derived from a free-text title.
type Role string

const (
	RoleOwner             Role = "owner"
	RoleCFO               Role = "cfo"
	RoleDeveloper         Role = "developer"
	RoleGeneralContractor Role = "gc"
	RolePropertyManager   Role = "property_manager"
	RoleAdministrator     Role = "administrator"
	RoleITDirector        Role = "it_director"
	RoleFacilitiesManager Role = "facilities_manager"
	RoleDirectorOfNursing Role = "director_of_nursing"
	RoleDirectorOfSales   Role = "director_of_sales"
	RoleArchitect         Role = "architect"
	RoleEngineer          Role = "engineer"
	RoleUnknown           Role = "unknown"
)

var validRoles = []Role{
	RoleOwner,
	RoleCFO,
	RoleDeveloper,
	RoleGeneralContractor,
	RolePropertyManager,
	RoleAdministrator,
	RoleITDirector,
	RoleFacilitiesManager,
	RoleDirectorOfNursing,
	RoleDirectorOfSales,
	RoleArchitect,
	RoleEngineer,
	RoleUnknown,
}

// Roles returns every known role in canonical order.
func Roles() []Role {
	return slices.Clone(validRoles)
}

func ParseRole(raw string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	return r, slices.Contains(validRoles, r)
}

// DecisionAuthority weights how much a role decides a purchase.
type DecisionAuthority string

const (
	AuthorityFinal       DecisionAuthority = "final"
	AuthorityInfluencer  DecisionAuthority = "influencer"
	AuthorityRecommender DecisionAuthority = "recommender"
)

// Weight returns the priority bonus attached to an authority level.
func (a DecisionAuthority) Weight() int {
	switch a {
	case AuthorityFinal:
		return 15
	case AuthorityInfluencer:
		return 8
	case AuthorityRecommender:
		return 3
	default:
		return 0
	}
}

// ProjectPhase buckets the free-text project stage.
type ProjectPhase string

const (
	PhaseEarly   ProjectPhase = "early"
	PhaseActive  ProjectPhase = "active"
	PhaseLate    ProjectPhase = "late"
	PhaseUnknown ProjectPhase = "unknown"
)

type RolePsychology struct {
	BusinessConcerns   []string
	PersonalMotivators []string
	BestContactTime    string
	Authority          DecisionAuthority
}

// VerticalProfile is derived from lead attributes and never stored long-term.
type VerticalProfile struct {
	Vertical     Vertical
	BaseCategory string
	Refined      bool
	Degraded     bool
	Phase        ProjectPhase
	Roles        map[Role]RolePsychology
	ContactRoles map[string]Role
}

// RoleFor returns the detected role for a contact, or RoleUnknown.
func (p VerticalProfile) RoleFor(contactID string) Role {
	if role, ok := p.ContactRoles[contactID]; ok {
		return role
	}
	return RoleUnknown
}

// Psychology returns the descriptor for a role, falling back to the unknown role.
func (p VerticalProfile) Psychology(role Role) RolePsychology {
	if psych, ok := p.Roles[role]; ok {
		return psych
	}
	return p.Roles[RoleUnknown]
}

// PainPoint returns the leading business concern for a role.
func (p VerticalProfile) PainPoint(role Role) string {
	psych := p.Psychology(role)
	if len(psych.BusinessConcerns) == 0 {
		return ""
	}
	return psych.BusinessConcerns[0]
}
