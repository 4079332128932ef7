package classify

import (
	"slices"
	"strings"

	"github.com/hylla/outreach/internal/domain"
)

// rolePatterns is checked in order. Executive titles come first so that
// "President of Development" resolves to owner, not developer.
var rolePatterns = []struct {
	role     domain.Role
	keywords []string
}{
	{domain.RoleCFO, []string{"cfo", "chief financial", "controller", "vp finance", "vice president of finance"}},
	{domain.RoleOwner, []string{"ceo", "chief executive", "president", "owner", "principal", "founder", "managing partner"}},
	{domain.RoleDirectorOfNursing, []string{"director of nursing", "don", "nursing director"}},
	{domain.RoleDirectorOfSales, []string{"director of sales", "sales director", "vp sales", "vp of sales"}},
	{domain.RoleITDirector, []string{"it director", "director of it", "cio", "chief information", "technology director", "director of technology"}},
	{domain.RoleFacilitiesManager, []string{"facilities", "facility manager", "maintenance director", "director of maintenance", "chief engineer"}},
	{domain.RolePropertyManager, []string{"property manager", "community manager", "asset manager", "regional manager"}},
	{domain.RoleAdministrator, []string{"administrator", "executive director"}},
	{domain.RoleGeneralContractor, []string{"general contractor", "construction manager", "project manager", "superintendent", "gc"}},
	{domain.RoleDeveloper, []string{"developer", "development"}},
	{domain.RoleArchitect, []string{"architect"}},
	{domain.RoleEngineer, []string{"engineer", "mep"}},
}

// DetectRole maps a free-text job title to a canonical role.
func DetectRole(title string) domain.Role {
	words := titleWords(title)
	if len(words) == 0 {
		return domain.RoleUnknown
	}
	joined := " " + strings.Join(words, " ") + " "
	for _, pattern := range rolePatterns {
		for _, keyword := range pattern.keywords {
			if strings.Contains(joined, " "+keyword+" ") {
				return pattern.role
			}
		}
	}
	return domain.RoleUnknown
}

// titleWords lowercases a title and splits it on anything that is not a letter
// or digit, so "V.P., Sales" and "vp sales" match the same keywords.
func titleWords(title string) []string {
	title = strings.ToLower(title)
	title = strings.ReplaceAll(title, "v.p.", "vp")
	return strings.FieldsFunc(title, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

// basePsychology holds the vertical-independent descriptor for each role.
var basePsychology = map[domain.Role]domain.RolePsychology{
	domain.RoleOwner: {
		BusinessConcerns:   []string{"return on investment", "asset value at exit", "budget overruns"},
		PersonalMotivators: []string{"legacy of the property", "looking smart to investors"},
		BestContactTime:    "early morning, before 8am",
		Authority:          domain.AuthorityFinal,
	},
	domain.RoleCFO: {
		BusinessConcerns:   []string{"capital expenditure vs operating cost", "predictable monthly spend", "payback period"},
		PersonalMotivators: []string{"avoiding surprises in the budget", "defensible numbers for the board"},
		BestContactTime:    "mid-morning, Tuesday through Thursday",
		Authority:          domain.AuthorityFinal,
	},
	domain.RoleDeveloper: {
		BusinessConcerns:   []string{"lease-up speed", "amenity differentiation", "construction schedule"},
		PersonalMotivators: []string{"delivering on pro forma", "winning the next deal"},
		BestContactTime:    "late afternoon",
		Authority:          domain.AuthorityFinal,
	},
	domain.RoleGeneralContractor: {
		BusinessConcerns:   []string{"schedule risk", "change orders", "coordination between trades"},
		PersonalMotivators: []string{"finishing on time", "not being blamed for delays"},
		BestContactTime:    "early morning, before site work starts",
		Authority:          domain.AuthorityInfluencer,
	},
	domain.RolePropertyManager: {
		BusinessConcerns:   []string{"resident complaints", "retention and renewals", "operating budget"},
		PersonalMotivators: []string{"fewer fire drills", "strong online reviews"},
		BestContactTime:    "mid-morning, after the office opens",
		Authority:          domain.AuthorityInfluencer,
	},
	domain.RoleAdministrator: {
		BusinessConcerns:   []string{"resident safety", "family satisfaction", "staffing levels"},
		PersonalMotivators: []string{"passing surveys", "peace of mind for families"},
		BestContactTime:    "early afternoon",
		Authority:          domain.AuthorityFinal,
	},
	domain.RoleITDirector: {
		BusinessConcerns:   []string{"network reliability", "security and compliance", "vendor sprawl"},
		PersonalMotivators: []string{"fewer support tickets", "a system that just works"},
		BestContactTime:    "late morning",
		Authority:          domain.AuthorityInfluencer,
	},
	domain.RoleFacilitiesManager: {
		BusinessConcerns:   []string{"deferred maintenance", "equipment uptime", "work order backlog"},
		PersonalMotivators: []string{"fewer emergency calls", "recognition from leadership"},
		BestContactTime:    "early morning",
		Authority:          domain.AuthorityRecommender,
	},
	domain.RoleDirectorOfNursing: {
		BusinessConcerns:   []string{"resident fall response", "staff efficiency", "regulatory compliance"},
		PersonalMotivators: []string{"protecting residents", "supporting overworked staff"},
		BestContactTime:    "mid-afternoon, after shift change",
		Authority:          domain.AuthorityInfluencer,
	},
	domain.RoleDirectorOfSales: {
		BusinessConcerns:   []string{"occupancy and conversion", "tour experience", "competitive positioning"},
		PersonalMotivators: []string{"hitting quota", "a story prospects remember"},
		BestContactTime:    "late afternoon",
		Authority:          domain.AuthorityInfluencer,
	},
	domain.RoleArchitect: {
		BusinessConcerns:   []string{"design intent", "specification accuracy", "code compliance"},
		PersonalMotivators: []string{"a portfolio-worthy project", "clients who trust their specs"},
		BestContactTime:    "mid-morning",
		Authority:          domain.AuthorityRecommender,
	},
	domain.RoleEngineer: {
		BusinessConcerns:   []string{"system capacity", "coordination drawings", "long-term maintainability"},
		PersonalMotivators: []string{"clean designs", "avoiding rework"},
		BestContactTime:    "mid-morning",
		Authority:          domain.AuthorityRecommender,
	},
	domain.RoleUnknown: {
		BusinessConcerns:   []string{"project timeline", "operating cost"},
		PersonalMotivators: []string{"making the project a success"},
		BestContactTime:    "mid-morning, Tuesday through Thursday",
		Authority:          domain.AuthorityRecommender,
	},
}

// verticalConcerns overrides business concerns for roles whose pain points
// depend on the market they operate in.
var verticalConcerns = map[domain.Vertical]map[domain.Role][]string{
	domain.VerticalHospitality: {
		domain.RoleOwner:           {"guest satisfaction scores", "RevPAR versus the comp set", "brand standard compliance"},
		domain.RoleITDirector:      {"guest Wi-Fi complaints", "PMS integration", "brand technology mandates"},
		domain.RoleDirectorOfSales: {"group and event bookings", "online review scores", "direct booking share"},
	},
	domain.VerticalSeniorLiving: {
		domain.RoleOwner:             {"occupancy", "resident safety liability", "staffing costs"},
		domain.RoleAdministrator:     {"resident fall response times", "family communication", "state survey readiness"},
		domain.RoleDirectorOfNursing: {"emergency call response", "caregiver workload", "incident documentation"},
	},
	domain.VerticalMultifamily: {
		domain.RoleOwner:           {"rent premiums from amenities", "lease-up velocity", "net operating income"},
		domain.RolePropertyManager: {"resident connectivity complaints", "renewal rates", "package and access control"},
		domain.RoleDeveloper:       {"amenity package versus competing properties", "lease-up speed", "construction budget"},
	},
	domain.VerticalStudentHousing: {
		domain.RoleOwner:           {"pre-leasing velocity", "bandwidth complaints at semester start", "parent perception"},
		domain.RolePropertyManager: {"move-in week readiness", "resident connectivity complaints", "damage turnover"},
	},
	domain.VerticalMedical: {
		domain.RoleOwner:             {"patient throughput", "regulatory compliance", "uptime of clinical systems"},
		domain.RoleITDirector:        {"HIPAA-compliant networking", "clinical device connectivity", "downtime risk"},
		domain.RoleFacilitiesManager: {"infection control during work", "24/7 uptime", "inspection readiness"},
	},
	domain.VerticalCorporateOffice: {
		domain.RoleOwner:      {"tenant retention", "return-to-office amenities", "operating expenses"},
		domain.RoleITDirector: {"hybrid-work infrastructure", "security", "occupancy analytics"},
	},
	domain.VerticalRetail: {
		domain.RoleOwner: {"foot traffic", "tenant mix", "shopper experience"},
	},
	domain.VerticalIndustrial: {
		domain.RoleOwner:             {"throughput", "automation readiness", "tenant operating costs"},
		domain.RoleFacilitiesManager: {"equipment uptime", "safety incidents", "energy costs"},
	},
	domain.VerticalMixedUse: {
		domain.RoleOwner:     {"balancing residential and retail needs", "shared infrastructure costs", "placemaking"},
		domain.RoleDeveloper: {"phasing across uses", "amenity differentiation", "capital stack"},
	},
}

// psychologyFor returns the descriptor for a role inside a vertical.
func psychologyFor(vertical domain.Vertical, role domain.Role) domain.RolePsychology {
	psych, ok := basePsychology[role]
	if !ok {
		psych = basePsychology[domain.RoleUnknown]
	}
	if concerns, ok := verticalConcerns[vertical][role]; ok {
		psych.BusinessConcerns = concerns
	}
	psych.BusinessConcerns = slices.Clone(psych.BusinessConcerns)
	psych.PersonalMotivators = slices.Clone(psych.PersonalMotivators)
	return psych
}
