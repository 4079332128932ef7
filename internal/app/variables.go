package app

import (
	"slices"
	"strings"
	"unicode"

	"github.com/hylla/outreach/internal/domain"
)

// Fallback values used when a lead or contact field is missing.
const (
	NeutralSalutation  = "there"
	DefaultProjectName = "your project"
	DefaultLocation    = "your area"
)

// genericMailboxes never yield a first name.
var genericMailboxes = []string{
	"info", "sales", "admin", "contact", "hello", "office", "team",
	"noreply", "no-reply", "support", "mail", "marketing", "leasing",
}

// BindVariables extracts template variables from a lead and contact.
func BindVariables(lead domain.Lead, contact domain.Contact, profile domain.VerticalProfile, senderName string) map[string]string {
	role := profile.RoleFor(contact.ID)
	projectName := strings.TrimSpace(lead.Name)
	if projectName == "" {
		projectName = DefaultProjectName
	}
	location := lead.Location()
	if location == "" {
		location = DefaultLocation
	}
	return map[string]string{
		"firstName":   FirstNameFrom(contact.Name, contact.Email),
		"projectName": projectName,
		"location":    location,
		"vertical":    string(profile.Vertical),
		"role":        string(role),
		"painPoint":   profile.PainPoint(role),
		"senderName":  strings.TrimSpace(senderName),
	}
}

// FirstNameFrom derives a salutation name: the first word of the display
// name, then the leading alphabetic run of the email local-part, then
// NeutralSalutation. Shared mailboxes like info@ never produce a name.
func FirstNameFrom(name, email string) string {
	if fields := strings.Fields(name); len(fields) > 0 {
		if first := capitalize(fields[0]); first != "" {
			return first
		}
	}
	local, _, ok := strings.Cut(strings.ToLower(strings.TrimSpace(email)), "@")
	if !ok || local == "" {
		return NeutralSalutation
	}
	if slices.Contains(genericMailboxes, local) {
		return NeutralSalutation
	}
	token := strings.FieldsFunc(local, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(token) == 0 || len([]rune(token[0])) < 2 || slices.Contains(genericMailboxes, token[0]) {
		return NeutralSalutation
	}
	return capitalize(token[0])
}

func capitalize(word string) string {
	word = strings.TrimFunc(word, func(r rune) bool { return !unicode.IsLetter(r) })
	if word == "" {
		return ""
	}
	runes := []rune(word)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
