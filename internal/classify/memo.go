package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/hylla/outreach/internal/domain"
)

// defaultMemoSize bounds how many profiles a Memo keeps before resetting.
const defaultMemoSize = 4096

// Memo caches Classify results by lead-attribute hash. Classify is pure, so a
// cached profile is always equal to a freshly computed one.
type Memo struct {
	mu      sync.RWMutex
	entries map[string]domain.VerticalProfile
	max     int
}

// NewMemo constructs a memo holding at most size profiles.
func NewMemo(size int) *Memo {
	if size <= 0 {
		size = defaultMemoSize
	}
	return &Memo{
		entries: map[string]domain.VerticalProfile{},
		max:     size,
	}
}

// Classify returns the cached profile for the lead, computing it on a miss.
func (m *Memo) Classify(lead domain.Lead, contacts []domain.Contact) (domain.VerticalProfile, string) {
	key := LeadHash(lead, contacts)
	if m == nil {
		return Classify(lead, contacts), key
	}
	m.mu.RLock()
	cached, ok := m.entries[key]
	m.mu.RUnlock()
	if ok {
		return cloneProfile(cached), key
	}

	profile := Classify(lead, contacts)
	m.mu.Lock()
	if len(m.entries) >= m.max {
		clear(m.entries)
	}
	m.entries[key] = profile
	m.mu.Unlock()
	return cloneProfile(profile), key
}

// Len reports the number of cached profiles.
func (m *Memo) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// LeadHash fingerprints every attribute that Classify reads.
func LeadHash(lead domain.Lead, contacts []domain.Contact) string {
	categories := domain.NormalizeCategories(lead.Categories)
	slices.Sort(categories)

	type contactKey struct{ id, title string }
	keys := make([]contactKey, 0, len(contacts))
	for _, c := range contacts {
		keys = append(keys, contactKey{id: c.ID, title: strings.ToLower(strings.TrimSpace(c.Title))})
	}
	slices.SortFunc(keys, func(a, b contactKey) int { return strings.Compare(a.id, b.id) })

	var b strings.Builder
	b.WriteString(strings.Join(categories, "|"))
	b.WriteString("\x00")
	b.WriteString(strconv.FormatInt(lead.Value, 10))
	b.WriteString("\x00")
	b.WriteString(strconv.Itoa(lead.Units))
	b.WriteString("\x00")
	b.WriteString(strings.ToLower(strings.TrimSpace(lead.Stage)))
	for _, k := range keys {
		b.WriteString("\x00")
		b.WriteString(k.id)
		b.WriteString("=")
		b.WriteString(k.title)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
