// Package catalog holds the outreach sequence and the message template table.
// The compiled-in default can be replaced by a YAML file at runtime.
package catalog

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"text/template"

	"github.com/hylla/outreach/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

// AnyRole marks a template that serves every role in its vertical.
const AnyRole = "any"

var (
	ErrEmptyCatalog    = errors.New("catalog payload is empty")
	ErrNoSequence      = errors.New("catalog sequence is empty")
	ErrInvalidTemplate = errors.New("invalid template")
	ErrMissingFallback = errors.New("missing general fallback template")
)

// ResolveLevel reports how specific a resolved template is.
type ResolveLevel string

const (
	LevelExact    ResolveLevel = "vertical_role"
	LevelVertical ResolveLevel = "vertical"
	LevelRole     ResolveLevel = "general_role"
	LevelGeneral  ResolveLevel = "general"
)

// Template is one message template for a (vertical, role, stage type) cell.
type Template struct {
	ID        string
	Vertical  domain.Vertical
	Role      string
	StageType domain.StageType
	Subject   string
	Body      string
}

// Render executes the subject and body templates against vars.
func (t Template) Render(vars map[string]string) (string, string, error) {
	subject, err := renderText(t.ID+".subject", t.Subject, vars)
	if err != nil {
		return "", "", err
	}
	body, err := renderText(t.ID+".body", t.Body, vars)
	if err != nil {
		return "", "", err
	}
	return subject, body, nil
}

// Catalog is an immutable, validated sequence plus template table.
type Catalog struct {
	sequence  []domain.Stage
	templates map[string]Template
	byID      map[string]Template
}

type fileStage struct {
	Key        string `yaml:"key"`
	OffsetDays int    `yaml:"offset_days"`
	Type       string `yaml:"type"`
}

type fileTemplate struct {
	ID        string `yaml:"id"`
	Vertical  string `yaml:"vertical"`
	Role      string `yaml:"role"`
	StageType string `yaml:"stage_type"`
	Subject   string `yaml:"subject"`
	Body      string `yaml:"body"`
}

type fileCatalog struct {
	Sequence  []fileStage    `yaml:"sequence"`
	Templates []fileTemplate `yaml:"templates"`
}

// Default returns the compiled-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded default is invalid: %v", err))
	}
	return c
}

// LoadFile parses the catalog at path.
func LoadFile(path string) (*Catalog, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	c, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyCatalog
	}
	var raw fileCatalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return build(raw)
}

func build(raw fileCatalog) (*Catalog, error) {
	if len(raw.Sequence) == 0 {
		return nil, ErrNoSequence
	}
	stages := make([]domain.Stage, 0, len(raw.Sequence))
	for _, s := range raw.Sequence {
		stageType, err := domain.ParseStageType(s.Type)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", s.Key, err)
		}
		stage, err := domain.NewStage(s.Key, s.OffsetDays, stageType)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", s.Key, err)
		}
		stages = append(stages, stage)
	}
	sorted, err := domain.SortStages(stages)
	if err != nil {
		return nil, fmt.Errorf("sequence: %w", err)
	}

	c := &Catalog{
		sequence:  sorted,
		templates: make(map[string]Template, len(raw.Templates)),
		byID:      make(map[string]Template, len(raw.Templates)),
	}
	for _, ft := range raw.Templates {
		tpl, err := parseTemplate(ft)
		if err != nil {
			return nil, err
		}
		if _, ok := c.byID[tpl.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidTemplate, tpl.ID)
		}
		key := cellKey(tpl.Vertical, tpl.Role, tpl.StageType)
		if existing, ok := c.templates[key]; ok {
			return nil, fmt.Errorf("%w: %q and %q share %s", ErrInvalidTemplate, existing.ID, tpl.ID, key)
		}
		c.templates[key] = tpl
		c.byID[tpl.ID] = tpl
	}
	for _, stage := range sorted {
		if _, ok := c.templates[cellKey(domain.VerticalGeneral, AnyRole, stage.Type)]; !ok {
			return nil, fmt.Errorf("%w for stage type %q", ErrMissingFallback, stage.Type)
		}
	}
	return c, nil
}

func parseTemplate(ft fileTemplate) (Template, error) {
	id := strings.TrimSpace(ft.ID)
	if id == "" {
		return Template{}, fmt.Errorf("%w: id is required", ErrInvalidTemplate)
	}
	vertical := domain.VerticalGeneral
	if strings.TrimSpace(ft.Vertical) != "" {
		v, ok := domain.ParseVertical(ft.Vertical)
		if !ok {
			return Template{}, fmt.Errorf("%w: %q: unknown vertical %q", ErrInvalidTemplate, id, ft.Vertical)
		}
		vertical = v
	}
	role := strings.ToLower(strings.TrimSpace(ft.Role))
	if role == "" {
		role = AnyRole
	}
	if role != AnyRole {
		if _, ok := domain.ParseRole(role); !ok {
			return Template{}, fmt.Errorf("%w: %q: unknown role %q", ErrInvalidTemplate, id, ft.Role)
		}
	}
	stageType, err := domain.ParseStageType(ft.StageType)
	if err != nil {
		return Template{}, fmt.Errorf("%w: %q: %v", ErrInvalidTemplate, id, err)
	}
	tpl := Template{
		ID:        id,
		Vertical:  vertical,
		Role:      role,
		StageType: stageType,
		Subject:   strings.TrimSpace(ft.Subject),
		Body:      strings.TrimSpace(ft.Body),
	}
	if tpl.Subject == "" || tpl.Body == "" {
		return Template{}, fmt.Errorf("%w: %q: subject and body are required", ErrInvalidTemplate, id)
	}
	if _, _, err := tpl.Render(map[string]string{}); err != nil {
		return Template{}, fmt.Errorf("%w: %q: %v", ErrInvalidTemplate, id, err)
	}
	return tpl, nil
}

// Sequence returns the ordered stage list.
func (c *Catalog) Sequence() []domain.Stage {
	out := make([]domain.Stage, len(c.sequence))
	copy(out, c.sequence)
	return out
}

// Template looks up a template by id.
func (c *Catalog) Template(id string) (Template, bool) {
	tpl, ok := c.byID[strings.TrimSpace(id)]
	return tpl, ok
}

// Resolve picks the most specific template for the cell, falling back from
// vertical+role to vertical, then general+role, then general. A valid catalog
// always resolves.
func (c *Catalog) Resolve(vertical domain.Vertical, role domain.Role, stageType domain.StageType) (Template, ResolveLevel) {
	candidates := [][2]string{
		{string(vertical), string(role)},
		{string(vertical), AnyRole},
		{string(domain.VerticalGeneral), string(role)},
		{string(domain.VerticalGeneral), AnyRole},
	}
	for _, cand := range candidates {
		if tpl, ok := c.templates[cellKey(domain.Vertical(cand[0]), cand[1], stageType)]; ok {
			return tpl, levelOf(tpl)
		}
	}
	return Template{}, LevelGeneral
}

func levelOf(tpl Template) ResolveLevel {
	switch {
	case tpl.Vertical != domain.VerticalGeneral && tpl.Role != AnyRole:
		return LevelExact
	case tpl.Vertical != domain.VerticalGeneral:
		return LevelVertical
	case tpl.Role != AnyRole:
		return LevelRole
	default:
		return LevelGeneral
	}
}

// Len reports the number of templates.
func (c *Catalog) Len() int {
	return len(c.byID)
}

func cellKey(vertical domain.Vertical, role string, stageType domain.StageType) string {
	return string(vertical) + "/" + role + "/" + string(stageType)
}

func renderText(name, text string, vars map[string]string) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Store publishes the active catalog to concurrent readers.
type Store struct {
	current atomic.Pointer[Catalog]
}

// NewStore constructs a store seeded with c, or the default catalog when nil.
func NewStore(c *Catalog) *Store {
	if c == nil {
		c = Default()
	}
	s := &Store{}
	s.current.Store(c)
	return s
}

// Load returns the active catalog.
func (s *Store) Load() *Catalog {
	return s.current.Load()
}

// Swap replaces the active catalog. Nil is ignored.
func (s *Store) Swap(c *Catalog) {
	if c == nil {
		return
	}
	s.current.Store(c)
}
