// Package localcontent renders catalog templates in process. It stands in for
// the remote content collaborator in development and dry runs.
package localcontent

import (
	"context"
	"fmt"

	"github.com/hylla/outreach/internal/app"
	"github.com/hylla/outreach/internal/catalog"
)

// Renderer generates content from the active catalog.
type Renderer struct {
	store *catalog.Store
}

var _ app.ContentGenerator = (*Renderer)(nil)

// New returns a renderer reading templates from store.
func New(store *catalog.Store) *Renderer {
	if store == nil {
		store = catalog.NewStore(nil)
	}
	return &Renderer{store: store}
}

// Generate renders templateID with vars. Unknown templates and render errors
// are permanent since retrying cannot change the outcome.
func (r *Renderer) Generate(ctx context.Context, templateID string, vars map[string]string) (app.Content, error) {
	if err := ctx.Err(); err != nil {
		return app.Content{}, app.Transient("generate", err)
	}
	tpl, ok := r.store.Load().Template(templateID)
	if !ok {
		return app.Content{}, app.Permanent("generate", fmt.Errorf("unknown template %q", templateID))
	}
	subject, body, err := tpl.Render(vars)
	if err != nil {
		return app.Content{}, app.Permanent("generate", err)
	}
	return app.Content{Subject: subject, Body: body}, nil
}
