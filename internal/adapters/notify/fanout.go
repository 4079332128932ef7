package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/hylla/outreach/internal/app"
	"github.com/hylla/outreach/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Fanout delivers each alert to every channel concurrently, at most limit at
// a time. One failing channel never blocks the others.
type Fanout struct {
	notifiers []app.Notifier
	limit     int
}

var _ app.Notifier = (*Fanout)(nil)

// NewFanout combines notifiers. Nil entries are dropped; limit <= 0 means
// one goroutine per channel.
func NewFanout(limit int, notifiers ...app.Notifier) *Fanout {
	kept := make([]app.Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			kept = append(kept, n)
		}
	}
	if limit <= 0 {
		limit = max(len(kept), 1)
	}
	return &Fanout{notifiers: kept, limit: limit}
}

// Len reports the number of channels.
func (f *Fanout) Len() int {
	return len(f.notifiers)
}

// Notify delivers alert to every channel and joins their errors.
func (f *Fanout) Notify(ctx context.Context, alert domain.Alert) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(f.limit)
	for _, n := range f.notifiers {
		g.Go(func() error {
			if err := n.Notify(ctx, alert); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
