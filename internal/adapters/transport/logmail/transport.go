// Package logmail is a dry-run transport that logs messages instead of
// delivering them.
package logmail

import (
	"context"

	"github.com/hylla/outreach/internal/app"
)

// Transport records every message to its logger.
type Transport struct {
	logger app.Logger
}

var _ app.Transport = (*Transport)(nil)

// New returns a dry-run transport.
func New(logger app.Logger) *Transport {
	if logger == nil {
		logger = app.NopLogger{}
	}
	return &Transport{logger: logger}
}

// Send logs msg and returns a receipt keyed by the activity id.
func (t *Transport) Send(ctx context.Context, msg app.Message) (app.SendReceipt, error) {
	if err := ctx.Err(); err != nil {
		return app.SendReceipt{}, app.Transient("send", err)
	}
	t.logger.Info("dry-run send", "activity_id", msg.ActivityID, "to", msg.To, "subject", msg.Subject, "bytes", len(msg.TextBody))
	return app.SendReceipt{MessageID: "dryrun-" + msg.ActivityID}, nil
}
