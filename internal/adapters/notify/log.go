package notify

import (
	"context"

	"github.com/hylla/outreach/internal/app"
	"github.com/hylla/outreach/internal/domain"
)

// LogNotifier writes alerts to the process log.
type LogNotifier struct {
	logger app.Logger
}

var _ app.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(logger app.Logger) *LogNotifier {
	if logger == nil {
		logger = app.NopLogger{}
	}
	return &LogNotifier{logger: logger}
}

// Notify logs alert at info level.
func (n *LogNotifier) Notify(_ context.Context, alert domain.Alert) error {
	n.logger.Info("warm lead alert", "kind", alert.Kind, "lead", alert.LeadName, "contact", alert.ContactEmail, "activity_id", alert.ActivityID, "summary", Summary(alert))
	return nil
}
