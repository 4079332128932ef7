package app

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/hylla/outreach/internal/domain"
	"github.com/hylla/outreach/internal/tracking"
	"golang.org/x/sync/errgroup"
)

// DispatchConfig tunes the drip dispatch queue.
type DispatchConfig struct {
	BatchCap            int
	Workers             int
	CollaboratorTimeout time.Duration
	MaxAttempts         int
	Backoff             BackoffPolicy
	StaleClaimAfter     time.Duration
	OrgHourlyLimit      int
}

// BackoffPolicy bounds retry delays. JitterFraction must stay within [0, 1]
// so that delays never shrink as attempts grow.
type BackoffPolicy struct {
	Base           time.Duration
	Cap            time.Duration
	JitterFraction float64
}

func (c DispatchConfig) withDefaults() DispatchConfig {
	if c.BatchCap <= 0 {
		c.BatchCap = 30
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.CollaboratorTimeout <= 0 {
		c.CollaboratorTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = time.Minute
	}
	if c.Backoff.Cap < c.Backoff.Base {
		c.Backoff.Cap = max(6*time.Hour, c.Backoff.Base)
	}
	c.Backoff.JitterFraction = min(max(c.Backoff.JitterFraction, 0), 1)
	if c.StaleClaimAfter <= 0 {
		c.StaleClaimAfter = 15 * time.Minute
	}
	if c.OrgHourlyLimit < 0 {
		c.OrgHourlyLimit = 0
	}
	return c
}

// Backoff returns the delay after a failure when attempts earlier failures
// already happened: min(cap, base*2^attempts) stretched by up to
// JitterFraction. jitter is a sample in [0, 1).
func Backoff(attempts int, policy BackoffPolicy, jitter float64) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := policy.Cap
	if attempts < 62 {
		if scaled := policy.Base << attempts; scaled > 0 && scaled>>attempts == policy.Base && scaled < policy.Cap {
			delay = scaled
		}
	}
	jitter = min(max(jitter, 0), 1)
	fraction := min(max(policy.JitterFraction, 0), 1)
	delay += time.Duration(float64(delay) * fraction * jitter)
	return min(delay, policy.Cap)
}

// DispatchRequest selects the organization and per-run cap.
type DispatchRequest struct {
	OrgID string
	Cap   int
}

// Dispatch outcomes recorded per item.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeRetried = "retried"
	OutcomeSkipped = "skipped"
)

// DispatchOutcome is the result for one claimed item. CommitFailed marks a
// sent item whose completion could not be stored.
type DispatchOutcome struct {
	ItemID       string
	ActivityID   string
	Outcome      string
	Attempts     int
	Error        string
	NextAt       *time.Time
	CommitFailed bool
}

// DispatchReport aggregates one dispatch run. CommitFailed counts sent items
// that are still claimed in the store and may be delivered again.
type DispatchReport struct {
	OrgID        string
	Claimed      int
	Sent         int
	Failed       int
	Retried      int
	Skipped      int
	Throttled    int
	CommitFailed int
	Items        []DispatchOutcome
}

// DispatchBatch claims up to the cap of eligible pending items and sends them
// on a bounded worker pool. Every claimed item ends the run as sent, failed
// or pending again, including when ctx is cancelled mid-run.
func (s *Service) DispatchBatch(ctx context.Context, req DispatchRequest) (DispatchReport, error) {
	if s.content == nil || s.transport == nil {
		return DispatchReport{}, fmt.Errorf("%w: content generator and transport are required", ErrInvalidInput)
	}
	now := s.clock()
	report := DispatchReport{OrgID: strings.TrimSpace(req.OrgID)}
	limit := req.Cap
	if limit <= 0 {
		limit = s.dispatch.BatchCap
	}

	owner := s.instanceID + "/" + s.idGen()
	items, claimErr := s.claim(ctx, &report, limit, now, owner)
	if claimErr != nil && len(items) == 0 {
		return report, claimErr
	}
	report.Claimed = len(items)

	outcomes := make([]DispatchOutcome, len(items))
	var g errgroup.Group
	g.SetLimit(s.dispatch.Workers)
	for i, item := range items {
		g.Go(func() error {
			outcomes[i] = s.dispatchItem(ctx, owner, item)
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		switch out.Outcome {
		case OutcomeSent:
			report.Sent++
			if out.CommitFailed {
				report.CommitFailed++
			}
		case OutcomeFailed:
			report.Failed++
		case OutcomeRetried:
			report.Retried++
		case OutcomeSkipped:
			report.Skipped++
		}
	}
	report.Items = outcomes
	s.logger.Info("dispatch batch complete",
		"org_id", report.OrgID,
		"claimed", report.Claimed,
		"sent", report.Sent,
		"failed", report.Failed,
		"retried", report.Retried,
		"skipped", report.Skipped,
		"throttled", report.Throttled,
		"commit_failed", report.CommitFailed,
	)
	if claimErr != nil {
		s.logger.Error("dispatch claimed a partial batch", "org_id", report.OrgID, "err", claimErr)
	}
	return report, claimErr
}

// claim reserves up to limit due items. With an hourly limit configured every
// organization draws from its own (org, hour) counter, including runs that
// span all organizations. Items claimed before an error are still returned.
func (s *Service) claim(ctx context.Context, report *DispatchReport, limit int, now time.Time, owner string) ([]domain.QueueItem, error) {
	if s.dispatch.OrgHourlyLimit <= 0 {
		items, err := s.repo.ClaimQueueItems(ctx, ClaimRequest{OrgID: report.OrgID, Limit: limit, Now: now, Owner: owner})
		if err != nil {
			return nil, fmt.Errorf("claim queue items: %w", err)
		}
		return items, nil
	}
	backlog, err := s.repo.ListDueBacklog(ctx, report.OrgID, now)
	if err != nil {
		return nil, fmt.Errorf("list due backlog: %w", err)
	}
	var items []domain.QueueItem
	for _, org := range backlog {
		remaining := limit - len(items)
		if remaining <= 0 {
			break
		}
		claimed, throttled, err := s.claimOrg(ctx, org.OrgID, min(remaining, org.Due), now, owner)
		report.Throttled += throttled
		items = append(items, claimed...)
		if err != nil {
			return items, err
		}
	}
	return items, nil
}

// claimOrg consumes quota for want sends of one organization, claims that
// many items and returns whatever quota the claim did not use.
func (s *Service) claimOrg(ctx context.Context, orgID string, want int, now time.Time, owner string) ([]domain.QueueItem, int, error) {
	q := QuotaRequest{
		OrgID:       orgID,
		WindowStart: now.UTC().Truncate(time.Hour),
		Amount:      want,
		Limit:       s.dispatch.OrgHourlyLimit,
	}
	granted, err := s.repo.ConsumeQuota(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("consume send quota for %s: %w", orgID, err)
	}
	throttled := want - granted
	if granted == 0 {
		s.logger.Info("dispatch throttled", "org_id", orgID, "limit", s.dispatch.OrgHourlyLimit)
		return nil, throttled, nil
	}
	items, err := s.repo.ClaimQueueItems(ctx, ClaimRequest{OrgID: orgID, Limit: granted, Now: now, Owner: owner})
	if len(items) < granted {
		unused := q
		unused.Amount = granted - len(items)
		if relErr := s.repo.ReleaseQuota(context.WithoutCancel(ctx), unused); relErr != nil {
			s.logger.Warn("release unused quota failed", "org_id", orgID, "err", relErr)
		}
	}
	if err != nil {
		return nil, throttled, fmt.Errorf("claim queue items for %s: %w", orgID, err)
	}
	return items, throttled, nil
}

// dispatchItem drives one claimed item to a terminal or pending state.
// Commits use a context detached from cancellation so that a stopping run
// never leaves an item claimed.
func (s *Service) dispatchItem(ctx context.Context, owner string, item domain.QueueItem) DispatchOutcome {
	commitCtx := context.WithoutCancel(ctx)
	out := DispatchOutcome{ItemID: item.ID, ActivityID: item.ActivityID, Attempts: item.Attempts}
	if err := ctx.Err(); err != nil {
		return s.releaseUnattempted(commitCtx, owner, item, item.NextEligibleAt, "dispatch cancelled before send", out)
	}

	activity, err := s.repo.GetActivity(ctx, item.ActivityID)
	if err != nil {
		return s.failBeforeSend(ctx, commitCtx, owner, item, nil, fmt.Errorf("load activity: %w", err), out)
	}
	if activity.Status != domain.ActivityPending {
		return s.fail(commitCtx, owner, item, nil, item.Attempts, "activity is already "+string(activity.Status), out)
	}
	contact, err := s.repo.GetContact(ctx, activity.ContactID)
	if err != nil {
		return s.failBeforeSend(ctx, commitCtx, owner, item, &activity, fmt.Errorf("load contact: %w", err), out)
	}
	if contact.ResponseStatus == domain.ResponseResponded {
		return s.fail(commitCtx, owner, item, &activity, item.Attempts, "contact already responded", out)
	}
	lead, err := s.repo.GetLead(ctx, activity.LeadID)
	if err != nil {
		return s.failBeforeSend(ctx, commitCtx, owner, item, &activity, fmt.Errorf("load lead: %w", err), out)
	}

	now := s.clock()
	if next, open := s.window.NextOpen(lead.State, now); !open {
		return s.releaseUnattempted(commitCtx, owner, item, next, "outside send window", out)
	}

	genCtx, cancelGen := context.WithTimeout(ctx, s.dispatch.CollaboratorTimeout)
	content, err := s.content.Generate(genCtx, activity.TemplateID, activity.Metadata.Variables)
	cancelGen()
	if err != nil {
		return s.handleSendFailure(ctx, commitCtx, owner, item, activity, fmt.Errorf("generate content: %w", err), out)
	}

	links := TrackingLinks{BaseURL: s.trackingBaseURL, Token: activity.TrackingToken, Signer: s.linkSigner}
	msg := Message{
		ActivityID:    activity.ID,
		To:            contact.Email,
		ToName:        contact.Name,
		FromName:      s.senderName,
		Subject:       content.Subject,
		TextBody:      content.Body,
		HTMLBody:      RenderHTMLBody(content.Body, links),
		TrackingToken: activity.TrackingToken,
		OpensTracked:  links.TracksOpens(),
		ClicksTracked: links.TracksClicks(),
	}
	sendCtx, cancelSend := context.WithTimeout(ctx, s.dispatch.CollaboratorTimeout)
	receipt, err := s.transport.Send(sendCtx, msg)
	cancelSend()
	if err != nil {
		return s.handleSendFailure(ctx, commitCtx, owner, item, activity, fmt.Errorf("send: %w", err), out)
	}

	sentAt := s.clock()
	expected := activity.Version
	if err := activity.MarkSent(sentAt, content.Subject, receipt.MessageID); err != nil {
		return s.fail(commitCtx, owner, item, nil, item.Attempts, err.Error(), out)
	}
	activity.Version = expected + 1
	commit := SendCommit{
		ItemID:          item.ID,
		Owner:           owner,
		Activity:        activity,
		ExpectedVersion: expected,
		ContactID:       contact.ID,
		ContactedAt:     sentAt,
		Now:             sentAt,
	}
	err = s.repo.CompleteSend(commitCtx, commit)
	if err != nil && !errors.Is(err, ErrClaimLost) && !errors.Is(err, ErrConflict) {
		s.logger.Warn("commit after send failed, retrying", "item_id", item.ID, "err", err)
		err = s.repo.CompleteSend(commitCtx, commit)
	}
	out.Outcome = OutcomeSent
	if err != nil {
		// The transport already accepted the message. The item stays claimed
		// and the reaper will offer it again, so it may be sent twice.
		out.Error = err.Error()
		out.CommitFailed = true
		s.logger.Error("send succeeded but commit failed", "item_id", item.ID, "activity_id", activity.ID, "err", err)
		return out
	}
	s.logger.Debug("item sent", "item_id", item.ID, "activity_id", activity.ID, "stage", activity.Stage)
	return out
}

// handleSendFailure retries transient failures with backoff and terminates
// permanent ones. A failure caused by run cancellation does not consume an
// attempt.
func (s *Service) handleSendFailure(ctx, commitCtx context.Context, owner string, item domain.QueueItem, activity domain.Activity, cause error, out DispatchOutcome) DispatchOutcome {
	if ctx.Err() != nil && errors.Is(cause, context.Canceled) {
		return s.releaseUnattempted(commitCtx, owner, item, item.NextEligibleAt, "dispatch cancelled during send", out)
	}
	attempts := item.Attempts + 1
	kind := ClassifyFailure(cause)
	if kind == FailurePermanent || attempts >= s.dispatch.MaxAttempts {
		s.logger.Error("dispatch failed permanently", "item_id", item.ID, "activity_id", activity.ID, "attempts", attempts, "kind", kind, "err", cause)
		return s.fail(commitCtx, owner, item, &activity, attempts, cause.Error(), out)
	}
	now := s.clock()
	next := now.Add(Backoff(item.Attempts, s.dispatch.Backoff, s.jitter()))
	err := s.repo.ReleaseQueueItem(commitCtx, QueueRelease{
		ItemID:         item.ID,
		Owner:          owner,
		Status:         domain.QueuePending,
		Attempts:       attempts,
		NextEligibleAt: next,
		LastError:      cause.Error(),
		Now:            now,
	})
	out.Outcome = OutcomeRetried
	out.Attempts = attempts
	out.Error = cause.Error()
	out.NextAt = &next
	if err != nil {
		s.logger.Error("release for retry failed", "item_id", item.ID, "err", err)
		return out
	}
	s.logger.Warn("dispatch failed, will retry", "item_id", item.ID, "attempts", attempts, "next_eligible_at", next, "err", cause)
	return out
}

// failBeforeSend handles load errors: missing records are permanent, other
// store errors are retried like transient collaborator failures.
func (s *Service) failBeforeSend(ctx, commitCtx context.Context, owner string, item domain.QueueItem, activity *domain.Activity, cause error, out DispatchOutcome) DispatchOutcome {
	if errors.Is(cause, ErrNotFound) {
		s.logger.Error("dispatch item references missing record", "item_id", item.ID, "err", cause)
		return s.fail(commitCtx, owner, item, activity, item.Attempts, cause.Error(), out)
	}
	if activity == nil {
		if ctx.Err() != nil {
			return s.releaseUnattempted(commitCtx, owner, item, item.NextEligibleAt, "dispatch cancelled before send", out)
		}
		now := s.clock()
		next := now.Add(Backoff(item.Attempts, s.dispatch.Backoff, s.jitter()))
		if err := s.repo.ReleaseQueueItem(commitCtx, QueueRelease{
			ItemID:         item.ID,
			Owner:          owner,
			Status:         domain.QueuePending,
			Attempts:       item.Attempts + 1,
			NextEligibleAt: next,
			LastError:      cause.Error(),
			Now:            now,
		}); err != nil {
			s.logger.Error("release for retry failed", "item_id", item.ID, "err", err)
		}
		out.Outcome = OutcomeRetried
		out.Attempts = item.Attempts + 1
		out.Error = cause.Error()
		out.NextAt = &next
		return out
	}
	return s.handleSendFailure(ctx, commitCtx, owner, item, *activity, cause, out)
}

// fail terminates the item, and the activity when given.
func (s *Service) fail(commitCtx context.Context, owner string, item domain.QueueItem, activity *domain.Activity, attempts int, reason string, out DispatchOutcome) DispatchOutcome {
	now := s.clock()
	release := QueueRelease{
		ItemID:         item.ID,
		Owner:          owner,
		Status:         domain.QueueFailed,
		Attempts:       attempts,
		NextEligibleAt: item.NextEligibleAt,
		LastError:      reason,
		Now:            now,
	}
	if activity != nil && activity.Status.CanTransition(domain.ActivityFailed) {
		failed := *activity
		expected := failed.Version
		if err := failed.MarkFailed(now, reason); err == nil {
			failed.Version = expected + 1
			release.Activity = &failed
			release.ExpectedVersion = expected
		}
	}
	if err := s.repo.ReleaseQueueItem(commitCtx, release); err != nil {
		s.logger.Error("mark item failed", "item_id", item.ID, "err", err)
	}
	out.Outcome = OutcomeFailed
	out.Attempts = attempts
	out.Error = reason
	return out
}

// releaseUnattempted returns the item to pending without counting an attempt.
func (s *Service) releaseUnattempted(commitCtx context.Context, owner string, item domain.QueueItem, next time.Time, reason string, out DispatchOutcome) DispatchOutcome {
	now := s.clock()
	if next.IsZero() || next.Before(now) {
		next = now
	}
	if err := s.repo.ReleaseQueueItem(commitCtx, QueueRelease{
		ItemID:         item.ID,
		Owner:          owner,
		Status:         domain.QueuePending,
		Attempts:       item.Attempts,
		NextEligibleAt: next,
		LastError:      item.LastError,
		Now:            now,
	}); err != nil {
		s.logger.Error("release item failed", "item_id", item.ID, "err", err)
	}
	s.logger.Debug("item skipped", "item_id", item.ID, "reason", reason, "next_eligible_at", next)
	out.Outcome = OutcomeSkipped
	out.Error = reason
	out.NextAt = &next
	return out
}

// ReapStaleClaims returns items claimed longer than the staleness threshold
// to pending so a crashed worker cannot strand them.
func (s *Service) ReapStaleClaims(ctx context.Context) (int, error) {
	now := s.clock()
	n, err := s.repo.ReapStaleClaims(ctx, now.Add(-s.dispatch.StaleClaimAfter), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("reaped stale claims", "count", n, "stale_after", s.dispatch.StaleClaimAfter)
	}
	return n, nil
}

// TrackingLinks carries what RenderHTMLBody needs to instrument one message.
type TrackingLinks struct {
	BaseURL string
	Token   string
	Signer  *tracking.Signer
}

// TracksOpens reports whether the open pixel is rendered.
func (l TrackingLinks) TracksOpens() bool {
	return l.BaseURL != "" && l.Token != ""
}

// TracksClicks reports whether links are rewritten through the click beacon.
func (l TrackingLinks) TracksClicks() bool {
	return l.TracksOpens() && l.Signer != nil
}

var linkPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// RenderHTMLBody wraps a plain-text body in paragraphs. With tracking
// configured it links every http(s) URL through the signed click beacon and
// appends the open pixel.
func RenderHTMLBody(body string, links TrackingLinks) string {
	var b strings.Builder
	for _, para := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(renderLinks(para, links), "\n", "<br>"))
		b.WriteString("</p>\n")
	}
	if links.TracksOpens() {
		b.WriteString(`<img src="`)
		b.WriteString(html.EscapeString(tracking.OpenURL(links.BaseURL, links.Token)))
		b.WriteString(`" width="1" height="1" alt="" style="display:none">`)
	}
	return b.String()
}

// renderLinks escapes text and turns each URL into an anchor.
func renderLinks(text string, links TrackingLinks) string {
	var b strings.Builder
	last := 0
	for _, loc := range linkPattern.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		end = start + len(strings.TrimRight(text[start:end], ".,;:!?)"))
		target := text[start:end]
		b.WriteString(html.EscapeString(text[last:start]))
		href := target
		if links.TracksClicks() {
			href = tracking.ClickURL(links.BaseURL, links.Token, target, links.Signer)
		}
		b.WriteString(`<a href="`)
		b.WriteString(html.EscapeString(href))
		b.WriteString(`">`)
		b.WriteString(html.EscapeString(target))
		b.WriteString(`</a>`)
		last = end
	}
	b.WriteString(html.EscapeString(text[last:]))
	return b.String()
}
