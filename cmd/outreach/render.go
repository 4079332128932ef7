package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	servercommon "github.com/hylla/outreach/internal/adapters/server/common"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("62"))
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// newTable returns the rounded table used by every listing command.
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return cellStyle
		})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTable(w io.Writer, t *table.Table) error {
	_, err := fmt.Fprintln(w, t.String())
	return err
}

func renderDispatchReport(w io.Writer, report servercommon.DispatchReport) error {
	_, _ = fmt.Fprintf(w, "claimed %d  sent %d  retried %d  failed %d  skipped %d  throttled %d\n",
		report.Claimed, report.Sent, report.Retried, report.Failed, report.Skipped, report.Throttled)
	if report.CommitFailed > 0 {
		_, _ = fmt.Fprintf(w, "%d sent item(s) could not be committed and may be delivered again\n", report.CommitFailed)
	}
	if len(report.Items) == 0 {
		return nil
	}
	t := newTable("Item", "Activity", "Outcome", "Attempts", "Next", "Error")
	for _, item := range report.Items {
		outcome := item.Outcome
		if item.CommitFailed {
			outcome += " (commit failed)"
		}
		t.Row(item.ItemID, item.ActivityID, outcome, strconv.Itoa(item.Attempts), formatTimePtr(item.NextAt), item.Error)
	}
	return writeTable(w, t)
}

func renderPlanReport(w io.Writer, report servercommon.PlanReport) error {
	_, _ = fmt.Fprintf(w, "leads %d  campaigns started %d  planned %d  skipped %d  degraded %d  errors %d\n",
		report.Leads, report.CampaignsStarted, report.Planned, report.Skipped, report.Degraded, report.Errors)
	if len(report.Activities) == 0 {
		return nil
	}
	t := newTable("Activity", "Contact", "Stage", "Template", "Level", "Priority")
	for _, a := range report.Activities {
		t.Row(a.ActivityID, a.ContactID, a.Stage, a.TemplateID, a.Level, strconv.Itoa(a.Priority))
	}
	return writeTable(w, t)
}

func renderQueue(w io.Writer, items []servercommon.QueueItem) error {
	t := newTable("Item", "Activity", "Status", "Priority", "Attempts", "Eligible", "Claimed by", "Last error")
	for _, item := range items {
		t.Row(item.ID, item.ActivityID, item.Status, strconv.Itoa(item.Priority), strconv.Itoa(item.Attempts),
			formatTime(item.NextEligibleAt), item.ClaimedBy, item.LastError)
	}
	return writeTable(w, t)
}

func renderAlerts(w io.Writer, alerts []servercommon.Alert) error {
	t := newTable("When", "Kind", "Lead", "Contact", "Stage", "Role", "Best time")
	for _, a := range alerts {
		contact := a.ContactName
		if contact == "" {
			contact = a.ContactEmail
		}
		t.Row(formatTime(a.OccurredAt), a.Kind, a.LeadName, contact, a.Stage, a.Role, a.BestContactTime)
	}
	return writeTable(w, t)
}

func renderProfile(w io.Writer, profile servercommon.LeadProfile) error {
	_, _ = fmt.Fprintf(w, "lead %s  vertical %s  phase %s  refined %t  degraded %t\n",
		profile.LeadID, profile.Vertical, profile.Phase, profile.Refined, profile.Degraded)
	t := newTable("Contact", "Role", "Authority", "Best time")
	for _, c := range profile.Contacts {
		t.Row(c.ContactID, c.Role, c.Authority, c.BestContactTime)
	}
	return writeTable(w, t)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
