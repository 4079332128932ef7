package app

import (
	"fmt"
	"strings"
	"time"
)

// stateTimezones maps US state codes to their dominant IANA zone.
var stateTimezones = map[string]string{
	"AL": "America/Chicago", "AK": "America/Anchorage", "AZ": "America/Phoenix",
	"AR": "America/Chicago", "CA": "America/Los_Angeles", "CO": "America/Denver",
	"CT": "America/New_York", "DC": "America/New_York", "DE": "America/New_York",
	"FL": "America/New_York", "GA": "America/New_York", "HI": "Pacific/Honolulu",
	"ID": "America/Boise", "IL": "America/Chicago", "IN": "America/Indiana/Indianapolis",
	"IA": "America/Chicago", "KS": "America/Chicago", "KY": "America/New_York",
	"LA": "America/Chicago", "ME": "America/New_York", "MD": "America/New_York",
	"MA": "America/New_York", "MI": "America/Detroit", "MN": "America/Chicago",
	"MS": "America/Chicago", "MO": "America/Chicago", "MT": "America/Denver",
	"NE": "America/Chicago", "NV": "America/Los_Angeles", "NH": "America/New_York",
	"NJ": "America/New_York", "NM": "America/Denver", "NY": "America/New_York",
	"NC": "America/New_York", "ND": "America/Chicago", "OH": "America/New_York",
	"OK": "America/Chicago", "OR": "America/Los_Angeles", "PA": "America/New_York",
	"RI": "America/New_York", "SC": "America/New_York", "SD": "America/Chicago",
	"TN": "America/Chicago", "TX": "America/Chicago", "UT": "America/Denver",
	"VT": "America/New_York", "VA": "America/New_York", "WA": "America/Los_Angeles",
	"WV": "America/New_York", "WI": "America/Chicago", "WY": "America/Denver",
}

// SendWindowConfig configures quiet hours.
type SendWindowConfig struct {
	Enabled         bool
	StartHour       int
	EndHour         int
	WeekdaysOnly    bool
	DefaultTimezone string
}

// SendWindow decides whether a message may go out now in the recipient's
// local time. The zero value is disabled and always open.
type SendWindow struct {
	enabled      bool
	start        int
	end          int
	weekdaysOnly bool
	fallback     *time.Location
	zones        map[string]*time.Location
}

// NewSendWindow validates cfg and resolves every timezone up front.
func NewSendWindow(cfg SendWindowConfig) (SendWindow, error) {
	if !cfg.Enabled {
		return SendWindow{}, nil
	}
	if cfg.StartHour < 0 || cfg.EndHour > 24 || cfg.StartHour >= cfg.EndHour {
		return SendWindow{}, fmt.Errorf("%w: send window hours %d-%d", ErrInvalidInput, cfg.StartHour, cfg.EndHour)
	}
	tz := strings.TrimSpace(cfg.DefaultTimezone)
	if tz == "" {
		tz = "America/New_York"
	}
	fallback, err := time.LoadLocation(tz)
	if err != nil {
		return SendWindow{}, fmt.Errorf("load default timezone %q: %w", tz, err)
	}
	zones := make(map[string]*time.Location, len(stateTimezones))
	for state, name := range stateTimezones {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return SendWindow{}, fmt.Errorf("load timezone %q: %w", name, err)
		}
		zones[state] = loc
	}
	return SendWindow{
		enabled:      true,
		start:        cfg.StartHour,
		end:          cfg.EndHour,
		weekdaysOnly: cfg.WeekdaysOnly,
		fallback:     fallback,
		zones:        zones,
	}, nil
}

// Location returns the zone used for a recipient in state.
func (w SendWindow) Location(state string) *time.Location {
	if loc, ok := w.zones[strings.ToUpper(strings.TrimSpace(state))]; ok {
		return loc
	}
	if w.fallback != nil {
		return w.fallback
	}
	return time.UTC
}

// NextOpen reports whether the window is open at now for a recipient in
// state. When closed it also returns the next opening instant.
func (w SendWindow) NextOpen(state string, now time.Time) (time.Time, bool) {
	if !w.enabled {
		return now, true
	}
	local := now.In(w.Location(state))
	if w.dayAllowed(local.Weekday()) && local.Hour() >= w.start && local.Hour() < w.end {
		return now, true
	}
	day := time.Date(local.Year(), local.Month(), local.Day(), w.start, 0, 0, 0, local.Location())
	for range 8 {
		if w.dayAllowed(day.Weekday()) && day.After(local) {
			return day.UTC(), false
		}
		day = time.Date(day.Year(), day.Month(), day.Day()+1, w.start, 0, 0, 0, local.Location())
	}
	return day.UTC(), false
}

func (w SendWindow) dayAllowed(day time.Weekday) bool {
	return !w.weekdaysOnly || (day != time.Saturday && day != time.Sunday)
}
