package util

import (
	"time"
)

// SessionClock provides US equity session awareness in New York time.
// Exchange holidays are not modeled; on a holiday the data feed simply
// produces no new bars.
type SessionClock struct {
	loc *time.Location
}

// NewSessionClock loads the America/New_York timezone.
func NewSessionClock() (*SessionClock, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, err
	}
	return &SessionClock{loc: loc}, nil
}

// Location returns the New York location.
func (c *SessionClock) Location() *time.Location { return c.loc }

// InRegularSession reports whether t falls inside regular trading hours,
// 9:30-16:00 ET on a weekday.
func (c *SessionClock) InRegularSession(t time.Time) bool {
	ny := t.In(c.loc)
	if wd := ny.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	mins := ny.Hour()*60 + ny.Minute()
	return mins >= 9*60+30 && mins < 16*60
}

// InTradingWindow reports whether t falls inside the window where new bars
// are acted on: 9:35-15:55 ET. The first bar of the day closes at 9:35, and
// entries near the close are skipped so the protective stop has a session to
// work in.
func (c *SessionClock) InTradingWindow(t time.Time) bool {
	ny := t.In(c.loc)
	if wd := ny.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	mins := ny.Hour()*60 + ny.Minute()
	return mins >= 9*60+35 && mins <= 15*60+55
}

// NextBarClose returns the next 5-minute boundary strictly after t, in New
// York time. Live bar-close events fire at these instants.
func (c *SessionClock) NextBarClose(t time.Time) time.Time {
	ny := t.In(c.loc)
	next := ny.Truncate(5 * time.Minute).Add(5 * time.Minute)
	return next
}
