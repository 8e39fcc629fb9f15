// Package marketcalendar provides the Warsaw wall clock, GPW session
// windows and the Polish trading holiday table.
package marketcalendar

import (
	"time"

	"gpw-signal-engine/pkg/utils"
)

// Clock abstracts wall-clock time so tests can inject a fixed instant.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock always returns the same instant. Test helper.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time {
	return c.T.UTC()
}

// Session is one GPW trading day with its continuous-trading window.
type Session struct {
	Date         time.Time // midnight, Europe/Warsaw
	OpenTime     time.Time // UTC
	CloseTime    time.Time // UTC
	IsTradingDay bool
}

// Contains reports whether t falls inside the continuous-trading window.
func (s Session) Contains(t time.Time) bool {
	if !s.IsTradingDay {
		return false
	}
	return !t.Before(s.OpenTime) && !t.After(s.CloseTime)
}

// Calendar answers session and holiday questions for the GPW.
type Calendar struct {
	clock         Clock
	openLocal     string // "09:00"
	closeLocal    string // "17:00"
	extraHolidays map[string]bool
}

// New creates a Calendar. openLocal/closeLocal are "HH:MM" in Warsaw local
// time; extraHolidays are "2006-01-02" dates added to the built-in table.
func New(clock Clock, openLocal, closeLocal string, extraHolidays []string) *Calendar {
	if openLocal == "" {
		openLocal = "09:00"
	}
	if closeLocal == "" {
		closeLocal = "17:00"
	}
	extras := make(map[string]bool, len(extraHolidays))
	for _, d := range extraHolidays {
		extras[d] = true
	}
	return &Calendar{
		clock:         clock,
		openLocal:     openLocal,
		closeLocal:    closeLocal,
		extraHolidays: extras,
	}
}

// Now returns the current instant in UTC.
func (c *Calendar) Now() time.Time {
	return c.clock.Now()
}

// LocalNow returns the current Warsaw wall-clock time.
func (c *Calendar) LocalNow() time.Time {
	return utils.ToWarsaw(c.clock.Now())
}

// IsTradingDay reports whether the GPW trades on the given date. Weekends
// and Polish public holidays are closed.
func (c *Calendar) IsTradingDay(d time.Time) bool {
	local := utils.ToWarsaw(d)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if c.extraHolidays[local.Format("2006-01-02")] {
		return false
	}
	return !isPolishHoliday(local)
}

// SessionFor builds the Session for the date of t.
func (c *Calendar) SessionFor(t time.Time) Session {
	local := utils.ToWarsaw(t)
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, utils.WarsawLocation())

	openH, openM := parseHHMM(c.openLocal, 9, 0)
	closeH, closeM := parseHHMM(c.closeLocal, 17, 0)

	return Session{
		Date:         midnight,
		OpenTime:     time.Date(y, m, d, openH, openM, 0, 0, utils.WarsawLocation()).UTC(),
		CloseTime:    time.Date(y, m, d, closeH, closeM, 0, 0, utils.WarsawLocation()).UTC(),
		IsTradingDay: c.IsTradingDay(t),
	}
}

// CurrentSession returns the Session for today.
func (c *Calendar) CurrentSession() Session {
	return c.SessionFor(c.clock.Now())
}

// IsInSession reports whether t falls inside that day's trading window.
func (c *Calendar) IsInSession(t time.Time) bool {
	return c.SessionFor(t).Contains(t)
}

// IsPreMarket reports whether t falls in the 07:00-09:00 pre-market window
// of a trading day.
func (c *Calendar) IsPreMarket(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	local := utils.ToWarsaw(t)
	openH, _ := parseHHMM(c.openLocal, 9, 0)
	return local.Hour() >= 7 && local.Hour() < openH
}

func parseHHMM(s string, defH, defM int) (int, int) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return defH, defM
	}
	return t.Hour(), t.Minute()
}

// isPolishHoliday covers the GPW closure days: New Year, Epiphany, Easter
// Monday, May 1, May 3, Corpus Christi, Assumption, All Saints,
// Independence Day, Christmas, Boxing Day. Good Friday is also a GPW
// closure and is included.
func isPolishHoliday(local time.Time) bool {
	y, m, d := local.Date()

	switch {
	case m == time.January && d == 1: // New Year
		return true
	case m == time.January && d == 6: // Epiphany
		return true
	case m == time.May && d == 1: // Labour Day
		return true
	case m == time.May && d == 3: // Constitution Day
		return true
	case m == time.August && d == 15: // Assumption
		return true
	case m == time.November && d == 1: // All Saints
		return true
	case m == time.November && d == 11: // Independence Day
		return true
	case m == time.December && d == 25: // Christmas
		return true
	case m == time.December && d == 26: // Boxing Day
		return true
	}

	easter := easterSunday(y)
	day := time.Date(y, m, d, 0, 0, 0, 0, local.Location())
	switch {
	case day.Equal(easter.AddDate(0, 0, -2)): // Good Friday
		return true
	case day.Equal(easter.AddDate(0, 0, 1)): // Easter Monday
		return true
	case day.Equal(easter.AddDate(0, 0, 60)): // Corpus Christi
		return true
	}

	return false
}

// easterSunday computes Gregorian Easter with the Anonymous (Meeus) algorithm.
func easterSunday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, utils.WarsawLocation())
}
