package engine

import "time"

// MarketCalendar answers whether the US options market is open: 09:30 to
// 16:00 Eastern, Monday through Friday, excluding registered holidays.
type MarketCalendar struct {
	location *time.Location
	holidays map[string]bool
}

// NewMarketCalendar creates a calendar in the US/Eastern zone.
func NewMarketCalendar() *MarketCalendar {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*60*60)
	}
	return &MarketCalendar{
		location: loc,
		holidays: make(map[string]bool),
	}
}

// AddHoliday registers a full-day market holiday.
func (c *MarketCalendar) AddHoliday(date time.Time) {
	c.holidays[date.In(c.location).Format("2006-01-02")] = true
}

// IsHoliday checks if a date is a registered holiday.
func (c *MarketCalendar) IsHoliday(t time.Time) bool {
	return c.holidays[t.In(c.location).Format("2006-01-02")]
}

// IsOpen reports whether the market is open now.
func (c *MarketCalendar) IsOpen() bool {
	return c.IsOpenAt(time.Now())
}

// IsOpenAt reports whether the market is open at the given instant.
func (c *MarketCalendar) IsOpenAt(t time.Time) bool {
	t = t.In(c.location)

	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if c.IsHoliday(t) {
		return false
	}

	minutes := t.Hour()*60 + t.Minute()
	open := 9*60 + 30
	close := 16 * 60
	return minutes >= open && minutes < close
}
