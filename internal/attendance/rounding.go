package attendance

import "time"

// RoundCheckIn normalizes an early arrival: any local time before 08:15
// becomes exactly 08:00 of the same day. The result is in UTC.
func RoundCheckIn(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	y, m, d := local.Date()
	threshold := time.Date(y, m, d, 8, 15, 0, 0, loc)
	if local.Before(threshold) {
		local = time.Date(y, m, d, 8, 0, 0, 0, loc)
	}
	return local.UTC()
}

// RoundCheckOut rounds a departure after 17:00 down to :00, :30 or :45, or up
// to the next full hour for minutes 51 to 59. It never rolls past 23:59.
func RoundCheckOut(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	y, m, d := local.Date()
	if !local.After(time.Date(y, m, d, 17, 0, 0, 0, loc)) {
		return local.UTC()
	}
	hour, minute := local.Hour(), local.Minute()
	switch {
	case minute <= 29:
		minute = 0
	case minute <= 44:
		minute = 30
	case minute <= 50:
		minute = 45
	case hour < 23:
		hour++
		minute = 0
	default:
		minute = 59
	}
	return time.Date(y, m, d, hour, minute, 0, 0, loc).UTC()
}

// closeAt is the rounded check-out for a punch at t, kept after checkIn.
func closeAt(checkIn, t time.Time, loc *time.Location) time.Time {
	out := RoundCheckOut(t, loc)
	if !out.After(checkIn) {
		return t.UTC()
	}
	return out
}

func dayStart(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func localDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// endOfDay is 23:59:59 local on the day of t.
func endOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 23, 59, 59, 0, loc).UTC()
}
