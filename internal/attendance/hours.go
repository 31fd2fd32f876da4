package attendance

import (
	"math"
	"time"

	"github.com/talkincode/toughattend/internal/domain"
)

// shortfallFactor weights missing single shift hours.
const shortfallFactor = 2.0

// Hours computed for one interval
type Hours struct {
	Worked    float64
	Break     float64
	Actual    float64
	Overtime  float64
	Shortfall float64
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// weekday maps time.Weekday onto the calendar convention (0 = Monday).
func weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func clockOn(day time.Time, hours float64, loc *time.Location) time.Time {
	y, m, d := day.Date()
	h := int(hours)
	mins := int(math.Round((hours - float64(h)) * 60))
	return time.Date(y, m, d, h, mins, 0, 0, loc)
}

// breakHours sums the calendar lunch windows of the check-in and check-out
// weekdays that fall entirely inside [in, out]. Windows are placed on the
// check-in day.
func breakHours(in, out time.Time, cal *domain.WorkCalendar, loc *time.Location) float64 {
	if cal == nil {
		return 0
	}
	li, lo := in.In(loc), out.In(loc)
	days := map[int]bool{weekday(li): true, weekday(lo): true}
	var total float64
	for _, line := range cal.Lines {
		if line.DayPeriod != domain.PeriodLunch || !days[line.DayOfWeek] {
			continue
		}
		start := clockOn(li, line.HourFrom, loc)
		end := clockOn(li, line.HourTo, loc)
		if start.Before(li) || end.After(lo) || !end.After(start) {
			continue
		}
		total += end.Sub(start).Hours()
	}
	return total
}

// ExpectedHours is the scheduled work for the weekday of t: the non lunch
// calendar lines of that day, or the calendar's daily hours when it has none.
func ExpectedHours(t time.Time, cal *domain.WorkCalendar, loc *time.Location) float64 {
	if cal == nil {
		return 0
	}
	wd := weekday(t.In(loc))
	var total float64
	for _, line := range cal.Lines {
		if line.DayOfWeek != wd || line.DayPeriod == domain.PeriodLunch {
			continue
		}
		total += line.HourTo - line.HourFrom
	}
	if total <= 0 {
		return cal.WorkingHours
	}
	return total
}

func isLeave(leaveType string) bool {
	return leaveType != "" && leaveType != domain.LeaveNone
}

// PairHours computes worked, break and actual hours of one closed pair.
func PairHours(in time.Time, out *time.Time, cal *domain.WorkCalendar, loc *time.Location) Hours {
	if out == nil || !out.After(in) {
		return Hours{}
	}
	worked := out.Sub(in).Hours()
	brk := breakHours(in, *out, cal, loc)
	return Hours{
		Worked: round2(worked),
		Break:  round2(brk),
		Actual: round2(worked - brk),
	}
}

// IntervalHours computes a single shift interval including its overtime and
// shortfall classification. On a leave day every hour counts as overtime.
func IntervalHours(a *domain.Attendance, cal *domain.WorkCalendar, loc *time.Location) Hours {
	h := PairHours(a.CheckIn, a.CheckOut, cal, loc)
	if isLeave(a.LeaveType) {
		h.Overtime = h.Actual
		return h
	}
	expected := ExpectedHours(a.CheckIn, cal, loc)
	if expected <= 0 {
		return h
	}
	if h.Worked > 0 && expected > h.Worked {
		h.Shortfall = round2(shortfallFactor * (expected - h.Worked))
	}
	if h.Actual > expected {
		h.Overtime = round2(h.Actual - expected)
	}
	return h
}

func applyHours(a *domain.Attendance, h Hours) {
	a.WorkedHours = h.Worked
	a.BreakHours = h.Break
	a.ActualHours = h.Actual
	a.OvertimeHours = h.Overtime
	a.ShortfallHours = h.Shortfall
}

// applyMultiHours rolls the sub intervals up into the parent. Overtime and
// shortfall compare the summed actual hours with the calendar's daily hours.
func applyMultiHours(a *domain.Attendance, children []domain.MultiPunch, cal *domain.WorkCalendar, loc *time.Location) {
	primary := PairHours(a.CheckIn, a.CheckOut, cal, loc)
	a.WorkedHours = primary.Worked
	a.BreakHours = primary.Break
	a.ActualHours = primary.Actual

	var worked, brk, actual float64
	for _, c := range children {
		worked += c.WorkedHours
		brk += c.BreakHours
		actual += c.ActualHours
	}
	a.MsWorkedHours = round2(worked)
	a.MsBreakHours = round2(brk)
	a.MsActualHours = round2(actual)

	a.OvertimeHours, a.ShortfallHours = 0, 0
	if isLeave(a.LeaveType) {
		a.OvertimeHours = a.MsActualHours
		return
	}
	var daily float64
	if cal != nil {
		daily = cal.WorkingHours
	}
	diff := a.MsActualHours - daily
	if diff > 0 {
		a.OvertimeHours = round2(diff)
	} else {
		a.ShortfallHours = round2(-diff)
	}
}
