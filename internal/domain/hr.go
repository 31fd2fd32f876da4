package domain

import "time"

// HR side records read by the attendance core. They are owned and maintained
// by the HR application; the core never writes them.

type Employee struct {
	ID         int64     `json:"id,string"`
	Name       string    `json:"name"`
	Barcode    string    `json:"barcode"`
	CalendarID int64     `json:"calendar_id,string"`
	Timezone   string    `json:"timezone"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Employee) TableName() string {
	return "hr_employee"
}

type WorkCalendar struct {
	ID           int64          `json:"id,string"`
	Name         string         `json:"name"`
	WorkingHours float64        `json:"working_hours"`
	Lines        []CalendarLine `gorm:"foreignKey:CalendarID" json:"lines,omitempty"`
}

func (WorkCalendar) TableName() string {
	return "hr_work_calendar"
}

// Calendar day periods
const (
	PeriodMorning   = "morning"
	PeriodLunch     = "lunch"
	PeriodAfternoon = "afternoon"
)

// CalendarLine working window of a weekday, hours as decimals (12.5 = 12:30)
type CalendarLine struct {
	ID         int64   `json:"id,string"`
	CalendarID int64   `gorm:"index" json:"calendar_id,string"`
	DayOfWeek  int     `json:"day_of_week"` // 0 = Monday
	HourFrom   float64 `json:"hour_from"`
	HourTo     float64 `json:"hour_to"`
	DayPeriod  string  `json:"day_period"`
}

func (CalendarLine) TableName() string {
	return "hr_work_calendar_line"
}

type LeaveLine struct {
	ID         int64  `json:"id,string"`
	EmployeeID int64  `gorm:"index:ix_leave_employee_date,priority:1" json:"employee_id,string"`
	LeaveDate  string `gorm:"index:ix_leave_employee_date,priority:2;size:10" json:"leave_date"`
	LeaveType  string `json:"leave_type"`
}

func (LeaveLine) TableName() string {
	return "hr_leave_line"
}
