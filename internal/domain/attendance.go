package domain

import "time"

// Leave types stamped on attendance rows
const (
	LeaveNone     = "none"
	LeaveHoliday  = "holiday"
	LeaveMedical  = "medical"
	LeaveVacation = "vacation"
)

// Attendance check-in/check-out interval of an employee.
// Rows written by immediate pairing are provisional (Calculated=false) until
// the reconciliation engine folds their punches in.
type Attendance struct {
	ID             int64        `json:"id,string"`
	EmployeeID     int64        `gorm:"index:ix_attendance_employee_date,priority:1" json:"employee_id,string"`
	PunchDate      string       `gorm:"index:ix_attendance_employee_date,priority:2;size:10" json:"punch_date"`
	CheckIn        time.Time    `gorm:"index" json:"check_in"`
	CheckOut       *time.Time   `json:"check_out"`
	WorkedHours    float64      `json:"worked_hours"`
	BreakHours     float64      `json:"break_hours"`
	ActualHours    float64      `json:"actual_hours"`
	OvertimeHours  float64      `json:"overtime_hours"`
	ShortfallHours float64      `json:"shortfall_hours"`
	MsWorkedHours  float64      `json:"ms_worked_hours"`
	MsBreakHours   float64      `json:"ms_break_hours"`
	MsActualHours  float64      `json:"ms_actual_hours"`
	LeaveType      string       `gorm:"size:16;default:none" json:"leave_type"`
	Calculated     bool         `gorm:"default:false" json:"calculated"`
	MultiPunches   []MultiPunch `gorm:"foreignKey:AttendanceID;constraint:OnDelete:CASCADE" json:"multi_punches,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (Attendance) TableName() string {
	return "hr_attendance"
}

// IsOpen reports whether the interval still waits for a check-out.
func (a Attendance) IsOpen() bool {
	return a.CheckOut == nil
}

// MultiPunch in/out pair inside a multi-shift day
type MultiPunch struct {
	ID           int64      `json:"id,string"`
	AttendanceID int64      `gorm:"index" json:"attendance_id,string"`
	Seq          int        `json:"seq"`
	CheckIn      time.Time  `json:"check_in"`
	CheckOut     *time.Time `json:"check_out"`
	WorkedHours  float64    `json:"worked_hours"`
	BreakHours   float64    `json:"break_hours"`
	ActualHours  float64    `json:"actual_hours"`
}

func (MultiPunch) TableName() string {
	return "hr_attendance_multi_punch"
}
