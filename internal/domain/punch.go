package domain

import "time"

// Immediate pairing outcome stored on each punch
const (
	PairNone     = "none"
	PairCheckIn  = "check_in"
	PairCheckOut = "check_out"
	PairStray    = "stray"
)

// PunchLog raw attendance event uploaded by a device (ATTLOG line).
// Only Processed, PairResult and the resolved employee/binding ids change after insert.
type PunchLog struct {
	ID            int64     `json:"id,string"`
	DeviceID      int64     `gorm:"index" json:"device_id,string"`
	DeviceUserRef string    `gorm:"size:32" json:"device_user_ref"` // PIN as reported by the device
	DeviceUserID  int64     `json:"device_user_id,string"`          // zk_device_user id, 0 when unbound
	EmployeeID    int64     `gorm:"index:ix_punch_employee_time,priority:1" json:"employee_id,string"`
	PunchTime     time.Time `gorm:"index:ix_punch_employee_time,priority:2" json:"punch_time"`
	Status        int       `json:"status"`
	Verify        int       `json:"verify"`
	WorkCode      string    `json:"work_code"`
	Stamp         int64     `gorm:"index" json:"stamp"`
	Processed     bool      `gorm:"index;default:false" json:"processed"`
	PairResult    string    `gorm:"size:16" json:"pair_result"`
	CreatedAt     time.Time `json:"created_at"`
}

func (PunchLog) TableName() string {
	return "zk_punch_log"
}
