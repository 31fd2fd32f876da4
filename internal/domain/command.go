package domain

import "time"

// Command kinds as understood by the device firmware
const (
	CommandCreate = "DATA"
	CommandUpdate = "UPDATE"
	CommandDelete = "DEL"
)

// Command status lifecycle: pending -> executed -> success / failed
const (
	CommandPending  = "pending"
	CommandExecuted = "executed"
	CommandSuccess  = "success"
	CommandFailed   = "failed"
)

// DeviceCommand provisioning operation queued for a push device
type DeviceCommand struct {
	ID         int64      `json:"id,string"`
	DeviceID   int64      `gorm:"index;uniqueIndex:ux_command_pending,priority:1,where:status = 'pending'" json:"device_id,string"`
	EmployeeID int64      `gorm:"uniqueIndex:ux_command_pending,priority:2,where:status = 'pending'" json:"employee_id,string"`
	Kind       string     `gorm:"size:16;uniqueIndex:ux_command_pending,priority:3,where:status = 'pending'" json:"kind"`
	Pin        int        `json:"pin"`
	Status     string     `gorm:"size:16;index" json:"status"`
	Payload    string     `gorm:"type:text" json:"payload"`
	ReturnCode *int       `json:"return_code"`
	ExecutedAt *time.Time `json:"executed_at"`
	AckedAt    *time.Time `json:"acked_at"`
	CreatedAt  time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (DeviceCommand) TableName() string {
	return "zk_device_command"
}
