package domain

import "time"

// Device connectivity states
const (
	DeviceDisconnected = "disconnected"
	DeviceConnected    = "connected"
)

// ZkDevice biometric terminal registered for push (ADMS) or direct-link use
type ZkDevice struct {
	ID            int64     `json:"id,string" form:"id"`                              // Primary key ID
	Name          string    `json:"name" form:"name"`                                 // Device name
	Serial        string    `gorm:"uniqueIndex;size:64" json:"serial" form:"serial"`  // Device serial number (SN)
	Ipaddr        string    `json:"ipaddr" form:"ipaddr"`                             // Device IP
	Port          int       `json:"port" form:"port"`                                 // Direct-link port, 4370 by default
	Password      string    `json:"password" form:"password"`                         // Comm key used by direct-link auth
	State         string    `gorm:"size:32" json:"state" form:"state"`                // disconnected / connected
	TransInterval int       `json:"trans_interval" form:"trans_interval"`             // Upload interval in minutes
	Delay         int       `json:"delay" form:"delay"`                               // Poll delay in seconds
	ErrorDelay    int       `json:"error_delay" form:"error_delay"`                   // Retry delay after errors in seconds
	PushMode      bool      `json:"push_mode" form:"push_mode"`                       // Device initiates HTTP calls
	Timezone      string    `json:"timezone" form:"timezone"`                         // Device local timezone, empty for system
	LastSeenAt    time.Time `json:"last_seen_at"`                                     // Last successful handshake
	Remark        string    `json:"remark" form:"remark"`                             // Remark
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName Specify table name
func (ZkDevice) TableName() string {
	return "zk_device"
}

// Location returns the device timezone, falling back to def.
func (d ZkDevice) Location(def *time.Location) *time.Location {
	if d.Timezone != "" {
		if loc, err := time.LoadLocation(d.Timezone); err == nil {
			return loc
		}
	}
	if def == nil {
		return time.Local
	}
	return def
}

// DeviceUser binds an employee to a device local user id (PIN)
type DeviceUser struct {
	ID           int64     `json:"id,string"`
	EmployeeID   int64     `gorm:"uniqueIndex:ux_device_user_employee,priority:1,where:employee_id <> 0" json:"employee_id,string"` // 0 until linked
	DeviceID     int64     `gorm:"uniqueIndex:ux_device_user_employee,priority:2,where:employee_id <> 0;uniqueIndex:ux_device_user_pin,priority:1" json:"device_id,string"`
	DeviceUserID int       `gorm:"uniqueIndex:ux_device_user_pin,priority:2" json:"device_user_id"`
	Username     string    `json:"username"`
	Privilege    int       `json:"privilege"`
	Card         string    `json:"card"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (DeviceUser) TableName() string {
	return "zk_device_user"
}

// Fingerprint template uploaded by a device
type Fingerprint struct {
	ID            int64     `json:"id,string"`
	DeviceID      int64     `gorm:"uniqueIndex:ux_fingerprint,priority:1" json:"device_id,string"`
	DeviceUserRef string    `gorm:"uniqueIndex:ux_fingerprint,priority:2;size:32" json:"device_user_ref"`
	FingerID      int       `gorm:"uniqueIndex:ux_fingerprint,priority:3" json:"finger_id"`
	DeviceUserID  int64     `gorm:"index" json:"device_user_id,string"`
	Size          int       `json:"size"`
	Valid         int       `json:"valid"`
	Template      []byte    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Fingerprint) TableName() string {
	return "zk_fingerprint"
}

// Upload tables reported by the device in the table query parameter
const (
	TableAttLog  = "ATTLOG"
	TableOperLog = "OPERLOG"
)

// StampLog raw upload audit record
type StampLog struct {
	ID        int64     `json:"id,string"`
	DeviceID  int64     `gorm:"index:ix_stamp_log_device,priority:1" json:"device_id,string"`
	Table     string    `gorm:"column:table_name;index:ix_stamp_log_device,priority:2;size:16" json:"table"`
	Stamp     int64     `json:"stamp"`
	Lines     int       `json:"lines"`
	Raw       string    `gorm:"type:text" json:"raw"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (StampLog) TableName() string {
	return "zk_stamp_log"
}

// DeviceEventLog operation event reported through OPLOG lines
type DeviceEventLog struct {
	ID          int64     `json:"id,string"`
	DeviceID    int64     `gorm:"uniqueIndex:ux_device_log_code,priority:1" json:"device_id,string"`
	LogCode     string    `gorm:"uniqueIndex:ux_device_log_code,priority:2;size:64" json:"log_code"`
	OpType      int       `json:"op_type"`
	Description string    `json:"description"`
	Operator    string    `json:"operator"`
	OpTime      time.Time `gorm:"index" json:"op_time"`
	Value1      string    `json:"value1"`
	Value2      string    `json:"value2"`
	Value3      string    `json:"value3"`
	CreatedAt   time.Time `json:"created_at"`
}

func (DeviceEventLog) TableName() string {
	return "zk_device_event_log"
}
