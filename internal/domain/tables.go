package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	&SysOpr{},
	&SysOprLog{},
	&SysScheduler{},
	// Device
	&ZkDevice{},
	&DeviceUser{},
	&Fingerprint{},
	&StampLog{},
	&DeviceEventLog{},
	&DeviceCommand{},
	&PunchLog{},
	// Attendance
	&Attendance{},
	&MultiPunch{},
	// HR
	&Employee{},
	&WorkCalendar{},
	&CalendarLine{},
	&LeaveLine{},
}
