package attendance

import (
	"context"
	"strconv"
	"strings"

	"github.com/talkincode/toughattend/internal/domain"
	"gorm.io/gorm"
)

// EmployeeDirectory resolves the employee behind a device user reference.
type EmployeeDirectory interface {
	EmployeeByPin(ctx context.Context, deviceID int64, pin string) (employeeID int64, bindingID int64, err error)
}

// LeaveLookup reads leave records by employee and local date ("2006-01-02").
type LeaveLookup interface {
	LeaveType(ctx context.Context, employeeID int64, date string) (string, error)
	LeaveTypes(ctx context.Context, employeeID int64, from, to string) (map[string]string, error)
}

// CalendarLookup returns the working calendar of an employee, nil when the
// employee has none.
type CalendarLookup interface {
	CalendarFor(ctx context.Context, employeeID int64) (*domain.WorkCalendar, error)
}

// Directory is the gorm backed implementation of the collaborator lookups.
type Directory struct {
	db *gorm.DB
}

func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// WithDB returns a directory bound to db, typically an open transaction.
func (d *Directory) WithDB(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

func (d *Directory) EmployeeByPin(ctx context.Context, deviceID int64, pin string) (int64, int64, error) {
	n, err := strconv.Atoi(strings.TrimSpace(pin))
	if err != nil {
		return 0, 0, nil
	}
	var binding domain.DeviceUser
	if err := d.db.WithContext(ctx).
		Where("device_id = ? AND device_user_id = ?", deviceID, n).
		Limit(1).Find(&binding).Error; err != nil {
		return 0, 0, err
	}
	return binding.EmployeeID, binding.ID, nil
}

func (d *Directory) LeaveType(ctx context.Context, employeeID int64, date string) (string, error) {
	var line domain.LeaveLine
	if err := d.db.WithContext(ctx).
		Where("employee_id = ? AND leave_date = ?", employeeID, date).
		Limit(1).Find(&line).Error; err != nil {
		return domain.LeaveNone, err
	}
	if line.ID == 0 || line.LeaveType == "" {
		return domain.LeaveNone, nil
	}
	return line.LeaveType, nil
}

func (d *Directory) LeaveTypes(ctx context.Context, employeeID int64, from, to string) (map[string]string, error) {
	var lines []domain.LeaveLine
	if err := d.db.WithContext(ctx).
		Where("employee_id = ? AND leave_date >= ? AND leave_date <= ?", employeeID, from, to).
		Find(&lines).Error; err != nil {
		return nil, err
	}
	result := make(map[string]string, len(lines))
	for _, l := range lines {
		if l.LeaveType != "" {
			result[l.LeaveDate] = l.LeaveType
		}
	}
	return result, nil
}

func (d *Directory) CalendarFor(ctx context.Context, employeeID int64) (*domain.WorkCalendar, error) {
	var emp domain.Employee
	if err := d.db.WithContext(ctx).Limit(1).Find(&emp, employeeID).Error; err != nil {
		return nil, err
	}
	if emp.CalendarID == 0 {
		return nil, nil
	}
	var cal domain.WorkCalendar
	if err := d.db.WithContext(ctx).Preload("Lines").Limit(1).Find(&cal, emp.CalendarID).Error; err != nil {
		return nil, err
	}
	if cal.ID == 0 {
		return nil, nil
	}
	return &cal, nil
}

func leaveOf(leaves map[string]string, date string) string {
	if lt, ok := leaves[date]; ok {
		return lt
	}
	return domain.LeaveNone
}
