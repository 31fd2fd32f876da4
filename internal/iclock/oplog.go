package iclock

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/spf13/cast"
	"github.com/talkincode/toughattend/internal/domain"
	"gorm.io/gorm"
)

// ErrDuplicateLogCode rejects an operation log event already stored for the device.
var ErrDuplicateLogCode = errors.New("the log code already exists for the selected device")

// LineContext carries one OPERLOG record to its handler.
type LineContext struct {
	Context  context.Context
	Tx       *gorm.DB
	Device   *domain.ZkDevice
	Location *time.Location
	Stamp    int64
	Line     string
}

// LineHandler processes one kind of OPERLOG record.
type LineHandler interface {
	Name() string
	CanHandle(line string) bool
	Handle(lc *LineContext) error
}

// PinResolver finds the employee a create command allocated a pin for.
type PinResolver interface {
	EmployeeForPin(ctx context.Context, db *gorm.DB, deviceID int64, pin int) (int64, error)
}

var opDescriptions = []string{
	"Power On",
	"Power Off",
	"Authentication Failure",
	"Alarm",
	"Enter Menu",
	"Change Settings",
	"Enroll Fingerprint",
	"Enroll Password",
	"Enroll HID Card",
	"Delete User",
	"Delete Fingerprint",
	"Delete Password",
	"Delete RF Card",
	"Clear Data",
	"Create MF Card",
	"Enroll MF Card",
	"Register MF Card",
	"Delete MF Card Registration",
	"Clear MF Card Content",
	"Move Enrollment Data to Card",
	"Copy Data from Card to Machine",
	"Set Time",
	"Factory Reset",
	"Delete Entry/Exit Records",
	"Clear Administrator Permissions",
	"Modify Access Group Settings",
	"Modify User Access Settings",
	"Modify Access Time Zones",
	"Modify Unlocking Combination Settings",
	"Unlock",
	"Enroll New User",
	"Change Fingerprint Properties",
	"Forced Alarm",
	"Doorbell Call",
	"Anti-submarine",
	"Delete Attendance Photo",
	"Modify User Other Information",
	"Holiday",
	"Restore Data",
}

// OpDescription names a device operation code.
func OpDescription(op int) string {
	if op < 0 || op >= len(opDescriptions) {
		return "N/A"
	}
	return opDescriptions[op]
}

// OplogHandler stores OPLOG records as device event logs:
//
//	OPLOG op \t operator \t time \t value1 \t value2 \t value3 \t reserved
type OplogHandler struct{}

func (OplogHandler) Name() string { return "OplogHandler" }

func (OplogHandler) CanHandle(line string) bool {
	return strings.HasPrefix(line, "OPLOG")
}

func (OplogHandler) Handle(lc *LineContext) error {
	fields := recordFields(lc.Line, "OPLOG")
	// space separated records split the timestamp in two
	if len(fields) >= 4 && !strings.Contains(fields[2], ":") && strings.Contains(fields[3], ":") {
		merged := []string{fields[0], fields[1], fields[2] + " " + fields[3]}
		fields = append(merged, fields[4:]...)
	}
	if len(fields) < 3 {
		return fmt.Errorf("%w: %q", errMalformedLine, lc.Line)
	}
	op, err := strconv.Atoi(fields[0])
	if err != nil {
		return fmt.Errorf("%w: bad op code %q", errMalformedLine, fields[0])
	}
	opTime, err := dateparse.ParseIn(fields[2], lc.Location)
	if err != nil {
		return fmt.Errorf("%w: bad time %q", errMalformedLine, fields[2])
	}
	value := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}

	entry := &domain.DeviceEventLog{
		DeviceID:    lc.Device.ID,
		LogCode:     fmt.Sprintf("%d:%s:%d", op, fields[1], opTime.Unix()),
		OpType:      op,
		Description: OpDescription(op),
		Operator:    fields[1],
		OpTime:      opTime.UTC(),
		Value1:      value(3),
		Value2:      value(4),
		Value3:      value(5),
	}
	db := lc.Tx.WithContext(lc.Context)
	var count int64
	if err := db.Model(&domain.DeviceEventLog{}).
		Where("device_id = ? AND log_code = ?", entry.DeviceID, entry.LogCode).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateLogCode, entry.LogCode)
	}
	if err := db.Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", ErrDuplicateLogCode, entry.LogCode)
		}
		return err
	}
	return nil
}

// UserHandler mirrors USER records onto device user bindings:
//
//	USER PIN=1 \t Name=Jane \t Pri=0 \t Passwd= \t Card=[123] \t Grp=1 \t TZ=...
type UserHandler struct {
	pins PinResolver
}

func NewUserHandler(pins PinResolver) *UserHandler {
	return &UserHandler{pins: pins}
}

func (h *UserHandler) Name() string { return "UserHandler" }

func (h *UserHandler) CanHandle(line string) bool {
	return strings.HasPrefix(line, "USER")
}

func (h *UserHandler) Handle(lc *LineContext) error {
	kv := parseKV(recordFields(lc.Line, "USER"))
	pin, err := strconv.Atoi(kv["PIN"])
	if err != nil {
		return fmt.Errorf("%w: bad pin %q", errMalformedLine, kv["PIN"])
	}
	card := strings.Trim(kv["Card"], "[]")
	db := lc.Tx.WithContext(lc.Context)

	var binding domain.DeviceUser
	if err := db.Where("device_id = ? AND device_user_id = ?", lc.Device.ID, pin).
		Limit(1).Find(&binding).Error; err != nil {
		return err
	}
	binding.DeviceID = lc.Device.ID
	binding.DeviceUserID = pin
	binding.Username = kv["Name"]
	binding.Privilege = cast.ToInt(kv["Pri"])
	binding.Card = card

	if binding.EmployeeID == 0 && h.pins != nil {
		employeeID, err := h.pins.EmployeeForPin(lc.Context, lc.Tx, lc.Device.ID, pin)
		if err != nil {
			return err
		}
		if employeeID != 0 {
			var taken int64
			if err := db.Model(&domain.DeviceUser{}).
				Where("employee_id = ? AND device_id = ? AND id <> ?", employeeID, lc.Device.ID, binding.ID).
				Count(&taken).Error; err != nil {
				return err
			}
			if taken == 0 {
				binding.EmployeeID = employeeID
			}
		}
	}

	if binding.ID == 0 {
		return db.Create(&binding).Error
	}
	return db.Model(&domain.DeviceUser{}).Where("id = ?", binding.ID).Updates(map[string]interface{}{
		"username":    binding.Username,
		"privilege":   binding.Privilege,
		"card":        binding.Card,
		"employee_id": binding.EmployeeID,
	}).Error
}

// FingerprintHandler stores FP template records:
//
//	FP PIN=1 \t FID=6 \t Size=1024 \t Valid=1 \t TMP=base64...
type FingerprintHandler struct{}

func (FingerprintHandler) Name() string { return "FingerprintHandler" }

func (FingerprintHandler) CanHandle(line string) bool {
	return strings.HasPrefix(line, "FP")
}

func (FingerprintHandler) Handle(lc *LineContext) error {
	kv := parseKV(recordFields(lc.Line, "FP"))
	ref := kv["PIN"]
	if ref == "" {
		return fmt.Errorf("%w: missing pin", errMalformedLine)
	}
	fid, err := strconv.Atoi(kv["FID"])
	if err != nil {
		return fmt.Errorf("%w: bad finger id %q", errMalformedLine, kv["FID"])
	}
	template, err := base64.StdEncoding.DecodeString(kv["TMP"])
	if err != nil {
		template = []byte(kv["TMP"])
	}
	db := lc.Tx.WithContext(lc.Context)

	var binding domain.DeviceUser
	if pin, err := strconv.Atoi(ref); err == nil {
		if err := db.Where("device_id = ? AND device_user_id = ?", lc.Device.ID, pin).
			Limit(1).Find(&binding).Error; err != nil {
			return err
		}
	}

	var fp domain.Fingerprint
	if err := db.Where("device_id = ? AND device_user_ref = ? AND finger_id = ?", lc.Device.ID, ref, fid).
		Limit(1).Find(&fp).Error; err != nil {
		return err
	}
	fp.DeviceID = lc.Device.ID
	fp.DeviceUserRef = ref
	fp.FingerID = fid
	fp.DeviceUserID = binding.ID
	fp.Size = cast.ToInt(kv["Size"])
	fp.Valid = cast.ToInt(kv["Valid"])
	fp.Template = template
	if fp.ID == 0 {
		return db.Create(&fp).Error
	}
	return db.Save(&fp).Error
}
