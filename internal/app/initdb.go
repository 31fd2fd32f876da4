package app

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/talkincode/toughattend/internal/domain"
	"github.com/talkincode/toughattend/pkg/common"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	superUsername   = "admin"
	defaultPassword = "toughattend"
)

// HashPassword returns the bcrypt hash stored for operators.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (a *Application) checkSuper() {
	var operator domain.SysOpr
	err := a.gormDB.Where("username = ?", superUsername).First(&operator).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		hashedPassword, err := HashPassword(defaultPassword)
		if err != nil {
			zap.L().Error("failed to hash default password", zap.Error(err))
			return
		}
		if err := a.gormDB.Create(&domain.SysOpr{
			ID:        common.UUIDint64(),
			Realname:  "administrator",
			Email:     common.NA,
			Username:  superUsername,
			Password:  hashedPassword,
			Level:     "super",
			Status:    common.ENABLED,
			Remark:    "super",
			LastLogin: time.Now(),
		}).Error; err != nil {
			zap.L().Error("failed to create default super admin", zap.Error(err))
		} else {
			zap.L().Info("initialized default super admin account", zap.String("username", superUsername))
		}
		return
	case err != nil:
		zap.L().Error("failed to query super admin", zap.Error(err))
		return
	}

	resetPassword := strings.TrimSpace(operator.Password) == ""
	resetLevel := !strings.EqualFold(operator.Level, "super")
	resetStatus := !strings.EqualFold(operator.Status, common.ENABLED)

	if !resetPassword && !resetLevel && !resetStatus {
		return
	}

	updates := map[string]interface{}{
		"updated_at": time.Now(),
	}
	if resetPassword {
		hashedPassword, err := HashPassword(defaultPassword)
		if err != nil {
			zap.L().Error("failed to hash default password", zap.Error(err))
			return
		}
		updates["password"] = hashedPassword
	}
	if resetLevel {
		updates["level"] = "super"
	}
	if resetStatus {
		updates["status"] = common.ENABLED
	}

	if err := a.gormDB.Model(&domain.SysOpr{}).Where("id = ?", operator.ID).Updates(updates).Error; err != nil {
		zap.L().Error("failed to repair super admin account", zap.Error(err))
		return
	}

	zap.L().Warn("repaired default super admin account",
		zap.String("username", superUsername),
		zap.Bool("passwordReset", resetPassword),
		zap.Bool("levelReset", resetLevel),
		zap.Bool("statusEnabled", resetStatus))
}

// seedDefault returns the first-run value of a setting. Process config
// values seed the retention and offline settings.
func (a *Application) seedDefault(schema ConfigSchema) string {
	if a.appConfig == nil {
		return schema.Default
	}
	att := a.appConfig.Attendance
	var v int
	switch schema.Key {
	case "retention.StampLogDays":
		v = att.StampLogDays
	case "retention.CommandLogDays":
		v = att.CommandLogDays
	case "device.OfflineAfterSec":
		v = att.OfflineAfterSec
	}
	if v > 0 {
		return cast.ToString(v)
	}
	return schema.Default
}

func (a *Application) checkSettings() {
	schemas, err := loadSchemas()
	if err != nil {
		zap.L().Error("failed to load config schemas from JSON", zap.Error(err))
		return
	}

	for sortid, schema := range schemas {
		// Parse key: "category.name" -> category, name
		category, name, ok := strings.Cut(schema.Key, ".")
		if !ok {
			zap.L().Warn("invalid config key format", zap.String("key", schema.Key))
			continue
		}

		var count int64
		a.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", category, name).
			Count(&count)
		if count > 0 {
			continue
		}

		value := a.seedDefault(schema)
		if err := a.gormDB.Create(&domain.SysConfig{
			ID:     common.UUIDint64(),
			Sort:   sortid,
			Type:   category,
			Name:   name,
			Value:  value,
			Remark: schema.Description,
		}).Error; err != nil {
			zap.L().Error("failed to create config", zap.String("key", schema.Key), zap.Error(err))
			continue
		}
		zap.L().Info("initialized config",
			zap.String("key", schema.Key),
			zap.String("default", value))
	}
}

// Scheduler task types
const (
	TaskAttendanceCalc  = "attendance_calc"
	TaskDeviceOffline   = "device_offline"
	TaskStampLogCleanup = "stamp_log_cleanup"
	TaskCommandCleanup  = "command_cleanup"
)

// TaskTypes lists the task types the scheduler can run.
var TaskTypes = []string{TaskAttendanceCalc, TaskDeviceOffline, TaskStampLogCleanup, TaskCommandCleanup}

// checkSchedulers initializes default scheduled tasks
func (a *Application) checkSchedulers() {
	defaultSchedulers := []domain.SysScheduler{
		{
			Name:     "Device Offline Check",
			TaskType: TaskDeviceOffline,
			Interval: 60,
			Status:   common.ENABLED,
			Remark:   "Marks devices without a recent handshake as disconnected",
		},
		{
			Name:     "Stamp Log Cleanup",
			TaskType: TaskStampLogCleanup,
			Interval: 86400,
			Status:   common.ENABLED,
			Remark:   "Removes raw upload audit records past retention",
		},
		{
			Name:     "Command Cleanup",
			TaskType: TaskCommandCleanup,
			Interval: 86400,
			Status:   common.ENABLED,
			Remark:   "Removes acknowledged device commands past retention",
		},
	}

	for _, sched := range defaultSchedulers {
		var count int64
		a.gormDB.Model(&domain.SysScheduler{}).
			Where("task_type = ?", sched.TaskType).
			Count(&count)
		if count > 0 {
			continue
		}
		sched.ID = common.UUIDint64()
		sched.NextRunAt = time.Now().Add(time.Duration(sched.Interval) * time.Second)
		if err := a.gormDB.Create(&sched).Error; err != nil {
			zap.L().Error("failed to create default scheduler",
				zap.String("name", sched.Name),
				zap.Error(err))
		} else {
			zap.L().Info("initialized default scheduler",
				zap.String("name", sched.Name),
				zap.String("task_type", sched.TaskType))
		}
	}
}
