package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/talkincode/toughattend/config"
	"github.com/talkincode/toughattend/internal/attendance"
	"github.com/talkincode/toughattend/internal/command"
	"github.com/talkincode/toughattend/internal/device"
	"github.com/talkincode/toughattend/internal/iclock"
	"github.com/talkincode/toughattend/internal/provision"
	"github.com/talkincode/toughattend/internal/punch"
	"gorm.io/gorm"
)

// DBProvider provides database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
	Location() *time.Location
}

// SettingsProvider provides system settings access
type SettingsProvider interface {
	GetSettingsStringValue(category, key string) string
	GetSettingsInt64Value(category, key string) int64
	GetSettingsBoolValue(category, key string) bool
	SaveSettings(settings map[string]interface{}) error
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// ConfigManagerProvider provides configuration manager access
type ConfigManagerProvider interface {
	ConfigMgr() *ConfigManager
}

// ServiceProvider exposes the attendance domain services
type ServiceProvider interface {
	Registry() *device.Registry
	Punches() *punch.Store
	Commands() *command.Service
	Intervals() *attendance.Intervals
	IClock() *iclock.Service
	Provisioner() *provision.Service
	AttendancePolicy(ctx context.Context) attendance.Policy
}

// AppContext combines all provider interfaces for full application context
// Services should depend on specific providers or this combined interface
type AppContext interface {
	DBProvider
	ConfigProvider
	SettingsProvider
	SchedulerProvider
	ConfigManagerProvider
	ServiceProvider

	// Application lifecycle methods
	MigrateDB(track bool) error
	InitDb()
	DropAll()
	// RunSchedulerNow triggers a scheduler execution immediately by ID
	RunSchedulerNow(id int64) error
	// RunReconcile folds pending punches into attendance intervals now
	RunReconcile(ctx context.Context) (attendance.Report, error)
}
