// Package dbtest opens throwaway in-memory databases for package tests.
package dbtest

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/toughattend/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open returns a migrated in-memory sqlite database. A single connection is
// kept so every statement sees the same memory database.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?_pragma=foreign_keys(1)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)
	require.NoError(t, db.AutoMigrate(domain.Tables...))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// Device inserts a push mode device with sensible defaults.
func Device(t testing.TB, db *gorm.DB, serial string) *domain.ZkDevice {
	t.Helper()
	dev := &domain.ZkDevice{
		Name:          "dev-" + serial,
		Serial:        serial,
		State:         domain.DeviceDisconnected,
		TransInterval: 1,
		Delay:         10,
		ErrorDelay:    30,
		PushMode:      true,
		Timezone:      "UTC",
	}
	require.NoError(t, db.Create(dev).Error)
	return dev
}

// Employee inserts an employee bound to pin on dev when dev is not nil.
func Employee(t testing.TB, db *gorm.DB, name string, dev *domain.ZkDevice, pin int) *domain.Employee {
	t.Helper()
	emp := &domain.Employee{Name: name}
	require.NoError(t, db.Create(emp).Error)
	if dev != nil {
		require.NoError(t, db.Create(&domain.DeviceUser{
			EmployeeID:   emp.ID,
			DeviceID:     dev.ID,
			DeviceUserID: pin,
			Username:     name,
		}).Error)
	}
	return emp
}
