package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/talkincode/toughattend/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrUnknownDevice is returned for serial numbers that are not registered.
var ErrUnknownDevice = errors.New("no matching device found")

// Registry resolves devices by serial and tracks their connectivity and sync cursors
type Registry struct {
	db    *gorm.DB
	locks *Locks
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db, locks: NewLocks()}
}

// Lock serializes handshake and upload processing for one registered
// device. Locks are keyed by the stored serial, so only known devices get one.
func (r *Registry) Lock(dev *domain.ZkDevice) func() {
	return r.locks.Lock(dev.Serial)
}

func (r *Registry) Locks() *Locks {
	return r.locks
}

// FindBySerial returns the registered device or ErrUnknownDevice.
func (r *Registry) FindBySerial(ctx context.Context, serial string) (*domain.ZkDevice, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return nil, ErrUnknownDevice
	}
	var dev domain.ZkDevice
	err := r.db.WithContext(ctx).Where("serial = ?", serial).First(&dev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownDevice
	}
	if err != nil {
		return nil, fmt.Errorf("query device %s: %w", serial, err)
	}
	return &dev, nil
}

func (r *Registry) GetByID(ctx context.Context, id int64) (*domain.ZkDevice, error) {
	var dev domain.ZkDevice
	if err := r.db.WithContext(ctx).First(&dev, id).Error; err != nil {
		return nil, err
	}
	return &dev, nil
}

// MarkConnected flips the device to connected and records the handshake time.
func (r *Registry) MarkConnected(ctx context.Context, dev *domain.ZkDevice, now time.Time) error {
	err := r.db.WithContext(ctx).Model(&domain.ZkDevice{}).Where("id = ?", dev.ID).Updates(map[string]interface{}{
		"state":        domain.DeviceConnected,
		"last_seen_at": now,
	}).Error
	if err != nil {
		return err
	}
	if dev.State != domain.DeviceConnected {
		zap.L().Info("device connected",
			zap.String("namespace", "device"),
			zap.String("serial", dev.Serial))
	}
	dev.State = domain.DeviceConnected
	dev.LastSeenAt = now
	return nil
}

// MarkStaleDisconnected flips connected devices that have not handshaken since
// before to disconnected and returns how many changed.
func (r *Registry) MarkStaleDisconnected(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.ZkDevice{}).
		Where("state = ? AND last_seen_at < ?", domain.DeviceConnected, before).
		Update("state", domain.DeviceDisconnected)
	return res.RowsAffected, res.Error
}

// Cursors returns the highest attendance stamp and operation log stamp stored
// for the device. These are echoed to the device on handshake so it only
// uploads records after them.
func (r *Registry) Cursors(ctx context.Context, deviceID int64) (stamp int64, opStamp int64, err error) {
	db := r.db.WithContext(ctx)
	if err = db.Model(&domain.PunchLog{}).
		Where("device_id = ?", deviceID).
		Select("COALESCE(MAX(stamp), 0)").
		Scan(&stamp).Error; err != nil {
		return 0, 0, err
	}
	if err = db.Model(&domain.StampLog{}).
		Where("device_id = ? AND table_name = ?", deviceID, domain.TableOperLog).
		Select("COALESCE(MAX(stamp), 0)").
		Scan(&opStamp).Error; err != nil {
		return 0, 0, err
	}
	return stamp, opStamp, nil
}

// HasPunches reports whether any punch references the device.
func (r *Registry) HasPunches(ctx context.Context, deviceID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.PunchLog{}).Where("device_id = ?", deviceID).Count(&count).Error
	return count > 0, err
}
