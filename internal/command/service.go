package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/talkincode/toughattend/internal/domain"
	"github.com/talkincode/toughattend/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrDuplicatePending  = errors.New("a pending command of this kind already exists for the employee on this device")
	ErrNotRegistered     = errors.New("the employee is not registered on the selected device")
	ErrAlreadyRegistered = errors.New("the employee is already registered on the selected device")
	ErrUnknownKind       = errors.New("unknown command kind")
	ErrNotPending        = errors.New("command is not pending")
)

// claimBatch bounds how many pending candidates one poll tries to claim
const claimBatch = 10

// CreateRequest asks for a provisioning command for one employee on one device
type CreateRequest struct {
	EmployeeID int64
	DeviceID   int64
	Kind       string
}

// Service owns the per device command queue: creation rules, PIN allocation,
// wire rendering and the pending -> executed -> success/failed lifecycle.
type Service struct {
	db        *gorm.DB
	employees EmployeeRepository
	bus       events.Publisher
	now       func() time.Time
}

func NewService(db *gorm.DB, employees EmployeeRepository, bus events.Publisher) *Service {
	return &Service{db: db, employees: employees, bus: bus, now: time.Now}
}

func (s *Service) repo(db *gorm.DB) *GormRepository {
	return NewGormRepository(db)
}

// Create validates and enqueues a command, rendering its wire text with the
// id assigned by the database.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.DeviceCommand, error) {
	kind := strings.ToUpper(strings.TrimSpace(req.Kind))
	switch kind {
	case domain.CommandCreate, domain.CommandUpdate, domain.CommandDelete:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, req.Kind)
	}

	emp, err := s.employees.GetByID(ctx, req.EmployeeID)
	if err != nil {
		return nil, fmt.Errorf("employee not found: %w", err)
	}

	var cmd *domain.DeviceCommand
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo(tx)
		var dev domain.ZkDevice
		if err := tx.First(&dev, req.DeviceID).Error; err != nil {
			return fmt.Errorf("device not found: %w", err)
		}

		pending, err := repo.CountPending(ctx, req.DeviceID, req.EmployeeID, kind)
		if err != nil {
			return err
		}
		if pending > 0 {
			return ErrDuplicatePending
		}

		var binding domain.DeviceUser
		if err := tx.Where("employee_id = ? AND device_id = ?", req.EmployeeID, req.DeviceID).
			Limit(1).Find(&binding).Error; err != nil {
			return err
		}

		var pin int
		if kind == domain.CommandCreate {
			if binding.ID != 0 {
				return ErrAlreadyRegistered
			}
			if pin, err = s.nextPIN(ctx, tx); err != nil {
				return err
			}
		} else {
			if binding.ID == 0 {
				return ErrNotRegistered
			}
			pin = binding.DeviceUserID
		}

		cmd = &domain.DeviceCommand{
			DeviceID:   req.DeviceID,
			EmployeeID: req.EmployeeID,
			Kind:       kind,
			Pin:        pin,
			Status:     domain.CommandPending,
		}
		if err := repo.Create(ctx, cmd); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicatePending
			}
			return err
		}

		switch kind {
		case domain.CommandCreate:
			cmd.Payload = RenderCreate(cmd.ID, pin, emp.Name, emp.Barcode)
		case domain.CommandUpdate:
			cmd.Payload = RenderUpdate(cmd.ID, pin, emp.Name)
		case domain.CommandDelete:
			cmd.Payload = RenderDelete(cmd.ID, pin)
		}
		return repo.SetPayload(ctx, cmd.ID, cmd.Payload)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("device command queued",
		zap.String("namespace", "command"),
		zap.Int64("command_id", cmd.ID),
		zap.Int64("device_id", cmd.DeviceID),
		zap.Int64("employee_id", cmd.EmployeeID),
		zap.String("kind", cmd.Kind),
		zap.Int("pin", cmd.Pin))
	return cmd, nil
}

// NextPIN returns the next device user id: one above every pin bound on any
// device and every pin still held by an unfinished command.
func (s *Service) NextPIN(ctx context.Context) (int, error) {
	return s.nextPIN(ctx, s.db)
}

func (s *Service) nextPIN(ctx context.Context, db *gorm.DB) (int, error) {
	var bound int
	if err := db.WithContext(ctx).Model(&domain.DeviceUser{}).
		Select("COALESCE(MAX(device_user_id), 0)").
		Scan(&bound).Error; err != nil {
		return 0, err
	}
	queued, err := s.repo(db).MaxOpenPin(ctx)
	if err != nil {
		return 0, err
	}
	if queued > bound {
		bound = queued
	}
	return bound + 1, nil
}

// Claim hands out the oldest pending command of the device and marks it
// executed. Concurrent callers never receive the same command; nil means the
// queue is empty.
func (s *Service) Claim(ctx context.Context, deviceID int64) (*domain.DeviceCommand, error) {
	repo := s.repo(s.db)
	candidates, err := repo.GetPending(ctx, deviceID, claimBatch)
	if err != nil {
		return nil, err
	}
	for _, cmd := range candidates {
		now := s.now().UTC()
		won, err := repo.ClaimPending(ctx, cmd.ID, now)
		if err != nil {
			return nil, err
		}
		if !won {
			continue
		}
		cmd.Status = domain.CommandExecuted
		cmd.ExecutedAt = &now
		events.Emit(s.bus, events.TopicCommandClaimed, deviceID, cmd.ID)
		zap.L().Info("device command dispatched",
			zap.String("namespace", "command"),
			zap.Int64("command_id", cmd.ID),
			zap.Int64("device_id", deviceID))
		return cmd, nil
	}
	return nil, nil
}

// ParseAck parses one "K=V&K=V" acknowledgement line.
func ParseAck(line string) (Ack, bool) {
	ack := Ack{Fields: map[string]string{}}
	for _, pair := range strings.Split(strings.TrimSpace(line), "&") {
		k, v, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		ack.Fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	id, err := cast.ToInt64E(ack.Fields["ID"])
	if err != nil || id == 0 {
		return ack, false
	}
	ack.ID = id
	ack.Cmd = strings.ToUpper(ack.Fields["CMD"])
	if rv, ok := ack.Fields["Return"]; ok {
		ack.Return = cast.ToInt(rv)
	}
	return ack, true
}

// Acknowledge applies a device acknowledgement. Only DATA and CHECK lines for
// executed commands of this device change anything; everything else is
// ignored so retransmissions are harmless.
func (s *Service) Acknowledge(ctx context.Context, deviceID int64, ack Ack) (bool, error) {
	if ack.Cmd != "DATA" && ack.Cmd != "CHECK" {
		return false, nil
	}
	status := domain.CommandSuccess
	if ack.Return < 0 {
		status = domain.CommandFailed
	}

	var resolved bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo(tx)
		won, err := repo.Resolve(ctx, deviceID, ack.ID, status, ack.Return, s.now().UTC())
		if err != nil || !won {
			return err
		}
		resolved = true
		if status != domain.CommandSuccess {
			return nil
		}
		cmd, err := repo.GetByID(ctx, ack.ID)
		if err != nil {
			return err
		}
		return s.applyBinding(ctx, tx, cmd)
	})
	if err != nil {
		return false, err
	}
	if resolved {
		events.Emit(s.bus, events.TopicCommandAcked, deviceID, ack.ID, status)
		zap.L().Info("device command acknowledged",
			zap.String("namespace", "command"),
			zap.Int64("command_id", ack.ID),
			zap.Int64("device_id", deviceID),
			zap.String("status", status),
			zap.Int("return", ack.Return))
	}
	return resolved, nil
}

// applyBinding mirrors a successful command onto the device user binding.
func (s *Service) applyBinding(ctx context.Context, tx *gorm.DB, cmd *domain.DeviceCommand) error {
	db := tx.WithContext(ctx)
	switch cmd.Kind {
	case domain.CommandDelete:
		return db.Where("employee_id = ? AND device_id = ?", cmd.EmployeeID, cmd.DeviceID).
			Delete(&domain.DeviceUser{}).Error
	case domain.CommandCreate, domain.CommandUpdate:
		var emp domain.Employee
		if err := db.Limit(1).Find(&emp, cmd.EmployeeID).Error; err != nil {
			return err
		}
		name := emp.Name
		var binding domain.DeviceUser
		if err := db.Where("device_id = ? AND device_user_id = ?", cmd.DeviceID, cmd.Pin).
			Limit(1).Find(&binding).Error; err != nil {
			return err
		}
		if binding.ID != 0 {
			return db.Model(&domain.DeviceUser{}).Where("id = ?", binding.ID).Updates(map[string]interface{}{
				"employee_id": cmd.EmployeeID,
				"username":    name,
			}).Error
		}
		return db.Create(&domain.DeviceUser{
			EmployeeID:   cmd.EmployeeID,
			DeviceID:     cmd.DeviceID,
			DeviceUserID: cmd.Pin,
			Username:     name,
		}).Error
	}
	return nil
}

// Cancel removes a command that has not been handed to the device yet.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	ok, err := s.repo(s.db).DeletePending(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotPending
	}
	return nil
}

// EmployeeForPin finds the employee a create command allocated pin for on
// the device, used to link USER records uploaded by the device.
func (s *Service) EmployeeForPin(ctx context.Context, db *gorm.DB, deviceID int64, pin int) (int64, error) {
	var cmd domain.DeviceCommand
	err := db.WithContext(ctx).
		Where("device_id = ? AND pin = ? AND kind = ?", deviceID, pin, domain.CommandCreate).
		Order("id DESC").
		Limit(1).
		Find(&cmd).Error
	return cmd.EmployeeID, err
}

// PurgeAcked deletes acknowledged commands older than days.
func (s *Service) PurgeAcked(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	return s.repo(s.db).DeleteAckedBefore(ctx, s.now().UTC().AddDate(0, 0, -days))
}

func (s *Service) List(ctx context.Context, filter map[string]interface{}, page, pageSize int) ([]*domain.DeviceCommand, int64, error) {
	return s.repo(s.db).List(ctx, filter, page, pageSize)
}
