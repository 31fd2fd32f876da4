package command

import (
	"context"
	"time"

	"github.com/talkincode/toughattend/internal/domain"
	"gorm.io/gorm"
)

// EmployeeRepository reads the HR employee record a command is rendered for
type EmployeeRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Employee, error)
}

// GormEmployees reads employees from the shared HR tables
type GormEmployees struct {
	db *gorm.DB
}

func NewGormEmployees(db *gorm.DB) *GormEmployees {
	return &GormEmployees{db: db}
}

func (r *GormEmployees) GetByID(ctx context.Context, id int64) (*domain.Employee, error) {
	var emp domain.Employee
	if err := r.db.WithContext(ctx).First(&emp, id).Error; err != nil {
		return nil, err
	}
	return &emp, nil
}

// Repository handles database operations for device commands
type Repository interface {
	Create(ctx context.Context, cmd *domain.DeviceCommand) error
	GetByID(ctx context.Context, id int64) (*domain.DeviceCommand, error)
	SetPayload(ctx context.Context, id int64, payload string) error

	// CountPending counts pending commands of kind for the employee on the device
	CountPending(ctx context.Context, deviceID, employeeID int64, kind string) (int64, error)

	// GetPending returns the oldest pending commands of a device
	GetPending(ctx context.Context, deviceID int64, limit int) ([]*domain.DeviceCommand, error)

	// ClaimPending moves a command from pending to executed; false when
	// another caller already claimed it
	ClaimPending(ctx context.Context, id int64, at time.Time) (bool, error)

	// Resolve moves an executed command of the device to status
	Resolve(ctx context.Context, deviceID, id int64, status string, returnCode int, at time.Time) (bool, error)

	// MaxOpenPin is the highest pin held by a command not yet successful
	MaxOpenPin(ctx context.Context) (int, error)

	DeletePending(ctx context.Context, id int64) (bool, error)
	DeleteAckedBefore(ctx context.Context, before time.Time) (int64, error)
	List(ctx context.Context, filter map[string]interface{}, page, pageSize int) ([]*domain.DeviceCommand, int64, error)
}

// GormRepository is the GORM implementation of Repository
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) Create(ctx context.Context, cmd *domain.DeviceCommand) error {
	return r.db.WithContext(ctx).Create(cmd).Error
}

func (r *GormRepository) GetByID(ctx context.Context, id int64) (*domain.DeviceCommand, error) {
	var cmd domain.DeviceCommand
	err := r.db.WithContext(ctx).First(&cmd, id).Error
	return &cmd, err
}

func (r *GormRepository) SetPayload(ctx context.Context, id int64, payload string) error {
	return r.db.WithContext(ctx).Model(&domain.DeviceCommand{}).Where("id = ?", id).Update("payload", payload).Error
}

func (r *GormRepository) CountPending(ctx context.Context, deviceID, employeeID int64, kind string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.DeviceCommand{}).
		Where("device_id = ? AND employee_id = ? AND kind = ? AND status = ?", deviceID, employeeID, kind, domain.CommandPending).
		Count(&count).Error
	return count, err
}

func (r *GormRepository) GetPending(ctx context.Context, deviceID int64, limit int) ([]*domain.DeviceCommand, error) {
	var cmds []*domain.DeviceCommand
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND status = ?", deviceID, domain.CommandPending).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&cmds).Error
	return cmds, err
}

func (r *GormRepository) ClaimPending(ctx context.Context, id int64, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.DeviceCommand{}).
		Where("id = ? AND status = ?", id, domain.CommandPending).
		Updates(map[string]interface{}{
			"status":      domain.CommandExecuted,
			"executed_at": at,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *GormRepository) Resolve(ctx context.Context, deviceID, id int64, status string, returnCode int, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.DeviceCommand{}).
		Where("id = ? AND device_id = ? AND status = ?", id, deviceID, domain.CommandExecuted).
		Updates(map[string]interface{}{
			"status":      status,
			"return_code": returnCode,
			"acked_at":    at,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *GormRepository) MaxOpenPin(ctx context.Context) (int, error) {
	var pin int
	err := r.db.WithContext(ctx).Model(&domain.DeviceCommand{}).
		Where("status <> ?", domain.CommandSuccess).
		Select("COALESCE(MAX(pin), 0)").
		Scan(&pin).Error
	return pin, err
}

func (r *GormRepository) DeletePending(ctx context.Context, id int64) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, domain.CommandPending).
		Delete(&domain.DeviceCommand{})
	return res.RowsAffected == 1, res.Error
}

func (r *GormRepository) DeleteAckedBefore(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ? AND acked_at < ?", []string{domain.CommandSuccess, domain.CommandFailed}, before).
		Delete(&domain.DeviceCommand{})
	return res.RowsAffected, res.Error
}

func (r *GormRepository) List(ctx context.Context, filter map[string]interface{}, page, pageSize int) ([]*domain.DeviceCommand, int64, error) {
	var cmds []*domain.DeviceCommand
	var total int64

	query := r.db.WithContext(ctx).Model(&domain.DeviceCommand{})
	for key, value := range filter {
		if value != nil && value != "" {
			query = query.Where(key+" = ?", value)
		}
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&cmds).Error
	return cmds, total, err
}
