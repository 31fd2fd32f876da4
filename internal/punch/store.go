package punch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/talkincode/toughattend/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrPunchProcessed rejects deleting punches already folded into attendance.
var ErrPunchProcessed = errors.New("cannot delete processed attendance logs")

// Store is the append only punch log. Rows are never updated except for the
// processed flag, the pairing result and late employee resolution.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithDB returns a store bound to db, typically an open transaction.
func (s *Store) WithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Append(ctx context.Context, p *domain.PunchLog) error {
	p.PunchTime = p.PunchTime.UTC()
	if p.PairResult == "" {
		p.PairResult = domain.PairNone
	}
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *Store) SetPairResult(ctx context.Context, id int64, result string) error {
	return s.db.WithContext(ctx).Model(&domain.PunchLog{}).Where("id = ?", id).Update("pair_result", result).Error
}

// LastPunchTime returns the latest punch of the employee other than excludeID.
func (s *Store) LastPunchTime(ctx context.Context, employeeID, excludeID int64) (time.Time, bool, error) {
	var p domain.PunchLog
	err := s.db.WithContext(ctx).
		Where("employee_id = ? AND id <> ?", employeeID, excludeID).
		Order("punch_time DESC").
		Limit(1).
		Find(&p).Error
	if err != nil || p.ID == 0 {
		return time.Time{}, false, err
	}
	return p.PunchTime, true, nil
}

// LastProcessedTime returns the latest punch of the employee already consumed
// by reconciliation.
func (s *Store) LastProcessedTime(ctx context.Context, employeeID int64) (time.Time, bool, error) {
	var p domain.PunchLog
	err := s.db.WithContext(ctx).
		Where("employee_id = ? AND processed = ?", employeeID, true).
		Order("punch_time DESC").
		Limit(1).
		Find(&p).Error
	if err != nil || p.ID == 0 {
		return time.Time{}, false, err
	}
	return p.PunchTime, true, nil
}

// ListUnprocessed returns every unprocessed punch with a resolved employee
// that is not in the future, ordered by punch time.
func (s *Store) ListUnprocessed(ctx context.Context, now time.Time) ([]domain.PunchLog, error) {
	var punches []domain.PunchLog
	err := s.db.WithContext(ctx).
		Where("processed = ? AND employee_id <> 0 AND punch_time <= ?", false, now.UTC()).
		Order("punch_time ASC, id ASC").
		Find(&punches).Error
	return punches, err
}

// ListBetween returns all punches of the employee in [from, to).
func (s *Store) ListBetween(ctx context.Context, employeeID int64, from, to time.Time) ([]domain.PunchLog, error) {
	var punches []domain.PunchLog
	err := s.db.WithContext(ctx).
		Where("employee_id = ? AND punch_time >= ? AND punch_time < ?", employeeID, from.UTC(), to.UTC()).
		Order("punch_time ASC, id ASC").
		Find(&punches).Error
	return punches, err
}

// MarkProcessed flags a punch as consumed. It reports false when another run
// already consumed it, so only one caller ever wins.
func (s *Store) MarkProcessed(ctx context.Context, id int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.PunchLog{}).
		Where("id = ? AND processed = ?", id, false).
		Update("processed", true)
	return res.RowsAffected == 1, res.Error
}

// ResetBetween returns punches of the employee in [from, to] to the
// unprocessed pool so the next reconciliation folds them in again.
func (s *Store) ResetBetween(ctx context.Context, employeeID int64, from, to time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&domain.PunchLog{}).
		Where("employee_id = ? AND punch_time >= ? AND punch_time <= ?", employeeID, from.UTC(), to.UTC()).
		Update("processed", false)
	return res.RowsAffected, res.Error
}

// ResolveEmployees links punches stored before their device user binding
// existed. It returns the number of punches updated.
func (s *Store) ResolveEmployees(ctx context.Context) (int64, error) {
	type ref struct {
		DeviceID      int64
		DeviceUserRef string
	}
	var refs []ref
	db := s.db.WithContext(ctx)
	if err := db.Model(&domain.PunchLog{}).
		Select("DISTINCT device_id, device_user_ref").
		Where("employee_id = 0").
		Scan(&refs).Error; err != nil {
		return 0, err
	}

	var total int64
	for _, r := range refs {
		pin, err := strconv.Atoi(r.DeviceUserRef)
		if err != nil {
			continue
		}
		var binding domain.DeviceUser
		if err := db.Where("device_id = ? AND device_user_id = ? AND employee_id <> 0", r.DeviceID, pin).
			Limit(1).Find(&binding).Error; err != nil {
			return total, err
		}
		if binding.ID == 0 {
			continue
		}
		res := db.Model(&domain.PunchLog{}).
			Where("device_id = ? AND device_user_ref = ? AND employee_id = 0", r.DeviceID, r.DeviceUserRef).
			Updates(map[string]interface{}{
				"employee_id":    binding.EmployeeID,
				"device_user_id": binding.ID,
			})
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
	}
	if total > 0 {
		zap.L().Info("resolved punch employees",
			zap.String("namespace", "punch"),
			zap.Int64("count", total))
	}
	return total, nil
}

// Delete removes an unprocessed punch.
func (s *Store) Delete(ctx context.Context, id int64) error {
	var p domain.PunchLog
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return err
	}
	if p.Processed {
		return ErrPunchProcessed
	}
	res := s.db.WithContext(ctx).Where("id = ? AND processed = ?", id, false).Delete(&domain.PunchLog{})
	if res.Error != nil {
		return fmt.Errorf("delete punch %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrPunchProcessed
	}
	return nil
}

// Filter narrows List results; zero values are ignored.
type Filter struct {
	DeviceID   int64
	EmployeeID int64
	Processed  *bool
	From       time.Time
	To         time.Time
}

func (s *Store) List(ctx context.Context, f Filter, page, pageSize int) ([]domain.PunchLog, int64, error) {
	query := s.db.WithContext(ctx).Model(&domain.PunchLog{})
	if f.DeviceID != 0 {
		query = query.Where("device_id = ?", f.DeviceID)
	}
	if f.EmployeeID != 0 {
		query = query.Where("employee_id = ?", f.EmployeeID)
	}
	if f.Processed != nil {
		query = query.Where("processed = ?", *f.Processed)
	}
	if !f.From.IsZero() {
		query = query.Where("punch_time >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		query = query.Where("punch_time < ?", f.To.UTC())
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var punches []domain.PunchLog
	err := query.Order("punch_time DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&punches).Error
	return punches, total, err
}
