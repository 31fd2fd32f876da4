package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/talkincode/toughattend/internal/domain"
	"github.com/talkincode/toughattend/internal/punch"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrIntervalCalculated rejects deleting an interval its punches were folded
// into. Reset it first.
var ErrIntervalCalculated = errors.New("calculated attendance cannot be deleted, reset it first")

// Intervals manages stored attendance rows outside reconciliation.
type Intervals struct {
	db      *gorm.DB
	punches *punch.Store
	loc     *time.Location
}

func NewIntervals(db *gorm.DB, punches *punch.Store, loc *time.Location) *Intervals {
	if loc == nil {
		loc = time.Local
	}
	return &Intervals{db: db, punches: punches, loc: loc}
}

// Get returns an interval with its multi punch rows in order.
func (s *Intervals) Get(ctx context.Context, id int64) (*domain.Attendance, error) {
	var a domain.Attendance
	err := s.db.WithContext(ctx).
		Preload("MultiPunches", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		First(&a, id).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Filter narrows List results; zero values are ignored.
type Filter struct {
	EmployeeID int64
	From       string
	To         string
	Calculated *bool
}

func (s *Intervals) List(ctx context.Context, f Filter, page, pageSize int) ([]domain.Attendance, int64, error) {
	query := s.db.WithContext(ctx).Model(&domain.Attendance{})
	if f.EmployeeID != 0 {
		query = query.Where("employee_id = ?", f.EmployeeID)
	}
	if f.From != "" {
		query = query.Where("punch_date >= ?", f.From)
	}
	if f.To != "" {
		query = query.Where("punch_date <= ?", f.To)
	}
	if f.Calculated != nil {
		query = query.Where("calculated = ?", *f.Calculated)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var rows []domain.Attendance
	err := query.Order("check_in DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error
	return rows, total, err
}

// span covers the local days from check-in to check-out, which includes the
// raw punches behind rounded values.
func (s *Intervals) span(a *domain.Attendance) (time.Time, time.Time) {
	from := dayStart(a.CheckIn, s.loc)
	last := a.CheckIn
	if a.CheckOut != nil {
		last = *a.CheckOut
	}
	to := dayStart(last, s.loc).AddDate(0, 0, 1).Add(-time.Nanosecond)
	return from, to
}

// Reset clears the calculated flag and returns the interval's punches to the
// unprocessed pool so the next run rebuilds it. The punches of whole local
// days are reset, so every interval starting in those days is reset with it
// and rebuilt once instead of folding the same punches in twice.
func (s *Intervals) Reset(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a domain.Attendance
		if err := tx.First(&a, id).Error; err != nil {
			return err
		}
		from, to := s.span(&a)
		var siblings []domain.Attendance
		if err := tx.Where("employee_id = ? AND check_in >= ? AND check_in <= ?", a.EmployeeID, from.UTC(), to.UTC()).
			Find(&siblings).Error; err != nil {
			return err
		}
		ids := []int64{a.ID}
		for i := range siblings {
			if siblings[i].ID == a.ID {
				continue
			}
			ids = append(ids, siblings[i].ID)
			if _, end := s.span(&siblings[i]); end.After(to) {
				to = end
			}
		}
		if err := tx.Model(&domain.Attendance{}).Where("id IN ?", ids).Update("calculated", false).Error; err != nil {
			return err
		}
		n, err := s.punches.WithDB(tx).ResetBetween(ctx, a.EmployeeID, from, to)
		if err != nil {
			return err
		}
		zap.L().Info("attendance reset",
			zap.String("namespace", "attendance"),
			zap.Int64("attendance_id", id),
			zap.Int("intervals", len(ids)),
			zap.Int64("punches", n))
		return nil
	})
}

// Delete removes an interval that is not calculated. Its punches return to
// the unprocessed pool.
func (s *Intervals) Delete(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a domain.Attendance
		if err := tx.First(&a, id).Error; err != nil {
			return err
		}
		if a.Calculated {
			return ErrIntervalCalculated
		}
		from, to := s.span(&a)
		if _, err := s.punches.WithDB(tx).ResetBetween(ctx, a.EmployeeID, from, to); err != nil {
			return err
		}
		return purgeIntervals(ctx, tx, "id = ?", id)
	})
}
