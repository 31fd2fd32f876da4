package attendance

import (
	"context"
	"time"

	"github.com/talkincode/toughattend/internal/domain"
	"github.com/talkincode/toughattend/internal/punch"
	"gorm.io/gorm"
)

// Pairer applies the pairing automaton to a punch right after it is stored.
// The intervals it writes are provisional (calculated=false) and are rebuilt
// by the next reconciliation run. Calculated intervals belong to
// reconciliation: a punch that would close one is left unpaired for it.
type Pairer struct {
	punches *punch.Store
}

func NewPairer(punches *punch.Store) *Pairer {
	return &Pairer{punches: punches}
}

// currentPairing loads the automaton state of an employee from the latest
// interval and the latest punch other than excludeID.
func currentPairing(ctx context.Context, tx *gorm.DB, store *punch.Store, employeeID, excludeID int64) (Pairing, *domain.Attendance, error) {
	var latest domain.Attendance
	if err := tx.WithContext(ctx).
		Where("employee_id = ?", employeeID).
		Order("check_in DESC, id DESC").
		Limit(1).
		Find(&latest).Error; err != nil {
		return Pairing{}, nil, err
	}
	state := Pairing{State: StateClosed}
	var open *domain.Attendance
	if latest.ID != 0 && latest.IsOpen() {
		state.State = StateOpen
		state.CheckIn = latest.CheckIn
		open = &latest
	}
	last, ok, err := store.LastPunchTime(ctx, employeeID, excludeID)
	if err != nil {
		return state, open, err
	}
	if ok {
		state.LastPunch = last
	}
	return state, open, nil
}

// Apply pairs p inside tx and records the outcome on the punch. It returns
// the pair result stored.
func (pr *Pairer) Apply(ctx context.Context, tx *gorm.DB, p *domain.PunchLog, loc *time.Location) (string, error) {
	if p.EmployeeID == 0 {
		return domain.PairNone, nil
	}
	store := pr.punches.WithDB(tx)
	state, open, err := currentPairing(ctx, tx, store, p.EmployeeID, p.ID)
	if err != nil {
		return "", err
	}

	result := domain.PairStray
	tr, _ := state.Next(p.PunchTime)
	if tr == TransitionClose && open.Calculated {
		return domain.PairNone, nil
	}
	switch tr {
	case TransitionOpen:
		interval := &domain.Attendance{
			EmployeeID: p.EmployeeID,
			PunchDate:  localDate(p.PunchTime, loc),
			CheckIn:    RoundCheckIn(p.PunchTime, loc),
			LeaveType:  domain.LeaveNone,
		}
		if err := tx.WithContext(ctx).Create(interval).Error; err != nil {
			return "", err
		}
		result = domain.PairCheckIn
	case TransitionClose:
		out := closeAt(open.CheckIn, p.PunchTime, loc)
		if err := tx.WithContext(ctx).Model(&domain.Attendance{}).
			Where("id = ?", open.ID).
			Update("check_out", out).Error; err != nil {
			return "", err
		}
		result = domain.PairCheckOut
	}

	if err := store.SetPairResult(ctx, p.ID, result); err != nil {
		return "", err
	}
	p.PairResult = result
	return result, nil
}
