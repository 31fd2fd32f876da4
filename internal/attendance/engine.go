package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/btree"
	"github.com/talkincode/toughattend/internal/domain"
	"github.com/talkincode/toughattend/internal/events"
	"github.com/talkincode/toughattend/internal/punch"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errAlreadyProcessed rolls back an event whose mark was lost to another run.
var errAlreadyProcessed = errors.New("punch already processed")

// Report summarizes one reconciliation run.
type Report struct {
	Claimed   int `json:"claimed"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Intervals int `json:"intervals"`
	Failed    int `json:"failed"`
}

// Lookups are the HR collaborators the engine reads. They are only called
// outside the engine's transactions.
type Lookups interface {
	LeaveLookup
	CalendarLookup
}

// Engine folds unprocessed punches into attendance intervals.
type Engine struct {
	db      *gorm.DB
	punches *punch.Store
	lookups Lookups
	bus     events.Publisher
	group   singleflight.Group
}

func NewEngine(db *gorm.DB, punches *punch.Store, lookups Lookups, bus events.Publisher) *Engine {
	return &Engine{db: db, punches: punches, lookups: lookups, bus: bus}
}

// Run reconciles every punch that is unprocessed when the run starts.
// Overlapping calls share the result of the run in flight.
func (e *Engine) Run(ctx context.Context, policy Policy, now time.Time) (Report, error) {
	v, err, _ := e.group.Do("reconcile", func() (interface{}, error) {
		return e.run(ctx, policy, now)
	})
	rep, _ := v.(Report)
	return rep, err
}

func (e *Engine) run(ctx context.Context, policy Policy, now time.Time) (Report, error) {
	var rep Report
	if _, err := e.punches.ResolveEmployees(ctx); err != nil {
		return rep, fmt.Errorf("resolve punch employees: %w", err)
	}
	claimed, err := e.punches.ListUnprocessed(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("list unprocessed punches: %w", err)
	}
	rep.Claimed = len(claimed)
	if len(claimed) == 0 {
		return rep, nil
	}

	if policy.MultiShift {
		e.runMultiShift(ctx, policy, claimed, &rep)
	} else {
		e.runSingleShift(ctx, policy, claimed, &rep)
	}

	zap.L().Info("attendance reconciled",
		zap.String("namespace", "attendance"),
		zap.Bool("multi_shift", policy.MultiShift),
		zap.Bool("minimal", policy.MinimalAttendance),
		zap.Int("claimed", rep.Claimed),
		zap.Int("processed", rep.Processed),
		zap.Int("skipped", rep.Skipped),
		zap.Int("intervals", rep.Intervals),
		zap.Int("failed", rep.Failed))
	events.Emit(e.bus, events.TopicReconcileDone, rep.Processed, rep.Failed)
	return rep, nil
}

// ---------------------------------------------------------------------------
// single shift

// stepper applies one punch inside a savepoint. commit is called once the
// savepoint is released so in-memory state never runs ahead of the database.
type stepper interface {
	step(ctx context.Context, tx *gorm.DB, p *domain.PunchLog) (touched []int64, commit func(), err error)
}

func groupByEmployee(punches []domain.PunchLog) ([]int64, map[int64][]domain.PunchLog) {
	var order []int64
	groups := map[int64][]domain.PunchLog{}
	for _, p := range punches {
		if _, ok := groups[p.EmployeeID]; !ok {
			order = append(order, p.EmployeeID)
		}
		groups[p.EmployeeID] = append(groups[p.EmployeeID], p)
	}
	return order, groups
}

func (e *Engine) runSingleShift(ctx context.Context, policy Policy, claimed []domain.PunchLog, rep *Report) {
	order, groups := groupByEmployee(claimed)
	for _, employeeID := range order {
		if err := e.reconcileEmployee(ctx, policy, employeeID, groups[employeeID], rep); err != nil {
			rep.Failed += len(groups[employeeID])
			zap.L().Error("attendance reconcile failed",
				zap.String("namespace", "attendance"),
				zap.Int64("employee_id", employeeID),
				zap.Error(err))
		}
	}
}

func (e *Engine) reconcileEmployee(ctx context.Context, policy Policy, employeeID int64, punches []domain.PunchLog, rep *Report) error {
	loc := policy.location()
	cal, err := e.lookups.CalendarFor(ctx, employeeID)
	if err != nil {
		return err
	}
	first, last := punches[0].PunchTime, punches[len(punches)-1].PunchTime
	leaves, err := e.lookups.LeaveTypes(ctx, employeeID, localDate(first, loc), localDate(last, loc))
	if err != nil {
		return err
	}

	var processed, skipped, failed int
	touched := map[int64]bool{}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := purgeIntervals(ctx, tx, "employee_id = ? AND calculated = ? AND check_in >= ?",
			employeeID, false, dayStart(first, loc).UTC()); err != nil {
			return err
		}

		var st stepper
		if policy.MinimalAttendance {
			st = &minimalStepper{employeeID: employeeID, loc: loc, leaves: leaves}
		} else {
			alt, err := newAlternatingStepper(ctx, tx, e.punches.WithDB(tx), employeeID, loc, leaves)
			if err != nil {
				return err
			}
			st = alt
		}

		for i := range punches {
			p := &punches[i]
			var ids []int64
			var commit func()
			err := tx.Transaction(func(sp *gorm.DB) error {
				var err error
				ids, commit, err = st.step(ctx, sp, p)
				if err != nil {
					return err
				}
				won, err := e.punches.WithDB(sp).MarkProcessed(ctx, p.ID)
				if err != nil {
					return err
				}
				if !won {
					return errAlreadyProcessed
				}
				return nil
			})
			switch {
			case errors.Is(err, errAlreadyProcessed):
				skipped++
				continue
			case err != nil:
				failed++
				zap.L().Warn("punch left unprocessed",
					zap.String("namespace", "attendance"),
					zap.Int64("punch_id", p.ID),
					zap.Error(err))
				continue
			}
			if commit != nil {
				commit()
			}
			for _, id := range ids {
				touched[id] = true
			}
			processed++
		}

		for id := range touched {
			if err := calculateInterval(ctx, tx, id, cal, loc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	rep.Processed += processed
	rep.Skipped += skipped
	rep.Failed += failed
	rep.Intervals += len(touched)
	return nil
}

// minimalStepper keys intervals by local calendar date: the first punch of a
// day opens the interval, later punches move its check-out.
type minimalStepper struct {
	employeeID int64
	loc        *time.Location
	leaves     map[string]string
}

func (s *minimalStepper) step(ctx context.Context, tx *gorm.DB, p *domain.PunchLog) ([]int64, func(), error) {
	db := tx.WithContext(ctx)
	date := localDate(p.PunchTime, s.loc)

	var day domain.Attendance
	if err := db.Where("employee_id = ? AND punch_date = ?", s.employeeID, date).
		Order("id ASC").Limit(1).Find(&day).Error; err != nil {
		return nil, nil, err
	}
	if day.ID != 0 {
		if !p.PunchTime.After(day.CheckIn) {
			return nil, nil, nil
		}
		out := closeAt(day.CheckIn, p.PunchTime, s.loc)
		if day.IsOpen() || out.After(*day.CheckOut) {
			if err := db.Model(&domain.Attendance{}).Where("id = ?", day.ID).
				Update("check_out", out).Error; err != nil {
				return nil, nil, err
			}
		}
		return []int64{day.ID}, nil, nil
	}

	var touched []int64
	var stale []domain.Attendance
	if err := db.Where("employee_id = ? AND check_out IS NULL AND punch_date < ?", s.employeeID, date).
		Find(&stale).Error; err != nil {
		return nil, nil, err
	}
	for _, a := range stale {
		eod := endOfDay(a.CheckIn, s.loc)
		if !eod.After(a.CheckIn) {
			continue
		}
		if err := db.Model(&domain.Attendance{}).Where("id = ?", a.ID).
			Update("check_out", eod).Error; err != nil {
			return nil, nil, err
		}
		touched = append(touched, a.ID)
	}

	interval := &domain.Attendance{
		EmployeeID: s.employeeID,
		PunchDate:  date,
		CheckIn:    RoundCheckIn(p.PunchTime, s.loc),
		LeaveType:  leaveOf(s.leaves, date),
	}
	if err := db.Omit(clause.Associations).Create(interval).Error; err != nil {
		return nil, nil, err
	}
	return append(touched, interval.ID), nil, nil
}

// alternatingStepper runs the pairing automaton over the batch in punch time
// order, alternating open and close per employee.
type alternatingStepper struct {
	employeeID int64
	loc        *time.Location
	leaves     map[string]string
	state      Pairing
	openID     int64
}

func newAlternatingStepper(ctx context.Context, tx *gorm.DB, store *punch.Store, employeeID int64, loc *time.Location, leaves map[string]string) (*alternatingStepper, error) {
	s := &alternatingStepper{employeeID: employeeID, loc: loc, leaves: leaves}
	var latest domain.Attendance
	if err := tx.WithContext(ctx).
		Where("employee_id = ?", employeeID).
		Order("check_in DESC, id DESC").
		Limit(1).
		Find(&latest).Error; err != nil {
		return nil, err
	}
	if latest.ID != 0 && latest.IsOpen() {
		s.state = Pairing{State: StateOpen, CheckIn: latest.CheckIn}
		s.openID = latest.ID
	}
	last, ok, err := store.LastProcessedTime(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.state.LastPunch = last
	}
	return s, nil
}

func (s *alternatingStepper) step(ctx context.Context, tx *gorm.DB, p *domain.PunchLog) ([]int64, func(), error) {
	db := tx.WithContext(ctx)
	tr, next := s.state.Next(p.PunchTime)
	switch tr {
	case TransitionOpen:
		date := localDate(p.PunchTime, s.loc)
		interval := &domain.Attendance{
			EmployeeID: s.employeeID,
			PunchDate:  date,
			CheckIn:    RoundCheckIn(p.PunchTime, s.loc),
			LeaveType:  leaveOf(s.leaves, date),
		}
		if err := db.Omit(clause.Associations).Create(interval).Error; err != nil {
			return nil, nil, err
		}
		next.CheckIn = interval.CheckIn
		return []int64{interval.ID}, func() {
			s.state = next
			s.openID = interval.ID
		}, nil
	case TransitionClose:
		out := closeAt(s.state.CheckIn, p.PunchTime, s.loc)
		openID := s.openID
		if err := db.Model(&domain.Attendance{}).Where("id = ?", openID).
			Update("check_out", out).Error; err != nil {
			return nil, nil, err
		}
		return []int64{openID}, func() {
			s.state = next
			s.openID = 0
		}, nil
	default:
		return nil, nil, nil
	}
}

// calculateInterval recomputes the hours of an interval and marks it as
// folded in.
func calculateInterval(ctx context.Context, tx *gorm.DB, id int64, cal *domain.WorkCalendar, loc *time.Location) error {
	var a domain.Attendance
	if err := tx.WithContext(ctx).First(&a, id).Error; err != nil {
		return err
	}
	applyHours(&a, IntervalHours(&a, cal, loc))
	a.Calculated = true
	return saveInterval(ctx, tx, &a)
}

func saveInterval(ctx context.Context, tx *gorm.DB, a *domain.Attendance) error {
	return tx.WithContext(ctx).Model(&domain.Attendance{}).Where("id = ?", a.ID).Updates(map[string]interface{}{
		"punch_date":      a.PunchDate,
		"check_in":        a.CheckIn,
		"check_out":       a.CheckOut,
		"worked_hours":    a.WorkedHours,
		"break_hours":     a.BreakHours,
		"actual_hours":    a.ActualHours,
		"overtime_hours":  a.OvertimeHours,
		"shortfall_hours": a.ShortfallHours,
		"ms_worked_hours": a.MsWorkedHours,
		"ms_break_hours":  a.MsBreakHours,
		"ms_actual_hours": a.MsActualHours,
		"leave_type":      a.LeaveType,
		"calculated":      a.Calculated,
	}).Error
}

// purgeIntervals deletes the matching intervals together with their
// multi punch rows.
func purgeIntervals(ctx context.Context, tx *gorm.DB, query string, args ...interface{}) error {
	db := tx.WithContext(ctx)
	var ids []int64
	if err := db.Model(&domain.Attendance{}).Where(query, args...).Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := db.Where("attendance_id IN ?", ids).Delete(&domain.MultiPunch{}).Error; err != nil {
		return err
	}
	return db.Where("id IN ?", ids).Delete(&domain.Attendance{}).Error
}

// ---------------------------------------------------------------------------
// multi shift

type dayKey struct {
	employeeID int64
	date       string
}

func (e *Engine) runMultiShift(ctx context.Context, policy Policy, claimed []domain.PunchLog, rep *Report) {
	loc := policy.location()
	var order []dayKey
	groups := map[dayKey][]domain.PunchLog{}
	for _, p := range claimed {
		k := dayKey{employeeID: p.EmployeeID, date: localDate(p.PunchTime, loc)}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], p)
	}

	calendars := map[int64]*domain.WorkCalendar{}
	for _, k := range order {
		punches := groups[k]
		err := func() error {
			cal, ok := calendars[k.employeeID]
			if !ok {
				var err error
				if cal, err = e.lookups.CalendarFor(ctx, k.employeeID); err != nil {
					return err
				}
				calendars[k.employeeID] = cal
			}
			leave, err := e.lookups.LeaveType(ctx, k.employeeID, k.date)
			if err != nil {
				return err
			}
			won, err := e.reconcileDay(ctx, k, punches, cal, leave, loc)
			if err != nil {
				return err
			}
			rep.Processed += won
			rep.Skipped += len(punches) - won
			rep.Intervals++
			return nil
		}()
		if err != nil {
			rep.Failed += len(punches)
			zap.L().Error("multi shift day failed",
				zap.String("namespace", "attendance"),
				zap.Int64("employee_id", k.employeeID),
				zap.String("date", k.date),
				zap.Error(err))
		}
	}
}

// dayPunches returns the distinct punch times of a day in ascending order.
func dayPunches(punches []domain.PunchLog) []time.Time {
	set := btree.NewG[time.Time](8, func(a, b time.Time) bool { return a.Before(b) })
	for _, p := range punches {
		set.ReplaceOrInsert(p.PunchTime.UTC())
	}
	times := make([]time.Time, 0, set.Len())
	set.Ascend(func(t time.Time) bool {
		times = append(times, t)
		return true
	})
	return times
}

// reconcileDay rebuilds the interval of one employee day from every punch of
// that day and replaces its multi punch rows in the same transaction.
func (e *Engine) reconcileDay(ctx context.Context, k dayKey, claimed []domain.PunchLog, cal *domain.WorkCalendar, leave string, loc *time.Location) (int, error) {
	start := dayStart(claimed[0].PunchTime, loc)
	var won int
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		db := tx.WithContext(ctx)
		store := e.punches.WithDB(tx)
		if err := purgeIntervals(ctx, tx, "employee_id = ? AND calculated = ? AND punch_date = ?",
			k.employeeID, false, k.date); err != nil {
			return err
		}

		all, err := store.ListBetween(ctx, k.employeeID, start, start.AddDate(0, 0, 1))
		if err != nil {
			return err
		}
		times := dayPunches(all)
		if len(times) == 0 {
			return nil
		}

		var day domain.Attendance
		if err := db.Where("employee_id = ? AND punch_date = ?", k.employeeID, k.date).
			Order("id ASC").Limit(1).Find(&day).Error; err != nil {
			return err
		}
		day.EmployeeID = k.employeeID
		day.PunchDate = k.date
		day.CheckIn = RoundCheckIn(times[0], loc)
		day.CheckOut = nil
		if len(times) > 1 {
			out := RoundCheckOut(times[len(times)-1], loc)
			if out.After(day.CheckIn) {
				day.CheckOut = &out
			}
		}
		day.LeaveType = leave
		day.Calculated = true
		if day.ID == 0 {
			if err := db.Omit(clause.Associations).Create(&day).Error; err != nil {
				return err
			}
		}

		if err := db.Where("attendance_id = ?", day.ID).Delete(&domain.MultiPunch{}).Error; err != nil {
			return err
		}
		var children []domain.MultiPunch
		for i, seq := 0, 1; i < len(times); i, seq = i+2, seq+1 {
			child := domain.MultiPunch{AttendanceID: day.ID, Seq: seq, CheckIn: times[i]}
			if i+1 < len(times) {
				out := times[i+1]
				child.CheckOut = &out
			}
			h := PairHours(child.CheckIn, child.CheckOut, cal, loc)
			child.WorkedHours, child.BreakHours, child.ActualHours = h.Worked, h.Break, h.Actual
			children = append(children, child)
		}
		if err := db.Create(&children).Error; err != nil {
			return err
		}

		applyMultiHours(&day, children, cal, loc)
		if err := saveInterval(ctx, tx, &day); err != nil {
			return err
		}

		for _, p := range claimed {
			ok, err := store.MarkProcessed(ctx, p.ID)
			if err != nil {
				return err
			}
			if ok {
				won++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return won, nil
}
