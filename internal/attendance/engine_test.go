package attendance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/toughattend/internal/dbtest"
	"github.com/talkincode/toughattend/internal/domain"
	"github.com/talkincode/toughattend/internal/punch"
	"gorm.io/gorm"
)

var runAt = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

type fixture struct {
	db      *gorm.DB
	punches *punch.Store
	engine  *Engine
	dev     *domain.ZkDevice
	emp     *domain.Employee
}

func newFixture(t *testing.T) *fixture {
	db := dbtest.Open(t)
	store := punch.NewStore(db)
	dev := dbtest.Device(t, db, "SN300")
	emp := dbtest.Employee(t, db, "Jane", dev, 1)
	return &fixture{
		db:      db,
		punches: store,
		engine:  NewEngine(db, store, NewDirectory(db), nil),
		dev:     dev,
		emp:     emp,
	}
}

// punchAt stores a punch on 2024-03-04 plus dayOffset days.
func (f *fixture) punchAt(t *testing.T, dayOffset int, clock string) *domain.PunchLog {
	p := &domain.PunchLog{
		DeviceID:      f.dev.ID,
		DeviceUserRef: "1",
		EmployeeID:    f.emp.ID,
		PunchTime:     at(time.UTC, clock).AddDate(0, 0, dayOffset),
	}
	require.NoError(t, f.punches.Append(context.Background(), p))
	return p
}

func (f *fixture) intervals(t *testing.T) []domain.Attendance {
	var rows []domain.Attendance
	require.NoError(t, f.db.Order("check_in ASC").Find(&rows).Error)
	return rows
}

func singleShift() Policy {
	return Policy{Location: time.UTC}
}

func TestEnginePairsSingleShiftDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.punchAt(t, 0, "09:00:00")
	f.punchAt(t, 0, "18:00:00")

	rep, err := f.engine.Run(ctx, singleShift(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Claimed)
	assert.Equal(t, 2, rep.Processed)
	assert.Equal(t, 1, rep.Intervals)
	assert.Zero(t, rep.Failed)

	rows := f.intervals(t)
	require.Len(t, rows, 1)
	assert.Equal(t, at(time.UTC, "09:00:00"), rows[0].CheckIn.UTC())
	require.NotNil(t, rows[0].CheckOut)
	assert.Equal(t, at(time.UTC, "18:00:00"), rows[0].CheckOut.UTC())
	assert.Equal(t, "2024-03-04", rows[0].PunchDate)
	assert.Equal(t, 9.0, rows[0].WorkedHours)
	assert.True(t, rows[0].Calculated)

	var left int64
	f.db.Model(&domain.PunchLog{}).Where("processed = ?", false).Count(&left)
	assert.Zero(t, left)
}

func TestEngineRerunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.punchAt(t, 0, "08:10:00")
	f.punchAt(t, 0, "17:37:00")
	f.punchAt(t, 1, "09:00:00")

	_, err := f.engine.Run(ctx, singleShift(), runAt)
	require.NoError(t, err)
	first := f.intervals(t)

	rep, err := f.engine.Run(ctx, singleShift(), runAt)
	require.NoError(t, err)
	assert.Zero(t, rep.Claimed)

	second := f.intervals(t)
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].CheckIn.UTC(), second[i].CheckIn.UTC())
		assert.Equal(t, first[i].CheckOut == nil, second[i].CheckOut == nil)
		assert.Equal(t, first[i].WorkedHours, second[i].WorkedHours)
	}
	assert.Equal(t, at(time.UTC, "08:00:00"), first[0].CheckIn.UTC())
	assert.Equal(t, at(time.UTC, "17:30:00"), first[0].CheckOut.UTC())
	assert.Nil(t, first[1].CheckOut)
}

func TestEngineCorrectsOutOfOrderDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pairer := NewPairer(f.punches)

	late := f.punchAt(t, 0, "18:00:00")
	early := f.punchAt(t, 0, "09:00:00")
	for _, p := range []*domain.PunchLog{late, early} {
		require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
			_, err := pairer.Apply(ctx, tx, p, time.UTC)
			return err
		}))
	}
	assert.Equal(t, domain.PairCheckIn, late.PairResult)
	assert.Equal(t, domain.PairStray, early.PairResult)

	// provisional interval opened at 18:00
	rows := f.intervals(t)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Calculated)

	_, err := f.engine.Run(ctx, singleShift(), runAt)
	require.NoError(t, err)

	rows = f.intervals(t)
	require.Len(t, rows, 1)
	assert.Equal(t, at(time.UTC, "09:00:00"), rows[0].CheckIn.UTC())
	require.NotNil(t, rows[0].CheckOut)
	assert.Equal(t, at(time.UTC, "18:00:00"), rows[0].CheckOut.UTC())
	assert.True(t, rows[0].Calculated)
}

func TestEngineAlternatingTreatsDuplicateAsStray(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.punchAt(t, 0, "09:00:00")
	f.punchAt(t, 0, "09:00:00")
	f.punchAt(t, 0, "18:00:00")

	rep, err := f.engine.Run(ctx, singleShift(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Processed)

	rows := f.intervals(t)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].CheckOut)
	assert.Equal(t, at(time.UTC, "18:00:00"), rows[0].CheckOut.UTC())
}

func TestEngineMinimalAutoClosesPriorDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.punchAt(t, 0, "09:00:00")
	f.punchAt(t, 1, "09:30:00")
	f.punchAt(t, 1, "17:52:00")

	policy := Policy{MinimalAttendance: true, Location: time.UTC}
	rep, err := f.engine.Run(ctx, policy, runAt)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Processed)

	rows := f.intervals(t)
	require.Len(t, rows, 2)

	monday := rows[0]
	assert.Equal(t, "2024-03-04", monday.PunchDate)
	require.NotNil(t, monday.CheckOut)
	assert.Equal(t, at(time.UTC, "23:59:59"), monday.CheckOut.UTC())
	assert.True(t, monday.Calculated)

	tuesday := rows[1]
	assert.Equal(t, "2024-03-05", tuesday.PunchDate)
	assert.Equal(t, at(time.UTC, "09:30:00").AddDate(0, 0, 1), tuesday.CheckIn.UTC())
	require.NotNil(t, tuesday.CheckOut)
	assert.Equal(t, at(time.UTC, "18:00:00").AddDate(0, 0, 1), tuesday.CheckOut.UTC())

	// a late delivered earlier punch does not pull the check-out back
	f.punchAt(t, 1, "17:20:00")
	rep, err = f.engine.Run(ctx, policy, runAt)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
	rows = f.intervals(t)
	require.Len(t, rows, 2)
	assert.Equal(t, at(time.UTC, "18:00:00").AddDate(0, 0, 1), rows[1].CheckOut.UTC())
}

func TestEngineTagsLeaveDays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.Create(&domain.LeaveLine{
		EmployeeID: f.emp.ID,
		LeaveDate:  "2024-03-04",
		LeaveType:  domain.LeaveHoliday,
	}).Error)
	cal := standardCalendar()
	require.NoError(t, f.db.Create(cal).Error)
	require.NoError(t, f.db.Model(f.emp).Update("calendar_id", cal.ID).Error)

	f.punchAt(t, 0, "10:00:00")
	f.punchAt(t, 0, "14:00:00")
	f.punchAt(t, 1, "10:00:00")
	f.punchAt(t, 1, "14:00:00")

	_, err := f.engine.Run(ctx, singleShift(), runAt)
	require.NoError(t, err)

	rows := f.intervals(t)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.LeaveHoliday, rows[0].LeaveType)
	assert.Zero(t, rows[0].ShortfallHours)
	assert.Equal(t, 3.0, rows[0].OvertimeHours)
	assert.Equal(t, 1.0, rows[0].BreakHours)

	assert.Equal(t, domain.LeaveNone, rows[1].LeaveType)
	assert.Equal(t, 8.0, rows[1].ShortfallHours)
}

func TestEngineMultiShiftFivePunches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, clock := range []string{"08:10:00", "12:00:00", "12:00:00", "13:00:00", "17:52:00", "19:00:00"} {
		f.punchAt(t, 0, clock)
	}

	policy := Policy{MultiShift: true, Location: time.UTC}
	rep, err := f.engine.Run(ctx, policy, runAt)
	require.NoError(t, err)
	assert.Equal(t, 6, rep.Processed)
	assert.Equal(t, 1, rep.Intervals)

	rows := f.intervals(t)
	require.Len(t, rows, 1)
	day := rows[0]
	assert.Equal(t, at(time.UTC, "08:00:00"), day.CheckIn.UTC())
	require.NotNil(t, day.CheckOut)
	assert.Equal(t, at(time.UTC, "19:00:00"), day.CheckOut.UTC())
	assert.True(t, day.Calculated)

	var children []domain.MultiPunch
	require.NoError(t, f.db.Where("attendance_id = ?", day.ID).Order("seq ASC").Find(&children).Error)
	require.Len(t, children, 3)
	assert.Equal(t, at(time.UTC, "08:10:00"), children[0].CheckIn.UTC())
	assert.Equal(t, at(time.UTC, "12:00:00"), children[0].CheckOut.UTC())
	assert.Equal(t, at(time.UTC, "13:00:00"), children[1].CheckIn.UTC())
	assert.Equal(t, at(time.UTC, "17:52:00"), children[1].CheckOut.UTC())
	assert.Equal(t, at(time.UTC, "19:00:00"), children[2].CheckIn.UTC())
	assert.Nil(t, children[2].CheckOut)

	assert.InDelta(t, 8.7, day.MsWorkedHours, 0.01)

	// a late punch rebuilds the children from scratch
	f.punchAt(t, 0, "20:00:00")
	_, err = f.engine.Run(ctx, policy, runAt)
	require.NoError(t, err)
	children = nil
	require.NoError(t, f.db.Where("attendance_id = ?", day.ID).Order("seq ASC").Find(&children).Error)
	require.Len(t, children, 3)
	require.NotNil(t, children[2].CheckOut)
	assert.Equal(t, at(time.UTC, "20:00:00"), children[2].CheckOut.UTC())
	assert.Len(t, f.intervals(t), 1)
}

func TestEngineMultiShiftSinglePunchIsOpen(t *testing.T) {
	f := newFixture(t)
	f.punchAt(t, 0, "09:00:00")

	rep, err := f.engine.Run(context.Background(), Policy{MultiShift: true, Location: time.UTC}, runAt)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)

	rows := f.intervals(t)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].CheckOut)
}

func TestEngineIgnoresFuturePunches(t *testing.T) {
	f := newFixture(t)
	f.punchAt(t, 0, "09:00:00")
	rep, err := f.engine.Run(context.Background(), singleShift(), at(time.UTC, "08:00:00"))
	require.NoError(t, err)
	assert.Zero(t, rep.Claimed)
}

func TestEngineClosesIntervalCalculatedByEarlierRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pairer := NewPairer(f.punches)
	ingest := func(clock string) string {
		p := f.punchAt(t, 0, clock)
		var result string
		require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
			var err error
			result, err = pairer.Apply(ctx, tx, p, time.UTC)
			return err
		}))
		return result
	}

	assert.Equal(t, domain.PairCheckIn, ingest("09:00:00"))
	_, err := f.engine.Run(ctx, singleShift(), runAt)
	require.NoError(t, err)
	rows := f.intervals(t)
	require.Len(t, rows, 1)
	require.True(t, rows[0].Calculated)
	require.Nil(t, rows[0].CheckOut)

	// the calculated interval is left to reconciliation
	assert.Equal(t, domain.PairNone, ingest("18:00:00"))
	rows = f.intervals(t)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].CheckOut)

	rep, err := f.engine.Run(ctx, singleShift(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)

	rows = f.intervals(t)
	require.Len(t, rows, 1)
	assert.Equal(t, at(time.UTC, "09:00:00"), rows[0].CheckIn.UTC())
	require.NotNil(t, rows[0].CheckOut)
	assert.Equal(t, at(time.UTC, "18:00:00"), rows[0].CheckOut.UTC())
	assert.Equal(t, 9.0, rows[0].WorkedHours)
	assert.True(t, rows[0].Calculated)
}

// failIntervalsOn makes every interval insert for date fail while the
// returned flag is set.
func failIntervalsOn(t *testing.T, db *gorm.DB, date string) *atomic.Bool {
	var on atomic.Bool
	on.Store(true)
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:fail_interval", func(tx *gorm.DB) {
		if a, ok := tx.Statement.Dest.(*domain.Attendance); ok && on.Load() && a.PunchDate == date {
			_ = tx.AddError(errors.New("interval write failed"))
		}
	}))
	return &on
}

func (f *fixture) unprocessed(t *testing.T) []domain.PunchLog {
	var rows []domain.PunchLog
	require.NoError(t, f.db.Where("processed = ?", false).Order("punch_time ASC").Find(&rows).Error)
	return rows
}

func TestEngineLeavesFailedPunchesUnprocessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.punchAt(t, 0, "09:00:00")
	f.punchAt(t, 0, "18:00:00")
	f.punchAt(t, 1, "09:00:00")
	f.punchAt(t, 1, "18:00:00")
	failing := failIntervalsOn(t, f.db, "2024-03-05")

	rep, err := f.engine.Run(ctx, singleShift(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Processed)
	assert.Equal(t, 2, rep.Failed)

	rows := f.intervals(t)
	require.Len(t, rows, 1)
	assert.Equal(t, "2024-03-04", rows[0].PunchDate)
	assert.True(t, rows[0].Calculated)
	left := f.unprocessed(t)
	require.Len(t, left, 2)
	for _, p := range left {
		assert.Equal(t, "2024-03-05", localDate(p.PunchTime, time.UTC))
	}

	failing.Store(false)
	rep, err = f.engine.Run(ctx, singleShift(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Processed)
	assert.Zero(t, rep.Failed)
	assert.Len(t, f.intervals(t), 2)
	assert.Empty(t, f.unprocessed(t))
}

func TestEngineMultiShiftFailedDayStaysUnprocessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.punchAt(t, 0, "09:00:00")
	f.punchAt(t, 0, "12:00:00")
	f.punchAt(t, 0, "13:00:00")
	f.punchAt(t, 1, "09:00:00")
	f.punchAt(t, 1, "18:00:00")
	failing := failIntervalsOn(t, f.db, "2024-03-05")
	policy := Policy{MultiShift: true, Location: time.UTC}

	rep, err := f.engine.Run(ctx, policy, runAt)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Processed)
	assert.Equal(t, 2, rep.Failed)
	assert.Equal(t, 1, rep.Intervals)

	rows := f.intervals(t)
	require.Len(t, rows, 1)
	assert.Equal(t, "2024-03-04", rows[0].PunchDate)
	assert.Len(t, f.unprocessed(t), 2)
	var children int64
	f.db.Model(&domain.MultiPunch{}).Count(&children)
	assert.Equal(t, int64(2), children)

	failing.Store(false)
	rep, err = f.engine.Run(ctx, policy, runAt)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Processed)
	assert.Len(t, f.intervals(t), 2)
	assert.Empty(t, f.unprocessed(t))
}
