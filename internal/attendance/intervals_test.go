package attendance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/toughattend/internal/domain"
)

func TestIntervalDeleteRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.punchAt(t, 0, "08:10:00")
	f.punchAt(t, 0, "17:37:00")
	_, err := f.engine.Run(ctx, singleShift(), runAt)
	require.NoError(t, err)

	svc := NewIntervals(f.db, f.punches, time.UTC)
	rows := f.intervals(t)
	require.Len(t, rows, 1)
	id := rows[0].ID

	assert.ErrorIs(t, svc.Delete(ctx, id), ErrIntervalCalculated)

	require.NoError(t, svc.Reset(ctx, id))
	got, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.Calculated)

	// raw punches outside the rounded window are reset too
	var unprocessed int64
	f.db.Model(&domain.PunchLog{}).Where("processed = ?", false).Count(&unprocessed)
	assert.Equal(t, int64(2), unprocessed)

	require.NoError(t, svc.Delete(ctx, id))
	assert.Empty(t, f.intervals(t))

	rep, err := f.engine.Run(ctx, singleShift(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Processed)
	assert.Len(t, f.intervals(t), 1)
}

func TestIntervalListFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.punchAt(t, 0, "09:00:00")
	f.punchAt(t, 1, "09:00:00")
	_, err := f.engine.Run(ctx, Policy{MultiShift: true, Location: time.UTC}, runAt)
	require.NoError(t, err)

	svc := NewIntervals(f.db, f.punches, time.UTC)
	rows, total, err := svc.List(ctx, Filter{EmployeeID: f.emp.ID, From: "2024-03-05"}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, rows, 1)
	assert.Equal(t, "2024-03-05", rows[0].PunchDate)

	got, err := svc.Get(ctx, rows[0].ID)
	require.NoError(t, err)
	require.Len(t, got.MultiPunches, 1)
}

func TestIntervalResetRebuildsWholeDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.punchAt(t, 0, "09:00:00")
	f.punchAt(t, 0, "12:00:00")
	f.punchAt(t, 0, "13:00:00")
	f.punchAt(t, 0, "18:00:00")
	_, err := f.engine.Run(ctx, singleShift(), runAt)
	require.NoError(t, err)
	rows := f.intervals(t)
	require.Len(t, rows, 2)

	svc := NewIntervals(f.db, f.punches, time.UTC)
	require.NoError(t, svc.Reset(ctx, rows[0].ID))

	var calculated int64
	f.db.Model(&domain.Attendance{}).Where("calculated = ?", true).Count(&calculated)
	assert.Zero(t, calculated)

	rep, err := f.engine.Run(ctx, singleShift(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Processed)

	rows = f.intervals(t)
	require.Len(t, rows, 2)
	assert.Equal(t, at(time.UTC, "09:00:00"), rows[0].CheckIn.UTC())
	require.NotNil(t, rows[0].CheckOut)
	assert.Equal(t, at(time.UTC, "12:00:00"), rows[0].CheckOut.UTC())
	assert.Equal(t, at(time.UTC, "13:00:00"), rows[1].CheckIn.UTC())
	require.NotNil(t, rows[1].CheckOut)
	assert.Equal(t, at(time.UTC, "18:00:00"), rows[1].CheckOut.UTC())
	for _, row := range rows {
		assert.True(t, row.Calculated)
	}
}
