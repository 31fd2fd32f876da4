package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/toughattend/internal/dbtest"
	"github.com/talkincode/toughattend/internal/domain"
)

func TestFindBySerial(t *testing.T) {
	db := dbtest.Open(t)
	dbtest.Device(t, db, "SN001")
	reg := NewRegistry(db)
	ctx := context.Background()

	dev, err := reg.FindBySerial(ctx, " SN001 ")
	require.NoError(t, err)
	assert.Equal(t, "SN001", dev.Serial)

	_, err = reg.FindBySerial(ctx, "SN404")
	assert.ErrorIs(t, err, ErrUnknownDevice)
	_, err = reg.FindBySerial(ctx, "")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestConnectivityLifecycle(t *testing.T) {
	db := dbtest.Open(t)
	dev := dbtest.Device(t, db, "SN002")
	reg := NewRegistry(db)
	ctx := context.Background()

	seen := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, reg.MarkConnected(ctx, dev, seen))

	var stored domain.ZkDevice
	require.NoError(t, db.First(&stored, dev.ID).Error)
	assert.Equal(t, domain.DeviceConnected, stored.State)

	n, err := reg.MarkStaleDisconnected(ctx, seen.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = reg.MarkStaleDisconnected(ctx, seen.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, db.First(&stored, dev.ID).Error)
	assert.Equal(t, domain.DeviceDisconnected, stored.State)
}

func TestCursorsFollowStoredRecords(t *testing.T) {
	db := dbtest.Open(t)
	dev := dbtest.Device(t, db, "SN003")
	other := dbtest.Device(t, db, "SN004")
	reg := NewRegistry(db)
	ctx := context.Background()

	stamp, opStamp, err := reg.Cursors(ctx, dev.ID)
	require.NoError(t, err)
	assert.Zero(t, stamp)
	assert.Zero(t, opStamp)

	now := time.Now()
	require.NoError(t, db.Create(&domain.PunchLog{DeviceID: dev.ID, PunchTime: now, Stamp: 120}).Error)
	require.NoError(t, db.Create(&domain.PunchLog{DeviceID: dev.ID, PunchTime: now, Stamp: 95}).Error)
	require.NoError(t, db.Create(&domain.PunchLog{DeviceID: other.ID, PunchTime: now, Stamp: 999}).Error)
	require.NoError(t, db.Create(&domain.StampLog{DeviceID: dev.ID, Table: domain.TableOperLog, Stamp: 42}).Error)
	require.NoError(t, db.Create(&domain.StampLog{DeviceID: dev.ID, Table: domain.TableAttLog, Stamp: 500}).Error)

	stamp, opStamp, err = reg.Cursors(ctx, dev.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(120), stamp)
	assert.Equal(t, int64(42), opStamp)

	has, err := reg.HasPunches(ctx, other.ID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestLocksSerializePerSerial(t *testing.T) {
	locks := NewLocks()
	var mu sync.Mutex
	inside := 0
	maxInside := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("SN")
			defer unlock()
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)

	// a different serial is never blocked by a held lock
	unlock := locks.Lock("A")
	done := make(chan struct{})
	go func() {
		locks.Lock("B")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock for B blocked on A")
	}
	unlock()
}
