package provision

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/toughattend/internal/command"
	"github.com/talkincode/toughattend/internal/dbtest"
	"github.com/talkincode/toughattend/internal/domain"
	"github.com/talkincode/toughattend/internal/zkclient"
	"gorm.io/gorm"
)

// fakeDevice is an in-memory terminal behind the DeviceClient interface.
type fakeDevice struct {
	mu          sync.Mutex
	users       []zkclient.User
	connected   bool
	unreachable bool
	enrolled    []string
}

func (f *fakeDevice) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable {
		return zkclient.ErrConnection
	}
	f.connected = true
	return nil
}

func (f *fakeDevice) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeDevice) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeDevice) GetUsers(context.Context) ([]zkclient.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, zkclient.ErrNotConnected
	}
	return append([]zkclient.User(nil), f.users...), nil
}

func (f *fakeDevice) SetUser(_ context.Context, u zkclient.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.users {
		if f.users[i].UID == u.UID {
			f.users[i] = u
			return nil
		}
	}
	f.users = append(f.users, u)
	return nil
}

func (f *fakeDevice) DeleteUser(_ context.Context, uid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.users[:0]
	for _, u := range f.users {
		if u.UID != uid {
			kept = append(kept, u)
		}
	}
	f.users = kept
	return nil
}

func (f *fakeDevice) EnrollUser(_ context.Context, userID string, finger int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enrolled = append(f.enrolled, userID+"/"+string(rune('0'+finger)))
	return nil
}

func (f *fakeDevice) EnableDevice(context.Context) error  { return nil }
func (f *fakeDevice) DisableDevice(context.Context) error { return nil }

type fixture struct {
	db      *gorm.DB
	svc     *Service
	devices map[string]*fakeDevice
}

func newFixture(t *testing.T) *fixture {
	db := dbtest.Open(t)
	f := &fixture{db: db, devices: map[string]*fakeDevice{}}
	commands := command.NewService(db, command.NewGormEmployees(db), nil)
	dialer := DialerFunc(func(dev *domain.ZkDevice) zkclient.DeviceClient {
		return f.devices[dev.Serial]
	})
	f.svc = NewService(db, commands, dialer, func() int { return 2 })
	return f
}

func (f *fixture) direct(t *testing.T, serial string, users ...zkclient.User) *domain.ZkDevice {
	dev := dbtest.Device(t, f.db, serial)
	require.NoError(t, f.db.Model(&domain.ZkDevice{}).Where("id = ?", dev.ID).Update("push_mode", false).Error)
	dev.PushMode = false
	f.devices[serial] = &fakeDevice{users: users}
	return dev
}

func TestSyncQueuesCommandsForPushDevices(t *testing.T) {
	f := newFixture(t)
	a := dbtest.Device(t, f.db, "PUSH1")
	b := dbtest.Device(t, f.db, "PUSH2")
	emp := dbtest.Employee(t, f.db, "Jane", nil, 0)

	results, err := f.svc.Sync(context.Background(), emp.ID, []int64{a.ID, b.ID}, OpCreate)
	require.NoError(t, err)
	require.Len(t, results, 2)
	pins := []int{}
	for _, r := range results {
		require.NoError(t, r.Err())
		assert.Equal(t, "queued", r.Mode)
		assert.NotZero(t, r.CommandID)
		pins = append(pins, r.Pin)
	}
	assert.ElementsMatch(t, []int{1, 2}, pins)
	assert.Equal(t, "PUSH1", results[0].Serial)

	var pending int64
	require.NoError(t, f.db.Model(&domain.DeviceCommand{}).Where("status = ?", domain.CommandPending).Count(&pending).Error)
	assert.Equal(t, int64(2), pending)
}

func TestDirectCreateAllocatesNextIDs(t *testing.T) {
	f := newFixture(t)
	dev := f.direct(t, "TCP1",
		zkclient.User{UID: 1, UserID: "1", Name: "Alice"},
		zkclient.User{UID: 7, UserID: "12", Name: "Bob"},
		zkclient.User{UID: 3, UserID: "guest", Name: "Guest"},
	)
	emp := dbtest.Employee(t, f.db, "Jane", nil, 0)
	ctx := context.Background()

	results, err := f.svc.Sync(ctx, emp.ID, []int64{dev.ID}, OpCreate)
	require.NoError(t, err)
	require.NoError(t, results[0].Err())
	assert.Equal(t, "direct", results[0].Mode)
	assert.Equal(t, 13, results[0].Pin)

	term := f.devices["TCP1"]
	require.Len(t, term.users, 4)
	assert.Equal(t, zkclient.User{UID: 8, UserID: "13", Name: "Jane"}, term.users[3])
	assert.False(t, term.IsConnected())

	var binding domain.DeviceUser
	require.NoError(t, f.db.Where("employee_id = ? AND device_id = ?", emp.ID, dev.ID).First(&binding).Error)
	assert.Equal(t, 13, binding.DeviceUserID)

	results, err = f.svc.Sync(ctx, emp.ID, []int64{dev.ID}, OpCreate)
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err(), ErrAlreadyOnDevice)
	assert.Equal(t, ErrAlreadyOnDevice.Error(), results[0].Error)
}

func TestDirectCreateRestoresMissingUser(t *testing.T) {
	f := newFixture(t)
	dev := f.direct(t, "TCP1")
	emp := dbtest.Employee(t, f.db, "Jane", dev, 5)

	results, err := f.svc.Sync(context.Background(), emp.ID, []int64{dev.ID}, OpCreate)
	require.NoError(t, err)
	require.NoError(t, results[0].Err())
	assert.Equal(t, []zkclient.User{{UID: 5, UserID: "5", Name: "Jane"}}, f.devices["TCP1"].users)
}

func TestDirectUpdateAndDelete(t *testing.T) {
	f := newFixture(t)
	dev := f.direct(t, "TCP1", zkclient.User{UID: 2, UserID: "9", Name: "Old Name", Card: 77})
	emp := dbtest.Employee(t, f.db, "New Name", nil, 0)
	ctx := context.Background()

	results, err := f.svc.Sync(ctx, emp.ID, []int64{dev.ID}, OpUpdate)
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err(), ErrNotRegistered)

	require.NoError(t, f.db.Create(&domain.DeviceUser{EmployeeID: emp.ID, DeviceID: dev.ID, DeviceUserID: 9}).Error)

	results, err = f.svc.Sync(ctx, emp.ID, []int64{dev.ID}, OpUpdate)
	require.NoError(t, err)
	require.NoError(t, results[0].Err())
	term := f.devices["TCP1"]
	assert.Equal(t, zkclient.User{UID: 2, UserID: "9", Name: "New Name", Card: 77}, term.users[0])

	results, err = f.svc.Sync(ctx, emp.ID, []int64{dev.ID}, OpDelete)
	require.NoError(t, err)
	require.NoError(t, results[0].Err())
	assert.Empty(t, term.users)

	var count int64
	require.NoError(t, f.db.Model(&domain.DeviceUser{}).Where("employee_id = ?", emp.ID).Count(&count).Error)
	assert.Zero(t, count)
}

func TestSyncIsolatesDeviceFailures(t *testing.T) {
	f := newFixture(t)
	push := dbtest.Device(t, f.db, "PUSH1")
	down := f.direct(t, "TCP1")
	f.devices["TCP1"].unreachable = true
	emp := dbtest.Employee(t, f.db, "Jane", nil, 0)

	results, err := f.svc.Sync(context.Background(), emp.ID, []int64{push.ID, down.ID, 424242}, OpCreate)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err())
	assert.True(t, errors.Is(results[1].Err(), ErrDeviceUnreachable))
	assert.Error(t, results[2].Err())
	assert.Equal(t, int64(424242), results[2].DeviceID)

	_, err = f.svc.Sync(context.Background(), emp.ID, []int64{push.ID}, Op("rename"))
	assert.ErrorIs(t, err, ErrUnknownOp)
	_, err = f.svc.Sync(context.Background(), 999, []int64{push.ID}, OpCreate)
	assert.Error(t, err)
}

func TestEnroll(t *testing.T) {
	f := newFixture(t)
	push := dbtest.Device(t, f.db, "PUSH1")
	dev := f.direct(t, "TCP1", zkclient.User{UID: 1, UserID: "4", Name: "Jane"})
	emp := dbtest.Employee(t, f.db, "Jane", dev, 4)
	other := dbtest.Employee(t, f.db, "Bob", nil, 0)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.Enroll(ctx, emp.ID, dev.ID, 10), ErrInvalidFinger)
	assert.ErrorIs(t, f.svc.Enroll(ctx, emp.ID, push.ID, 1), ErrPushDevice)
	assert.ErrorIs(t, f.svc.Enroll(ctx, other.ID, dev.ID, 1), ErrNotRegistered)

	require.NoError(t, f.svc.Enroll(ctx, emp.ID, dev.ID, 6))
	assert.Equal(t, []string{"4/6"}, f.devices["TCP1"].enrolled)

	users, err := f.svc.DeviceUsers(ctx, dev.ID)
	require.NoError(t, err)
	assert.Len(t, users, 1)
	_, err = f.svc.DeviceUsers(ctx, push.ID)
	assert.ErrorIs(t, err, ErrPushDevice)
}
