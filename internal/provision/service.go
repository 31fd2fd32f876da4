package provision

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/talkincode/toughattend/internal/command"
	"github.com/talkincode/toughattend/internal/domain"
	"github.com/talkincode/toughattend/internal/zkclient"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Op is the provisioning action requested for an employee.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

const defaultMaxWorkers = 8

var (
	ErrUnknownOp         = errors.New("unknown provisioning action")
	ErrDeviceUnreachable = errors.New("unable to establish a connection with the biometric device")
	ErrAlreadyOnDevice   = errors.New("the employee is already registered on the selected device")
	ErrNotOnDevice       = errors.New("the employee record was not found on the biometric device")
	ErrNoDeviceUsers     = errors.New("no user records found on the biometric device")
	ErrInvalidFinger     = errors.New("finger index must be between 0 and 9")
	ErrPushDevice        = errors.New("the operation is only available for direct-link devices")
	ErrNotRegistered     = command.ErrNotRegistered
)

// Dialer builds a direct-link client for a device.
type Dialer interface {
	Dial(dev *domain.ZkDevice) zkclient.DeviceClient
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(dev *domain.ZkDevice) zkclient.DeviceClient

func (f DialerFunc) Dial(dev *domain.ZkDevice) zkclient.DeviceClient {
	return f(dev)
}

// TCPDialer dials devices over the binary TCP protocol.
func TCPDialer(timeout time.Duration) Dialer {
	return DialerFunc(func(dev *domain.ZkDevice) zkclient.DeviceClient {
		return zkclient.NewClient(dev.Ipaddr, dev.Port, dev.Password, timeout)
	})
}

// Result is the outcome of one device in a Sync call.
type Result struct {
	DeviceID  int64  `json:"device_id,string"`
	Serial    string `json:"serial"`
	Mode      string `json:"mode"` // queued or direct
	CommandID int64  `json:"command_id,string,omitempty"`
	Pin       int    `json:"pin,omitempty"`
	Error     string `json:"error,omitempty"`

	err error
}

// Err returns the failure of this device, nil on success.
func (r Result) Err() error {
	return r.err
}

// Service routes employee provisioning to push devices through the command
// queue and to direct-link devices over the TCP client.
type Service struct {
	db       *gorm.DB
	commands *command.Service
	dialer   Dialer
	workers  func() int
}

// NewService creates the provisioning service. workers is read on every
// Sync call and bounds how many devices are handled in parallel.
func NewService(db *gorm.DB, commands *command.Service, dialer Dialer, workers func() int) *Service {
	return &Service{db: db, commands: commands, dialer: dialer, workers: workers}
}

func (s *Service) maxWorkers() int {
	if s.workers == nil {
		return defaultMaxWorkers
	}
	if n := s.workers(); n > 0 {
		return n
	}
	return defaultMaxWorkers
}

// Sync applies op for the employee on every listed device. Devices are
// handled independently; a failure on one never stops the others.
func (s *Service) Sync(ctx context.Context, employeeID int64, deviceIDs []int64, op Op) ([]Result, error) {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOp, op)
	}
	var emp domain.Employee
	if err := s.db.WithContext(ctx).First(&emp, employeeID).Error; err != nil {
		return nil, fmt.Errorf("employee not found: %w", err)
	}

	results := make([]Result, len(deviceIDs))
	pool, err := ants.NewPool(s.maxWorkers())
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i, id := range deviceIDs {
		i, id := i, id
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			results[i] = s.syncDevice(ctx, &emp, id, op)
		})
		if err != nil {
			wg.Done()
			results[i] = failed(Result{DeviceID: id}, err)
		}
	}
	wg.Wait()
	return results, nil
}

func failed(r Result, err error) Result {
	r.err = err
	r.Error = err.Error()
	return r
}

func (s *Service) syncDevice(ctx context.Context, emp *domain.Employee, deviceID int64, op Op) (res Result) {
	res.DeviceID = deviceID
	defer func() {
		if r := recover(); r != nil {
			res = failed(res, fmt.Errorf("provisioning panic: %v", r))
		}
		if res.err != nil {
			zap.L().Warn("device provisioning failed",
				zap.String("namespace", "provision"),
				zap.Int64("employee_id", emp.ID),
				zap.Int64("device_id", deviceID),
				zap.String("op", string(op)),
				zap.Error(res.err))
		}
	}()

	var dev domain.ZkDevice
	if err := s.db.WithContext(ctx).First(&dev, deviceID).Error; err != nil {
		return failed(res, fmt.Errorf("device not found: %w", err))
	}
	res.Serial = dev.Serial

	if dev.PushMode {
		res.Mode = "queued"
		cmd, err := s.commands.Create(ctx, command.CreateRequest{
			EmployeeID: emp.ID,
			DeviceID:   dev.ID,
			Kind:       commandKind(op),
		})
		if err != nil {
			return failed(res, err)
		}
		res.CommandID = cmd.ID
		res.Pin = cmd.Pin
		return res
	}

	res.Mode = "direct"
	var (
		pin int
		err error
	)
	switch op {
	case OpCreate:
		pin, err = s.directCreate(ctx, emp, &dev)
	case OpUpdate:
		pin, err = s.directUpdate(ctx, emp, &dev)
	case OpDelete:
		pin, err = s.directDelete(ctx, emp, &dev)
	}
	if err != nil {
		return failed(res, err)
	}
	res.Pin = pin
	return res
}

func commandKind(op Op) string {
	switch op {
	case OpUpdate:
		return domain.CommandUpdate
	case OpDelete:
		return domain.CommandDelete
	}
	return domain.CommandCreate
}

func (s *Service) binding(ctx context.Context, employeeID, deviceID int64) (*domain.DeviceUser, error) {
	var b domain.DeviceUser
	if err := s.db.WithContext(ctx).
		Where("employee_id = ? AND device_id = ?", employeeID, deviceID).
		Limit(1).Find(&b).Error; err != nil {
		return nil, err
	}
	if b.ID == 0 {
		return nil, nil
	}
	return &b, nil
}

// open connects to the device and returns the client with its user table.
func (s *Service) open(ctx context.Context, dev *domain.ZkDevice) (zkclient.DeviceClient, []zkclient.User, error) {
	client := s.dialer.Dial(dev)
	if err := client.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnreachable, dev.Name, err)
	}
	users, err := client.GetUsers(ctx)
	if err != nil {
		_ = client.Disconnect()
		return nil, nil, fmt.Errorf("read users from %s: %w", dev.Name, err)
	}
	return client, users, nil
}

func findUser(users []zkclient.User, userID string) (zkclient.User, bool) {
	for _, u := range users {
		if u.UserID == userID {
			return u, true
		}
	}
	return zkclient.User{}, false
}

// nextIDs returns one above the highest slot and the highest numeric user id
// present on the device.
func nextIDs(users []zkclient.User) (uid int, userID int) {
	for _, u := range users {
		if u.UID > uid {
			uid = u.UID
		}
		if n, err := strconv.Atoi(u.UserID); err == nil && n > userID {
			userID = n
		}
	}
	return uid + 1, userID + 1
}

// directCreate registers the employee on a direct-link device. A binding
// whose user is missing from the device is written back under its own pin;
// otherwise the next free slot and user id are allocated.
func (s *Service) directCreate(ctx context.Context, emp *domain.Employee, dev *domain.ZkDevice) (int, error) {
	b, err := s.binding(ctx, emp.ID, dev.ID)
	if err != nil {
		return 0, err
	}
	client, users, err := s.open(ctx, dev)
	if err != nil {
		return 0, err
	}
	defer client.Disconnect()

	if b != nil {
		pinText := strconv.Itoa(b.DeviceUserID)
		if _, ok := findUser(users, pinText); ok {
			return 0, ErrAlreadyOnDevice
		}
		err := client.SetUser(ctx, zkclient.User{UID: b.DeviceUserID, UserID: pinText, Name: emp.Name})
		return b.DeviceUserID, err
	}

	if err := client.DisableDevice(ctx); err != nil {
		return 0, err
	}
	uid, userID := nextIDs(users)
	err = client.SetUser(ctx, zkclient.User{UID: uid, UserID: strconv.Itoa(userID), Name: emp.Name})
	if enableErr := client.EnableDevice(ctx); enableErr != nil && err == nil {
		err = enableErr
	}
	if err != nil {
		return 0, err
	}

	binding := &domain.DeviceUser{
		EmployeeID:   emp.ID,
		DeviceID:     dev.ID,
		DeviceUserID: userID,
		Username:     emp.Name,
	}
	if err := s.db.WithContext(ctx).Create(binding).Error; err != nil {
		return 0, fmt.Errorf("store binding: %w", err)
	}
	zap.L().Info("employee registered on device",
		zap.String("namespace", "provision"),
		zap.Int64("employee_id", emp.ID),
		zap.String("serial", dev.Serial),
		zap.Int("uid", uid),
		zap.Int("pin", userID))
	return userID, nil
}

func (s *Service) directUpdate(ctx context.Context, emp *domain.Employee, dev *domain.ZkDevice) (int, error) {
	b, err := s.binding(ctx, emp.ID, dev.ID)
	if err != nil {
		return 0, err
	}
	if b == nil {
		return 0, ErrNotRegistered
	}
	client, users, err := s.open(ctx, dev)
	if err != nil {
		return 0, err
	}
	defer client.Disconnect()

	u, ok := findUser(users, strconv.Itoa(b.DeviceUserID))
	if !ok {
		return 0, ErrNotOnDevice
	}
	u.Name = emp.Name
	if err := client.SetUser(ctx, u); err != nil {
		return 0, err
	}
	err = s.db.WithContext(ctx).Model(&domain.DeviceUser{}).Where("id = ?", b.ID).Update("username", emp.Name).Error
	return b.DeviceUserID, err
}

func (s *Service) directDelete(ctx context.Context, emp *domain.Employee, dev *domain.ZkDevice) (int, error) {
	b, err := s.binding(ctx, emp.ID, dev.ID)
	if err != nil {
		return 0, err
	}
	if b == nil {
		return 0, ErrNotRegistered
	}
	client, users, err := s.open(ctx, dev)
	if err != nil {
		return 0, err
	}
	defer client.Disconnect()

	if len(users) == 0 {
		return 0, ErrNoDeviceUsers
	}
	u, ok := findUser(users, strconv.Itoa(b.DeviceUserID))
	if !ok {
		return 0, ErrNotOnDevice
	}
	if err := client.DeleteUser(ctx, u.UID); err != nil {
		return 0, err
	}
	err = s.db.WithContext(ctx).Where("id = ?", b.ID).Delete(&domain.DeviceUser{}).Error
	return b.DeviceUserID, err
}

// Enroll starts fingerprint capture for the employee on a direct-link
// device. The employee finishes it by placing the finger on the terminal.
func (s *Service) Enroll(ctx context.Context, employeeID, deviceID int64, finger int) error {
	if finger < 0 || finger > 9 {
		return ErrInvalidFinger
	}
	var dev domain.ZkDevice
	if err := s.db.WithContext(ctx).First(&dev, deviceID).Error; err != nil {
		return fmt.Errorf("device not found: %w", err)
	}
	if dev.PushMode {
		return ErrPushDevice
	}
	b, err := s.binding(ctx, employeeID, deviceID)
	if err != nil {
		return err
	}
	if b == nil {
		return ErrNotRegistered
	}
	client, users, err := s.open(ctx, &dev)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	if len(users) == 0 {
		return ErrNoDeviceUsers
	}
	pin := strconv.Itoa(b.DeviceUserID)
	if _, ok := findUser(users, pin); !ok {
		return ErrNotOnDevice
	}
	return client.EnrollUser(ctx, pin, finger)
}

// DeviceUsers reads the live user table of a direct-link device.
func (s *Service) DeviceUsers(ctx context.Context, deviceID int64) ([]zkclient.User, error) {
	var dev domain.ZkDevice
	if err := s.db.WithContext(ctx).First(&dev, deviceID).Error; err != nil {
		return nil, fmt.Errorf("device not found: %w", err)
	}
	if dev.PushMode {
		return nil, ErrPushDevice
	}
	client, users, err := s.open(ctx, &dev)
	if err != nil {
		return nil, err
	}
	_ = client.Disconnect()
	return users, nil
}
