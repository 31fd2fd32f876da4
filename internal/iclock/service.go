package iclock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/talkincode/toughattend/internal/attendance"
	"github.com/talkincode/toughattend/internal/command"
	"github.com/talkincode/toughattend/internal/device"
	"github.com/talkincode/toughattend/internal/domain"
	"github.com/talkincode/toughattend/internal/events"
	"github.com/talkincode/toughattend/internal/punch"
	"github.com/talkincode/toughattend/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrUnknownDevice is returned for serials that are not registered.
var ErrUnknownDevice = device.ErrUnknownDevice

// ErrUnknownTable is returned for uploads of a table other than ATTLOG or OPERLOG.
var ErrUnknownTable = errors.New("unsupported upload table")

// UnregisteredMessage is the body of the 405 handshake answer.
const UnregisteredMessage = "No matching device found. Ensure the device is properly registered."

// PolicySource supplies the current attendance policy snapshot.
type PolicySource interface {
	AttendancePolicy(ctx context.Context) attendance.Policy
}

// StaticPolicy is a PolicySource that never changes.
type StaticPolicy attendance.Policy

func (p StaticPolicy) AttendancePolicy(context.Context) attendance.Policy {
	return attendance.Policy(p)
}

// Service implements the device push protocol: handshake, log upload,
// command poll and command acknowledgement.
type Service struct {
	db        *gorm.DB
	registry  *device.Registry
	punches   *punch.Store
	commands  *command.Service
	pairer    *attendance.Pairer
	directory *attendance.Directory
	policy    PolicySource
	bus       events.Publisher
	handlers  []LineHandler
	now       func() time.Time
}

func NewService(db *gorm.DB, registry *device.Registry, punches *punch.Store, commands *command.Service,
	policy PolicySource, bus events.Publisher) *Service {
	s := &Service{
		db:        db,
		registry:  registry,
		punches:   punches,
		commands:  commands,
		pairer:    attendance.NewPairer(punches),
		directory: attendance.NewDirectory(db),
		policy:    policy,
		bus:       bus,
		now:       time.Now,
	}
	s.RegisterHandler(OplogHandler{})
	s.RegisterHandler(NewUserHandler(commands))
	s.RegisterHandler(FingerprintHandler{})
	return s
}

// RegisterHandler adds an OPERLOG record handler. Handlers are tried in
// registration order and the first that accepts a line handles it.
func (s *Service) RegisterHandler(h LineHandler) {
	s.handlers = append(s.handlers, h)
}

func (s *Service) currentPolicy(ctx context.Context) attendance.Policy {
	if s.policy == nil {
		return attendance.Policy{Location: time.Local}
	}
	p := s.policy.AttendancePolicy(ctx)
	if p.Location == nil {
		p.Location = time.Local
	}
	return p
}

// Handshake marks the device connected and renders its option block.
func (s *Service) Handshake(ctx context.Context, serial string) (string, error) {
	dev, err := s.registry.FindBySerial(ctx, serial)
	if err != nil {
		return "", err
	}
	unlock := s.registry.Lock(dev)
	defer unlock()

	now := s.now()
	if err := s.registry.MarkConnected(ctx, dev, now.UTC()); err != nil {
		return "", err
	}
	stamp, opStamp, err := s.registry.Cursors(ctx, dev.ID)
	if err != nil {
		return "", err
	}
	events.Emit(s.bus, events.TopicDeviceRegistered, dev.Serial)

	loc := dev.Location(s.currentPolicy(ctx).Location)
	return RenderOptions(dev, stamp, opStamp, now.In(loc)), nil
}

// RenderOptions renders the handshake block. Firmware parses it by position.
func RenderOptions(dev *domain.ZkDevice, stamp, opStamp int64, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "GET OPTION FROM: %s\n", dev.Serial)
	fmt.Fprintf(&b, "Stamp=%d\n", stamp)
	fmt.Fprintf(&b, "OpStamp=%d\n", opStamp)
	fmt.Fprintf(&b, "ErrorDelay=%d\n", dev.ErrorDelay)
	fmt.Fprintf(&b, "Delay=%d\n", dev.Delay)
	fmt.Fprintf(&b, "TransTimes=00:00;%s\n", now.Format("15:04"))
	fmt.Fprintf(&b, "TransInterval=%d\n", dev.TransInterval)
	b.WriteString("TransFlag=1101111000\n")
	b.WriteString("Realtime=1\n")
	b.WriteString("Encrypt=0\n")
	return b.String()
}

// UploadRequest is a POST /iclock/cdata call.
type UploadRequest struct {
	Serial  string
	Table   string
	Stamp   string
	OpStamp string
	Body    []byte
}

// UploadResult counts what an upload stored.
type UploadResult struct {
	Lines   int
	Stored  int
	Skipped int
}

// Upload stores a log upload. Individual bad lines are logged and skipped;
// only an unknown device, an unknown table or a storage failure of the
// upload itself return an error.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	var res UploadResult
	table := strings.ToUpper(strings.TrimSpace(req.Table))
	if table != domain.TableAttLog && table != domain.TableOperLog {
		return res, fmt.Errorf("%w: %q", ErrUnknownTable, req.Table)
	}

	dev, err := s.registry.FindBySerial(ctx, req.Serial)
	if err != nil {
		return res, err
	}
	unlock := s.registry.Lock(dev)
	defer unlock()

	stampText := req.Stamp
	if stampText == "" {
		stampText = req.OpStamp
	}
	stamp := cast.ToInt64(strings.TrimSpace(stampText))
	text := decodeBody(req.Body)
	lines := splitLines(text)
	res.Lines = len(lines)
	policy := s.currentPolicy(ctx)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&domain.StampLog{
			ID:       common.UUIDint64(),
			DeviceID: dev.ID,
			Table:    table,
			Stamp:    stamp,
			Lines:    len(lines),
			Raw:      text,
		}).Error; err != nil {
			return err
		}
		for _, line := range lines {
			var err error
			if table == domain.TableAttLog {
				err = s.storePunch(ctx, tx, dev, policy, stamp, line)
			} else {
				err = s.dispatch(ctx, tx, dev, policy, stamp, line)
			}
			if err != nil {
				res.Skipped++
				zap.L().Warn("device log line skipped",
					zap.String("namespace", "iclock"),
					zap.String("serial", dev.Serial),
					zap.String("table", table),
					zap.String("line", line),
					zap.Error(err))
				continue
			}
			res.Stored++
		}
		return nil
	})
	if err != nil {
		return UploadResult{Lines: res.Lines}, err
	}

	if table == domain.TableAttLog {
		events.Emit(s.bus, events.TopicPunchStored, dev.Serial, res.Stored)
	} else {
		events.Emit(s.bus, events.TopicDeviceLog, dev.Serial, table, res.Stored)
	}
	zap.L().Info("device log uploaded",
		zap.String("namespace", "iclock"),
		zap.String("serial", dev.Serial),
		zap.String("table", table),
		zap.Int64("stamp", stamp),
		zap.Int("lines", res.Lines),
		zap.Int("stored", res.Stored),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

// storePunch appends one ATTLOG line and pairs it immediately when the
// single shift policy is active. Each line runs in its own savepoint.
func (s *Service) storePunch(ctx context.Context, tx *gorm.DB, dev *domain.ZkDevice, policy attendance.Policy, stamp int64, line string) error {
	rec, err := ParseAttLine(line, dev.Location(policy.Location))
	if err != nil {
		return err
	}
	return tx.Transaction(func(sp *gorm.DB) error {
		employeeID, bindingID, err := s.directory.WithDB(sp).EmployeeByPin(ctx, dev.ID, rec.PIN)
		if err != nil {
			return err
		}
		p := &domain.PunchLog{
			DeviceID:      dev.ID,
			DeviceUserRef: rec.PIN,
			DeviceUserID:  bindingID,
			EmployeeID:    employeeID,
			PunchTime:     rec.Time,
			Status:        rec.Status,
			Verify:        rec.Verify,
			WorkCode:      rec.WorkCode,
			Stamp:         stamp,
		}
		if err := s.punches.WithDB(sp).Append(ctx, p); err != nil {
			return err
		}
		if employeeID == 0 || policy.MultiShift {
			return nil
		}
		// a pairing failure leaves the punch unpaired for the next reconcile run
		if err := sp.Transaction(func(pt *gorm.DB) error {
			_, err := s.pairer.Apply(ctx, pt, p, policy.Location)
			return err
		}); err != nil {
			zap.L().Warn("immediate pairing failed",
				zap.String("namespace", "iclock"),
				zap.Int64("punch_id", p.ID),
				zap.Error(err))
		}
		return nil
	})
}

// dispatch hands an OPERLOG line to the first handler that accepts it.
func (s *Service) dispatch(ctx context.Context, tx *gorm.DB, dev *domain.ZkDevice, policy attendance.Policy, stamp int64, line string) error {
	line = strings.TrimSpace(line)
	for _, h := range s.handlers {
		if !h.CanHandle(line) {
			continue
		}
		return tx.Transaction(func(sp *gorm.DB) error {
			return h.Handle(&LineContext{
				Context:  ctx,
				Tx:       sp,
				Device:   dev,
				Location: dev.Location(policy.Location),
				Stamp:    stamp,
				Line:     line,
			})
		})
	}
	return fmt.Errorf("no handler for record %q", firstWord(line))
}

func firstWord(line string) string {
	if i := strings.IndexAny(line, " \t"); i > 0 {
		return line[:i]
	}
	return line
}

// Poll claims the next pending command of the device. "OK" means nothing to do.
func (s *Service) Poll(ctx context.Context, serial string) string {
	dev, err := s.registry.FindBySerial(ctx, serial)
	if err != nil {
		return "OK"
	}
	cmd, err := s.commands.Claim(ctx, dev.ID)
	if err != nil {
		zap.L().Error("claim device command failed",
			zap.String("namespace", "iclock"),
			zap.String("serial", dev.Serial),
			zap.Error(err))
		return "OK"
	}
	if cmd == nil || cmd.Payload == "" {
		return "OK"
	}
	return cmd.Payload
}

// Acknowledge applies every DATA or CHECK acknowledgement in body. It returns
// how many commands were resolved.
func (s *Service) Acknowledge(ctx context.Context, serial string, body []byte) (int, error) {
	dev, err := s.registry.FindBySerial(ctx, serial)
	if err != nil {
		return 0, err
	}
	var resolved int
	for _, line := range splitLines(decodeBody(body)) {
		ack, ok := command.ParseAck(line)
		if !ok {
			continue
		}
		done, err := s.commands.Acknowledge(ctx, dev.ID, ack)
		if err != nil {
			zap.L().Error("acknowledge device command failed",
				zap.String("namespace", "iclock"),
				zap.String("serial", dev.Serial),
				zap.Int64("command_id", ack.ID),
				zap.Error(err))
			continue
		}
		if done {
			resolved++
		}
	}
	return resolved, nil
}
