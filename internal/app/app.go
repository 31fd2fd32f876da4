package app

import (
	"context"
	"fmt"
	"os"
	"path"
	"runtime/debug"
	"time"
	_ "time/tzdata"

	"github.com/glebarez/sqlite"
	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
	"github.com/talkincode/toughattend/config"
	"github.com/talkincode/toughattend/internal/attendance"
	"github.com/talkincode/toughattend/internal/command"
	"github.com/talkincode/toughattend/internal/device"
	"github.com/talkincode/toughattend/internal/domain"
	"github.com/talkincode/toughattend/internal/events"
	"github.com/talkincode/toughattend/internal/iclock"
	"github.com/talkincode/toughattend/internal/provision"
	"github.com/talkincode/toughattend/internal/punch"
	"github.com/talkincode/toughattend/pkg/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Application struct {
	appConfig     *config.AppConfig
	gormDB        *gorm.DB
	location      *time.Location
	sched         *cron.Cron
	configManager *ConfigManager
	bus           *events.Bus
	taskPool      *ants.Pool

	registry  *device.Registry
	punches   *punch.Store
	commands  *command.Service
	engine    *attendance.Engine
	intervals *attendance.Intervals
	iclock    *iclock.Service
	provision *provision.Service
}

// Ensure Application implements all interfaces
var (
	_ DBProvider            = (*Application)(nil)
	_ ConfigProvider        = (*Application)(nil)
	_ SettingsProvider      = (*Application)(nil)
	_ SchedulerProvider     = (*Application)(nil)
	_ ConfigManagerProvider = (*Application)(nil)
	_ ServiceProvider       = (*Application)(nil)
	_ AppContext            = (*Application)(nil)
)

func NewApplication(appConfig *config.AppConfig) *Application {
	a := &Application{appConfig: appConfig, location: time.Local}
	if appConfig.System.Location != "" {
		if loc, err := time.LoadLocation(appConfig.System.Location); err == nil {
			a.location = loc
		}
	}
	return a
}

func (a *Application) Config() *config.AppConfig {
	return a.appConfig
}

func (a *Application) DB() *gorm.DB {
	return a.gormDB
}

// Location is the business timezone used for rounding and day boundaries.
func (a *Application) Location() *time.Location {
	return a.location
}

func (a *Application) Init(cfg *config.AppConfig) {
	loc, err := time.LoadLocation(cfg.System.Location)
	if err != nil {
		zap.S().Error("timezone config error")
	} else {
		time.Local = loc
		a.location = loc
	}

	initLogger(cfg)

	// Initialize metrics with workdir convention
	err = metrics.InitMetrics(cfg.System.Workdir)
	if err != nil {
		zap.S().Warn("Failed to initialize metrics:", err)
	}

	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	db, err := getDatabase(cfg.Database, cfg.System.Workdir)
	if err != nil {
		zap.S().Fatalf("database connection failed: %v", err)
	}
	zap.S().Infof("Database connection successful, type: %s", cfg.Database.Type)

	a.OverrideDB(db)
	a.initJob()
}

func initLogger(cfg *config.AppConfig) {
	var zapConfig zap.Config
	if cfg.Logger.Mode == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.OutputPaths = []string{"stdout"}

	var log *zap.Logger
	if cfg.Logger.FileEnable {
		lumberJackLogger := &lumberjack.Logger{
			Filename:   cfg.Logger.Filename,
			MaxSize:    64,
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   false,
		}
		core := zapcore.NewTee(
			zapcore.NewCore(
				zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
				zapcore.AddSync(lumberJackLogger),
				zapConfig.Level,
			),
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zapConfig.Level,
			),
		)
		log = zap.New(core, zap.AddCaller())
	} else {
		var err error
		log, err = zapConfig.Build(zap.AddCaller())
		if err != nil {
			panic(err)
		}
	}
	zap.ReplaceGlobals(log)
}

func getDatabase(cfg config.DBConfig, workdir string) (*gorm.DB, error) {
	gcfg := &gorm.Config{TranslateError: true}
	if cfg.Debug {
		gcfg.Logger = logger.Default.LogMode(logger.Info)
	} else {
		gcfg.Logger = logger.Default.LogMode(logger.Silent)
	}

	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		name := cfg.Name
		if !path.IsAbs(name) {
			name = path.Join(workdir, "data", name)
		}
		dialector = sqlite.Open(name + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
			cfg.Host, cfg.Port, cfg.User, cfg.Passwd, cfg.Name)
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Type == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxConn)
		sqlDB.SetMaxIdleConns(cfg.IdleConn)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// OverrideDB migrates and seeds db, then wires every service on top of it.
func (a *Application) OverrideDB(db *gorm.DB) {
	a.gormDB = db
	if err := a.MigrateDB(false); err != nil {
		zap.S().Errorf("database migration failed: %v", err)
	}
	a.checkSuper()
	a.checkSettings()
	a.checkSchedulers()

	a.configManager = NewConfigManager(db, a.location)
	a.bus = events.NewBus()
	a.subscribeMetrics()

	pool, err := ants.NewPool(4)
	if err != nil {
		panic(err)
	}
	a.taskPool = pool

	directory := attendance.NewDirectory(db)
	a.registry = device.NewRegistry(db)
	a.punches = punch.NewStore(db)
	a.commands = command.NewService(db, command.NewGormEmployees(db), a.bus)
	a.engine = attendance.NewEngine(db, a.punches, directory, a.bus)
	a.intervals = attendance.NewIntervals(db, a.punches, a.location)
	a.iclock = iclock.NewService(db, a.registry, a.punches, a.commands, a.configManager, a.bus)

	timeout := time.Duration(a.appConfig.Attendance.DirectTimeout) * time.Second
	a.provision = provision.NewService(db, a.commands, provision.TCPDialer(timeout), func() int {
		return a.configManager.GetInt("provision", "MaxWorkers")
	})
}

func (a *Application) subscribeMetrics() {
	subs := map[string]interface{}{
		events.TopicPunchStored: func(serial string, count int) {
			metrics.Incr("attend_punch_stored", int64(count))
		},
		events.TopicCommandClaimed: func(deviceID, commandID int64) {
			metrics.Incr("attend_command_claimed", 1)
		},
		events.TopicCommandAcked: func(deviceID, commandID int64, status string) {
			metrics.Incr("attend_command_acked", 1)
		},
		events.TopicReconcileDone: func(processed, failed int) {
			metrics.Incr("attend_reconcile_processed", int64(processed))
		},
	}
	for topic, fn := range subs {
		if err := a.bus.Subscribe(topic, fn); err != nil {
			zap.S().Errorf("subscribe %s: %v", topic, err)
		}
	}
}

func (a *Application) MigrateDB(track bool) (err error) {
	defer func() {
		if err1 := recover(); err1 != nil {
			if os.Getenv("GO_DEGUB_TRACE") != "" {
				debug.PrintStack()
			}
			err2, ok := err1.(error)
			if ok {
				err = err2
				zap.S().Error(err2.Error())
			}
		}
	}()
	db := a.gormDB
	if track {
		db = db.Debug()
	}
	return db.Migrator().AutoMigrate(domain.Tables...)
}

func (a *Application) DropAll() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
}

func (a *Application) InitDb() {
	_ = a.gormDB.Migrator().DropTable(domain.Tables...)
	err := a.gormDB.Migrator().AutoMigrate(domain.Tables...)
	if err != nil {
		zap.S().Error(err)
	}
}

// ConfigMgr returns the configuration manager
func (a *Application) ConfigMgr() *ConfigManager {
	return a.configManager
}

// Scheduler returns the cron scheduler
func (a *Application) Scheduler() *cron.Cron {
	return a.sched
}

func (a *Application) GetSettingsStringValue(category, key string) string {
	return a.configManager.GetString(category, key)
}

func (a *Application) GetSettingsInt64Value(category, key string) int64 {
	return a.configManager.GetInt64(category, key)
}

func (a *Application) GetSettingsBoolValue(category, key string) bool {
	return a.configManager.GetBool(category, key)
}

// SaveSettings stores settings given as {"category": {"name": value}}.
func (a *Application) SaveSettings(settings map[string]interface{}) error {
	for category, v := range settings {
		values, ok := v.(map[string]interface{})
		if !ok {
			return fmt.Errorf("settings category %s must be an object", category)
		}
		if err := a.configManager.SaveCategory(category, values); err != nil {
			return err
		}
	}
	return nil
}

// AttendancePolicy is the current attendance policy snapshot.
func (a *Application) AttendancePolicy(ctx context.Context) attendance.Policy {
	return a.configManager.AttendancePolicy(ctx)
}

func (a *Application) Registry() *device.Registry           { return a.registry }
func (a *Application) Punches() *punch.Store                { return a.punches }
func (a *Application) Commands() *command.Service           { return a.commands }
func (a *Application) Intervals() *attendance.Intervals     { return a.intervals }
func (a *Application) IClock() *iclock.Service              { return a.iclock }
func (a *Application) Provisioner() *provision.Service      { return a.provision }
func (a *Application) Bus() *events.Bus                     { return a.bus }

// RunReconcile runs one reconciliation pass with the current policy.
func (a *Application) RunReconcile(ctx context.Context) (attendance.Report, error) {
	return a.engine.Run(ctx, a.AttendancePolicy(ctx), time.Now())
}

// StartBackgroundJobs starts the database scheduler loop
func (a *Application) StartBackgroundJobs(ctx context.Context) {
	a.StartSchedulerService(ctx)
}

// Release releases application resources
func (a *Application) Release() {
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.taskPool != nil {
		a.taskPool.Release()
	}
	_ = metrics.Close()
	_ = zap.L().Sync()
}
