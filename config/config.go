package config

import (
	"os"
	"path"
	"strings"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// DBConfig Database config
type DBConfig struct {
	Type     string `yaml:"type"` // postgres or sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
}

// SysConfig System config
type SysConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Debug    bool   `yaml:"debug"`
}

// WebConfig WEB config
type WebConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Secret string `yaml:"secret"`
}

// LogConfig logger config
type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

// AttendanceConfig holds the process level defaults for attendance processing.
// Runtime toggles (multi shift, minimal attendance) live in sys_config and
// override these values once the database has been seeded.
type AttendanceConfig struct {
	ReconcileCron   string `yaml:"reconcile_cron"`
	OfflineAfterSec int    `yaml:"offline_after_sec"`
	StampLogDays    int    `yaml:"stamp_log_days"`
	CommandLogDays  int    `yaml:"command_log_days"`
	DirectTimeout   int    `yaml:"direct_timeout"`
}

type AppConfig struct {
	System     SysConfig        `yaml:"system"`
	Web        WebConfig        `yaml:"web"`
	Database   DBConfig         `yaml:"database"`
	Logger     LogConfig        `yaml:"logger"`
	Attendance AttendanceConfig `yaml:"attendance"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

func (c *AppConfig) initDirs() {
	_ = os.MkdirAll(c.GetLogDir(), 0o700)
	_ = os.MkdirAll(c.GetDataDir(), 0o700)
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "ToughAttend",
		Location: "Asia/Shanghai",
		Workdir:  "/var/toughattend",
		Debug:    true,
	},
	Web: WebConfig{
		Host:   "0.0.0.0",
		Port:   8081,
		Secret: "9b6de5cc-0731-4bf1-a7f3-toughattend",
	},
	Database: DBConfig{
		Type:     "postgres",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "toughattend",
		User:     "postgres",
		Passwd:   "myroot",
		MaxConn:  100,
		IdleConn: 10,
		Debug:    false,
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/toughattend/toughattend.log",
	},
	Attendance: AttendanceConfig{
		ReconcileCron:   "@every 5m",
		OfflineAfterSec: 300,
		StampLogDays:    90,
		CommandLogDays:  180,
		DirectTimeout:   10,
	},
}

// LoadConfig reads the yaml config file, falling back to DefaultAppConfig when
// the file is missing, then applies TOUGHATTEND_* environment overrides.
func LoadConfig(cfile string) *AppConfig {
	if cfile == "" {
		cfile = "toughattend.yml"
	}
	if !fileExists(cfile) {
		cfile = "/etc/toughattend.yml"
	}
	cfg := new(AppConfig)
	*cfg = *DefaultAppConfig
	if fileExists(cfile) {
		data, err := os.ReadFile(cfile)
		if err != nil {
			panic(err)
		}
		if err = yaml.Unmarshal(data, cfg); err != nil {
			panic(err)
		}
	}

	setEnvValue("TOUGHATTEND_SYSTEM_WORKER_DIR", &cfg.System.Workdir)
	setEnvValue("TOUGHATTEND_SYSTEM_LOCATION", &cfg.System.Location)
	setEnvBoolValue("TOUGHATTEND_SYSTEM_DEBUG", &cfg.System.Debug)

	setEnvValue("TOUGHATTEND_WEB_HOST", &cfg.Web.Host)
	setEnvValue("TOUGHATTEND_WEB_SECRET", &cfg.Web.Secret)
	setEnvIntValue("TOUGHATTEND_WEB_PORT", &cfg.Web.Port)

	setEnvValue("TOUGHATTEND_DB_TYPE", &cfg.Database.Type)
	setEnvValue("TOUGHATTEND_DB_HOST", &cfg.Database.Host)
	setEnvValue("TOUGHATTEND_DB_NAME", &cfg.Database.Name)
	setEnvValue("TOUGHATTEND_DB_USER", &cfg.Database.User)
	setEnvValue("TOUGHATTEND_DB_PWD", &cfg.Database.Passwd)
	setEnvIntValue("TOUGHATTEND_DB_PORT", &cfg.Database.Port)
	setEnvBoolValue("TOUGHATTEND_DB_DEBUG", &cfg.Database.Debug)

	setEnvValue("TOUGHATTEND_LOGGER_MODE", &cfg.Logger.Mode)
	setEnvBoolValue("TOUGHATTEND_LOGGER_FILE_ENABLE", &cfg.Logger.FileEnable)

	setEnvValue("TOUGHATTEND_RECONCILE_CRON", &cfg.Attendance.ReconcileCron)

	cfg.initDirs()
	return cfg
}

func fileExists(file string) bool {
	info, err := os.Stat(file)
	return err == nil && !info.IsDir()
}

func setEnvValue(name string, val *string) {
	var evalue = os.Getenv(name)
	if evalue != "" {
		*val = evalue
	}
}

func setEnvBoolValue(name string, val *bool) {
	var evalue = os.Getenv(name)
	if evalue != "" {
		*val = cast.ToBool(strings.ToLower(evalue))
	}
}

func setEnvIntValue(name string, val *int) {
	var evalue = os.Getenv(name)
	if evalue == "" {
		return
	}
	if p, err := cast.ToIntE(evalue); err == nil {
		*val = p
	}
}
