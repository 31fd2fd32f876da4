package app

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/talkincode/toughattend/internal/attendance"
	"github.com/talkincode/toughattend/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed config_schemas.json
var configSchemasData []byte

// ConfigSchema describes one runtime setting stored in sys_config
type ConfigSchema struct {
	Key         string `json:"key"` // category.name
	Type        string `json:"type"`
	Default     string `json:"default"`
	Description string `json:"description"`
}

type ConfigSchemasJSON struct {
	Schemas []ConfigSchema `json:"schemas"`
}

func loadSchemas() ([]ConfigSchema, error) {
	var data ConfigSchemasJSON
	if err := json.Unmarshal(configSchemasData, &data); err != nil {
		return nil, err
	}
	return data.Schemas, nil
}

// ConfigManager caches sys_config rows in memory. Reads never touch the
// database; writes go through to it.
type ConfigManager struct {
	db       *gorm.DB
	loc      *time.Location
	mu       sync.RWMutex
	values   map[string]string
	defaults map[string]string
}

func NewConfigManager(db *gorm.DB, loc *time.Location) *ConfigManager {
	cm := &ConfigManager{
		db:       db,
		loc:      loc,
		values:   map[string]string{},
		defaults: map[string]string{},
	}
	if schemas, err := loadSchemas(); err == nil {
		for _, s := range schemas {
			cm.defaults[s.Key] = s.Default
		}
	}
	cm.Reload()
	return cm
}

func configKey(category, name string) string {
	return category + "." + name
}

// Reload refreshes the cache from sys_config.
func (cm *ConfigManager) Reload() {
	var rows []domain.SysConfig
	if err := cm.db.Find(&rows).Error; err != nil {
		zap.L().Error("load sys_config failed", zap.String("namespace", "config"), zap.Error(err))
		return
	}
	values := make(map[string]string, len(rows))
	for _, r := range rows {
		values[configKey(r.Type, r.Name)] = r.Value
	}
	cm.mu.Lock()
	cm.values = values
	cm.mu.Unlock()
}

// Get returns the stored value, then the schema default, then "".
func (cm *ConfigManager) Get(category, name string) string {
	key := configKey(category, name)
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if v, ok := cm.values[key]; ok {
		return v
	}
	return cm.defaults[key]
}

func (cm *ConfigManager) GetString(category, name string) string {
	return cm.Get(category, name)
}

func (cm *ConfigManager) GetInt(category, name string) int {
	return cast.ToInt(strings.TrimSpace(cm.Get(category, name)))
}

func (cm *ConfigManager) GetInt64(category, name string) int64 {
	return cast.ToInt64(strings.TrimSpace(cm.Get(category, name)))
}

func (cm *ConfigManager) GetBool(category, name string) bool {
	return cast.ToBool(strings.ToLower(strings.TrimSpace(cm.Get(category, name))))
}

// Category returns every known setting of category, stored or default.
func (cm *ConfigManager) Category(category string) map[string]interface{} {
	prefix := category + "."
	out := map[string]interface{}{}
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for k, v := range cm.defaults {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	for k, v := range cm.values {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return out
}

// Set stores one setting and updates the cache.
func (cm *ConfigManager) Set(category, name, value string) error {
	res := cm.db.Model(&domain.SysConfig{}).
		Where("type = ? AND name = ?", category, name).
		Updates(map[string]interface{}{"value": value, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if err := cm.db.Create(&domain.SysConfig{Type: category, Name: name, Value: value}).Error; err != nil {
			return err
		}
	}
	cm.mu.Lock()
	cm.values[configKey(category, name)] = value
	cm.mu.Unlock()
	return nil
}

// SaveCategory stores every entry of settings under category. Values are
// stored in their string form.
func (cm *ConfigManager) SaveCategory(category string, settings map[string]interface{}) error {
	for name, v := range settings {
		if err := cm.Set(category, name, cast.ToString(v)); err != nil {
			return fmt.Errorf("save %s.%s: %w", category, name, err)
		}
	}
	return nil
}

// AttendancePolicy decodes the attendance settings into a policy snapshot.
func (cm *ConfigManager) AttendancePolicy(context.Context) attendance.Policy {
	p, err := attendance.DecodePolicy(cm.Category("attendance"), cm.loc)
	if err != nil {
		zap.L().Error("decode attendance policy failed", zap.String("namespace", "config"), zap.Error(err))
		return attendance.Policy{Location: cm.loc}
	}
	return p
}
