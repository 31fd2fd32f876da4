package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	cfile := filepath.Join(dir, "toughattend.yml")
	content := `
system:
  location: Africa/Nairobi
  workdir: ` + dir + `
web:
  port: 9090
database:
  type: sqlite
  name: attend.db
attendance:
  reconcile_cron: "@every 1m"
`
	require.NoError(t, os.WriteFile(cfile, []byte(content), 0o600))

	cfg := LoadConfig(cfile)
	assert.Equal(t, "Africa/Nairobi", cfg.System.Location)
	assert.Equal(t, 9090, cfg.Web.Port)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "@every 1m", cfg.Attendance.ReconcileCron)
	// untouched sections keep their defaults
	assert.Equal(t, 300, cfg.Attendance.OfflineAfterSec)
	assert.DirExists(t, cfg.GetLogDir())
}

func TestLoadConfigEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TOUGHATTEND_SYSTEM_WORKER_DIR", dir)
	t.Setenv("TOUGHATTEND_WEB_PORT", "18081")
	t.Setenv("TOUGHATTEND_DB_DEBUG", "true")
	t.Setenv("TOUGHATTEND_WEB_HOST", "")

	cfg := LoadConfig(filepath.Join(dir, "missing.yml"))
	assert.Equal(t, dir, cfg.System.Workdir)
	assert.Equal(t, 18081, cfg.Web.Port)
	assert.True(t, cfg.Database.Debug)
	assert.Equal(t, DefaultAppConfig.Web.Host, cfg.Web.Host)
}
