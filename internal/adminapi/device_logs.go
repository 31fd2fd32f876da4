package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/talkincode/toughattend/internal/domain"
	"github.com/talkincode/toughattend/internal/webserver"
)

func registerDeviceLogRoutes() {
	webserver.ApiGET("/device-logs", listDeviceLogs)
	webserver.ApiGET("/device-logs/uploads", listStampLogs)
}

func listDeviceLogs(c echo.Context) error {
	page, pageSize := parsePagination(c)
	db := GetDB(c).Model(&domain.DeviceEventLog{})
	if id := parseIDQuery(c, "device_id"); id > 0 {
		db = db.Where("device_id = ?", id)
	}
	if v := c.QueryParam("op_type"); v != "" {
		db = db.Where("op_type = ?", cast.ToInt(v))
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query device logs", err.Error())
	}
	var rows []domain.DeviceEventLog
	if err := db.Order("op_time DESC, id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&rows).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query device logs", err.Error())
	}
	return paged(c, rows, total, page, pageSize)
}

// listStampLogs lists raw upload audit records, newest first.
func listStampLogs(c echo.Context) error {
	page, pageSize := parsePagination(c)
	db := GetDB(c).Model(&domain.StampLog{})
	if id := parseIDQuery(c, "device_id"); id > 0 {
		db = db.Where("device_id = ?", id)
	}
	if table := c.QueryParam("table"); table != "" {
		db = db.Where("table_name = ?", table)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query upload logs", err.Error())
	}
	var rows []domain.StampLog
	if err := db.Order("created_at DESC, id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&rows).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query upload logs", err.Error())
	}
	return paged(c, rows, total, page, pageSize)
}
