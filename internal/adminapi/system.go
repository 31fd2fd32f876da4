package adminapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/toughattend/internal/domain"
	"github.com/talkincode/toughattend/internal/webserver"
	"github.com/talkincode/toughattend/pkg/metrics"
)

// TableInfo is one application table with its row count
type TableInfo struct {
	Name     string `json:"name"`
	RowCount int64  `json:"row_count"`
}

type metricPoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

func registerSystemRoutes() {
	webserver.ApiGET("/system/tables", listTables)
	webserver.ApiGET("/system/metrics/:name", getMetric)
	webserver.ApiGET("/system/oprlogs", listOprLogs)
}

// listTables reports row counts of the application tables only.
func listTables(c echo.Context) error {
	db := GetDB(c)
	tables := make([]TableInfo, 0, len(domain.Tables))
	for _, model := range domain.Tables {
		stmt := db.Model(model).Statement
		if err := stmt.Parse(model); err != nil {
			return fail(c, http.StatusInternalServerError, "SCHEMA_ERROR", "Failed to parse table", err.Error())
		}
		var count int64
		if err := db.Model(model).Count(&count).Error; err != nil {
			return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to count table rows", err.Error())
		}
		tables = append(tables, TableInfo{Name: stmt.Schema.Table, RowCount: count})
	}
	return ok(c, tables)
}

// getMetric returns the series of a metric over the last hours (default 1).
func getMetric(c echo.Context) error {
	name := strings.TrimSpace(c.Param("name"))
	hours := int(parseIDQuery(c, "hours"))
	if hours <= 0 || hours > 24*7 {
		hours = 1
	}
	points, err := metrics.Query(name, time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return fail(c, http.StatusInternalServerError, "METRICS_ERROR", "Failed to query metric", err.Error())
	}
	series := make([]metricPoint, 0, len(points))
	for _, p := range points {
		series = append(series, metricPoint{Timestamp: p.Timestamp, Value: p.Value})
	}
	return ok(c, map[string]interface{}{
		"name":    name,
		"current": metrics.Get(name),
		"points":  series,
	})
}

func listOprLogs(c echo.Context) error {
	page, pageSize := parsePagination(c)
	db := GetDB(c).Model(&domain.SysOprLog{})
	if name := strings.TrimSpace(c.QueryParam("opr_name")); name != "" {
		db = db.Where("opr_name = ?", name)
	}
	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query operation logs", err.Error())
	}
	var rows []domain.SysOprLog
	if err := db.Order("opt_time DESC, id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&rows).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query operation logs", err.Error())
	}
	return paged(c, rows, total, page, pageSize)
}
