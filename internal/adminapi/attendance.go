package adminapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/toughattend/internal/attendance"
	"github.com/talkincode/toughattend/internal/webserver"
	"github.com/talkincode/toughattend/pkg/common"
)

func registerAttendanceRoutes() {
	webserver.ApiGET("/attendance", listAttendance)
	webserver.ApiPOST("/attendance/calculate", calculateAttendance)
	webserver.ApiGET("/attendance/:id", getAttendance)
	webserver.ApiPOST("/attendance/:id/reset", resetAttendance)
	webserver.ApiDELETE("/attendance/:id", deleteAttendance)
}

// listAttendance filters by employee and punch date (from/to as dates in
// the business timezone).
func listAttendance(c echo.Context) error {
	page, pageSize := parsePagination(c)
	loc := GetAppContext(c).Location()
	f := attendance.Filter{
		EmployeeID: parseIDQuery(c, "employee_id"),
		Calculated: parseBoolQuery(c, "calculated"),
	}
	for name, dst := range map[string]*string{"from": &f.From, "to": &f.To} {
		if strings.TrimSpace(c.QueryParam(name)) == "" {
			continue
		}
		t, err := parseTimeQuery(c, name, loc)
		if err != nil {
			return fail(c, http.StatusBadRequest, "INVALID_DATE", "Invalid "+name+" date", err.Error())
		}
		*dst = t.Format(common.DateLayout)
	}

	rows, total, err := GetAppContext(c).Intervals().List(c.Request().Context(), f, page, pageSize)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query attendance", err.Error())
	}
	return paged(c, rows, total, page, pageSize)
}

func getAttendance(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid attendance ID", nil)
	}
	a, err := GetAppContext(c).Intervals().Get(c.Request().Context(), id)
	if err != nil {
		return serviceError(c, err, "Attendance")
	}
	return ok(c, a)
}

func resetAttendance(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid attendance ID", nil)
	}
	if err := GetAppContext(c).Intervals().Reset(c.Request().Context(), id); err != nil {
		return serviceError(c, err, "Attendance")
	}
	return c.NoContent(http.StatusNoContent)
}

func deleteAttendance(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid attendance ID", nil)
	}
	if err := GetAppContext(c).Intervals().Delete(c.Request().Context(), id); err != nil {
		return serviceError(c, err, "Attendance")
	}
	return c.NoContent(http.StatusNoContent)
}

// calculateAttendance runs reconciliation now and returns its report.
func calculateAttendance(c echo.Context) error {
	rep, err := GetAppContext(c).RunReconcile(c.Request().Context())
	if err != nil {
		return fail(c, http.StatusInternalServerError, "RECONCILE_FAILED", "Failed to calculate attendance", err.Error())
	}
	return ok(c, rep)
}
