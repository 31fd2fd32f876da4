package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/toughattend/internal/webserver"
)

type attendanceSettingsPayload struct {
	MultiShift        *bool `json:"multi_shift"`
	MinimalAttendance *bool `json:"minimal_attendance"`
}

func registerSettingsRoutes() {
	webserver.ApiGET("/settings/attendance", getAttendanceSettings)
	webserver.ApiPUT("/settings/attendance", updateAttendanceSettings)
	webserver.ApiGET("/settings/:category", getSettingsCategory)
}

func getAttendanceSettings(c echo.Context) error {
	p := GetAppContext(c).AttendancePolicy(c.Request().Context())
	return ok(c, map[string]interface{}{
		"multi_shift":        p.MultiShift,
		"minimal_attendance": p.MinimalAttendance,
		"timezone":           p.Location.String(),
	})
}

// updateAttendanceSettings applies to reconciliation runs that start after it.
func updateAttendanceSettings(c echo.Context) error {
	var payload attendanceSettingsPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	values := map[string]interface{}{}
	if payload.MultiShift != nil {
		values["multi_shift"] = *payload.MultiShift
	}
	if payload.MinimalAttendance != nil {
		values["minimal_attendance"] = *payload.MinimalAttendance
	}
	if len(values) == 0 {
		return fail(c, http.StatusBadRequest, "EMPTY_UPDATE", "No settings given", nil)
	}
	if err := GetAppContext(c).SaveSettings(map[string]interface{}{"attendance": values}); err != nil {
		return fail(c, http.StatusInternalServerError, "UPDATE_FAILED", "Failed to save settings", err.Error())
	}
	return getAttendanceSettings(c)
}

func getSettingsCategory(c echo.Context) error {
	return ok(c, GetAppContext(c).ConfigMgr().Category(c.Param("category")))
}
