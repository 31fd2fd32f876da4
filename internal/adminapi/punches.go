package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/toughattend/internal/punch"
	"github.com/talkincode/toughattend/internal/webserver"
)

func registerPunchRoutes() {
	webserver.ApiGET("/punches", listPunches)
	webserver.ApiDELETE("/punches/:id", deletePunch)
}

func listPunches(c echo.Context) error {
	page, pageSize := parsePagination(c)
	loc := GetAppContext(c).Location()
	from, err := parseTimeQuery(c, "from", loc)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_TIME", "Invalid from time", err.Error())
	}
	to, err := parseTimeQuery(c, "to", loc)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_TIME", "Invalid to time", err.Error())
	}
	f := punch.Filter{
		DeviceID:   parseIDQuery(c, "device_id"),
		EmployeeID: parseIDQuery(c, "employee_id"),
		Processed:  parseBoolQuery(c, "processed"),
		From:       from,
		To:         to,
	}
	rows, total, err := GetAppContext(c).Punches().List(c.Request().Context(), f, page, pageSize)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query punches", err.Error())
	}
	return paged(c, rows, total, page, pageSize)
}

// deletePunch removes a punch that no interval has consumed yet.
func deletePunch(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid punch ID", nil)
	}
	if err := GetAppContext(c).Punches().Delete(c.Request().Context(), id); err != nil {
		return serviceError(c, err, "Punch")
	}
	return c.NoContent(http.StatusNoContent)
}
