package adminapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/toughattend/internal/webserver"
)

func registerCommandRoutes() {
	webserver.ApiGET("/commands", listCommands)
	webserver.ApiDELETE("/commands/:id", cancelCommand)
}

func listCommands(c echo.Context) error {
	page, pageSize := parsePagination(c)
	filter := map[string]interface{}{}
	if id := parseIDQuery(c, "device_id"); id > 0 {
		filter["device_id"] = id
	}
	if id := parseIDQuery(c, "employee_id"); id > 0 {
		filter["employee_id"] = id
	}
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		filter["status"] = status
	}
	if kind := strings.ToUpper(strings.TrimSpace(c.QueryParam("kind"))); kind != "" {
		filter["kind"] = kind
	}

	cmds, total, err := GetAppContext(c).Commands().List(c.Request().Context(), filter, page, pageSize)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query commands", err.Error())
	}
	return paged(c, cmds, total, page, pageSize)
}

// cancelCommand removes a command the device has not fetched yet.
func cancelCommand(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid command ID", nil)
	}
	if err := GetAppContext(c).Commands().Cancel(c.Request().Context(), id); err != nil {
		return serviceError(c, err, "Command")
	}
	return c.NoContent(http.StatusNoContent)
}
