package adminapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/talkincode/toughattend/internal/domain"
	"github.com/talkincode/toughattend/internal/provision"
	"github.com/talkincode/toughattend/internal/webserver"
)

// syncPayload lists devices by id; ids may be JSON numbers or strings.
type syncPayload struct {
	DeviceIDs []interface{} `json:"device_ids" validate:"required,min=1,max=200"`
	Action    string        `json:"action" validate:"required,oneof=create update delete"`
}

type enrollPayload struct {
	Finger *int `json:"finger" validate:"required,min=0,max=9"`
}

func registerEmployeeRoutes() {
	webserver.ApiGET("/employees/:id/devices", listEmployeeDevices)
	webserver.ApiPOST("/employees/:id/devices/sync", syncEmployeeDevices)
	webserver.ApiPOST("/employees/:id/devices/:device_id/enroll", enrollEmployee)
}

func listEmployeeDevices(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid employee ID", nil)
	}
	var bindings []domain.DeviceUser
	if err := GetDB(c).Where("employee_id = ?", id).Order("device_id").Find(&bindings).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query employee devices", err.Error())
	}
	return ok(c, bindings)
}

// syncEmployeeDevices creates, updates or deletes the employee on every
// listed device. Each device answers independently in the result list.
func syncEmployeeDevices(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid employee ID", nil)
	}
	var payload syncPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	payload.Action = strings.ToLower(strings.TrimSpace(payload.Action))
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	deviceIDs := make([]int64, 0, len(payload.DeviceIDs))
	for _, v := range payload.DeviceIDs {
		did, err := cast.ToInt64E(v)
		if err != nil || did <= 0 {
			return fail(c, http.StatusBadRequest, "INVALID_DEVICE_ID", "Invalid device ID", v)
		}
		deviceIDs = append(deviceIDs, did)
	}

	results, err := GetAppContext(c).Provisioner().Sync(c.Request().Context(), id, deviceIDs, provision.Op(payload.Action))
	if err != nil {
		return serviceError(c, err, "Employee")
	}
	return ok(c, results)
}

func enrollEmployee(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid employee ID", nil)
	}
	deviceID, err := parseIDParam(c, "device_id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}
	var payload enrollPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	if err := GetAppContext(c).Provisioner().Enroll(c.Request().Context(), id, deviceID, *payload.Finger); err != nil {
		return serviceError(c, err, "Device")
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"data": map[string]interface{}{"status": "enrolling", "finger": *payload.Finger},
	})
}
