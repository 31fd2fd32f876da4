package adminapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/toughattend/internal/domain"
	"github.com/talkincode/toughattend/internal/webserver"
	"github.com/talkincode/toughattend/internal/zkclient"
)

type devicePayload struct {
	Name          string `json:"name" validate:"required,max=100"`
	Serial        string `json:"serial" validate:"required,max=64"`
	Ipaddr        string `json:"ipaddr" validate:"omitempty,ip"`
	Port          int    `json:"port" validate:"omitempty,min=1,max=65535"`
	Password      string `json:"password" validate:"omitempty,max=32"`
	TransInterval int    `json:"trans_interval" validate:"omitempty,min=1,max=1440"`
	Delay         int    `json:"delay" validate:"omitempty,min=1,max=3600"`
	ErrorDelay    int    `json:"error_delay" validate:"omitempty,min=1,max=3600"`
	PushMode      *bool  `json:"push_mode"`
	Timezone      string `json:"timezone" validate:"omitempty,timezone"`
	Remark        string `json:"remark" validate:"omitempty,max=500"`
}

type deviceUpdatePayload struct {
	Name          *string `json:"name" validate:"omitempty,min=1,max=100"`
	Ipaddr        *string `json:"ipaddr" validate:"omitempty,ip"`
	Port          *int    `json:"port" validate:"omitempty,min=1,max=65535"`
	Password      *string `json:"password" validate:"omitempty,max=32"`
	TransInterval *int    `json:"trans_interval" validate:"omitempty,min=1,max=1440"`
	Delay         *int    `json:"delay" validate:"omitempty,min=1,max=3600"`
	ErrorDelay    *int    `json:"error_delay" validate:"omitempty,min=1,max=3600"`
	PushMode      *bool   `json:"push_mode"`
	Timezone      *string `json:"timezone" validate:"omitempty,timezone"`
	Remark        *string `json:"remark" validate:"omitempty,max=500"`
}

func registerDeviceRoutes() {
	webserver.ApiGET("/devices", listDevices)
	webserver.ApiGET("/devices/:id", getDevice)
	webserver.ApiPOST("/devices", createDevice)
	webserver.ApiPUT("/devices/:id", updateDevice)
	webserver.ApiDELETE("/devices/:id", deleteDevice)
	webserver.ApiGET("/devices/:id/users", listDeviceUsers)
}

func listDevices(c echo.Context) error {
	page, pageSize := parsePagination(c)

	db := GetDB(c).Model(&domain.ZkDevice{})
	if q := strings.TrimSpace(c.QueryParam("q")); q != "" {
		if strings.EqualFold(db.Name(), "postgres") { //nolint:staticcheck
			db = db.Where("serial ILIKE ? OR name ILIKE ?", "%"+q+"%", "%"+q+"%")
		} else {
			db = db.Where("LOWER(serial) LIKE ? OR LOWER(name) LIKE ?", "%"+strings.ToLower(q)+"%", "%"+strings.ToLower(q)+"%")
		}
	}
	if state := strings.TrimSpace(c.QueryParam("state")); state != "" {
		db = db.Where("state = ?", state)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query devices", err.Error())
	}
	var devices []domain.ZkDevice
	if err := db.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&devices).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query devices", err.Error())
	}
	return paged(c, devices, total, page, pageSize)
}

func getDevice(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}
	dev, err := GetAppContext(c).Registry().GetByID(c.Request().Context(), id)
	if err != nil {
		return serviceError(c, err, "Device")
	}
	return ok(c, dev)
}

func createDevice(c echo.Context) error {
	var payload devicePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	payload.Serial = strings.TrimSpace(payload.Serial)
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	var count int64
	GetDB(c).Model(&domain.ZkDevice{}).Where("serial = ?", payload.Serial).Count(&count)
	if count > 0 {
		return fail(c, http.StatusConflict, "SERIAL_EXISTS", "Device serial already exists", nil)
	}

	dev := domain.ZkDevice{
		Name:          payload.Name,
		Serial:        payload.Serial,
		Ipaddr:        payload.Ipaddr,
		Port:          payload.Port,
		Password:      payload.Password,
		State:         domain.DeviceDisconnected,
		TransInterval: payload.TransInterval,
		Delay:         payload.Delay,
		ErrorDelay:    payload.ErrorDelay,
		PushMode:      true,
		Timezone:      payload.Timezone,
		Remark:        payload.Remark,
	}
	if payload.PushMode != nil {
		dev.PushMode = *payload.PushMode
	}
	if dev.Port == 0 {
		dev.Port = zkclient.DefaultPort
	}
	if dev.TransInterval == 0 {
		dev.TransInterval = 1
	}
	if dev.Delay == 0 {
		dev.Delay = 10
	}
	if dev.ErrorDelay == 0 {
		dev.ErrorDelay = 30
	}

	if err := GetDB(c).Create(&dev).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "CREATE_FAILED", "Failed to create device", err.Error())
	}
	return created(c, dev)
}

func updateDevice(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}
	var dev domain.ZkDevice
	if err := GetDB(c).First(&dev, id).Error; err != nil {
		return serviceError(c, err, "Device")
	}

	var payload deviceUpdatePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request parameters", err.Error())
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	updates := map[string]interface{}{}
	if payload.Name != nil {
		updates["name"] = *payload.Name
	}
	if payload.Ipaddr != nil {
		updates["ipaddr"] = *payload.Ipaddr
	}
	if payload.Password != nil {
		updates["password"] = *payload.Password
	}
	if payload.Timezone != nil {
		updates["timezone"] = *payload.Timezone
	}
	if payload.Remark != nil {
		updates["remark"] = *payload.Remark
	}
	if payload.Port != nil {
		updates["port"] = *payload.Port
	}
	if payload.TransInterval != nil {
		updates["trans_interval"] = *payload.TransInterval
	}
	if payload.Delay != nil {
		updates["delay"] = *payload.Delay
	}
	if payload.ErrorDelay != nil {
		updates["error_delay"] = *payload.ErrorDelay
	}
	if payload.PushMode != nil {
		updates["push_mode"] = *payload.PushMode
	}

	if len(updates) > 0 {
		if err := GetDB(c).Model(&dev).Updates(updates).Error; err != nil {
			return fail(c, http.StatusInternalServerError, "UPDATE_FAILED", "Failed to update device", err.Error())
		}
	}
	GetDB(c).First(&dev, id)
	return ok(c, dev)
}

// deleteDevice refuses devices that already have punches; their history
// stays attributable.
func deleteDevice(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}
	ctx := c.Request().Context()
	registry := GetAppContext(c).Registry()
	if _, err := registry.GetByID(ctx, id); err != nil {
		return serviceError(c, err, "Device")
	}
	used, err := registry.HasPunches(ctx, id)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query device punches", err.Error())
	}
	if used {
		return fail(c, http.StatusConflict, "DEVICE_IN_USE", "Device has attendance logs and cannot be deleted", nil)
	}

	db := GetDB(c)
	if err := db.Where("device_id = ?", id).Delete(&domain.DeviceUser{}).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DELETE_FAILED", "Failed to delete device users", err.Error())
	}
	if err := db.Where("id = ?", id).Delete(&domain.ZkDevice{}).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DELETE_FAILED", "Failed to delete device", err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// listDeviceUsers returns the stored bindings, or with live=true the user
// table read from a direct-link device.
func listDeviceUsers(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}
	if live := parseBoolQuery(c, "live"); live != nil && *live {
		users, err := GetAppContext(c).Provisioner().DeviceUsers(c.Request().Context(), id)
		if err != nil {
			return serviceError(c, err, "Device")
		}
		return ok(c, users)
	}

	var users []domain.DeviceUser
	if err := GetDB(c).Where("device_id = ?", id).Order("device_user_id").Find(&users).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query device users", err.Error())
	}
	return ok(c, users)
}
