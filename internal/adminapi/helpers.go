package adminapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/talkincode/toughattend/internal/app"
	"github.com/talkincode/toughattend/internal/attendance"
	"github.com/talkincode/toughattend/internal/command"
	"github.com/talkincode/toughattend/internal/iclock"
	"github.com/talkincode/toughattend/internal/provision"
	"github.com/talkincode/toughattend/internal/punch"
	"github.com/talkincode/toughattend/internal/webserver"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListResponse is the paged list envelope
type ListResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"pageSize"`
}

// ErrorResponse is the error envelope
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"data": data})
}

func created(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusCreated, map[string]interface{}{"data": data})
}

func paged(c echo.Context, data interface{}, total int64, page, pageSize int) error {
	return c.JSON(http.StatusOK, ListResponse{Data: data, Total: total, Page: page, PageSize: pageSize})
}

func fail(c echo.Context, status int, code, message string, details interface{}) error {
	return c.JSON(status, ErrorResponse{Error: code, Message: message, Details: details})
}

// parsePagination reads page and pageSize (perPage is accepted as an alias).
func parsePagination(c echo.Context) (int, int) {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	size, _ := strconv.Atoi(c.QueryParam("pageSize"))
	if size == 0 {
		size, _ = strconv.Atoi(c.QueryParam("perPage"))
	}
	if size < 1 || size > maxPageSize {
		size = defaultPageSize
	}
	return page, size
}

func parseIDParam(c echo.Context, name string) (int64, error) {
	return strconv.ParseInt(c.Param(name), 10, 64)
}

func parseIDQuery(c echo.Context, name string) int64 {
	id, _ := strconv.ParseInt(strings.TrimSpace(c.QueryParam(name)), 10, 64)
	return id
}

// parseTimeQuery accepts any layout dateparse understands, in loc.
func parseTimeQuery(c echo.Context, name string, loc *time.Location) (time.Time, error) {
	v := strings.TrimSpace(c.QueryParam(name))
	if v == "" {
		return time.Time{}, nil
	}
	return dateparse.ParseIn(v, loc)
}

func parseBoolQuery(c echo.Context, name string) *bool {
	v := strings.TrimSpace(c.QueryParam(name))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

func GetAppContext(c echo.Context) app.AppContext {
	return c.Get(webserver.AppContextKey).(app.AppContext)
}

func GetDB(c echo.Context) *gorm.DB {
	return GetAppContext(c).DB().WithContext(c.Request().Context())
}

func handleValidationError(c echo.Context, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := map[string]string{}
		for _, fe := range verrs {
			fields[strings.ToLower(fe.Field())] = fe.Tag()
		}
		return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Request validation failed", fields)
	}
	return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
}

// serviceError maps domain errors to HTTP answers.
func serviceError(c echo.Context, err error, what string) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, iclock.ErrUnknownDevice):
		return fail(c, http.StatusNotFound, "NOT_FOUND", what+" not found", err.Error())
	case errors.Is(err, command.ErrDuplicatePending),
		errors.Is(err, command.ErrAlreadyRegistered),
		errors.Is(err, command.ErrNotPending),
		errors.Is(err, provision.ErrAlreadyOnDevice),
		errors.Is(err, punch.ErrPunchProcessed),
		errors.Is(err, attendance.ErrIntervalCalculated),
		errors.Is(err, iclock.ErrDuplicateLogCode):
		return fail(c, http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, command.ErrNotRegistered),
		errors.Is(err, command.ErrUnknownKind),
		errors.Is(err, provision.ErrUnknownOp),
		errors.Is(err, provision.ErrNotOnDevice),
		errors.Is(err, provision.ErrNoDeviceUsers),
		errors.Is(err, provision.ErrInvalidFinger),
		errors.Is(err, provision.ErrPushDevice):
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, provision.ErrDeviceUnreachable):
		return fail(c, http.StatusBadGateway, "DEVICE_UNREACHABLE", err.Error(), nil)
	}
	return fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to process "+what, err.Error())
}
