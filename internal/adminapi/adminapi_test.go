package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/toughattend/config"
	"github.com/talkincode/toughattend/internal/app"
	"github.com/talkincode/toughattend/internal/dbtest"
	"github.com/talkincode/toughattend/internal/domain"
	"github.com/talkincode/toughattend/internal/webserver"
)

type testServer struct {
	t     *testing.T
	app   *app.Application
	e     *echo.Echo
	token string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.AppConfig{
		System:     config.SysConfig{Location: "UTC"},
		Web:        config.WebConfig{Secret: "test-secret"},
		Attendance: config.AttendanceConfig{DirectTimeout: 1},
	}
	a := app.NewApplication(cfg)
	a.OverrideDB(dbtest.Open(t))
	t.Cleanup(a.Release)

	webserver.Init(a)
	Init()
	s := &testServer{t: t, app: a, e: webserver.Root()}

	rec := s.call(http.MethodPost, "/api/v1/login", `{"username":"admin","password":"toughattend"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Data loginResponse `json:"data"`
	}
	s.decode(rec, &out)
	require.NotEmpty(t, out.Data.Token)
	s.token = out.Data.Token
	return s
}


func (s *testServer) call(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if strings.HasPrefix(target, "/iclock") {
		req.Header.Set(echo.HeaderContentType, echo.MIMETextPlain)
	} else {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if s.token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+s.token)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) decode(rec *httptest.ResponseRecorder, v interface{}) {
	s.t.Helper()
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func id(v int64) string {
	return strconv.FormatInt(v, 10)
}

func TestLoginAndAuth(t *testing.T) {
	s := newTestServer(t)

	token := s.token
	s.token = ""
	rec := s.call(http.MethodGet, "/api/v1/devices", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.call(http.MethodPost, "/api/v1/login", `{"username":"admin","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var errOut ErrorResponse
	s.decode(rec, &errOut)
	assert.Equal(t, "INVALID_CREDENTIALS", errOut.Error)

	rec = s.call(http.MethodPost, "/api/v1/login", `{"username":"admin"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.token = token
	rec = s.call(http.MethodGet, "/api/v1/auth/me", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var me struct {
		Data domain.SysOpr `json:"data"`
	}
	s.decode(rec, &me)
	assert.Equal(t, "admin", me.Data.Username)
	assert.NotContains(t, rec.Body.String(), "password")

	var logs int64
	s.app.DB().Model(&domain.SysOprLog{}).Where("opt_action = ?", "login").Count(&logs)
	assert.Equal(t, int64(1), logs)
}

func TestDeviceCRUD(t *testing.T) {
	s := newTestServer(t)

	rec := s.call(http.MethodPost, "/api/v1/devices", `{"name":"Gate","serial":" GATE01 "}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Data domain.ZkDevice `json:"data"`
	}
	s.decode(rec, &created)
	dev := created.Data
	assert.Equal(t, "GATE01", dev.Serial)
	assert.True(t, dev.PushMode)
	assert.Equal(t, 4370, dev.Port)
	assert.Equal(t, 10, dev.Delay)
	assert.Equal(t, 30, dev.ErrorDelay)
	assert.Equal(t, domain.DeviceDisconnected, dev.State)

	rec = s.call(http.MethodPost, "/api/v1/devices", `{"name":"Dup","serial":"GATE01"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.call(http.MethodPost, "/api/v1/devices", `{"name":"Bad","serial":"X1","ipaddr":"not-an-ip"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.call(http.MethodPut, "/api/v1/devices/"+id(dev.ID), `{"delay":20,"push_mode":false,"ipaddr":"10.0.0.9"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated struct {
		Data domain.ZkDevice `json:"data"`
	}
	s.decode(rec, &updated)
	assert.Equal(t, 20, updated.Data.Delay)
	assert.False(t, updated.Data.PushMode)
	assert.Equal(t, "10.0.0.9", updated.Data.Ipaddr)
	assert.Equal(t, "Gate", updated.Data.Name)

	rec = s.call(http.MethodGet, "/api/v1/devices?q=gate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListResponse
	s.decode(rec, &list)
	assert.Equal(t, int64(1), list.Total)
	assert.Equal(t, 1, list.Page)
	assert.Equal(t, defaultPageSize, list.PageSize)

	rec = s.call(http.MethodDelete, "/api/v1/devices/"+id(dev.ID), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.call(http.MethodGet, "/api/v1/devices/"+id(dev.ID), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.call(http.MethodGet, "/api/v1/devices/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// mutations are recorded for the operator
	var logs []domain.SysOprLog
	require.NoError(t, s.app.DB().Where("opr_name = ? AND opt_action <> ?", "admin", "login").Find(&logs).Error)
	actions := make([]string, 0, len(logs))
	for _, l := range logs {
		actions = append(actions, l.OptAction)
	}
	assert.Contains(t, actions, "POST /api/v1/devices")
	assert.Contains(t, actions, "PUT /api/v1/devices/:id")
	assert.Contains(t, actions, "DELETE /api/v1/devices/:id")
}

func TestDeviceWithPunchesIsKept(t *testing.T) {
	s := newTestServer(t)
	dev := dbtest.Device(t, s.app.DB(), "KEEP01")
	require.NoError(t, s.app.DB().Create(&domain.PunchLog{
		DeviceID: dev.ID, DeviceUserRef: "1", PunchTime: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
	}).Error)

	rec := s.call(http.MethodDelete, "/api/v1/devices/"+id(dev.ID), "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEmployeeSyncQueuesCommands(t *testing.T) {
	s := newTestServer(t)
	db := s.app.DB()
	dev := dbtest.Device(t, db, "PUSH01")
	emp := dbtest.Employee(t, db, "Jane Doe", nil, 0)

	body := `{"device_ids":["` + id(dev.ID) + `", 424242],"action":"create"}`
	rec := s.call(http.MethodPost, "/api/v1/employees/"+id(emp.ID)+"/devices/sync", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Data []struct {
			DeviceID  string `json:"device_id"`
			Mode      string `json:"mode"`
			CommandID string `json:"command_id"`
			Pin       int    `json:"pin"`
			Error     string `json:"error"`
		} `json:"data"`
	}
	s.decode(rec, &out)
	require.Len(t, out.Data, 2)
	assert.Equal(t, "queued", out.Data[0].Mode)
	assert.Equal(t, 1, out.Data[0].Pin)
	assert.Empty(t, out.Data[0].Error)
	assert.NotEmpty(t, out.Data[1].Error)

	rec = s.call(http.MethodPost, "/api/v1/employees/"+id(emp.ID)+"/devices/sync", `{"device_ids":[],"action":"create"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.call(http.MethodPost, "/api/v1/employees/"+id(emp.ID)+"/devices/sync", `{"device_ids":[1],"action":"rename"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.call(http.MethodPost, "/api/v1/employees/999/devices/sync", `{"device_ids":[1],"action":"create"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.call(http.MethodGet, "/api/v1/commands?status=pending&device_id="+id(dev.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cmds struct {
		Data  []domain.DeviceCommand `json:"data"`
		Total int64                  `json:"total"`
	}
	s.decode(rec, &cmds)
	require.Equal(t, int64(1), cmds.Total)
	assert.Equal(t, domain.CommandCreate, cmds.Data[0].Kind)

	cmdID := id(cmds.Data[0].ID)
	assert.Equal(t, http.StatusNoContent, s.call(http.MethodDelete, "/api/v1/commands/"+cmdID, "").Code)
	assert.Equal(t, http.StatusConflict, s.call(http.MethodDelete, "/api/v1/commands/"+cmdID, "").Code)
}

func TestEnrollRejectsPushDevice(t *testing.T) {
	s := newTestServer(t)
	db := s.app.DB()
	dev := dbtest.Device(t, db, "PUSH02")
	emp := dbtest.Employee(t, db, "Ann", dev, 3)

	target := "/api/v1/employees/" + id(emp.ID) + "/devices/" + id(dev.ID) + "/enroll"
	rec := s.call(http.MethodPost, target, `{"finger":12}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.call(http.MethodPost, target, `{"finger":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var errOut ErrorResponse
	s.decode(rec, &errOut)
	assert.Contains(t, errOut.Message, "direct-link")
}

func TestUploadThenReviewAttendance(t *testing.T) {
	s := newTestServer(t)
	db := s.app.DB()
	dev := dbtest.Device(t, db, "WEB01")
	emp := dbtest.Employee(t, db, "Bob", dev, 1)

	// device endpoints need no token
	token := s.token
	s.token = ""
	rec := s.call(http.MethodPost, "/iclock/cdata?SN=WEB01&table=ATTLOG&Stamp=7", "1\t2024-03-04 09:00:00\t0\t1\n")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	s.token = token

	rec = s.call(http.MethodGet, "/api/v1/punches?employee_id="+id(emp.ID)+"&from=2024-03-04&to=2024-03-05", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var punches struct {
		Data  []domain.PunchLog `json:"data"`
		Total int64             `json:"total"`
	}
	s.decode(rec, &punches)
	require.Equal(t, int64(1), punches.Total)
	assert.Equal(t, domain.PairCheckIn, punches.Data[0].PairResult)

	rec = s.call(http.MethodGet, "/api/v1/attendance?employee_id="+id(emp.ID)+"&from=2024-03-04&to=2024-03-04", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data  []domain.Attendance `json:"data"`
		Total int64               `json:"total"`
	}
	s.decode(rec, &list)
	require.Equal(t, int64(1), list.Total)
	att := list.Data[0]
	assert.Equal(t, "2024-03-04", att.PunchDate)
	assert.Nil(t, att.CheckOut)

	rec = s.call(http.MethodGet, "/api/v1/attendance/"+id(att.ID), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.call(http.MethodGet, "/api/v1/attendance/12345", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// calculated intervals must be reset before deletion
	require.NoError(t, db.Model(&domain.Attendance{}).Where("id = ?", att.ID).Update("calculated", true).Error)
	assert.Equal(t, http.StatusConflict, s.call(http.MethodDelete, "/api/v1/attendance/"+id(att.ID), "").Code)
	assert.Equal(t, http.StatusNoContent, s.call(http.MethodPost, "/api/v1/attendance/"+id(att.ID)+"/reset", "").Code)
	assert.Equal(t, http.StatusNoContent, s.call(http.MethodDelete, "/api/v1/attendance/"+id(att.ID), "").Code)

	// the punch is back in the pool and a manual run folds it in again
	rec = s.call(http.MethodPost, "/api/v1/attendance/calculate", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.call(http.MethodGet, "/api/v1/device-logs/uploads?device_id="+id(dev.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var uploads struct {
		Data []domain.StampLog `json:"data"`
	}
	s.decode(rec, &uploads)
	require.Len(t, uploads.Data, 1)
	assert.Equal(t, int64(7), uploads.Data[0].Stamp)
}

func TestDeleteProcessedPunchIsRejected(t *testing.T) {
	s := newTestServer(t)
	db := s.app.DB()
	dev := dbtest.Device(t, db, "DEL01")
	done := &domain.PunchLog{DeviceID: dev.ID, DeviceUserRef: "1", PunchTime: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC), Processed: true}
	open := &domain.PunchLog{DeviceID: dev.ID, DeviceUserRef: "1", PunchTime: time.Date(2024, 3, 4, 17, 0, 0, 0, time.UTC)}
	require.NoError(t, db.Create(done).Error)
	require.NoError(t, db.Create(open).Error)

	assert.Equal(t, http.StatusConflict, s.call(http.MethodDelete, "/api/v1/punches/"+id(done.ID), "").Code)
	assert.Equal(t, http.StatusNoContent, s.call(http.MethodDelete, "/api/v1/punches/"+id(open.ID), "").Code)
	assert.Equal(t, http.StatusNotFound, s.call(http.MethodDelete, "/api/v1/punches/"+id(open.ID), "").Code)
}

func TestAttendanceSettings(t *testing.T) {
	s := newTestServer(t)

	rec := s.call(http.MethodGet, "/api/v1/settings/attendance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Data struct {
			MultiShift        bool   `json:"multi_shift"`
			MinimalAttendance bool   `json:"minimal_attendance"`
			Timezone          string `json:"timezone"`
		} `json:"data"`
	}
	s.decode(rec, &out)
	assert.False(t, out.Data.MultiShift)
	assert.Equal(t, "UTC", out.Data.Timezone)

	rec = s.call(http.MethodPut, "/api/v1/settings/attendance", `{"multi_shift":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s.decode(rec, &out)
	assert.True(t, out.Data.MultiShift)
	assert.False(t, out.Data.MinimalAttendance)
	assert.True(t, s.app.AttendancePolicy(context.Background()).MultiShift)

	assert.Equal(t, http.StatusBadRequest, s.call(http.MethodPut, "/api/v1/settings/attendance", `{}`).Code)

	rec = s.call(http.MethodGet, "/api/v1/settings/retention", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "StampLogDays")
}

func TestSchedulerEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.call(http.MethodPost, "/api/v1/system/schedulers", `{"name":"Nightly calc","task_type":"attendance_calc","interval":3600}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Data domain.SysScheduler `json:"data"`
	}
	s.decode(rec, &created)
	assert.Equal(t, "enabled", created.Data.Status)

	rec = s.call(http.MethodPost, "/api/v1/system/schedulers", `{"name":"Nightly calc","task_type":"attendance_calc","interval":3600}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = s.call(http.MethodPost, "/api/v1/system/schedulers", `{"name":"Ping","task_type":"latency_check","interval":60}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.call(http.MethodPost, "/api/v1/system/schedulers/"+id(created.Data.ID)+"/run", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ran struct {
		Data domain.SysScheduler `json:"data"`
	}
	s.decode(rec, &ran)
	assert.Equal(t, "success", ran.Data.LastResult)

	rec = s.call(http.MethodGet, "/api/v1/system/schedulers?task_type=attendance_calc", "")
	var list ListResponse
	s.decode(rec, &list)
	assert.Equal(t, int64(1), list.Total)

	rec = s.call(http.MethodPut, "/api/v1/system/schedulers/"+id(created.Data.ID), `{"status":"disabled"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNoContent, s.call(http.MethodDelete, "/api/v1/system/schedulers/"+id(created.Data.ID), "").Code)
	assert.Equal(t, http.StatusNotFound, s.call(http.MethodGet, "/api/v1/system/schedulers/"+id(created.Data.ID), "").Code)
}

func TestSystemTables(t *testing.T) {
	s := newTestServer(t)
	rec := s.call(http.MethodGet, "/api/v1/system/tables", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Data []TableInfo `json:"data"`
	}
	s.decode(rec, &out)
	counts := map[string]int64{}
	for _, ti := range out.Data {
		counts[ti.Name] = ti.RowCount
	}
	assert.Equal(t, int64(1), counts["sys_opr"])
	assert.Equal(t, int64(3), counts["sys_scheduler"])
	assert.Contains(t, counts, "zk_punch_log")
}
