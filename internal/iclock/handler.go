package iclock

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// maxBodySize bounds one device upload.
const maxBodySize = 8 << 20

// Handler exposes the device protocol under /iclock. Every answer is plain
// text because the firmware does not understand anything else.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Register mounts the device endpoints on e, outside any auth group.
func (h *Handler) Register(e *echo.Echo) {
	g := e.Group("/iclock")
	g.GET("/cdata", h.handshake)
	g.GET("/cdata.aspx", h.handshake)
	g.POST("/cdata", h.upload)
	g.POST("/cdata.aspx", h.upload)
	g.GET("/getrequest", h.poll)
	g.GET("/getrequest.aspx", h.poll)
	g.POST("/devicecmd", h.deviceCmd)
	g.POST("/devicecmd.aspx", h.deviceCmd)
}

func (h *Handler) handshake(c echo.Context) error {
	serial := c.QueryParam("SN")
	body, err := h.svc.Handshake(c.Request().Context(), serial)
	if errors.Is(err, ErrUnknownDevice) {
		zap.L().Warn("handshake from unregistered device",
			zap.String("namespace", "iclock"),
			zap.String("serial", serial),
			zap.String("remote", c.RealIP()))
		return c.String(http.StatusMethodNotAllowed, UnregisteredMessage)
	}
	if err != nil {
		zap.L().Error("handshake failed",
			zap.String("namespace", "iclock"),
			zap.String("serial", serial),
			zap.Error(err))
		return c.String(http.StatusInternalServerError, "ERROR")
	}
	return c.String(http.StatusOK, body)
}

func (h *Handler) upload(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
	if err != nil {
		return c.String(http.StatusBadRequest, "ERROR")
	}
	_, err = h.svc.Upload(c.Request().Context(), UploadRequest{
		Serial:  c.QueryParam("SN"),
		Table:   c.QueryParam("table"),
		Stamp:   c.QueryParam("Stamp"),
		OpStamp: c.QueryParam("OpStamp"),
		Body:    raw,
	})
	// devices resend forever on anything but OK, so failures are logged only
	switch {
	case errors.Is(err, ErrUnknownDevice), errors.Is(err, ErrUnknownTable):
		zap.L().Warn("device upload rejected",
			zap.String("namespace", "iclock"),
			zap.String("serial", c.QueryParam("SN")),
			zap.String("table", c.QueryParam("table")),
			zap.Error(err))
	case err != nil:
		// the device moves its cursor past these records; replay from the stamp
		zap.L().Error("device upload not stored",
			zap.String("namespace", "iclock"),
			zap.String("serial", c.QueryParam("SN")),
			zap.String("table", c.QueryParam("table")),
			zap.String("stamp", c.QueryParam("Stamp")),
			zap.String("op_stamp", c.QueryParam("OpStamp")),
			zap.Int("bytes", len(raw)),
			zap.Error(err))
	}
	return c.String(http.StatusOK, "OK")
}

func (h *Handler) poll(c echo.Context) error {
	return c.String(http.StatusOK, h.svc.Poll(c.Request().Context(), c.QueryParam("SN")))
}

func (h *Handler) deviceCmd(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
	if err != nil {
		return c.String(http.StatusBadRequest, "ERROR")
	}
	if _, err := h.svc.Acknowledge(c.Request().Context(), c.QueryParam("SN"), raw); err != nil {
		zap.L().Warn("device acknowledgement rejected",
			zap.String("namespace", "iclock"),
			zap.String("serial", c.QueryParam("SN")),
			zap.Error(err))
	}
	return c.String(http.StatusOK, "OK")
}
