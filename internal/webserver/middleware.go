package webserver

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/talkincode/toughattend/internal/app"
	"github.com/talkincode/toughattend/internal/domain"
	"github.com/talkincode/toughattend/pkg/common"
	"go.uber.org/zap"
)

// ZapRequestLogger logs every request at debug level and failures at warn.
func ZapRequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			status := c.Response().Status
			fields := []zap.Field{
				zap.String("namespace", "web"),
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.String("remote", c.RealIP()),
				zap.Int("status", status),
				zap.Duration("latency", time.Since(start)),
			}
			if status >= 500 {
				zap.L().Warn("request failed", fields...)
			} else {
				zap.L().Debug("request", fields...)
			}
			return nil
		}
	}
}

// CurrentOperator returns the username carried by the request token.
func CurrentOperator(c echo.Context) string {
	token, ok := c.Get(UserContextKey).(*jwt.Token)
	if !ok {
		return ""
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	return cast.ToString(claims["username"])
}

// OperationLogger records successful admin API mutations in sys_opr_log.
func OperationLogger(appCtx app.AppContext) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err != nil || !isMutation(c.Request().Method) || c.Response().Status >= 400 {
				return err
			}
			name := CurrentOperator(c)
			if name == "" {
				return nil
			}
			logErr := appCtx.DB().Create(&domain.SysOprLog{
				ID:        common.UUIDint64(),
				OprName:   name,
				OprIp:     c.RealIP(),
				OptAction: c.Request().Method + " " + c.Path(),
				OptDesc:   c.Request().URL.Path,
				OptTime:   time.Now(),
			}).Error
			if logErr != nil {
				zap.L().Warn("record operation log failed", zap.String("namespace", "web"), zap.Error(logErr))
			}
			return nil
		}
	}
}
