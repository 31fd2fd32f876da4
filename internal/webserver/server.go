package webserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/talkincode/toughattend/internal/app"
	"github.com/talkincode/toughattend/internal/iclock"
	"go.uber.org/zap"
)

const (
	// ApiPrefix is the mount point of the admin API
	ApiPrefix = "/api/v1"
	// AppContextKey is the echo context key holding the application context
	AppContextKey = "appCtx"
	// UserContextKey is where the JWT middleware stores the parsed token
	UserContextKey = "user"
)

// publicPaths are admin API routes reachable without a token
var publicPaths = map[string]bool{
	ApiPrefix + "/login": true,
}

var server *AdminServer

type AdminServer struct {
	root   *echo.Echo
	api    *echo.Group
	appCtx app.AppContext
}

// Init builds the admin server: the device push endpoints at the root and
// the JWT protected admin API under ApiPrefix.
func Init(appCtx app.AppContext) *AdminServer {
	s := &AdminServer{root: echo.New(), appCtx: appCtx}
	e := s.root
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = &JSONSerializer{}
	e.Validator = NewValidator()
	if appCtx.Config().System.Debug {
		e.Logger.SetLevel(log.DEBUG)
	} else {
		e.Logger.SetLevel(log.INFO)
	}
	e.Use(middleware.Recover())
	e.Use(ZapRequestLogger())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(AppContextKey, appCtx)
			return next(c)
		}
	})

	iclock.NewHandler(appCtx.IClock()).Register(e)

	s.api = e.Group(ApiPrefix)
	s.api.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey: []byte(appCtx.Config().Web.Secret),
		ContextKey: UserContextKey,
		Skipper: func(c echo.Context) bool {
			return publicPaths[c.Path()]
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusUnauthorized, map[string]interface{}{
				"error":   "UNAUTHORIZED",
				"message": "Missing or invalid token",
			})
		},
	}))
	s.api.Use(OperationLogger(appCtx))

	server = s
	return s
}

// Root exposes the echo instance, mainly for tests.
func Root() *echo.Echo {
	if server == nil {
		return nil
	}
	return server.root
}

func ApiGET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.GET(path, h, m...)
}

func ApiPOST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.POST(path, h, m...)
}

func ApiPUT(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.PUT(path, h, m...)
}

func ApiDELETE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.DELETE(path, h, m...)
}

// Listen serves until ctx is cancelled, then shuts down gracefully.
func Listen(ctx context.Context) error {
	if server == nil {
		return errors.New("webserver not initialized")
	}
	cfg := server.appCtx.Config().Web
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	zap.S().Infof("Prepare to start the web server %s", addr)

	errCh := make(chan error, 1)
	go func() {
		err := server.root.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.root.Shutdown(shutdownCtx)
	}
}

func isMutation(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	}
	return false
}
