// Package http provides the REST server of the ticket chat service.
package http

import (
	nethttp "net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/Almonaabdo/landLorkLinkAI/internal/protocol"
	"github.com/Almonaabdo/landLorkLinkAI/internal/service"
	v1 "github.com/Almonaabdo/landLorkLinkAI/internal/transport/http/v1"
)

// NewServer creates the REST server. conns feeds the connection counts of
// /health and may be nil. metrics is mounted on /metrics when non-nil. A
// non-empty apiKey is required in the X-API-Key header of every /v1 route.
func NewServer(svc *service.Service, conns v1.ConnectionStats, metrics nethttp.Handler, apiKey string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	var mw []echo.MiddlewareFunc
	if apiKey != "" {
		mw = append(mw, middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			KeyLookup: "header:X-API-Key",
			Validator: func(key string, c echo.Context) (bool, error) {
				return key == apiKey, nil
			},
			ErrorHandler: func(err error, c echo.Context) error {
				return c.JSON(nethttp.StatusUnauthorized, map[string]string{
					"error": "invalid api key",
					"code":  protocol.ErrorCodeUnauthorized,
				})
			},
		}))
	}

	v1.NewHandler(svc, conns).RegisterRoutes(e, mw...)
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}

	return e
}
