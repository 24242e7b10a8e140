package controllers

import (
	"tryonapi/logging"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const loggerKey = "__logger"

// RequestLoggerMiddleware stores a logger tagged with the route and request ID.
func RequestLoggerMiddleware(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			c.Set(loggerKey, logging.WithOperation(logger, c.Request().Method+" "+c.Path(), requestID))
			return next(c)
		}
	}
}

func requestLogger(c echo.Context) *zap.Logger {
	if logger, ok := c.Get(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return zap.NewNop()
}
