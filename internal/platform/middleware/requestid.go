package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	RequestIDHeader = "X-Request-ID"
	// RequestIDKey is the echo context key holding the request id.
	RequestIDKey = "request_id"
)

// RequestID propagates an inbound X-Request-ID or mints a new one, stores it
// in the context under RequestIDKey and echoes it on the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" || len(rid) > 128 {
				rid = uuid.New().String()
			}
			c.Set(RequestIDKey, rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}

// requestFields adds the request id, method and matched route to evt, plus
// the run id for routes scoped to a single import run.
func requestFields(evt *zerolog.Event, c echo.Context) *zerolog.Event {
	rid, _ := c.Get(RequestIDKey).(string)
	evt = evt.
		Str("request_id", rid).
		Str("method", c.Request().Method).
		Str("route", c.Path())
	if runID := c.Param("id"); runID != "" {
		evt = evt.Str("run_id", runID)
	}
	return evt
}
