package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Time stamps each request with a single authoritative receive time
// under key. The admission windows evaluate against this time, so every
// check within one request sees the same instant.
func Time(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			_, span := tracer.Start(c.Request().Context(), "Time", trace.WithAttributes(
				attribute.String("key", key),
			))
			defer span.End()

			receivedAt := time.Now()
			c.Set(key, receivedAt)

			span.AddEvent("stamped request", trace.WithAttributes(
				attribute.String("time", receivedAt.Format(time.RFC3339Nano)),
			))
			span.SetStatus(codes.Ok, "stamped request time")
			return next(c)
		}
	}
}
