package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhir-import/internal/platform/fhir"
)

// RequestTimeout bounds each request. A handler still running at the
// deadline gets a cancelled context and the caller gets 504 with an
// OperationOutcome.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if timeout <= 0 {
			return next
		}
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() { done <- next(c) }()

			select {
			case err := <-done:
				if err == nil || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return err
				}
			case <-ctx.Done():
				if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return ctx.Err()
				}
			}
			if c.Response().Committed {
				return nil
			}
			oo := fhir.NewOperationOutcome("error", "timeout", "request exceeded "+timeout.String())
			return c.JSON(http.StatusGatewayTimeout, oo)
		}
	}
}
