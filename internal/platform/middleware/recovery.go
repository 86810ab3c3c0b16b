package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/patient-records/internal/platform/auth"
)

// Recovery turns a handler panic into a 500 and logs the route, the acting
// user and the stack. http.ErrAbortHandler is re-raised so net/http can abort
// the connection.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if e, ok := r.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(r)
				}

				req := c.Request()
				evt := logger.Error().
					Interface("panic_value", r).
					Str("method", req.Method).
					Str("route", c.Path()).
					Bytes("stack", debug.Stack())
				if rid, ok := c.Get("request_id").(string); ok {
					evt = evt.Str("request_id", rid)
				}
				if tid, ok := c.Get("tenant_id").(string); ok {
					evt = evt.Str("tenant_id", tid)
				}
				if uid := auth.UserIDFromContext(req.Context()); uid != "" {
					evt = evt.Str("user_id", uid)
				}
				evt.Msg("handler panicked")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error").
					SetInternal(fmt.Errorf("panic in %s %s: %v", req.Method, c.Path(), r))
			}()
			return next(c)
		}
	}
}
