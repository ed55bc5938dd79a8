package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/opentorque/resv/internal/auth"
)

// userKey is the echo context key holding the authenticated user name.
const userKey = "user"

// Authenticate checks the X-Auth-* headers and stores the user in the
// context. A nil verifier trusts X-Auth-User as given.
func Authenticate(v *auth.Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			hdr := c.Request().Header
			user := hdr.Get(auth.HeaderUser)
			if v != nil {
				var err error
				user, err = v.VerifyHeaders(user, hdr.Get(auth.HeaderTimestamp), hdr.Get(auth.HeaderToken))
				if err != nil {
					return c.JSON(http.StatusUnauthorized, echo.Map{"error": err.Error()})
				}
			}
			if user == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
			}
			c.Set(userKey, user)
			return next(c)
		}
	}
}

// RequireOperator rejects users the backend does not list as operators.
func RequireOperator(b Backend) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !b.IsOperator(userName(c)) {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "operator privilege required"})
			}
			return next(c)
		}
	}
}

// RequestLog logs one line per request.
func RequestLog(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			log.Debug("Request",
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", c.Response().Status),
				zap.String("user", userName(c)),
				zap.Duration("elapsed", time.Since(start)))
			return nil
		}
	}
}

// Recover turns handler panics into 500 responses.
func Recover(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("Handler panic", zap.String("path", c.Request().URL.Path),
						zap.Any("panic", r), zap.Stack("stack"))
					err = echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprint(r))
				}
			}()
			return next(c)
		}
	}
}

func userName(c echo.Context) string {
	s, _ := c.Get(userKey).(string)
	return s
}
