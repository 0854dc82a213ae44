// Package middleware carries the echo middleware shared by both endpoint
// groups: request ids, request logging, and panic recovery.
package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// HeaderRequestID is honored when the client sends one and echoed back on
// every response.
const HeaderRequestID = "X-Request-ID"

// ContextKeyRequestID is the echo context key the request id is stored under.
const ContextKeyRequestID = "request_id"

func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(HeaderRequestID)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set(ContextKeyRequestID, rid)
			c.Response().Header().Set(HeaderRequestID, rid)
			return next(c)
		}
	}
}
