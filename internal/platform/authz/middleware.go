package authz

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Require returns middleware that rejects requests whose actor is not
// permitted to perform action on resource. Services re-check the same
// guard before committing mutations; this middleware only fails fast.
func Require(guard *Guard, resource, action string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := ActorFromContext(c.Request().Context())
			if err := guard.Authorize(actor, resource, action); err != nil {
				var authn *AuthenticationError
				if errors.As(err, &authn) {
					return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
				}
				return echo.NewHTTPError(http.StatusForbidden, err.Error())
			}
			return next(c)
		}
	}
}
