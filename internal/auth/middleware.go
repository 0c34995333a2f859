package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

const identityContextKey = "auth.identity"

// NewMiddleware returns an echo middleware that requires a valid
// "Authorization: Bearer <token>" header and stores the verified
// identity on the request context. Failures get a bare 401 with no
// further detail.
func NewMiddleware(auther *Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			scheme, token, found := strings.Cut(header, " ")
			if !found || !strings.EqualFold(scheme, "bearer") || token == "" {
				return echo.ErrUnauthorized
			}

			identity, err := auther.Verify(token)
			if err != nil {
				return echo.ErrUnauthorized
			}

			c.Set(identityContextKey, identity)
			return next(c)
		}
	}
}

// IdentityFromContext returns the identity stored by the middleware.
func IdentityFromContext(c echo.Context) (Identity, bool) {
	identity, ok := c.Get(identityContextKey).(Identity)
	return identity, ok
}
