package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// TenantHeader names the development-mode tenant header.
const TenantHeader = "X-Tenant-Id"

// TenantAuthMiddleware resolves the tenant every downstream query is
// scoped to. In header mode the caller states the tenant directly; in
// jwt mode it comes from the tenant claim of a validated Bearer token.
// Requests without a tenant never reach a handler.
func TenantAuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		cc := c.(*AppContext)

		switch cc.App.AuthMode {
		case "jwt":
			tenant, ok := tenantFromJWT(cc)
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}
			cc.Tenant = tenant
		default:
			tenant := c.Request().Header.Get(TenantHeader)
			if tenant == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}
			cc.Tenant = tenant
		}

		return next(c)
	}
}

func tenantFromJWT(cc *AppContext) (string, bool) {
	authHeader := cc.Request().Header.Get("Authorization")
	if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")

	if cc.App.Key == nil {
		return "", false
	}
	k := *cc.App.Key
	parsed, err := jwt.Parse(token, k.Keyfunc)
	if err != nil || !parsed.Valid {
		return "", false
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}
	tenant, ok := claims["tenant"].(string)
	if !ok || tenant == "" {
		return "", false
	}
	return tenant, true
}
