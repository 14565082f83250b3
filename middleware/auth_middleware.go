package middleware

import (
	"net/http"
	"strings"

	"cdr.dev/slog/v3"
	"github.com/gin-gonic/gin"

	"checkin/live/models"
)

const principalKey = "principal"

// Authenticator verifies a bearer token and returns the decoded principal.
type Authenticator interface {
	Verify(token string) (*models.Principal, error)
}

// AdminRequired lets a request through only when it carries a valid token
// for a principal whose role is exactly admin. Everything else is a 401
// with no data.
func AdminRequired(auth Authenticator, log slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			log.Debug(c.Request.Context(), "admin request without credential", slog.F("path", c.FullPath()))
			abortUnauthorized(c, "Unauthorized: No token provided")
			return
		}

		principal, err := auth.Verify(tokenString)
		if err != nil {
			log.Info(c.Request.Context(), "rejected admin credential", slog.F("path", c.FullPath()), slog.Error(err))
			abortUnauthorized(c, "Unauthorized: Invalid or expired token")
			return
		}
		if principal.Role != models.RoleAdmin {
			log.Info(c.Request.Context(), "non-admin principal denied",
				slog.F("subject", principal.Subject), slog.F("role", principal.Role))
			abortUnauthorized(c, "Unauthorized: Admin access required")
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// CurrentPrincipal returns the principal set by AdminRequired.
func CurrentPrincipal(c *gin.Context) (*models.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*models.Principal)
	return p, ok
}

// bearerToken reads the Authorization header, falling back to the
// jwt_token cookie used by the dashboard.
func bearerToken(c *gin.Context) string {
	if h := strings.TrimSpace(c.GetHeader("Authorization")); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
	if cookie, err := c.Cookie("jwt_token"); err == nil {
		return cookie
	}
	return ""
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": msg})
}
