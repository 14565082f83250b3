package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"checkin/live/middleware"
	"checkin/live/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// staticAuth accepts a fixed set of tokens.
type staticAuth map[string]*models.Principal

func (a staticAuth) Verify(token string) (*models.Principal, error) {
	if p, ok := a[token]; ok {
		return p, nil
	}
	return nil, xerrors.New("unknown token")
}

func TestAdminRequired(t *testing.T) {
	t.Parallel()

	auth := staticAuth{
		"admin-token":   {Subject: "ops", Role: models.RoleAdmin},
		"student-token": {Subject: "U1", Role: "student"},
	}
	r := gin.New()
	r.GET("/private", middleware.AdminRequired(auth, slogtest.Make(t, nil)), func(c *gin.Context) {
		p, ok := middleware.CurrentPrincipal(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, p.Subject)
	})

	cases := []struct {
		name   string
		header string
		cookie string
		code   int
	}{
		{"NoCredential", "", "", http.StatusUnauthorized},
		{"Admin", "Bearer admin-token", "", http.StatusOK},
		{"AdminLowercaseScheme", "bearer admin-token", "", http.StatusOK},
		{"Student", "Bearer student-token", "", http.StatusUnauthorized},
		{"Unknown", "Bearer nope", "", http.StatusUnauthorized},
		{"BasicScheme", "Basic admin-token", "", http.StatusUnauthorized},
		{"NoScheme", "admin-token", "", http.StatusUnauthorized},
		{"Cookie", "", "admin-token", http.StatusOK},
		{"HeaderWinsOverCookie", "Bearer student-token", "admin-token", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/private", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "jwt_token", Value: tc.cookie})
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			require.Equal(t, tc.code, w.Code)
			if tc.code == http.StatusOK {
				assert.Equal(t, "ops", w.Body.String())
			} else {
				assert.Contains(t, w.Body.String(), `"success":false`)
			}
		})
	}
}

func TestCurrentPrincipal_Unset(t *testing.T) {
	t.Parallel()

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	p, ok := middleware.CurrentPrincipal(c)
	assert.False(t, ok)
	assert.Nil(t, p)
}

func TestCORSMiddleware(t *testing.T) {
	t.Parallel()

	r := gin.New()
	r.Use(middleware.CORSMiddleware("http://localhost:3000"))
	r.POST("/api/track", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/api/track", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodPost, "/api/track", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
