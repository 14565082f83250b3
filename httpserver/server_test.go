package httpserver_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"checkin/live/handlers"
	"checkin/live/httpserver"
	"checkin/live/metrics"
	"checkin/live/models"
	"checkin/live/store"
	"checkin/live/utils"
)

const testSecret = "test-secret-key"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m)
}

type server struct {
	clock  *quartz.Mock
	live   *store.LiveStore
	issuer *utils.TokenIssuer
	router *gin.Engine
}

func newServer(t *testing.T) *server {
	t.Helper()
	log := slogtest.Make(t, nil).Leveled(slog.LevelDebug)
	mClock := quartz.NewMock(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	live := store.NewLiveStore(store.WithLiveLogger(log), store.WithClock(mClock), store.WithMetrics(m))
	track := handlers.NewTrackHandlers(live, nil, log, m)
	track.Clock = mClock

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	require.NoError(t, err)
	issuer := utils.NewTokenIssuer(testSecret, time.Hour)

	r := httpserver.NewRouter(httpserver.Deps{
		Log:      log,
		FEOrigin: "http://localhost:3000",
		Track:    track,
		Live:     handlers.NewLiveHandlers(live, log),
		Auth:     handlers.NewAuthHandlers(handlers.AdminCredentials{Username: "admin", PasswordHash: hash}, issuer, log),
		Verifier: utils.NewTokenVerifier(testSecret),
		Gatherer: reg,
	})
	return &server{clock: mClock, live: live, issuer: issuer, router: r}
}

func (s *server) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *server) token(t *testing.T, role string) string {
	t.Helper()
	tok, err := s.issuer.Issue(models.Principal{Subject: "ops@example.edu", Role: role, SessionID: "sess-1"})
	require.NoError(t, err)
	return tok
}

type snapshotResponse struct {
	Success bool                `json:"success"`
	Data    models.LiveSnapshot `json:"data"`
}

func TestLoginPurchaseSnapshot(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	loginAt := s.clock.Now().Add(-10 * time.Minute).UTC()
	purchaseAt := s.clock.Now().Add(-time.Minute).UTC()

	w := s.do(t, http.MethodPost, "/api/track", "", fmt.Sprintf(
		`{"type":"login","userId":"U1","userType":"student","timestamp":%q}`, loginAt.Format(time.RFC3339Nano)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/track", "", fmt.Sprintf(
		`{"type":"purchase_completed","userId":"U1","eventId":"gala","eventName":"Spring Gala","ticketsPurchased":2,"amount":42.5,"transactionId":"tx-1","timestamp":%q}`,
		purchaseAt.Format(time.RFC3339Nano)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/live/snapshot", s.token(t, models.RoleAdmin), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp snapshotResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)

	snap := resp.Data
	assert.EqualValues(t, 1, snap.Stats.TotalLogins)
	assert.EqualValues(t, 1, snap.Stats.TotalPurchases)
	assert.InDelta(t, 42.5, snap.Stats.TotalRevenue, 1e-9)
	assert.Equal(t, 1, snap.Stats.ActiveUsers)

	require.Contains(t, snap.CurrentUsers, "U1")
	u1 := snap.CurrentUsers["U1"]
	assert.True(t, u1.LoginTime.Equal(loginAt))
	assert.True(t, u1.LastActivityTime.Equal(purchaseAt))

	require.Len(t, snap.PurchaseLog, 1)
	assert.Equal(t, "tx-1", snap.PurchaseLog[0].TransactionID)
	assert.Equal(t, 2, snap.PurchaseLog[0].TicketsPurchased)

	require.Len(t, snap.RecentActivity, 2)
	assert.Equal(t, models.EventPurchaseCompleted, snap.RecentActivity[0].Type)
}

func TestOversizedPurchaseKeepsSnapshotServing(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	s.do(t, http.MethodPost, "/api/track", "", `{"type":"login","userId":"U1","userType":"student"}`)
	for i := 0; i < 2; i++ {
		w := s.do(t, http.MethodPost, "/api/track", "", `{"type":"purchase_completed","userId":"U1","amount":1e308}`)
		require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	}
	w := s.do(t, http.MethodPost, "/api/track", "", `{"type":"purchase_completed","userId":"U1","amount":12.5}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/live/snapshot", s.token(t, models.RoleAdmin), "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, w.Body.Bytes())

	var resp snapshotResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	assert.EqualValues(t, 1, resp.Data.Stats.TotalPurchases)
	assert.InDelta(t, 12.5, resp.Data.Stats.TotalRevenue, 1e-9)
}

func TestSnapshotUnauthorized(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	s.live.RecordEvent(models.TrackEvent{Type: models.EventLogin, UserID: "U1", UserType: models.UserTypeStudent})

	other := utils.NewTokenIssuer("some-other-secret", time.Hour)
	forged, err := other.Issue(models.Principal{Subject: "x", Role: models.RoleAdmin})
	require.NoError(t, err)

	expiredIssuer := utils.NewTokenIssuer(testSecret, -time.Minute)
	expired, err := expiredIssuer.Issue(models.Principal{Subject: "x", Role: models.RoleAdmin})
	require.NoError(t, err)

	cases := map[string]string{
		"Missing":     "",
		"Garbage":     "not-a-jwt",
		"WrongSecret": forged,
		"Expired":     expired,
		"Student":     s.token(t, "student"),
		"NoRole":      s.token(t, ""),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			w := s.do(t, http.MethodGet, "/api/live/snapshot", token, "")
			require.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, false, body["success"])
			assert.NotContains(t, body, "data")
		})
	}
}

func TestSnapshotCookieToken(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/live/snapshot", nil)
	req.AddCookie(&http.Cookie{Name: "jwt_token", Value: s.token(t, models.RoleAdmin)})
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminLogin(t *testing.T) {
	t.Parallel()

	s := newServer(t)

	w := s.do(t, http.MethodPost, "/api/admin/login", "", `{"username":"admin","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/admin/login", "", `{"username":"root","password":"hunter22"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/admin/login", "", `{"username":"admin"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/admin/login", "", `{"username":"admin","password":"hunter22"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool   `json:"success"`
		Token   string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.Token)

	w = s.do(t, http.MethodGet, "/api/live/snapshot", resp.Token, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	s := newServer(t)
	s.do(t, http.MethodPost, "/api/track", "", `{"type":"login","userId":"U1","userType":"volunteer"}`)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/ready", "", "").Code)

	w := s.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `checkin_live_entries_ingested_total{kind="event",type="login"} 1`)
	assert.Contains(t, w.Body.String(), "checkin_live_active_users 1")
}
