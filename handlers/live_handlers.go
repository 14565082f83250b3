package handlers

import (
	"encoding/json"
	"net/http"

	"cdr.dev/slog/v3"
	"github.com/gin-gonic/gin"

	"checkin/live/middleware"
	"checkin/live/store"
)

// LiveHandlers serves the operator dashboard feed. Routes must sit behind
// middleware.AdminRequired.
type LiveHandlers struct {
	Live *store.LiveStore
	Log  slog.Logger
}

func NewLiveHandlers(live *store.LiveStore, log slog.Logger) *LiveHandlers {
	return &LiveHandlers{Live: live, Log: log}
}

// GetSnapshot returns a point-in-time copy of the live aggregator state.
func (h *LiveHandlers) GetSnapshot(c *gin.Context) {
	principal, ok := middleware.CurrentPrincipal(c)
	if !ok {
		// Mounted without the admin middleware. Never serve data in that case.
		h.Log.Error(c.Request.Context(), "live snapshot reached without an authorized principal")
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Unauthorized"})
		return
	}

	snap := h.Live.Snapshot()
	// Rendered up front so a failure becomes a 500 rather than an empty 200.
	body, err := json.Marshal(gin.H{"success": true, "data": snap})
	if err != nil {
		h.Log.Error(c.Request.Context(), "render live snapshot", slog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to render live snapshot"})
		return
	}
	h.Log.Debug(c.Request.Context(), "served live snapshot",
		slog.F("subject", principal.Subject),
		slog.F("active_users", snap.Stats.ActiveUsers),
	)
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}
