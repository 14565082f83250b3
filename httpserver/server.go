package httpserver

import (
	"cdr.dev/slog/v3"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"checkin/live/handlers"
	"checkin/live/middleware"
)

// Deps is everything the router serves.
type Deps struct {
	Log      slog.Logger
	FEOrigin string
	Track    *handlers.TrackHandlers
	Live     *handlers.LiveHandlers
	Auth     *handlers.AuthHandlers
	Verifier middleware.Authenticator
	Gatherer prometheus.Gatherer
	Ready    []handlers.Pinger
}

// NewRouter wires the public endpoints, tracking ingestion and the
// admin-only live feed.
//
//	GET  /health, /ready, /metrics
//	POST /api/track            batch or single typed event
//	POST /api/track/event      single typed event
//	POST /api/admin/login      admin token issuance
//	POST /api/admin/logout
//	GET  /api/live/snapshot    admin bearer token required
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(d.Log.Named("http")))
	r.Use(middleware.CORSMiddleware(d.FEOrigin))

	r.GET("/health", handlers.Health)
	r.GET("/ready", handlers.Ready(d.Ready...))
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	{
		// Tracking never requires a credential: it is observational and
		// must not get in the way of page transitions or logins.
		api.POST("/track", d.Track.TrackEvent)
		api.POST("/track/event", d.Track.TrackSingleEvent)

		if d.Auth != nil {
			api.POST("/admin/login", d.Auth.AdminLogin)
			api.POST("/admin/logout", d.Auth.Logout)
		}

		live := api.Group("/live")
		live.Use(middleware.AdminRequired(d.Verifier, d.Log.Named("auth")))
		{
			live.GET("/snapshot", d.Live.GetSnapshot)
		}
	}

	return r
}
