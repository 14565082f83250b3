package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"checkin/live/metrics"
	"checkin/live/models"
	"checkin/live/store"
)

// maxTrackBodyBytes bounds a single ingestion request.
const maxTrackBodyBytes = 1 << 20

// EventForwarder hands accepted events to the persistent sinks. It must
// not block.
type EventForwarder interface {
	Enqueue(events ...models.AnalyticsEvent)
}

type TrackHandlers struct {
	Live    *store.LiveStore
	Sink    EventForwarder
	Clock   quartz.Clock
	Log     slog.Logger
	Metrics *metrics.Metrics
}

func NewTrackHandlers(live *store.LiveStore, sink EventForwarder, log slog.Logger, m *metrics.Metrics) *TrackHandlers {
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	return &TrackHandlers{
		Live:    live,
		Sink:    sink,
		Clock:   quartz.NewReal(),
		Log:     log,
		Metrics: m,
	}
}

type trackBatchResponse struct {
	Accepted          bool `json:"accepted"`
	ActivitiesTracked int  `json:"activitiesTracked"`
	SessionsTracked   int  `json:"sessionsTracked"`
	Dropped           int  `json:"dropped"`
}

// TrackEvent ingests either a tracker batch {activities, sessions} or a
// single typed event {type, userId, ...}. Any content type is accepted so
// beacons sent as text/plain land here too.
func (h *TrackHandlers) TrackEvent(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil || top == nil {
		h.Log.Debug(c.Request.Context(), "rejected tracking payload that is not a JSON object", slog.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body"})
		return
	}

	if _, typed := top["type"]; typed {
		h.trackSingle(c, body)
		return
	}
	h.trackBatch(c, top)
}

// TrackSingleEvent ingests only single typed events.
func (h *TrackHandlers) TrackSingleEvent(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	h.trackSingle(c, body)
}

func (h *TrackHandlers) readBody(c *gin.Context) ([]byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxTrackBodyBytes)
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "Request body too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body"})
		return nil, false
	}
	return body, true
}

func (h *TrackHandlers) trackSingle(c *gin.Context, body []byte) {
	var event models.TrackEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.Metrics.EntriesDropped.WithLabelValues("event").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid event payload"})
		return
	}
	if err := event.Validate(); err != nil {
		h.Metrics.EntriesDropped.WithLabelValues("event").Inc()
		h.Log.Debug(c.Request.Context(), "dropped invalid event", slog.F("type", event.Type), slog.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = h.Clock.Now().UTC()
	}
	h.Live.RecordEvent(event)
	h.forward(models.AnalyticsEventFromTrackEvent(uuid.NewString(), event, h.source(c)))

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *TrackHandlers) trackBatch(c *gin.Context, top map[string]json.RawMessage) {
	var activities, sessions []json.RawMessage
	if err := unmarshalList(top["activities"], &activities); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "activities must be an array"})
		return
	}
	if err := unmarshalList(top["sessions"], &sessions); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "sessions must be an array"})
		return
	}

	ctx := c.Request.Context()
	src := h.source(c)
	now := h.Clock.Now().UTC()
	resp := trackBatchResponse{Accepted: true}
	forward := make([]models.AnalyticsEvent, 0, len(activities)+len(sessions))

	for _, raw := range activities {
		var a models.ActivityEvent
		err := json.Unmarshal(raw, &a)
		if err == nil {
			err = a.Validate()
		}
		if err != nil {
			resp.Dropped++
			h.Metrics.EntriesDropped.WithLabelValues("activity").Inc()
			h.Log.Debug(ctx, "dropped invalid activity", slog.Error(err))
			continue
		}
		if a.Timestamp.IsZero() {
			a.Timestamp = now
		}
		h.Live.RecordActivity(a)
		forward = append(forward, models.AnalyticsEventFromActivity(uuid.NewString(), a, src))
		resp.ActivitiesTracked++
	}

	for _, raw := range sessions {
		var s models.SessionRecord
		err := json.Unmarshal(raw, &s)
		if err == nil {
			err = s.Validate()
		}
		if err != nil {
			resp.Dropped++
			h.Metrics.EntriesDropped.WithLabelValues("session").Inc()
			h.Log.Debug(ctx, "dropped invalid session", slog.Error(err))
			continue
		}
		if s.Timestamp.IsZero() {
			s.Timestamp = now
		}
		h.Live.RecordSession(s)
		forward = append(forward, models.AnalyticsEventFromSession(uuid.NewString(), s, src))
		resp.SessionsTracked++
	}

	h.forward(forward...)
	c.JSON(http.StatusOK, resp)
}

func (h *TrackHandlers) forward(events ...models.AnalyticsEvent) {
	if h.Sink == nil || len(events) == 0 {
		return
	}
	h.Sink.Enqueue(events...)
}

func (*TrackHandlers) source(c *gin.Context) models.Source {
	return models.Source{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

// unmarshalList decodes an optional JSON array. Missing and null are empty.
func unmarshalList(raw json.RawMessage, dst *[]json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
