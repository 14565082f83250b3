package models

import (
	"encoding/json"
	"time"
)

// AnalyticsEvent is the durable row forwarded to the persistent sinks.
// Activities, sessions and discrete events all flatten into it.
type AnalyticsEvent struct {
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	UserID     string          `json:"userId"`
	UserType   string          `json:"userType"`
	SessionID  string          `json:"sessionId"`
	Timestamp  time.Time       `json:"timestamp"`
	PagePath   string          `json:"pagePath"`
	Referrer   string          `json:"referrer"`
	UserAgent  string          `json:"userAgent"`
	IPAddress  string          `json:"ipAddress"`
	DurationMs int64           `json:"durationMs"`
	Amount     float64         `json:"amount,omitempty"`
	EventData  json.RawMessage `json:"eventData,omitempty"`
}

// Source describes where an event was received from.
type Source struct {
	IPAddress string
	UserAgent string
}

// AnalyticsEventFromActivity flattens an activity for the durable sinks.
func AnalyticsEventFromActivity(id string, a ActivityEvent, src Source) AnalyticsEvent {
	data, _ := json.Marshal(a.Metadata)
	return AnalyticsEvent{
		EventID:   id,
		EventType: string(a.ActivityType),
		UserID:    a.UserID,
		UserType:  string(a.UserType),
		Timestamp: a.Timestamp,
		PagePath:  a.Page,
		UserAgent: src.UserAgent,
		IPAddress: src.IPAddress,
		EventData: data,
	}
}

// AnalyticsEventFromSession flattens a session record for the durable sinks.
func AnalyticsEventFromSession(id string, s SessionRecord, src Source) AnalyticsEvent {
	return AnalyticsEvent{
		EventID:    id,
		EventType:  "session",
		UserID:     s.UserID,
		UserType:   string(s.UserType),
		SessionID:  s.SessionID,
		Timestamp:  s.Timestamp,
		PagePath:   s.Page,
		Referrer:   s.Referrer,
		UserAgent:  src.UserAgent,
		IPAddress:  src.IPAddress,
		DurationMs: s.TimeOnPageMillis,
	}
}

// AnalyticsEventFromTrackEvent flattens a discrete event for the durable sinks.
func AnalyticsEventFromTrackEvent(id string, e TrackEvent, src Source) AnalyticsEvent {
	data, _ := json.Marshal(e.Fields())
	return AnalyticsEvent{
		EventID:   id,
		EventType: e.Type,
		UserID:    e.UserID,
		UserType:  string(e.UserType),
		Timestamp: e.Timestamp,
		UserAgent: src.UserAgent,
		IPAddress: src.IPAddress,
		Amount:    e.Amount,
		EventData: data,
	}
}
