package models

import (
	"strings"
	"time"
)

type UserType string

const (
	UserTypeStudent   UserType = "student"
	UserTypeVolunteer UserType = "volunteer"
)

func (u UserType) Valid() bool {
	return u == UserTypeStudent || u == UserTypeVolunteer
}

type ActivityType string

const (
	ActivityPageView        ActivityType = "page_view"
	ActivityClick           ActivityType = "click"
	ActivityScroll          ActivityType = "scroll"
	ActivityFormInteraction ActivityType = "form_interaction"
	ActivityTimeOnPage      ActivityType = "time_on_page"
	ActivityFocus           ActivityType = "focus"
	ActivityBlur            ActivityType = "blur"
)

func (a ActivityType) Valid() bool {
	switch a {
	case ActivityPageView, ActivityClick, ActivityScroll, ActivityFormInteraction,
		ActivityTimeOnPage, ActivityFocus, ActivityBlur:
		return true
	default:
		return false
	}
}

// ActivityEvent is a single observed interaction produced by the tracker.
type ActivityEvent struct {
	UserID       string         `json:"userId"`
	UserType     UserType       `json:"userType"`
	ActivityType ActivityType   `json:"activityType"`
	Page         string         `json:"page"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

func (a ActivityEvent) Validate() error {
	if strings.TrimSpace(a.UserID) == "" {
		return missing("userId")
	}
	if a.UserType == "" {
		return missing("userType")
	}
	if !a.UserType.Valid() {
		return invalid("userType", "must be student or volunteer")
	}
	if !a.ActivityType.Valid() {
		return invalid("activityType", "unknown activity type "+string(a.ActivityType))
	}
	for k, v := range a.Metadata {
		if !isScalar(v) {
			return invalid("metadata."+k, "must be a scalar value")
		}
	}
	return nil
}

// SessionRecord is the attention spent on one page, emitted when the user
// leaves it or the page is torn down.
type SessionRecord struct {
	UserID           string    `json:"userId"`
	UserType         UserType  `json:"userType"`
	SessionID        string    `json:"sessionId"`
	Page             string    `json:"page"`
	TimeOnPageMillis int64     `json:"timeOnPage"`
	Referrer         string    `json:"referrer,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

func (s SessionRecord) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return missing("userId")
	}
	if s.UserType == "" {
		return missing("userType")
	}
	if !s.UserType.Valid() {
		return invalid("userType", "must be student or volunteer")
	}
	if s.TimeOnPageMillis < 0 {
		return invalid("timeOnPage", "must not be negative")
	}
	return nil
}

// TrackBatch is what the tracker delivers on every flush.
type TrackBatch struct {
	Activities []ActivityEvent `json:"activities"`
	Sessions   []SessionRecord `json:"sessions"`
}

func (b TrackBatch) Empty() bool {
	return len(b.Activities) == 0 && len(b.Sessions) == 0
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int64, int32, uint, uint64, uint32:
		return true
	default:
		return false
	}
}
