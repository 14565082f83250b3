package models

import (
	"math"
	"strings"
	"time"
)

const (
	EventLogin             = "login"
	EventTypeSelection     = "event_selection"
	EventPurchaseCompleted = "purchase_completed"
	EventActivity          = "activity"
)

// MaxPurchaseAmount bounds a single purchase. It fits the NUMERIC(12, 2)
// amount column of the event log.
const MaxPurchaseAmount = 1e9

// KnownEventType reports whether t is one of the event types the live
// aggregator interprets.
func KnownEventType(t string) bool {
	switch t {
	case EventLogin, EventTypeSelection, EventPurchaseCompleted, EventActivity:
		return true
	}
	return false
}

// TrackEvent is a single discrete event submitted outside the tracker
// batches, usually by the login and checkout flows.
type TrackEvent struct {
	Type             string         `json:"type"`
	UserID           string         `json:"userId"`
	UserType         UserType       `json:"userType,omitempty"`
	Identifier       string         `json:"identifier,omitempty"`
	StudentID        string         `json:"studentId,omitempty"`
	EventID          string         `json:"eventId,omitempty"`
	EventName        string         `json:"eventName,omitempty"`
	TicketsPurchased int            `json:"ticketsPurchased,omitempty"`
	Amount           float64        `json:"amount,omitempty"`
	TransactionID    string         `json:"transactionId,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
	Data             map[string]any `json:"data,omitempty"`
}

func (e TrackEvent) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return missing("type")
	}
	if strings.TrimSpace(e.UserID) == "" {
		return missing("userId")
	}
	if e.UserType != "" && !e.UserType.Valid() {
		return invalid("userType", "must be student or volunteer")
	}
	switch e.Type {
	case EventLogin:
		if e.UserType == "" {
			return missing("userType")
		}
	case EventPurchaseCompleted:
		if math.IsNaN(e.Amount) || math.IsInf(e.Amount, 0) || e.Amount < 0 {
			return invalid("amount", "must be a finite non-negative number")
		}
		if e.Amount > MaxPurchaseAmount {
			return invalid("amount", "exceeds the maximum purchase amount")
		}
		if e.TicketsPurchased < 0 {
			return invalid("ticketsPurchased", "must not be negative")
		}
	}
	return nil
}

// Fields returns the populated event fields as a flat map, used for the
// recent activity feed and the durable sinks.
func (e TrackEvent) Fields() map[string]any {
	m := make(map[string]any, len(e.Data)+8)
	for k, v := range e.Data {
		m[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	set("userType", string(e.UserType))
	set("identifier", e.Identifier)
	set("studentId", e.StudentID)
	set("eventId", e.EventID)
	set("eventName", e.EventName)
	set("transactionId", e.TransactionID)
	if e.Type == EventPurchaseCompleted {
		m["amount"] = e.Amount
		m["ticketsPurchased"] = e.TicketsPurchased
	}
	return m
}
