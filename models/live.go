package models

import "time"

// PresenceEntry is the liveness state of one tracked identity.
type PresenceEntry struct {
	UserID           string    `json:"userId"`
	UserType         UserType  `json:"userType"`
	Identifier       string    `json:"identifier,omitempty"`
	LoginTime        time.Time `json:"loginTime"`
	LastActivityTime time.Time `json:"lastActivity"`
}

type PurchaseRecord struct {
	UserID           string    `json:"userId"`
	StudentID        string    `json:"studentId,omitempty"`
	EventID          string    `json:"eventId,omitempty"`
	EventName        string    `json:"eventName,omitempty"`
	TicketsPurchased int       `json:"ticketsPurchased"`
	Amount           float64   `json:"amount"`
	TransactionID    string    `json:"transactionId,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

type EventSelection struct {
	UserID     string    `json:"userId"`
	EventID    string    `json:"eventId,omitempty"`
	EventName  string    `json:"eventName,omitempty"`
	SelectedAt time.Time `json:"selectedAt"`
}

// ActivityEntry is one item of the recent activity feed. ReceivedAt is
// server time and drives retention.
type ActivityEntry struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	UserID     string         `json:"userId"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

type LiveStats struct {
	TotalLogins    int64   `json:"totalLogins"`
	TotalPurchases int64   `json:"totalPurchases"`
	TotalRevenue   float64 `json:"totalRevenue"`
	ActiveUsers    int     `json:"activeUsers"`
}

// LiveSnapshot is a point-in-time copy of the live aggregator state.
type LiveSnapshot struct {
	Stats           LiveStats                 `json:"stats"`
	RecentActivity  []ActivityEntry           `json:"recentActivity"`
	CurrentUsers    map[string]PresenceEntry  `json:"currentUsers"`
	PurchaseLog     []PurchaseRecord          `json:"purchaseLog"`
	EventSelections map[string]EventSelection `json:"eventSelections"`
	GeneratedAt     time.Time                 `json:"generatedAt"`
}
