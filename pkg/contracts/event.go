package contracts

import "time"

// Event is a runtime event delivered to the event bridge. Surface adapters
// (chat, marketplace, security) construct these; the bridge decides whether
// one becomes a DTU.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`

	// NoBridge marks events that must never be bridged into DTUs, such as
	// the bridge's own availability notifications.
	NoBridge bool `json:"no_bridge,omitempty"`
}

// Notification is the lightweight "available" signal emitted to a
// subscriber after a DTU commit. It carries no payload; the subscriber
// pulls the DTU on demand.
type Notification struct {
	Type      string    `json:"type"` // always "event:dtu_available"
	UserID    string    `json:"user_id"`
	DTUID     string    `json:"dtu_id"`
	NoBridge  bool      `json:"no_bridge"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationTypeAvailable is the only notification type the router emits.
const NotificationTypeAvailable = "event:dtu_available"
