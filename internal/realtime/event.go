package realtime

import (
	"slices"
	"time"

	"github.com/mbd888/creditsaga/internal/purchase"
)

// Event is one lifecycle change as sent to clients.
type Event struct {
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	CustomerID string    `json:"customerId,omitempty"`
	PurchaseID string    `json:"purchaseId,omitempty"`
	Data       any       `json:"data"`
}

// newEvent stamps data and lifts its customer and purchase ids so that
// subscriptions can filter without decoding the payload.
func newEvent(eventType string, data any, now time.Time) *Event {
	e := &Event{Type: eventType, Timestamp: now.UTC(), Data: data}
	switch v := data.(type) {
	case *purchase.Purchase:
		e.CustomerID, e.PurchaseID = v.CustomerID, v.ID
	case *purchase.RefundRequest:
		e.CustomerID, e.PurchaseID = v.CustomerID, v.PurchaseID
	}
	return e
}

// Subscription narrows what a client receives. Each non-empty list must
// contain the event's value; AllEvents overrides every list.
type Subscription struct {
	AllEvents   bool     `json:"allEvents"`
	EventTypes  []string `json:"eventTypes"`
	CustomerIDs []string `json:"customerIds"`
	PurchaseIDs []string `json:"purchaseIds"`
}

// Matches reports whether e passes the subscription.
func (s Subscription) Matches(e *Event) bool {
	if s.AllEvents {
		return true
	}
	return allows(s.EventTypes, e.Type) &&
		allows(s.CustomerIDs, e.CustomerID) &&
		allows(s.PurchaseIDs, e.PurchaseID)
}

func allows(filter []string, v string) bool {
	return len(filter) == 0 || slices.Contains(filter, v)
}
