package broadcast

import (
	"time"
)

// Kind enumerates the typed events the engine emits.
type Kind string

const (
	EventOrderAdded     Kind = "order_added"
	EventOrderRemoved   Kind = "order_removed"
	EventOrderUpdated   Kind = "order_updated"
	EventTrade          Kind = "trade"
	EventPriceUpdate    Kind = "price_update"
	EventBalanceUpdate  Kind = "balance_update"
	EventEpochCommitted Kind = "epoch_committed"
)

// Event is the JSON envelope pushed to subscribers: the kind, a server
// timestamp, the routing keys relevant to the namespace, and the payload.
type Event struct {
	Kind      Kind        `json:"event"`
	Timestamp string      `json:"timestamp"` // ISO-8601
	MarketID  string      `json:"marketId,omitempty"`
	TokenID   string      `json:"tokenId,omitempty"`
	User      string      `json:"user,omitempty"`
	DebateID  string      `json:"debateId,omitempty"`
	Data      interface{} `json:"data"`
}

// newEvent is the single envelope constructor; all emit paths go through it.
func newEvent(kind Kind, now time.Time, data interface{}) Event {
	return Event{
		Kind:      kind,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
}
