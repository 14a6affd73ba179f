// Package realtime owns the one live channel a session keeps open to the
// auction server: either a server-push event stream or a bidirectional
// socket, behind a common Transport interface with reconnect policy on top.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opentender/livebid/internal/money"
)

// EventType names the server-push events of stream mode.
type EventType string

const (
	EventClientsList      EventType = "ClientsList"
	EventTick             EventType = "Tick"
	EventIdentification   EventType = "Identification"
	EventRestoreBidAmount EventType = "RestoreBidAmount"
	EventKickClient       EventType = "KickClient"
	EventClose            EventType = "Close"
)

// Event is one inbound stream event with its undecoded payload.
type Event struct {
	Type EventType
	Data json.RawMessage
}

// TickPayload carries the server time heartbeat of stream mode.
type TickPayload struct {
	Time time.Time `json:"time"`
}

// IdentificationPayload resolves the session identity. Coefficient keeps
// the server's wire spelling and arrives as a fraction string.
type IdentificationPayload struct {
	BidderID    string          `json:"bidder_id"`
	ClientID    string          `json:"client_id"`
	ReturnURL   string          `json:"return_url,omitempty"`
	Coefficient *money.Rational `json:"coeficient,omitempty"`
}

// RestoreBidAmountPayload restores an in-flight bid after a reload.
type RestoreBidAmountPayload struct {
	LastAmount money.Rational `json:"last_amount"`
}

// ClientsListPayload maps connected client IDs to their metadata.
type ClientsListPayload map[string]ClientInfo

// ClientInfo describes one connected client.
type ClientInfo struct {
	IP string `json:"ip"`
}

// ParseEventPayload decodes an event's payload into its concrete type.
// Unknown event types return nil without error.
func ParseEventPayload(e Event) (any, error) {
	switch e.Type {
	case EventTick:
		var p TickPayload
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		return p, nil

	case EventIdentification:
		var p IdentificationPayload
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		return p, nil

	case EventRestoreBidAmount:
		var p RestoreBidAmountPayload
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		return p, nil

	case EventClientsList:
		var p ClientsListPayload
		if err := json.Unmarshal(e.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		return p, nil

	case EventKickClient, EventClose:
		return nil, nil

	default:
		return nil, nil
	}
}
