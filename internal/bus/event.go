package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are namespace-prefixed: "conn.connected", "credential.changed",
// "cache.message_upserted", "feed.message:new".
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
