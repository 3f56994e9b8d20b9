package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kind is a dot-separated name, e.g. "message.upserted" or
// "conn.frame.message:new". Subscribers filter by namespace prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
