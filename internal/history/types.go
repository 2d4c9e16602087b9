package history

import "time"

// Message directions, matching the CHECK constraint on modem_messages.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message is one relayed payload.
type Message struct {
	ID        int64     `json:"id"`
	Topic     string    `json:"topic"`
	Payload   string    `json:"payload"`
	Direction string    `json:"direction"`
	CreatedAt time.Time `json:"created_at"`
}

// LinkEvent is one Wi-Fi or upstream session transition.
type LinkEvent struct {
	ID        int64     `json:"id"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
