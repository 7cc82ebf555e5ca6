package domain

import "time"

// Direction of a stored message relative to the bridge.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// InboundEvent is a decoded text message received from the mesh.
type InboundEvent struct {
	Text            string
	SenderID        string
	SenderShortName string
	SenderLongName  string
	Channel         *int // nil when the packet carried no channel
	IsDM            bool
	RxTime          time.Time
	FromNum         *uint32
	FromID          string
	ToNum           *uint32
	ToID            string
	MessageID       string
}

// MessageRecord is one persisted turn of a sender's conversation.
type MessageRecord struct {
	ID              int64     `json:"id"`
	Direction       Direction `json:"direction"`
	SenderID        string    `json:"sender_id"`
	SenderShortName string    `json:"sender_short_name,omitempty"`
	SenderLongName  string    `json:"sender_long_name,omitempty"`
	Channel         *int      `json:"channel,omitempty"`
	Text            string    `json:"text"`
	Timestamp       time.Time `json:"timestamp"`
	LatencyMs       float64   `json:"latency_ms,omitempty"` // outbound only
	MessageID       string    `json:"message_id,omitempty"`
}

// Destination addresses one outbound segment.
// A DM goes to NodeID when set, otherwise NodeNum; a broadcast goes to Channel.
type Destination struct {
	DM      bool
	NodeID  string
	NodeNum uint32
	Channel int
}

// IntPtr is a convenience for optional channel fields.
func IntPtr(v int) *int { return &v }
