package models

import (
	"strconv"
	"time"
)

// DeliveryState tracks an outbound message through the optimistic send flow.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Message is a chat message as held by the chat store.
type Message struct {
	ID              string        `json:"id"`
	ConversationKey string        `json:"conversation_key"`
	SenderID        int64         `json:"sender_id"`
	ReceiverID      int64         `json:"receiver_id,omitempty"`
	Content         string        `json:"content"`
	Timestamp       int64         `json:"timestamp"` // epoch milliseconds
	DeliveryState   DeliveryState `json:"delivery_state"`

	// ClientID is the temporary id an optimistic message was created with.
	// It survives reconciliation so callers can follow a send to its server id.
	ClientID string `json:"client_id,omitempty"`
}

// Time returns the message timestamp as a time.Time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Pending reports whether the message is an unconfirmed optimistic send.
func (m Message) Pending() bool {
	return m.DeliveryState == DeliveryPending
}

// Participant is a user taking part in a conversation.
type Participant struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Conversation identifies a realtime channel between participants.
type Conversation struct {
	ID           int64         `json:"id"`
	Name         string        `json:"name,omitempty"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ParticipantIDs returns the ids of every participant.
func (c Conversation) ParticipantIDs() []int64 {
	ids := make([]int64, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

// Peer returns the first participant that is not self.
func (c Conversation) Peer(self int64) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID != self {
			return p, true
		}
	}
	return Participant{}, false
}

// Product is the attachment carried by a product envelope message.
type Product struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Condition    string `json:"condition,omitempty"`
	PurchaseYear int    `json:"purchaseYear,omitempty"`
	Image        string `json:"image,omitempty"`
}

// FormatUserID renders a user id the way it appears in keys and logs.
func FormatUserID(id int64) string {
	return strconv.FormatInt(id, 10)
}
