package types

import "time"

// EnvelopeTypeAutoMessage is the wire type tag attached to every envelope the
// pipeline publishes. The tag identifies the payload on the wire; delivery
// itself keys off the planned message record.
const EnvelopeTypeAutoMessage = "auto_message"

// RetryCountHeader is the broker message header carrying the redelivery
// counter. The counter travels in metadata, never in the envelope body.
const RetryCountHeader = "x-retry-count"

// QueueEnvelope is the JSON body published to the work queue when a planned
// message is promoted. ID refers to the PlannedMessage record, which stays
// the idempotency key across redeliveries.
type QueueEnvelope struct {
	ID             string    `json:"id"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Content        string    `json:"content"`
	ConversationID string    `json:"conversationId"`
	ScheduledAt    time.Time `json:"scheduledAt"`
	CreatedAt      time.Time `json:"createdAt"`
	Type           string    `json:"type"`
}

// NewQueueEnvelope builds the wire envelope for a planned message.
func NewQueueEnvelope(pm *PlannedMessage) QueueEnvelope {
	return QueueEnvelope{
		ID:             pm.ID,
		SenderID:       pm.SenderID,
		ReceiverID:     pm.ReceiverID,
		Content:        pm.Content,
		ConversationID: pm.ConversationID,
		ScheduledAt:    pm.ScheduledAt,
		CreatedAt:      pm.CreatedAt,
		Type:           EnvelopeTypeAutoMessage,
	}
}

// Live-transport event names emitted by the delivery fan-out. Each delivery
// produces both: the receiver learns about the new message, the sender gets a
// send confirmation.
const (
	EventMessageReceived = "message_received"
	EventMessageSent     = "message_sent"
)

// MessageReceivedEvent is the payload pushed to the receiver's session.
type MessageReceivedEvent struct {
	Message *Message    `json:"message"`
	Sender  UserProfile `json:"sender"`
}

// MessageSentEvent is the payload pushed to the sender's session.
type MessageSentEvent struct {
	Message  *Message    `json:"message"`
	Receiver UserProfile `json:"receiver"`
}
