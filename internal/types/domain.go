// Package types defines the shared domain model for the chatpulse messaging
// platform: users, conversations, chat messages, and the planned-message
// scheduling records that drive the automated pipeline. It also carries the
// queue wire format and the application error taxonomy so that every other
// package can depend on a single leaf package.
package types

import "time"

// MessageOrigin distinguishes messages typed by a user from messages
// materialized by the scheduled pipeline.
type MessageOrigin string

const (
	OriginManual    MessageOrigin = "manual"
	OriginScheduled MessageOrigin = "scheduled"
)

// MaxContentLength is the upper bound on chat message content, mirrored by
// the planned_messages and messages schema constraints.
const MaxContentLength = 1000

// User is a chat participant. Only active users take part in automated
// planning cycles.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

// Profile returns the public subset of a user that is safe to embed in
// fan-out event payloads.
func (u *User) Profile() UserProfile {
	return UserProfile{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
	}
}

// UserProfile is the public projection of a User carried in notification
// events alongside a delivered message.
type UserProfile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Conversation groups two or more participants. Participant order is not
// significant. LastMessageID and LastMessageAt are maintained on every
// materialized delivery.
type Conversation struct {
	ID             string     `json:"id"`
	ParticipantIDs []string   `json:"participantIds"`
	LastMessageID  *string    `json:"lastMessageId,omitempty"`
	LastMessageAt  *time.Time `json:"lastMessageAt,omitempty"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Message is a persisted chat message. The pipeline only ever inserts
// messages with Origin = OriginScheduled; manual messages arrive through the
// external REST surface.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	Origin         MessageOrigin `json:"origin"`
	IsRead         bool          `json:"isRead"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// PlannedMessage is the scheduling record behind a future automated message.
//
// A record moves monotonically through three states and never backwards:
//
//	PENDING   (is_promoted=false, is_delivered=false)
//	PROMOTED  (is_promoted=true,  is_delivered=false)
//	DELIVERED (is_promoted=true,  is_delivered=true)
//
// IsDelivered implies IsPromoted, and ProducedMessageID is set exactly when
// IsDelivered is true. ScheduledAt is immutable after creation and is always
// in the future at creation time.
type PlannedMessage struct {
	ID                string     `json:"id"`
	SenderID          string     `json:"senderId"`
	ReceiverID        string     `json:"receiverId"`
	Content           string     `json:"content"`
	ScheduledAt       time.Time  `json:"scheduledAt"`
	ConversationID    string     `json:"conversationId"`
	IsPromoted        bool       `json:"isPromoted"`
	IsDelivered       bool       `json:"isDelivered"`
	DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
	ProducedMessageID *string    `json:"producedMessageId,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`

	// Hydrated references, populated by PlannedMessageRepository.GetByID.
	// Nil on records returned from list queries.
	Sender       *User         `json:"sender,omitempty"`
	Receiver     *User         `json:"receiver,omitempty"`
	Conversation *Conversation `json:"conversation,omitempty"`
}

// PlannedMessageCounts summarizes the pipeline state for status endpoints.
// "Today" windows are computed in the reference time's location.
type PlannedMessageCounts struct {
	DueUnpromoted       int `json:"dueUnpromoted"`
	PromotedUndelivered int `json:"promotedUndelivered"`
	DeliveredToday      int `json:"deliveredToday"`
	PlannedToday        int `json:"plannedToday"`
}
