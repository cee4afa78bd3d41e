package chat

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindDirect   Kind = "direct"
	KindCoaching Kind = "coaching"
	KindGroup    Kind = "group"
)

func (k Kind) Valid() bool {
	return k == KindDirect || k == KindCoaching || k == KindGroup
}

// MemberRole is a participant's role inside one conversation. Its meaning depends on
// the conversation kind.
type MemberRole string

const (
	MemberAdmin   MemberRole = "admin"
	MemberMember  MemberRole = "member"
	MemberCoach   MemberRole = "coach"
	MemberStudent MemberRole = "student"
)

type Conversation struct {
	ID                uuid.UUID  `json:"id"`
	Name              *string    `json:"name,omitempty"`
	Kind              Kind       `json:"kind"`
	CreatedBy         uuid.UUID  `json:"created_by"`
	OrganizationID    *uuid.UUID `json:"organization_id,omitempty"`
	CoachingContextID *string    `json:"coaching_context_id,omitempty"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`

	// Read-model decorations, filled by ListForUser.
	Participants []Participant `json:"participants,omitempty"`
	LastMessage  *Message      `json:"last_message,omitempty"`
	UnreadCount  int           `json:"unread_count"`
}

type Participant struct {
	ConversationID uuid.UUID  `json:"conversation_id"`
	UserID         uuid.UUID  `json:"user_id"`
	Role           MemberRole `json:"role"`
	JoinedAt       time.Time  `json:"joined_at"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
	Active         bool       `json:"is_active"`
	Name           string     `json:"name,omitempty"`
	Email          string     `json:"email,omitempty"`
}

type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageFile  MessageKind = "file"
)

type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

type Sender struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Message is immutable once written apart from the soft-delete flag.
type Message struct {
	ID             uuid.UUID   `json:"id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	SenderID       uuid.UUID   `json:"sender_id"`
	Kind           MessageKind `json:"kind"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	ReplyToID      *uuid.UUID  `json:"reply_to_id,omitempty"`
	ClientNonce    *string     `json:"client_nonce,omitempty"`
	Deleted        bool        `json:"-"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	Sender         *Sender     `json:"sender,omitempty"`
}
