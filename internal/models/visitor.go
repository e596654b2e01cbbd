package models

import "time"

// Visitor is a browser session on a customer site, as the traffic
// endpoints and the visitor_update notification report it.
type Visitor struct {
	ID                 string              `json:"visitor_id"`
	ChatbotID          string              `json:"chatbot_id,omitempty"`
	Room               string              `json:"room"`
	Email              *string             `json:"visitor_email,omitempty"`
	IPAddress          string              `json:"ip_address,omitempty"`
	IsOnline           bool                `json:"is_online"`
	LastSeen           time.Time           `json:"last_seen"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
	ConversationStatus *ConversationStatus `json:"conversation_status,omitempty"`
}

// ConversationStatus summarizes the visitor's latest open support conversation.
type ConversationStatus struct {
	HasConversation bool   `json:"has_conversation"`
	IsClosed        bool   `json:"is_closed"`
	AssignedUserID  *int64 `json:"assigned_user_id"`
	IsNew           bool   `json:"is_new"`
	LastMessageRole string `json:"last_message_role,omitempty"`
}

// Message roles reported in LastMessageRole.
const (
	RoleUser    = "user"
	RoleSupport = "support"
)

// Conversation returns the visitor's conversation status, or the zero
// status when the record carries none.
func (v Visitor) Conversation() ConversationStatus {
	if v.ConversationStatus == nil {
		return ConversationStatus{}
	}
	return *v.ConversationStatus
}

// EmailOr returns the visitor's email, or fallback when unknown.
func (v Visitor) EmailOr(fallback string) string {
	if v.Email == nil || *v.Email == "" {
		return fallback
	}
	return *v.Email
}

// ConversationRequest is the payload that opens a support conversation
// for a visitor.
type ConversationRequest struct {
	UserEmail string `json:"user_email"`
	ChatbotID string `json:"chatbot_id"`
	UserID    string `json:"user_id"`
}
