package domain

import (
	"strings"
	"time"
)

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Chat is a conversation owned by a single user.
type Chat struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Title      string     `json:"title"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// CanRead reports whether the session may view the chat and attach to its streams.
func (c *Chat) CanRead(s *Session) bool {
	if c.Visibility == VisibilityPublic {
		return true
	}
	return s != nil && s.UserID == c.UserID
}

// Owns reports whether the session owns the chat.
func (c *Chat) Owns(s *Session) bool {
	return s != nil && s.UserID == c.UserID
}

type PartType string

const (
	PartText PartType = "text"
	PartFile PartType = "file"
)

// Part is one ordered piece of a message.
type Part struct {
	Type      PartType `json:"type"`
	Text      string   `json:"text,omitempty"`
	MediaType string   `json:"mediaType,omitempty"`
	Name      string   `json:"name,omitempty"`
	URL       string   `json:"url,omitempty"`
}

func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// Attachment is opaque metadata stored with a message.
type Attachment struct {
	ResponseID string `json:"responseId,omitempty"`
	Name       string `json:"name,omitempty"`
	URL        string `json:"url,omitempty"`
	MediaType  string `json:"mediaType,omitempty"`
}

type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chatId,omitempty"`
	Role        Role         `json:"role"`
	Parts       []Part       `json:"parts"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// Text concatenates all text parts.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

type UserType string

const (
	UserGuest   UserType = "guest"
	UserRegular UserType = "regular"
)

// Session identifies the caller of a request.
type Session struct {
	UserID string   `json:"userId"`
	Type   UserType `json:"type"`
}

// Lease grants exclusive generation rights on a chat until ExpiresAt.
type Lease struct {
	ChatID    string
	Token     string
	ExpiresAt time.Time
}
