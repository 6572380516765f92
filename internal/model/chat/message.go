package chat

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Delivery tracks the durability of a locally created message.
// Confirmed rows carry an empty Delivery.
type Delivery string

const (
	DeliveryPending Delivery = "pending"
	DeliveryFailed  Delivery = "failed"
)

// CodeBlock is one fenced code segment extracted from an assistant reply.
type CodeBlock struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// ImageRef points at an already uploaded image attached to a user turn.
type ImageRef struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// Message is a single turn of a chat session.
type Message struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"sessionId"`
	Role        Role        `json:"role"`
	Content     string      `json:"content"`
	CreatedAt   time.Time   `json:"createdAt"`
	CodeBlocks  []CodeBlock `json:"codeBlocks,omitempty"`
	Explanation string      `json:"explanation,omitempty"`
	ImageRef    *ImageRef   `json:"imageRef,omitempty"`
	Delivery    Delivery    `json:"delivery,omitempty"`
}

// Clone returns a copy that shares no slices or pointers with m.
func (m Message) Clone() Message {
	out := m
	if m.CodeBlocks != nil {
		out.CodeBlocks = append([]CodeBlock(nil), m.CodeBlocks...)
	}
	if m.ImageRef != nil {
		ref := *m.ImageRef
		out.ImageRef = &ref
	}
	return out
}

// ProcessedMessage is the normalized form of one model response.
type ProcessedMessage struct {
	Message     string      `json:"message"`
	CodeBlocks  []CodeBlock `json:"codeBlocks"`
	Explanation string      `json:"explanation"`
}

// ContextMessage is one prior turn forwarded to the model.
type ContextMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
