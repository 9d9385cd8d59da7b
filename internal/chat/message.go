// Package chat defines the core conversation types shared by the
// archive, index, retrieval and engine components.
package chat

import "time"

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation turn entry. Messages are immutable after
// creation except for the embedding vector, which is attached lazily
// when the message is archived and indexed.
type Message struct {
	// Seq is the creation order, unique and monotonic within a conversation.
	Seq int64 `json:"seq"`

	Role    Role   `json:"role"`
	Content string `json:"content"`

	Timestamp time.Time `json:"timestamp"`

	// Embedding is set once the message has been embedded for retrieval.
	Embedding []float32 `json:"embedding,omitempty"`
}

// NewMessage creates a message with the given sequence number.
func NewMessage(seq int64, role Role, content string) Message {
	return Message{
		Seq:       seq,
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// MaxSeq returns the highest sequence number in msgs, or 0 if empty.
func MaxSeq(msgs []Message) int64 {
	var max int64
	for _, m := range msgs {
		if m.Seq > max {
			max = m.Seq
		}
	}
	return max
}
