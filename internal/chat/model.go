package chat

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------
// 🗄️ Domain Models
// ---------------------------------------------

type Conversation struct {
	ID           uuid.UUID `json:"id"`
	Title        string    `json:"title"`
	LastPreview  string    `json:"last_preview,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}

// Author is either the local user (Self) or a named remote participant.
type Author struct {
	Self bool   `json:"self"`
	Name string `json:"name,omitempty"`
}

func Me() Author { return Author{Self: true} }

func Other(name string) Author { return Author{Name: name} }

func (a Author) String() string {
	if a.Self {
		return "me"
	}
	return a.Name
}

// Message is append-only: once accepted by the Store it is never mutated.
// Delivery status lives in the Outbox, not here.
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Author         Author    `json:"author"`
	Text           string    `json:"text"`
	SentAt         time.Time `json:"sent_at"`
}

// Snapshot is a point-in-time copy of one conversation's history, sorted by SentAt.
type Snapshot []Message

// Last returns the newest message, or false for an empty snapshot.
func (s Snapshot) Last() (Message, bool) {
	if len(s) == 0 {
		return Message{}, false
	}
	return s[len(s)-1], true
}

// ---------------------------------------------
// ⚡ Wire Models
// ---------------------------------------------

// decodeMessage parses a message published on the Redis push channel.
func decodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if msg.ID == uuid.Nil || msg.ConversationID == uuid.Nil {
		return msg, errors.New("message missing identifiers")
	}
	return msg, nil
}
