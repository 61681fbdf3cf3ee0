package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"snagit/internal/actor"
)

// Transport is everything the Store needs from the network.
// Implementations must be safe for concurrent use.
type Transport interface {
	FetchConversations(ctx context.Context) ([]Conversation, error)
	// FetchMessages returns at most limit messages strictly older than before,
	// or the most recent ones when before is nil, sorted ascending by SentAt.
	FetchMessages(ctx context.Context, conversationID uuid.UUID, before *time.Time, limit int) ([]Message, error)
	// SendMessage persists text and returns the message with its final ID and timestamp.
	SendMessage(ctx context.Context, conversationID uuid.UUID, text string) (Message, error)
	// IncomingMessages streams pushed messages until ctx is cancelled,
	// then closes the channel and releases the underlying registration.
	IncomingMessages(ctx context.Context, conversationID uuid.UUID) <-chan Message
}

var (
	ErrStoreClosed      = actor.ErrClosed
	ErrUnknownMessage   = errors.New("unknown outgoing message")
	ErrAlreadyConfirmed = errors.New("message already confirmed")
)

// TransportError reports a failed network operation.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func transportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
