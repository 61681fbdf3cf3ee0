package chat

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Subscription drains one conversation's push feed into the Store and calls
// onChange after each message has been merged. The observer re-reads state
// through Store.Snapshot; no payload is pushed.
//
// onChange runs on the drain goroutine and must not call Start or Stop.
type Subscription struct {
	store          *Store
	conversationID uuid.UUID
	onChange       func()

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSubscription(store *Store, conversationID uuid.UUID, onChange func()) *Subscription {
	if onChange == nil {
		onChange = func() {}
	}
	return &Subscription{
		store:          store,
		conversationID: conversationID,
		onChange:       onChange,
	}
}

// Start begins draining the feed. A running drain is stopped first, so at
// most one drain exists per Subscription.
func (s *Subscription) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	feed := s.store.SubscribeIncoming(ctx, s.conversationID)
	s.cancel = cancel
	s.done = done

	s.store.metrics.SubscriptionStarted()
	s.store.log.Debug("subscription started", "conversation_id", s.conversationID)
	go s.drain(ctx, feed, done)
}

// Stop cancels the drain and waits for it to exit. No notification is
// delivered after Stop returns.
func (s *Subscription) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Active reports whether a drain is still running.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Subscription) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

func (s *Subscription) drain(ctx context.Context, feed <-chan Message, done chan struct{}) {
	defer close(done)
	defer s.store.metrics.SubscriptionStopped()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-feed:
			if !ok {
				s.store.log.Debug("push feed ended", "conversation_id", s.conversationID)
				return
			}
			if _, err := s.store.ApplyIncoming(ctx, msg); err != nil {
				return
			}
			if ctx.Err() != nil {
				return
			}
			s.onChange()
		}
	}
}
