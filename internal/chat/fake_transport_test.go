package chat

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

var t0 = time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func msgAt(conversationID uuid.UUID, sec int, text string) Message {
	return Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Author:         Other("Bot"),
		Text:           text,
		SentAt:         at(sec),
	}
}

// fakeTransport is a scriptable in-memory backend.
type fakeTransport struct {
	mu            sync.Mutex
	conversations []Conversation
	server        map[uuid.UUID][]Message
	fetchErr      error
	sendErr       error
	sendCalls     int
	sendGate      chan struct{}
	ignoreCtx     bool // gated sends complete even after cancellation, like a server that already accepted the write
	clock         func() time.Time
	feeds         map[uuid.UUID][]chan Message

	activeFeeds atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		server: make(map[uuid.UUID][]Message),
		feeds:  make(map[uuid.UUID][]chan Message),
		clock:  func() time.Time { return at(1000) },
	}
}

func (f *fakeTransport) seed(msgs ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.server[m.ConversationID] = append(f.server[m.ConversationID], m)
	}
	for id := range f.server {
		slices.SortStableFunc(f.server[id], func(a, b Message) int { return a.SentAt.Compare(b.SentAt) })
	}
}

func (f *fakeTransport) setFetchErr(err error) {
	f.mu.Lock()
	f.fetchErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) setClock(fn func() time.Time) {
	f.mu.Lock()
	f.clock = fn
	f.mu.Unlock()
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

func (f *fakeTransport) FetchConversations(ctx context.Context) ([]Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, &TransportError{Op: "fetch_conversations", Err: f.fetchErr}
	}
	return slices.Clone(f.conversations), nil
}

func (f *fakeTransport) FetchMessages(ctx context.Context, conversationID uuid.UUID, before *time.Time, limit int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, &TransportError{Op: "fetch_messages", Err: f.fetchErr}
	}
	var eligible []Message
	for _, m := range f.server[conversationID] {
		if before == nil || m.SentAt.Before(*before) {
			eligible = append(eligible, m)
		}
	}
	if len(eligible) > limit {
		eligible = eligible[len(eligible)-limit:]
	}
	return slices.Clone(eligible), nil
}

func (f *fakeTransport) SendMessage(ctx context.Context, conversationID uuid.UUID, text string) (Message, error) {
	f.mu.Lock()
	f.sendCalls++
	gate := f.sendGate
	ignoreCtx := f.ignoreCtx
	f.mu.Unlock()

	if gate != nil && ignoreCtx {
		<-gate
	} else if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		if err := ctx.Err(); err != nil {
			return Message{}, &TransportError{Op: "send_message", Err: err}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return Message{}, &TransportError{Op: "send_message", Err: f.sendErr}
	}
	msg := Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Author:         Me(),
		Text:           text,
		SentAt:         f.clock(),
	}
	f.server[conversationID] = append(f.server[conversationID], msg)
	return msg, nil
}

func (f *fakeTransport) IncomingMessages(ctx context.Context, conversationID uuid.UUID) <-chan Message {
	out := make(chan Message)
	src := make(chan Message)

	f.mu.Lock()
	f.feeds[conversationID] = append(f.feeds[conversationID], src)
	f.mu.Unlock()
	f.activeFeeds.Add(1)

	go func() {
		defer close(out)
		defer f.activeFeeds.Add(-1)
		defer func() {
			f.mu.Lock()
			f.feeds[conversationID] = slices.DeleteFunc(f.feeds[conversationID], func(c chan Message) bool { return c == src })
			f.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-src:
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// push hands msg to every live feed for its conversation and reports how
// many accepted it.
func (f *fakeTransport) push(msg Message) int {
	f.mu.Lock()
	srcs := slices.Clone(f.feeds[msg.ConversationID])
	f.mu.Unlock()

	delivered := 0
	for _, src := range srcs {
		select {
		case src <- msg:
			delivered++
		case <-time.After(200 * time.Millisecond):
		}
	}
	return delivered
}

func startStore(t *testing.T, tr Transport, opts ...Option) *Store {
	t.Helper()
	s := NewStore(tr, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func assertSorted(t *testing.T, snap Snapshot) {
	t.Helper()
	for i := 1; i < len(snap); i++ {
		if snap[i].SentAt.Before(snap[i-1].SentAt) {
			t.Fatalf("snapshot not sorted at %d: %v before %v", i, snap[i].SentAt, snap[i-1].SentAt)
		}
	}
}
