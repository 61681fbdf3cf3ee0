package chat

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"snagit/internal/actor"
	"snagit/internal/metrics"
)

const (
	DefaultInitialPage = 30
	DefaultOlderPage   = 20
)

// Merge sources, used as metric labels.
const (
	sourcePage     = "page"
	sourceSent     = "sent"
	sourceIncoming = "incoming"
)

// Store is the single owner of conversation history.
//
// All state is touched only by the actor loop; every operation is a command
// sent over its channel. Transport calls happen outside the loop, so a slow
// fetch for one conversation never blocks reads of another. Run must be
// started before any operation is issued.
type Store struct {
	transport Transport
	log       *slog.Logger
	metrics   *metrics.Metrics

	initialPage int
	olderPage   int

	loop *actor.Loop

	// Owned by loop.
	conversations []Conversation
	history       map[uuid.UUID][]Message
	seen          map[uuid.UUID]map[uuid.UUID]struct{}

	obsMu     sync.Mutex
	observers map[uuid.UUID]map[int]func()
	nextObs   int
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithPageSizes overrides the initial and older page sizes. Non-positive values keep the default.
func WithPageSizes(initial, older int) Option {
	return func(s *Store) {
		if initial > 0 {
			s.initialPage = initial
		}
		if older > 0 {
			s.olderPage = older
		}
	}
}

func NewStore(transport Transport, opts ...Option) *Store {
	s := &Store{
		transport:   transport,
		log:         slog.Default(),
		initialPage: DefaultInitialPage,
		olderPage:   DefaultOlderPage,
		loop:        actor.New(),
		history:     make(map[uuid.UUID][]Message),
		seen:        make(map[uuid.UUID]map[uuid.UUID]struct{}),
		observers:   make(map[uuid.UUID]map[int]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "message_store")
	return s
}

// Run serves operations until ctx is cancelled. Operations issued after
// Run returns fail with ErrStoreClosed.
func (s *Store) Run(ctx context.Context) {
	s.loop.Run(ctx)
}

func (s *Store) exec(ctx context.Context, fn func()) error {
	return s.loop.Do(ctx, fn)
}

// Observe registers fn to be called after every change to the
// conversation's history, whoever caused it. fn runs on the goroutine that
// made the change, outside the loop, and may read the store. The returned
// function unregisters it.
func (s *Store) Observe(conversationID uuid.UUID, fn func()) (cancel func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	if s.observers[conversationID] == nil {
		s.observers[conversationID] = make(map[int]func())
	}
	s.observers[conversationID][id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers[conversationID], id)
		if len(s.observers[conversationID]) == 0 {
			delete(s.observers, conversationID)
		}
		s.obsMu.Unlock()
	}
}

func (s *Store) notify(conversationID uuid.UUID) {
	s.obsMu.Lock()
	fns := make([]func(), 0, len(s.observers[conversationID]))
	for _, fn := range s.observers[conversationID] {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// LoadConversations replaces the conversation list with a fresh fetch,
// newest activity first.
func (s *Store) LoadConversations(ctx context.Context) ([]Conversation, error) {
	fetched, err := s.transport.FetchConversations(ctx)
	s.metrics.Transport("fetch_conversations", err)
	if err != nil {
		s.log.Warn("fetch conversations failed", "err", err)
		return nil, err
	}
	sorted := slices.Clone(fetched)
	slices.SortStableFunc(sorted, func(a, b Conversation) int {
		return b.LastActivity.Compare(a.LastActivity)
	})

	var out []Conversation
	err = s.exec(ctx, func() {
		s.conversations = sorted
		out = slices.Clone(s.conversations)
	})
	return out, err
}

func (s *Store) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	err := s.exec(ctx, func() { out = slices.Clone(s.conversations) })
	return out, err
}

// LoadInitial replaces the conversation's history with its most recent page.
// On failure the held history is left untouched.
func (s *Store) LoadInitial(ctx context.Context, conversationID uuid.UUID) (Snapshot, error) {
	page, err := s.transport.FetchMessages(ctx, conversationID, nil, s.initialPage)
	s.metrics.Transport("fetch_messages", err)
	if err != nil {
		s.log.Warn("load initial failed", "conversation_id", conversationID, "err", err)
		return nil, err
	}

	var snap Snapshot
	err = s.exec(ctx, func() {
		delete(s.history, conversationID)
		delete(s.seen, conversationID)
		s.merge(conversationID, sourcePage, page)
		snap = s.snapshot(conversationID)
	})
	if err != nil {
		return nil, err
	}
	s.notify(conversationID)
	return snap, nil
}

// LoadOlder fetches the page strictly before the earliest held message and
// merges it ahead of the existing history.
func (s *Store) LoadOlder(ctx context.Context, conversationID uuid.UUID) (Snapshot, error) {
	var before *time.Time
	if err := s.exec(ctx, func() {
		if held := s.history[conversationID]; len(held) > 0 {
			earliest := held[0].SentAt
			before = &earliest
		}
	}); err != nil {
		return nil, err
	}

	page, err := s.transport.FetchMessages(ctx, conversationID, before, s.olderPage)
	s.metrics.Transport("fetch_messages", err)
	if err != nil {
		s.log.Warn("load older failed", "conversation_id", conversationID, "err", err)
		return nil, err
	}

	var snap Snapshot
	err = s.exec(ctx, func() {
		s.merge(conversationID, sourcePage, page)
		snap = s.snapshot(conversationID)
	})
	if err != nil {
		return nil, err
	}
	s.notify(conversationID)
	return snap, nil
}

// Send persists text through the transport and appends the result.
// Blank text is a no-op that returns the current snapshot.
func (s *Store) Send(ctx context.Context, conversationID uuid.UUID, text string) (Snapshot, error) {
	_, snap, err := s.SendMessage(ctx, conversationID, text)
	return snap, err
}

// SendMessage is Send that also reports the accepted message. For blank
// text the returned message is the zero value.
func (s *Store) SendMessage(ctx context.Context, conversationID uuid.UUID, text string) (Message, Snapshot, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		snap, err := s.Snapshot(ctx, conversationID)
		return Message{}, snap, err
	}

	sent, err := s.transport.SendMessage(ctx, conversationID, text)
	s.metrics.Transport("send_message", err)
	if err != nil {
		s.log.Warn("send failed", "conversation_id", conversationID, "err", err)
		return Message{}, nil, err
	}

	var snap Snapshot
	err = s.exec(ctx, func() {
		s.merge(conversationID, sourceSent, []Message{sent})
		snap = s.snapshot(conversationID)
	})
	if err != nil {
		return Message{}, nil, err
	}
	s.notify(conversationID)
	return sent, snap, nil
}

// sendIf persists text through the transport and merges the result only if
// commit returns true. commit runs on the loop, so deciding and merging are
// one step: no other operation can observe the message before commit has
// accepted it. The merge is applied even if ctx ended while the transport
// was answering; only commit decides visibility.
func (s *Store) sendIf(ctx context.Context, conversationID uuid.UUID, text string, commit func(Message) bool) (Message, bool, error) {
	sent, err := s.transport.SendMessage(ctx, conversationID, text)
	s.metrics.Transport("send_message", err)
	if err != nil {
		s.log.Warn("send failed", "conversation_id", conversationID, "err", err)
		return Message{}, false, err
	}

	var applied bool
	err = s.exec(context.WithoutCancel(ctx), func() {
		if !commit(sent) {
			return
		}
		applied = true
		s.merge(conversationID, sourceSent, []Message{sent})
	})
	if err != nil {
		return sent, false, err
	}
	if applied {
		s.notify(conversationID)
	}
	return sent, applied, nil
}

// ApplyIncoming merges a pushed message into its conversation. It only
// fails when the store is closed or ctx is done.
func (s *Store) ApplyIncoming(ctx context.Context, msg Message) (Snapshot, error) {
	var snap Snapshot
	err := s.exec(ctx, func() {
		s.merge(msg.ConversationID, sourceIncoming, []Message{msg})
		snap = s.snapshot(msg.ConversationID)
	})
	if err != nil {
		return nil, err
	}
	s.notify(msg.ConversationID)
	return snap, nil
}

func (s *Store) Snapshot(ctx context.Context, conversationID uuid.UUID) (Snapshot, error) {
	var snap Snapshot
	err := s.exec(ctx, func() { snap = s.snapshot(conversationID) })
	return snap, err
}

// SubscribeIncoming returns the transport's push feed for a conversation.
// The feed ends when ctx is cancelled and cannot be restarted.
func (s *Store) SubscribeIncoming(ctx context.Context, conversationID uuid.UUID) <-chan Message {
	return s.transport.IncomingMessages(ctx, conversationID)
}

// merge must only be called on the loop. Messages whose ID is already held
// for the conversation are skipped.
func (s *Store) merge(conversationID uuid.UUID, source string, msgs []Message) {
	seen := s.seen[conversationID]
	if seen == nil {
		seen = make(map[uuid.UUID]struct{})
		s.seen[conversationID] = seen
	}
	held := s.history[conversationID]
	added := 0
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		held = append(held, m)
		added++
	}
	// Stable: equal timestamps keep insertion order.
	slices.SortStableFunc(held, func(a, b Message) int {
		return a.SentAt.Compare(b.SentAt)
	})
	s.history[conversationID] = held

	s.metrics.Merged(source, added)
	s.metrics.Duplicates(len(msgs) - added)
	if dups := len(msgs) - added; dups > 0 {
		s.log.Debug("dropped duplicate messages", "conversation_id", conversationID, "source", source, "count", dups)
	}
}

func (s *Store) snapshot(conversationID uuid.UUID) Snapshot {
	return Snapshot(slices.Clone(s.history[conversationID]))
}
