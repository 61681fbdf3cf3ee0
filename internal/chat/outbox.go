package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SendState is the delivery state of a locally authored message.
type SendState string

const (
	SendPending   SendState = "pending"
	SendConfirmed SendState = "confirmed"
	SendFailed    SendState = "failed"
)

// DefaultConfirmedRetention is how long a confirmed record stays listed
// before the outbox forgets it.
const DefaultConfirmedRetention = time.Minute

var ErrEmptyMessage = errors.New("message text is empty")

var errSendCancelled = errors.New("send cancelled")

// Outgoing is the optimistic record shown before the transport confirms a send.
type Outgoing struct {
	LocalID        uuid.UUID `json:"local_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Text           string    `json:"text"`
	State          SendState `json:"state"`
	Error          string    `json:"error,omitempty"`
	Attempts       int       `json:"attempts"`
	CreatedAt      time.Time `json:"created_at"`
	// Confirmed is the stored message once State is SendConfirmed.
	Confirmed *Message `json:"confirmed,omitempty"`
}

type outgoingEntry struct {
	Outgoing
	attempt     int
	cancel      context.CancelFunc
	confirmedAt time.Time
}

// Outbox tracks optimistic sends keyed by local ID. Each local ID has at
// most one live attempt: Resend and Cancel invalidate the previous attempt,
// and results of invalidated attempts are discarded.
type Outbox struct {
	store     *Store
	onChange  func()
	retention time.Duration
	now       func() time.Time

	base       context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	entries map[uuid.UUID]*outgoingEntry
}

type OutboxOption func(*Outbox)

// WithConfirmedRetention sets how long confirmed records are kept. Failed
// and pending records are kept until they are confirmed.
func WithConfirmedRetention(d time.Duration) OutboxOption {
	return func(o *Outbox) { o.retention = d }
}

func NewOutbox(store *Store, onChange func(), opts ...OutboxOption) *Outbox {
	if onChange == nil {
		onChange = func() {}
	}
	base, cancel := context.WithCancel(context.Background())
	o := &Outbox{
		store:      store,
		onChange:   onChange,
		retention:  DefaultConfirmedRetention,
		now:        time.Now,
		base:       base,
		baseCancel: cancel,
		entries:    make(map[uuid.UUID]*outgoingEntry),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Send records a pending message and starts delivering it in the background.
func (o *Outbox) Send(conversationID uuid.UUID, text string) (Outgoing, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Outgoing{}, ErrEmptyMessage
	}

	o.mu.Lock()
	o.pruneLocked()
	e := &outgoingEntry{Outgoing: Outgoing{
		LocalID:        uuid.New(),
		ConversationID: conversationID,
		Text:           text,
		CreatedAt:      o.now().UTC(),
	}}
	o.entries[e.LocalID] = e
	o.startLocked(e)
	out := e.Outgoing
	o.mu.Unlock()

	o.onChange()
	return out, nil
}

// Resend cancels any in-flight attempt for localID and starts a new one.
func (o *Outbox) Resend(localID uuid.UUID) (Outgoing, error) {
	o.mu.Lock()
	e, ok := o.entries[localID]
	if !ok {
		o.mu.Unlock()
		return Outgoing{}, ErrUnknownMessage
	}
	if e.State == SendConfirmed {
		o.mu.Unlock()
		return e.Outgoing, ErrAlreadyConfirmed
	}
	o.invalidateLocked(e)
	o.startLocked(e)
	out := e.Outgoing
	o.mu.Unlock()

	o.store.log.Debug("resending message", "local_id", localID, "attempt", out.Attempts)
	o.onChange()
	return out, nil
}

// Cancel stops the in-flight attempt and leaves the message Failed so it
// can be resent later.
func (o *Outbox) Cancel(localID uuid.UUID) (Outgoing, error) {
	o.mu.Lock()
	e, ok := o.entries[localID]
	if !ok {
		o.mu.Unlock()
		return Outgoing{}, ErrUnknownMessage
	}
	if e.State == SendConfirmed {
		o.mu.Unlock()
		return e.Outgoing, ErrAlreadyConfirmed
	}
	o.invalidateLocked(e)
	e.State = SendFailed
	e.Error = errSendCancelled.Error()
	out := e.Outgoing
	o.mu.Unlock()

	o.onChange()
	return out, nil
}

func (o *Outbox) Get(localID uuid.UUID) (Outgoing, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[localID]
	if !ok {
		return Outgoing{}, false
	}
	return e.Outgoing, true
}

// List returns the conversation's outgoing records, oldest first. When
// unconfirmedOnly is set, confirmed records are omitted.
func (o *Outbox) List(conversationID uuid.UUID, unconfirmedOnly bool) []Outgoing {
	o.mu.Lock()
	o.pruneLocked()
	out := make([]Outgoing, 0, len(o.entries))
	for _, e := range o.entries {
		if e.ConversationID != conversationID {
			continue
		}
		if unconfirmedOnly && e.State == SendConfirmed {
			continue
		}
		out = append(out, e.Outgoing)
	}
	o.mu.Unlock()

	slices.SortFunc(out, func(a, b Outgoing) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// Wait blocks until every started attempt has finished.
func (o *Outbox) Wait() {
	o.wg.Wait()
}

// Close cancels all in-flight attempts and waits for them to return.
func (o *Outbox) Close() {
	o.baseCancel()
	o.wg.Wait()
}

func (o *Outbox) invalidateLocked(e *outgoingEntry) {
	e.attempt++
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

func (o *Outbox) startLocked(e *outgoingEntry) {
	ctx, cancel := context.WithCancel(o.base)
	e.attempt++
	e.cancel = cancel
	e.State = SendPending
	e.Error = ""
	e.Attempts++

	o.wg.Add(1)
	go o.deliver(ctx, e.LocalID, e.attempt, e.ConversationID, e.Text)
}

// pruneLocked forgets confirmed records older than the retention window.
func (o *Outbox) pruneLocked() {
	cutoff := o.now().Add(-o.retention)
	for id, e := range o.entries {
		if e.State == SendConfirmed && !e.confirmedAt.After(cutoff) {
			delete(o.entries, id)
		}
	}
}

// currentLocked reports whether attempt is still the live attempt for localID.
func (o *Outbox) currentLocked(localID uuid.UUID, attempt int) (*outgoingEntry, bool) {
	e, ok := o.entries[localID]
	if !ok || e.attempt != attempt {
		return nil, false
	}
	return e, true
}

// deliver runs one attempt. The confirmation and the merge into the store
// happen together on the store loop, so a superseded attempt that the
// transport still accepted never becomes visible.
func (o *Outbox) deliver(ctx context.Context, localID uuid.UUID, attempt int, conversationID uuid.UUID, text string) {
	defer o.wg.Done()

	_, applied, err := o.store.sendIf(ctx, conversationID, text, func(msg Message) bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		e, ok := o.currentLocked(localID, attempt)
		if !ok {
			return false
		}
		e.cancel()
		e.cancel = nil
		e.State = SendConfirmed
		e.Confirmed = &msg
		e.confirmedAt = o.now()
		return true
	})

	if err == nil && !applied {
		o.store.log.Debug("discarding superseded send", "local_id", localID, "attempt", attempt)
		return
	}
	if err != nil {
		o.mu.Lock()
		e, ok := o.currentLocked(localID, attempt)
		if !ok {
			o.mu.Unlock()
			return
		}
		e.cancel()
		e.cancel = nil
		e.State = SendFailed
		e.Error = err.Error()
		o.mu.Unlock()
		o.store.log.Info("send failed", "local_id", localID, "conversation_id", conversationID, "err", err)
	}

	o.store.metrics.Send(err)
	o.onChange()
}
