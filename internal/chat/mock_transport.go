package chat

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

var (
	GeneralConversationID = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	IOSConversationID     = uuid.MustParse("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")
)

var errSimulatedSend = errors.New("simulated send failure")

var botPhrases = []string{
	"hey",
	"ping",
	"did the price drop yet?",
	"errgroup?",
	"channels all the way down",
}

// MockConfig controls the simulated network.
type MockConfig struct {
	FetchLatency    time.Duration
	SendLatency     time.Duration
	SendFailureRate float64 // 0..1
	FeedMinInterval time.Duration
	FeedMaxInterval time.Duration
}

func DefaultMockConfig() MockConfig {
	return MockConfig{
		FetchLatency:    250 * time.Millisecond,
		SendLatency:     180 * time.Millisecond,
		FeedMinInterval: 2 * time.Second,
		FeedMaxInterval: 5 * time.Second,
	}
}

// MockTransport simulates a chat backend with two fixed conversations, an
// endless history and a bot that posts at random intervals.
type MockTransport struct {
	cfg MockConfig
}

func NewMockTransport(cfg MockConfig) *MockTransport {
	if cfg.FeedMaxInterval < cfg.FeedMinInterval {
		cfg.FeedMaxInterval = cfg.FeedMinInterval
	}
	return &MockTransport{cfg: cfg}
}

func (t *MockTransport) FetchConversations(ctx context.Context) ([]Conversation, error) {
	if err := sleep(ctx, t.cfg.FetchLatency); err != nil {
		return nil, transportErr("fetch_conversations", err)
	}
	now := time.Now().UTC()
	return []Conversation{
		{ID: GeneralConversationID, Title: "General", LastPreview: "Yo", LastActivity: now},
		{ID: IOSConversationID, Title: "iOS", LastPreview: "actor vs goroutine", LastActivity: now.Add(-2 * time.Minute)},
	}, nil
}

func (t *MockTransport) FetchMessages(ctx context.Context, conversationID uuid.UUID, before *time.Time, limit int) ([]Message, error) {
	if err := sleep(ctx, t.cfg.FetchLatency); err != nil {
		return nil, transportErr("fetch_messages", err)
	}
	end := time.Now().UTC()
	if before != nil {
		end = *before
	}
	msgs := make([]Message, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		msgs = append(msgs, Message{
			ID:             uuid.New(),
			ConversationID: conversationID,
			Author:         Other("Bot"),
			Text:           fmt.Sprintf("Older message #%d", i+1),
			SentAt:         end.Add(-time.Duration(i+1) * time.Minute),
		})
	}
	return msgs, nil
}

func (t *MockTransport) SendMessage(ctx context.Context, conversationID uuid.UUID, text string) (Message, error) {
	if err := sleep(ctx, t.cfg.SendLatency); err != nil {
		return Message{}, transportErr("send_message", err)
	}
	if t.cfg.SendFailureRate > 0 && rand.Float64() < t.cfg.SendFailureRate {
		return Message{}, transportErr("send_message", errSimulatedSend)
	}
	return Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Author:         Me(),
		Text:           text,
		SentAt:         time.Now().UTC(),
	}, nil
}

func (t *MockTransport) IncomingMessages(ctx context.Context, conversationID uuid.UUID) <-chan Message {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			if err := sleep(ctx, t.feedDelay()); err != nil {
				return
			}
			msg := Message{
				ID:             uuid.New(),
				ConversationID: conversationID,
				Author:         Other("Bot"),
				Text:           botPhrases[rand.Intn(len(botPhrases))],
				SentAt:         time.Now().UTC(),
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (t *MockTransport) feedDelay() time.Duration {
	span := t.cfg.FeedMaxInterval - t.cfg.FeedMinInterval
	if span <= 0 {
		return t.cfg.FeedMinInterval
	}
	return t.cfg.FeedMinInterval + time.Duration(rand.Int63n(int64(span)))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
