package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultChannelPrefix = "chat:"

// RedisFeed decorates a Transport with a Redis pub/sub push feed. Sent
// messages are published on the conversation channel, so every instance
// subscribed to it (including this one) receives them; the Store drops the
// echo by message ID.
type RedisFeed struct {
	Transport
	redis  *redis.Client
	prefix string
	log    *slog.Logger
}

func NewRedisFeed(inner Transport, client *redis.Client, prefix string, log *slog.Logger) *RedisFeed {
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisFeed{
		Transport: inner,
		redis:     client,
		prefix:    prefix,
		log:       log.With("component", "redis_feed"),
	}
}

func (f *RedisFeed) channel(conversationID uuid.UUID) string {
	return f.prefix + conversationID.String()
}

// SendMessage persists through the wrapped transport, then publishes. A
// publish failure does not fail the send; the message is already stored.
func (f *RedisFeed) SendMessage(ctx context.Context, conversationID uuid.UUID, text string) (Message, error) {
	msg, err := f.Transport.SendMessage(ctx, conversationID, text)
	if err != nil {
		return Message{}, err
	}
	if err := f.Publish(ctx, msg); err != nil {
		f.log.Warn("publish failed", "conversation_id", conversationID, "message_id", msg.ID, "err", err)
	}
	return msg, nil
}

// Publish pushes msg to every subscriber of its conversation.
func (f *RedisFeed) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return f.redis.Publish(ctx, f.channel(msg.ConversationID), payload).Err()
}

// IncomingMessages merges the wrapped transport's feed with the Redis
// channel. The subscription is confirmed before returning, so anything
// published afterwards is delivered.
func (f *RedisFeed) IncomingMessages(ctx context.Context, conversationID uuid.UUID) <-chan Message {
	out := make(chan Message)
	var wg sync.WaitGroup

	pubsub := f.redis.Subscribe(ctx, f.channel(conversationID))
	if _, err := pubsub.Receive(ctx); err != nil {
		f.log.Warn("subscribe failed", "conversation_id", conversationID, "err", err)
		pubsub.Close()
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer pubsub.Close()
			f.drainPubSub(ctx, conversationID, pubsub.Channel(), out)
		}()
	}

	inner := f.Transport.IncomingMessages(ctx, conversationID)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range inner {
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func (f *RedisFeed) drainPubSub(ctx context.Context, conversationID uuid.UUID, ch <-chan *redis.Message, out chan<- Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			msg, err := decodeMessage([]byte(raw.Payload))
			if err != nil {
				f.log.Warn("dropping malformed push", "channel", raw.Channel, "err", err)
				continue
			}
			if msg.ConversationID != conversationID {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}
