package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instantMock() *MockTransport {
	return NewMockTransport(MockConfig{FeedMinInterval: time.Millisecond, FeedMaxInterval: 2 * time.Millisecond})
}

func TestMockTransportPagesStrictlyBefore(t *testing.T) {
	tr := instantMock()
	before := at(600)

	page, err := tr.FetchMessages(context.Background(), GeneralConversationID, &before, 5)
	require.NoError(t, err)
	require.Len(t, page, 5)
	assertSorted(t, Snapshot(page))
	for _, m := range page {
		assert.True(t, m.SentAt.Before(before))
		assert.Equal(t, GeneralConversationID, m.ConversationID)
	}
}

func TestMockTransportConversations(t *testing.T) {
	convs, err := instantMock().FetchConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, GeneralConversationID, convs[0].ID)
}

func TestMockTransportSimulatedFailure(t *testing.T) {
	tr := NewMockTransport(MockConfig{SendFailureRate: 1})
	_, err := tr.SendMessage(context.Background(), IOSConversationID, "hi")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, errSimulatedSend)
}

func TestMockTransportFeedStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	feed := instantMock().IncomingMessages(ctx, IOSConversationID)

	select {
	case msg := <-feed:
		assert.Equal(t, IOSConversationID, msg.ConversationID)
		assert.Equal(t, "Bot", msg.Author.Name)
	case <-time.After(time.Second):
		t.Fatal("mock feed produced nothing")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-feed:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}
