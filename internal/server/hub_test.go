package server

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(nil)
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func closed(c *Client) bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}

func TestHubBroadcastReachesClients(t *testing.T) {
	h, _ := startHub(t)
	a := newClient(h, nil, uuid.New())
	b := newClient(h, nil, uuid.New())
	require.True(t, h.Register(a))
	require.True(t, h.Register(b))

	h.Broadcast(EventPrices)

	for _, c := range []*Client{a, b} {
		select {
		case msg := <-c.send:
			assert.JSONEq(t, `{"type":"prices"}`, string(msg))
		case <-time.After(time.Second):
			t.Fatal("broadcast not delivered")
		}
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	h, _ := startHub(t)
	slow := newClient(h, nil, uuid.New())
	slow.send = make(chan []byte, 1)
	require.True(t, h.Register(slow))

	h.Broadcast(EventOutbox)
	h.Broadcast(EventOutbox)

	require.Eventually(t, func() bool { return closed(slow) }, time.Second, 5*time.Millisecond)
	assert.False(t, slow.push([]byte("late")))
}

func TestHubStopClosesClientsAndRejectsRegistration(t *testing.T) {
	h, cancel := startHub(t)
	c := newClient(h, nil, uuid.New())
	require.True(t, h.Register(c))

	cancel()
	require.Eventually(t, func() bool { return closed(c) }, time.Second, 5*time.Millisecond)
	<-h.done

	assert.False(t, h.Register(newClient(h, nil, uuid.New())))
	h.Unregister(c)
}
