package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snagit/internal/chat"
	"snagit/internal/metrics"
	"snagit/internal/price"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.New()
	transport := chat.NewMockTransport(chat.MockConfig{FeedMinInterval: time.Hour, FeedMaxInterval: time.Hour})
	store := chat.NewStore(transport, chat.WithMetrics(m))
	go store.Run(ctx)

	prices := price.NewStore(&price.MockAPI{}, price.WithItems(price.DefaultItems()), price.WithMetrics(m))
	go prices.Run(ctx)

	hub := NewHub(nil)
	go hub.Run(ctx)
	outbox := chat.NewOutbox(store, func() { hub.Broadcast(EventOutbox) })

	srv := New(ctx, Deps{Hub: hub, Chat: store, Outbox: outbox, Prices: prices, Metrics: m})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		cancel()
		outbox.Close()
		ts.Close()
	})
	return ts
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthzAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConversationsNewestFirst(t *testing.T) {
	ts := newTestServer(t)

	var convs []chat.Conversation
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/api/conversations", nil, &convs))
	require.Len(t, convs, 2)
	assert.Equal(t, chat.GeneralConversationID, convs[0].ID)
}

func TestLoadInitialThenOlder(t *testing.T) {
	ts := newTestServer(t)
	base := ts.URL + "/api/conversations/" + chat.GeneralConversationID.String()

	var got messagesResponse
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, base+"/messages/initial", nil, &got))
	require.Len(t, got.Messages, chat.DefaultInitialPage)
	earliest := got.Messages[0].SentAt

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, base+"/messages/older", nil, &got))
	require.Len(t, got.Messages, chat.DefaultInitialPage+chat.DefaultOlderPage)
	assert.True(t, got.Messages[0].SentAt.Before(earliest))
	for i := 1; i < len(got.Messages); i++ {
		assert.False(t, got.Messages[i].SentAt.Before(got.Messages[i-1].SentAt))
	}
}

func TestSendMessageIsConfirmed(t *testing.T) {
	ts := newTestServer(t)
	base := ts.URL + "/api/conversations/" + chat.IOSConversationID.String()

	var pending chat.Outgoing
	require.Equal(t, http.StatusAccepted, doJSON(t, http.MethodPost, base+"/messages", sendRequest{Text: "  ship it "}, &pending))
	assert.Equal(t, "ship it", pending.Text)
	assert.Equal(t, chat.SendPending, pending.State)

	require.Eventually(t, func() bool {
		var list []chat.Outgoing
		doJSON(t, http.MethodGet, base+"/outbox", nil, &list)
		return len(list) == 1 && list[0].State == chat.SendConfirmed
	}, 2*time.Second, 10*time.Millisecond)

	var got messagesResponse
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, base+"/messages", nil, &got))
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "ship it", got.Messages[0].Text)
	assert.True(t, got.Messages[0].Author.Self)
	assert.Empty(t, got.Pending)
}

func TestSendErrors(t *testing.T) {
	ts := newTestServer(t)
	base := ts.URL + "/api/conversations/" + chat.IOSConversationID.String()

	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, base+"/messages", sendRequest{Text: "   "}, nil))
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodGet, ts.URL+"/api/conversations/nope/messages", nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, ts.URL+"/api/outbox/"+uuid.NewString()+"/resend", nil, nil))
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodDelete, ts.URL+"/api/outbox/"+uuid.NewString(), nil, nil))
}

func TestItemsLifecycle(t *testing.T) {
	ts := newTestServer(t)

	var items []price.TrackedItem
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodGet, ts.URL+"/api/items", nil, &items))
	require.Len(t, items, 3)

	var added price.TrackedItem
	req := addItemRequest{Title: "Kindle", Source: price.URLSource("https://example.com/kindle")}
	require.Equal(t, http.StatusCreated, doJSON(t, http.MethodPost, ts.URL+"/api/items", req, &added))
	assert.Equal(t, "Kindle", added.Title)

	bad := addItemRequest{Title: "nothing", Source: price.Source{Kind: price.SourceQuery}}
	assert.Equal(t, http.StatusBadRequest, doJSON(t, http.MethodPost, ts.URL+"/api/items", bad, nil))

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, ts.URL+"/api/items/refresh", nil, &items))
	require.Len(t, items, 4)
	assert.Equal(t, added.ID, items[0].ID)
	for _, it := range items {
		assert.False(t, it.IsUpdating, it.Title)
		assert.NotNil(t, it.LastPrice, it.Title)
	}

	var one price.TrackedItem
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, ts.URL+"/api/items/"+added.ID.String()+"/refresh", nil, &one))
	assert.Equal(t, added.ID, one.ID)
	assert.Equal(t, http.StatusNotFound, doJSON(t, http.MethodPost, ts.URL+"/api/items/"+uuid.NewString()+"/refresh", nil, nil))
}

func readEvent(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev.Type
}

func waitForEvent(t *testing.T, conn *websocket.Conn, kind string) {
	t.Helper()
	for i := 0; i < 20; i++ {
		if readEvent(t, conn) == kind {
			return
		}
	}
	t.Fatalf("no %q event received", kind)
}

func TestWebsocketStreamsEvents(t *testing.T) {
	ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?conversation=" + chat.GeneralConversationID.String()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, EventChanged, readEvent(t, conn))

	require.NoError(t, conn.WriteJSON(command{Type: "send", Text: "from the socket"}))
	waitForEvent(t, conn, EventOutbox)

	require.NoError(t, conn.WriteJSON(command{Type: "load_older"}))
	waitForEvent(t, conn, EventChanged)

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, ts.URL+"/api/items/refresh", nil, nil))
	waitForEvent(t, conn, EventPrices)
}

func TestWebsocketRequiresConversation(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/ws?conversation=general")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebsocketSeesChangesFromOtherClients(t *testing.T) {
	ts := newTestServer(t)
	conv := chat.GeneralConversationID.String()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?conversation=" + conv

	watcher, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer watcher.Close()
	require.Equal(t, EventChanged, readEvent(t, watcher))

	// Another client pages history over REST.
	base := ts.URL + "/api/conversations/" + conv
	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, base+"/messages/older", nil, nil))
	assert.Equal(t, EventChanged, readEvent(t, watcher))

	// A socket on another conversation is not told about it.
	otherURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?conversation=" + chat.IOSConversationID.String()
	bystander, _, err := websocket.DefaultDialer.Dial(otherURL, nil)
	require.NoError(t, err)
	defer bystander.Close()
	require.Equal(t, EventChanged, readEvent(t, bystander))

	require.Equal(t, http.StatusOK, doJSON(t, http.MethodPost, base+"/messages/initial", nil, nil))
	assert.Equal(t, EventChanged, readEvent(t, watcher))

	require.NoError(t, bystander.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = bystander.ReadMessage()
	assert.Error(t, err, "bystander received an event for another conversation")
}
