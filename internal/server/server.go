// Package server exposes the message and price stores over HTTP and
// pushes change events to websocket clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"snagit/internal/chat"
	"snagit/internal/metrics"
	"snagit/internal/price"
)

// Deps are the stores the gateway serves. Metrics and Logger may be nil.
type Deps struct {
	Hub     *Hub
	Chat    *chat.Store
	Outbox  *chat.Outbox
	Prices  *price.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Server struct {
	hub     *Hub
	chat    *chat.Store
	outbox  *chat.Outbox
	prices  *price.Store
	metrics *metrics.Metrics
	log     *slog.Logger

	// base outlives requests; websocket subscriptions run under it.
	base context.Context
}

// New wires the gateway. Price changes are broadcast to every websocket
// client until base is cancelled.
func New(base context.Context, d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		hub:     d.Hub,
		chat:    d.Chat,
		outbox:  d.Outbox,
		prices:  d.Prices,
		metrics: d.Metrics,
		log:     log.With("component", "http"),
		base:    base,
	}

	stop := s.prices.Observe(func() { s.hub.Broadcast(EventPrices) })
	go func() {
		<-base.Done()
		stop()
	}()
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/ws", s.ServeWs)

	r.Route("/api", func(r chi.Router) {
		r.Get("/conversations", s.listConversations)
		r.Route("/conversations/{conversationID}", func(r chi.Router) {
			r.Get("/messages", s.getMessages)
			r.Post("/messages", s.sendMessage)
			r.Post("/messages/initial", s.loadInitial)
			r.Post("/messages/older", s.loadOlder)
			r.Get("/outbox", s.listOutbox)
		})
		r.Post("/outbox/{localID}/resend", s.resend)
		r.Delete("/outbox/{localID}", s.cancelSend)

		r.Get("/items", s.listItems)
		r.Post("/items", s.addItem)
		r.Post("/items/refresh", s.refreshAll)
		r.Post("/items/{itemID}/refresh", s.refreshItem)
	})
	return r
}

// ServeWs upgrades the request and streams change events for the
// conversation named by the "conversation" query parameter.
func (s *Server) ServeWs(w http.ResponseWriter, r *http.Request) {
	conversationID, err := uuid.Parse(r.URL.Query().Get("conversation"))
	if err != nil {
		http.Error(w, "conversation query parameter must be a UUID", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := newClient(s.hub, conn, conversationID)
	if !s.hub.Register(client) {
		conn.Close()
		return
	}

	// Any change to the conversation, from this client or another, is
	// reported through the store observer. The subscription only feeds
	// pushed messages into the store.
	changed := encodeEvent(EventChanged)
	unobserve := s.chat.Observe(conversationID, func() { client.push(changed) })
	sub := chat.NewSubscription(s.chat, conversationID, nil)
	sub.Start(s.base)

	// Prompt the client to fetch the current state.
	client.push(changed)

	go client.writePump()
	go client.readPump(s, sub, unobserve)
}

// ---------------------------------------------
// 💬 Conversations & Messages
// ---------------------------------------------

type messagesResponse struct {
	Messages chat.Snapshot   `json:"messages"`
	Pending  []chat.Outgoing `json:"pending"`
}

type sendRequest struct {
	Text string `json:"text"`
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.chat.LoadConversations(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "conversationID")
	if !ok {
		return
	}
	snap, err := s.chat.Snapshot(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeMessages(w, id, snap)
}

func (s *Server) loadInitial(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "conversationID")
	if !ok {
		return
	}
	snap, err := s.chat.LoadInitial(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeMessages(w, id, snap)
}

func (s *Server) loadOlder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "conversationID")
	if !ok {
		return
	}
	snap, err := s.chat.LoadOlder(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeMessages(w, id, snap)
}

// sendMessage accepts the text optimistically and answers with the pending
// outbox record; delivery continues in the background.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "conversationID")
	if !ok {
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out, err := s.outbox.Send(id, req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (s *Server) listOutbox(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "conversationID")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.outbox.List(id, r.URL.Query().Get("unconfirmed") == "true"))
}

func (s *Server) resend(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "localID")
	if !ok {
		return
	}
	out, err := s.outbox.Resend(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

func (s *Server) cancelSend(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "localID")
	if !ok {
		return
	}
	out, err := s.outbox.Cancel(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeMessages(w http.ResponseWriter, conversationID uuid.UUID, snap chat.Snapshot) {
	if snap == nil {
		snap = chat.Snapshot{}
	}
	pending := s.outbox.List(conversationID, true)
	if pending == nil {
		pending = []chat.Outgoing{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: snap, Pending: pending})
}

// ---------------------------------------------
// 🏷️ Tracked Items
// ---------------------------------------------

type addItemRequest struct {
	Title       string           `json:"title"`
	Source      price.Source     `json:"source"`
	TargetPrice *decimal.Decimal `json:"target_price,omitempty"`
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.prices.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []price.TrackedItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) addItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.Source.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		req.Title = req.Source.Value
	}

	item := price.NewItem(req.Title, req.Source)
	item.TargetPrice = req.TargetPrice
	added, err := s.prices.Add(r.Context(), item)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) refreshItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "itemID")
	if !ok {
		return
	}
	if err := s.prices.Refresh(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	item, found, err := s.prices.Item(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		http.Error(w, "item not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) refreshAll(w http.ResponseWriter, r *http.Request) {
	if err := s.prices.RefreshAll(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.listItems(w, r)
}

// ---------------------------------------------
// 🧰 Helpers
// ---------------------------------------------

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		http.Error(w, param+" must be a UUID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var transportErr *chat.TransportError
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, chat.ErrUnknownMessage):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, chat.ErrAlreadyConfirmed), errors.Is(err, price.ErrDuplicateItem):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &transportErr):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, chat.ErrStoreClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		s.log.Error("request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
