package chat

import (
	"context"
	"database/sql"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Repository is the Postgres-backed Transport. It has no push source of its
// own; wrap it in a RedisFeed for live delivery.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EnsureConversation creates the conversation if it does not exist yet.
func (r *Repository) EnsureConversation(ctx context.Context, id uuid.UUID, title string) error {
	query := `
		INSERT INTO conversations (id, title)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, id, title); err != nil {
		return transportErr("ensure_conversation", err)
	}
	return nil
}

func (r *Repository) FetchConversations(ctx context.Context) ([]Conversation, error) {
	query := `
		SELECT id, title, last_preview, last_activity
		FROM conversations
		ORDER BY last_activity DESC
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, transportErr("fetch_conversations", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var c Conversation
		var preview sql.NullString
		if err := rows.Scan(&c.ID, &c.Title, &preview, &c.LastActivity); err != nil {
			return nil, transportErr("fetch_conversations", err)
		}
		c.LastPreview = preview.String
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, transportErr("fetch_conversations", err)
	}
	return conversations, nil
}

func (r *Repository) FetchMessages(ctx context.Context, conversationID uuid.UUID, before *time.Time, limit int) ([]Message, error) {
	// Newest first so LIMIT keeps the page adjacent to `before`; reversed below.
	query := `
		SELECT id, conversation_id, author_self, author_name, content, sent_at
		FROM messages
		WHERE conversation_id = $1
		  AND ($2::timestamptz IS NULL OR sent_at < $2)
		ORDER BY sent_at DESC
		LIMIT $3
	`
	var cutoff sql.NullTime
	if before != nil {
		cutoff = sql.NullTime{Time: *before, Valid: true}
	}
	rows, err := r.db.QueryContext(ctx, query, conversationID, cutoff, limit)
	if err != nil {
		return nil, transportErr("fetch_messages", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Author.Self, &m.Author.Name, &m.Text, &m.SentAt); err != nil {
			return nil, transportErr("fetch_messages", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, transportErr("fetch_messages", err)
	}
	slices.Reverse(messages)
	return messages, nil
}

func (r *Repository) SendMessage(ctx context.Context, conversationID uuid.UUID, text string) (Message, error) {
	msg := Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Author:         Me(),
		Text:           text,
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, transportErr("send_message", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO messages (id, conversation_id, author_self, author_name, content)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING sent_at
	`
	if err := tx.QueryRowContext(ctx, query, msg.ID, conversationID, msg.Author.Self, msg.Author.Name, text).Scan(&msg.SentAt); err != nil {
		return Message{}, transportErr("send_message", err)
	}

	update := `UPDATE conversations SET last_preview = $2, last_activity = $3 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, update, conversationID, text, msg.SentAt); err != nil {
		return Message{}, transportErr("send_message", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, transportErr("send_message", err)
	}
	return msg, nil
}

// IncomingMessages returns a feed that never delivers and closes when ctx ends.
func (r *Repository) IncomingMessages(ctx context.Context, _ uuid.UUID) <-chan Message {
	out := make(chan Message)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out
}
