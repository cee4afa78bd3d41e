package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("not found")

// Repository is the PostgreSQL implementation of ConversationStore and MessageStore.
// Multi-row writes run in one transaction so callers never observe a conversation
// without its participants.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const conversationColumns = `c.id, c.name, c.kind, c.created_by, c.organization_id, c.coaching_context_id,
	c.last_activity_at, c.created_at, c.updated_at`

func scanConversation(row pgx.Row, extra ...any) (*Conversation, error) {
	var c Conversation
	dest := []any{
		&c.ID, &c.Name, &c.Kind, &c.CreatedBy, &c.OrganizationID, &c.CoachingContextID,
		&c.LastActivityAt, &c.CreatedAt, &c.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID) ([]Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `,
			lm.id, lm.sender_id, lm.kind, lm.content,
			lm.attachment_url, lm.attachment_name, lm.attachment_size, lm.attachment_mime,
			lm.created_at,
			COALESCE(uc.unread, 0)
		FROM conversation_participants me
		JOIN conversations c ON c.id = me.conversation_id
		LEFT JOIN LATERAL (
			SELECT id, sender_id, kind, content,
				attachment_url, attachment_name, attachment_size, attachment_mime, created_at
			FROM messages
			WHERE conversation_id = c.id AND NOT is_deleted
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) lm ON TRUE
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS unread
			FROM messages m
			WHERE m.conversation_id = c.id
			  AND NOT m.is_deleted
			  AND m.sender_id <> $1
			  AND (me.last_read_at IS NULL OR m.created_at > me.last_read_at)
		) uc ON TRUE
		WHERE me.user_id = $1 AND me.is_active
		ORDER BY c.last_activity_at DESC, c.id DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]Conversation, 0)
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		var (
			msgID      *uuid.UUID
			msgSender  *uuid.UUID
			msgKind    *MessageKind
			msgContent *string
			att        nullableAttachment
			msgAt      *time.Time
			unread     int
		)
		c, err := scanConversation(rows,
			&msgID, &msgSender, &msgKind, &msgContent,
			&att.url, &att.name, &att.size, &att.mime,
			&msgAt, &unread,
		)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.UnreadCount = unread
		if msgID != nil {
			c.LastMessage = &Message{
				ID:             *msgID,
				ConversationID: c.ID,
				SenderID:       *msgSender,
				Kind:           *msgKind,
				Content:        deref(msgContent),
				Attachment:     att.value(),
				CreatedAt:      *msgAt,
				UpdatedAt:      *msgAt,
			}
		}
		index[c.ID] = len(conversations)
		conversations = append(conversations, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if len(conversations) == 0 {
		return conversations, nil
	}

	ids := make([]uuid.UUID, 0, len(conversations))
	for _, c := range conversations {
		ids = append(ids, c.ID)
	}
	participants, err := r.participantsOf(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, p := range participants {
		i := index[p.ConversationID]
		conversations[i].Participants = append(conversations[i].Participants, p)
	}
	return conversations, nil
}

func (r *Repository) participantsOf(ctx context.Context, conversationIDs []uuid.UUID) ([]Participant, error) {
	rows, err := r.db.Query(ctx, `
		SELECT p.conversation_id, p.user_id, p.role, p.joined_at, p.last_read_at, p.is_active,
			COALESCE(pr.full_name, ''), COALESCE(pr.email, '')
		FROM conversation_participants p
		LEFT JOIN profiles pr ON pr.id = p.user_id
		WHERE p.conversation_id = ANY($1) AND p.is_active
		ORDER BY p.joined_at, p.user_id
	`, conversationIDs)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	participants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Participant, error) {
		var p Participant
		err := row.Scan(&p.ConversationID, &p.UserID, &p.Role, &p.JoinedAt, &p.LastReadAt, &p.Active, &p.Name, &p.Email)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan participants: %w", err)
	}
	return participants, nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	c, err := scanConversation(r.db.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		WHERE c.id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// FindByDedupeKey returns nil, nil when no conversation carries key.
func (r *Repository) FindByDedupeKey(ctx context.Context, key string) (*Conversation, error) {
	c, err := scanConversation(r.db.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		WHERE c.dedupe_key = $1
	`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return c, nil
}

func (r *Repository) CreateWithParticipants(
	ctx context.Context,
	conv NewConversation,
	members []NewParticipant,
) (*Conversation, bool, error) {
	var (
		created *Conversation
		exists  bool
	)
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		c, err := scanConversation(tx.QueryRow(ctx, `
			INSERT INTO conversations AS c (name, kind, created_by, organization_id, coaching_context_id, dedupe_key)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
			RETURNING `+conversationColumns,
			conv.Name, conv.Kind, conv.CreatedBy, conv.OrganizationID, conv.CoachingContextID, conv.DedupeKey,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			// Someone else created it first; their transaction owns the participants.
			exists = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}

		for _, m := range members {
			if _, err := tx.Exec(ctx, `
				INSERT INTO conversation_participants (conversation_id, user_id, role)
				VALUES ($1, $2, $3)
				ON CONFLICT (conversation_id, user_id) DO UPDATE
				SET is_active = TRUE, role = EXCLUDED.role
			`, c.ID, m.UserID, m.Role); err != nil {
				return fmt.Errorf("insert participant: %w", err)
			}
		}
		created = c
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if exists {
		existing, err := r.FindByDedupeKey(ctx, deref(conv.DedupeKey))
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("conversation %q vanished after conflict", deref(conv.DedupeKey))
		}
		return existing, false, nil
	}
	return created, true, nil
}

func (r *Repository) MarkRead(ctx context.Context, conversationID, userID uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE conversation_participants
		SET last_read_at = GREATEST(COALESCE(last_read_at, $3), $3)
		WHERE conversation_id = $1 AND user_id = $2 AND is_active
	`, conversationID, userID, at)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) Leave(ctx context.Context, conversationID, userID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE conversation_participants
		SET is_active = FALSE
		WHERE conversation_id = $1 AND user_id = $2 AND is_active
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("leave conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) ActiveParticipantIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = $1 AND is_active
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participant ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("scan participant ids: %w", err)
	}
	return ids, nil
}

func (r *Repository) IsActiveParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2 AND is_active
		)
	`, conversationID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return ok, nil
}

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.kind, m.content,
	m.attachment_url, m.attachment_name, m.attachment_size, m.attachment_mime,
	m.reply_to_id, m.client_nonce, m.created_at, m.updated_at,
	COALESCE(p.full_name, ''), COALESCE(p.email, '')`

func scanMessage(row pgx.Row) (*Message, error) {
	var (
		m      Message
		att    nullableAttachment
		sender Sender
	)
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.Kind, &m.Content,
		&att.url, &att.name, &att.size, &att.mime,
		&m.ReplyToID, &m.ClientNonce, &m.CreatedAt, &m.UpdatedAt,
		&sender.Name, &sender.Email,
	)
	if err != nil {
		return nil, err
	}
	m.Attachment = att.value()
	m.Sender = &sender
	return &m, nil
}

func (r *Repository) List(ctx context.Context, conversationID uuid.UUID, opts ListOptions) ([]Message, error) {
	var (
		beforeAt *time.Time
		beforeID uuid.UUID
	)
	if opts.Before != nil {
		beforeAt, beforeID = &opts.Before.At, opts.Before.ID
	}
	rows, err := r.db.Query(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+`
			FROM messages m
			LEFT JOIN profiles p ON p.id = m.sender_id
			WHERE m.conversation_id = $1
			  AND NOT m.is_deleted
			  AND ($2::timestamptz IS NULL OR (m.created_at, m.id) < ($2::timestamptz, $3::uuid))
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $4
		) page
		ORDER BY page.created_at ASC, page.id ASC
	`, conversationID, beforeAt, beforeID, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// Insert records a message and bumps the conversation's activity in one transaction.
// A repeated client nonce returns the original row with created=false.
func (r *Repository) Insert(ctx context.Context, msg NewMessage) (*Message, bool, error) {
	var (
		stored  *Message
		created bool
	)
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var url, name, mime *string
		var size *int64
		if a := msg.Attachment; a != nil {
			url, name, size, mime = &a.URL, &a.Name, &a.Size, &a.MimeType
		}

		var id uuid.UUID
		err := tx.QueryRow(ctx, `
			INSERT INTO messages (conversation_id, sender_id, kind, content,
				attachment_url, attachment_name, attachment_size, attachment_mime,
				reply_to_id, client_nonce)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (conversation_id, sender_id, client_nonce) WHERE client_nonce IS NOT NULL DO NOTHING
			RETURNING id
		`, msg.ConversationID, msg.SenderID, msg.Kind, msg.Content,
			url, name, size, mime, msg.ReplyToID, msg.ClientNonce,
		).Scan(&id)

		switch {
		case errors.Is(err, pgx.ErrNoRows):
			err = tx.QueryRow(ctx, `
				SELECT id FROM messages
				WHERE conversation_id = $1 AND sender_id = $2 AND client_nonce = $3
			`, msg.ConversationID, msg.SenderID, msg.ClientNonce).Scan(&id)
			if err != nil {
				return fmt.Errorf("find duplicate message: %w", err)
			}
		case err != nil:
			return fmt.Errorf("insert message: %w", err)
		default:
			created = true
			if _, err := tx.Exec(ctx, `
				UPDATE conversations
				SET last_activity_at = NOW(), updated_at = NOW()
				WHERE id = $1
			`, msg.ConversationID); err != nil {
				return fmt.Errorf("touch conversation: %w", err)
			}
		}

		m, err := scanMessage(tx.QueryRow(ctx, `
			SELECT `+messageColumns+`
			FROM messages m
			LEFT JOIN profiles p ON p.id = m.sender_id
			WHERE m.id = $1
		`, id))
		if err != nil {
			return fmt.Errorf("load message: %w", err)
		}
		stored = m
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (r *Repository) SoftDelete(ctx context.Context, messageID, senderID uuid.UUID) (*Message, error) {
	var m Message
	err := r.db.QueryRow(ctx, `
		UPDATE messages
		SET is_deleted = TRUE, updated_at = clock_timestamp()
		WHERE id = $1 AND sender_id = $2 AND NOT is_deleted
		RETURNING id, conversation_id, sender_id, kind, updated_at
	`, messageID, senderID).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Kind, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	m.Deleted = true
	return &m, nil
}

type nullableAttachment struct {
	url, name, mime *string
	size            *int64
}

func (a nullableAttachment) value() *Attachment {
	if a.url == nil {
		return nil
	}
	out := &Attachment{URL: *a.url, Name: deref(a.name), MimeType: deref(a.mime)}
	if a.size != nil {
		out.Size = *a.size
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
