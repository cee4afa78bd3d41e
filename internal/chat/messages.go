package chat

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wellness-chat/internal/apperror"
	"wellness-chat/internal/identity"
	"wellness-chat/internal/metrics"
	"wellness-chat/internal/realtime"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 500

	sniffLen       = 3072
	cleanupTimeout = 10 * time.Second

	// Shared by upload and record failures; the codes tell them apart.
	uploadFailedMsg = "failed to upload file"
)

type MessageStore interface {
	List(ctx context.Context, conversationID uuid.UUID, opts ListOptions) ([]Message, error)
	Insert(ctx context.Context, msg NewMessage) (*Message, bool, error)
	SoftDelete(ctx context.Context, messageID, senderID uuid.UUID) (*Message, error)
}

type Membership interface {
	IsActiveParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

// ObjectStore is where attachment bytes live.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	PublicURL(key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Cursor is a position in a thread. Messages sharing a timestamp are ordered by id.
type Cursor struct {
	At time.Time
	ID uuid.UUID
}

// Precedes reports whether the message at (at, id) sorts before the cursor.
func (c Cursor) Precedes(at time.Time, id uuid.UUID) bool {
	if !at.Equal(c.At) {
		return at.Before(c.At)
	}
	return bytes.Compare(id[:], c.ID[:]) < 0
}

type ListOptions struct {
	Limit  int
	Before *Cursor
}

func (o ListOptions) normalized() ListOptions {
	switch {
	case o.Limit <= 0:
		o.Limit = DefaultPageSize
	case o.Limit > MaxPageSize:
		o.Limit = MaxPageSize
	}
	return o
}

func (o ListOptions) isFirstPage() bool {
	return o.Before == nil && o.Limit == DefaultPageSize
}

type SendOptions struct {
	ReplyTo     *uuid.UUID
	ClientNonce string
}

type NewMessage struct {
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	Kind           MessageKind
	Content        string
	Attachment     *Attachment
	ReplyToID      *uuid.UUID
	ClientNonce    *string
}

// Upload is an attachment as received from the client. ContentType may be empty.
type Upload struct {
	Filename    string
	Size        int64
	ContentType string
	Body        io.Reader
}

type Messages struct {
	store     MessageStore
	members   Membership
	objects   ObjectStore
	publisher realtime.Publisher
	cache     *ThreadCache
	maxBytes  int64
	log       zerolog.Logger
	now       func() time.Time
}

func NewMessages(
	store MessageStore,
	members Membership,
	objects ObjectStore,
	publisher realtime.Publisher,
	cache *ThreadCache,
	maxBytes int64,
	log zerolog.Logger,
) *Messages {
	return &Messages{
		store:     store,
		members:   members,
		objects:   objects,
		publisher: publisher,
		cache:     cache,
		maxBytes:  maxBytes,
		log:       log.With().Str("component", "messages").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Messages) requireMember(ctx context.Context, who identity.Identity, conversationID uuid.UUID) error {
	ok, err := m.members.IsActiveParticipant(ctx, conversationID, who.UserID)
	if err != nil {
		m.log.Error().Err(err).Stringer("conversation_id", conversationID).Msg("check membership")
		return apperror.Wrap(apperror.CodeUnavailable, "could not reach the conversation", err)
	}
	if !ok {
		return apperror.NotFound("conversation not found")
	}
	return nil
}

// List returns a page of a thread oldest first, without deleted messages.
func (m *Messages) List(ctx context.Context, who identity.Identity, conversationID uuid.UUID, opts ListOptions) ([]Message, error) {
	if err := m.requireMember(ctx, who, conversationID); err != nil {
		return nil, err
	}

	opts = opts.normalized()
	cacheable := m.cache != nil && opts.isFirstPage()
	var version Version
	if cacheable {
		if page, ok := m.cache.Get(conversationID); ok {
			return page, nil
		}
		version = m.cache.Version(conversationID)
	}

	page, err := m.store.List(ctx, conversationID, opts)
	if err != nil {
		m.log.Error().Err(err).Stringer("conversation_id", conversationID).Msg("list messages")
		return nil, apperror.Wrap(apperror.CodeUnavailable, "could not load messages", err)
	}
	if cacheable {
		m.cache.Put(conversationID, version, page)
	}
	return page, nil
}

// SendText records a text message. Empty content is accepted.
func (m *Messages) SendText(
	ctx context.Context,
	who identity.Identity,
	conversationID uuid.UUID,
	content string,
	opts SendOptions,
) (*Message, error) {
	if err := m.requireMember(ctx, who, conversationID); err != nil {
		return nil, err
	}

	msg := NewMessage{
		ConversationID: conversationID,
		SenderID:       who.UserID,
		Kind:           MessageText,
		Content:        content,
		ReplyToID:      opts.ReplyTo,
	}
	if nonce := strings.TrimSpace(opts.ClientNonce); nonce != "" {
		msg.ClientNonce = &nonce
	}

	stored, created, err := m.store.Insert(ctx, msg)
	if err != nil {
		m.log.Error().Err(err).Stringer("conversation_id", conversationID).Msg("send message")
		return nil, apperror.Wrap(apperror.CodeRecordFailed, "failed to send message", err)
	}
	if created {
		m.recorded(ctx, stored)
	}
	return stored, nil
}

// SendFile uploads an attachment and records a message pointing at it. Nothing is
// recorded unless the upload succeeded; an object whose message could not be recorded
// is deleted again.
func (m *Messages) SendFile(ctx context.Context, who identity.Identity, conversationID uuid.UUID, up Upload) (*Message, error) {
	if err := m.requireMember(ctx, who, conversationID); err != nil {
		return nil, err
	}
	if up.Body == nil || up.Size <= 0 {
		return nil, apperror.InvalidArg("the file is empty")
	}
	if m.maxBytes > 0 && up.Size > m.maxBytes {
		return nil, apperror.New(apperror.CodeTooLarge, "the file is too large")
	}
	if m.objects == nil {
		return nil, apperror.New(apperror.CodeUnavailable, "attachments are not available")
	}

	contentType, body := detectContentType(up.ContentType, up.Body)
	key := ObjectKey(who.UserID, conversationID, m.now(), up.Filename)
	log := m.log.With().Stringer("conversation_id", conversationID).Str("object_key", key).Logger()

	if err := m.objects.Put(ctx, key, body, up.Size, contentType); err != nil {
		metrics.AttachmentUploads.WithLabelValues("upload_failed").Inc()
		log.Error().Err(err).Msg("upload attachment")
		return nil, apperror.Wrap(apperror.CodeUploadFailed, uploadFailedMsg, err)
	}

	url, err := m.objects.PublicURL(key)
	if err != nil {
		metrics.AttachmentUploads.WithLabelValues("upload_failed").Inc()
		log.Error().Err(err).Msg("resolve attachment url")
		m.discard(ctx, key)
		return nil, apperror.Wrap(apperror.CodeUploadFailed, uploadFailedMsg, err)
	}

	kind := MessageFile
	if strings.HasPrefix(contentType, "image/") {
		kind = MessageImage
	}
	stored, _, err := m.store.Insert(ctx, NewMessage{
		ConversationID: conversationID,
		SenderID:       who.UserID,
		Kind:           kind,
		Attachment: &Attachment{
			URL:      url,
			Name:     up.Filename,
			Size:     up.Size,
			MimeType: contentType,
		},
	})
	if err != nil {
		metrics.AttachmentUploads.WithLabelValues("record_failed").Inc()
		log.Error().Err(err).Msg("record attachment")
		m.discard(ctx, key)
		return nil, apperror.Wrap(apperror.CodeRecordFailed, uploadFailedMsg, err)
	}

	metrics.AttachmentUploads.WithLabelValues("ok").Inc()
	m.recorded(ctx, stored)
	return stored, nil
}

// discard removes an uploaded object that no message points at. It outlives ctx so a
// cancelled request still cleans up.
func (m *Messages) discard(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := m.objects.Delete(ctx, key); err != nil {
		m.log.Warn().Err(err).Str("object_key", key).Msg("orphaned attachment")
	}
}

// Delete hides a message from every reader. Only its sender may delete it.
func (m *Messages) Delete(ctx context.Context, who identity.Identity, messageID uuid.UUID) error {
	deleted, err := m.store.SoftDelete(ctx, messageID, who.UserID)
	if errors.Is(err, ErrNotFound) {
		return apperror.NotFound("message not found")
	}
	if err != nil {
		m.log.Error().Err(err).Stringer("message_id", messageID).Msg("delete message")
		return apperror.Wrap(apperror.CodeUnavailable, "could not delete the message", err)
	}
	if m.cache != nil {
		m.cache.Invalidate(deleted.ConversationID)
	}
	m.publish(ctx, realtime.ChangeEvent{
		Table:          realtime.TableMessages,
		Type:           realtime.EventUpdate,
		RowID:          deleted.ID.String(),
		ConversationID: deleted.ConversationID,
	})
	return nil
}

func (m *Messages) recorded(ctx context.Context, msg *Message) {
	metrics.MessagesSent.WithLabelValues(string(msg.Kind)).Inc()
	if m.cache != nil {
		m.cache.Invalidate(msg.ConversationID)
	}
	m.publish(ctx, realtime.ChangeEvent{
		Table:          realtime.TableMessages,
		Type:           realtime.EventInsert,
		RowID:          msg.ID.String(),
		ConversationID: msg.ConversationID,
		UserIDs:        []uuid.UUID{msg.SenderID},
	})
}

func (m *Messages) publish(ctx context.Context, ev realtime.ChangeEvent) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, ev); err != nil {
		m.log.Warn().Err(err).Str("table", string(ev.Table)).Msg("publish change")
	}
}

// detectContentType trusts a specific declared type and sniffs the content otherwise.
// The returned reader yields the whole body, including any sniffed bytes.
func detectContentType(declared string, body io.Reader) (string, io.Reader) {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared, body
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	head = head[:n]
	var rest io.Reader
	switch {
	case err == nil:
		rest = body
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		rest = bytes.NewReader(nil)
	default:
		rest = failedReader{err: err}
	}
	return mimetype.Detect(head).String(), io.MultiReader(bytes.NewReader(head), rest)
}

type failedReader struct{ err error }

func (r failedReader) Read([]byte) (int, error) { return 0, r.err }
