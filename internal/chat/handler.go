package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wellness-chat/internal/apperror"
	"wellness-chat/internal/identity"
)

// multipart overhead allowed on top of the attachment itself
const formSlack = 1 << 20

type Handler struct {
	directory *Directory
	messages  *Messages
	maxBytes  int64
	log       zerolog.Logger
}

func NewHandler(directory *Directory, messages *Messages, maxBytes int64, log zerolog.Logger) *Handler {
	return &Handler{
		directory: directory,
		messages:  messages,
		maxBytes:  maxBytes,
		log:       log.With().Str("component", "chat-handler").Logger(),
	}
}

// Routes mounts under /api.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", h.ListConversations)
		r.Post("/direct", h.StartDirect)
		r.Post("/coaching", h.StartCoaching)
		r.Post("/group", h.CreateGroup)
		r.Route("/{conversationID}", func(r chi.Router) {
			r.Post("/read", h.MarkRead)
			r.Post("/leave", h.Leave)
			r.Get("/messages", h.ListMessages)
			r.Post("/messages", h.SendMessage)
			r.Post("/attachments", h.UploadAttachment)
		})
	})
	r.Delete("/messages/{messageID}", h.DeleteMessage)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}

	var filter ListFilter
	for _, k := range r.URL.Query()["kind"] {
		kind := Kind(k)
		if !kind.Valid() {
			apperror.WriteJSON(w, apperror.InvalidArg("unknown conversation kind"))
			return
		}
		filter.Kinds = append(filter.Kinds, kind)
	}

	convs, err := h.directory.ListForUser(r.Context(), who, filter)
	if err != nil {
		apperror.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

type startDirectRequest struct {
	OtherUserID uuid.UUID `json:"other_user_id"`
}

func (h *Handler) StartDirect(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req startDirectRequest
	if !decode(w, r, &req) {
		return
	}

	conv, err := h.directory.FindOrCreateDirect(r.Context(), who, req.OtherUserID)
	if err != nil {
		apperror.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type startCoachingRequest struct {
	OtherUserID  uuid.UUID `json:"other_user_id"`
	ProgramTitle string    `json:"program_title"`
	EnrollmentID string    `json:"enrollment_id"`
}

func (h *Handler) StartCoaching(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req startCoachingRequest
	if !decode(w, r, &req) {
		return
	}

	conv, err := h.directory.FindOrCreateCoaching(r.Context(), who, req.OtherUserID, req.ProgramTitle, req.EnrollmentID)
	if err != nil {
		apperror.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type createGroupRequest struct {
	Name      string      `json:"name"`
	MemberIDs []uuid.UUID `json:"member_ids"`
}

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req createGroupRequest
	if !decode(w, r, &req) {
		return
	}

	conv, err := h.directory.CreateGroup(r.Context(), who, req.Name, req.MemberIDs)
	if err != nil {
		apperror.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	if err := h.directory.MarkRead(r.Context(), who, id); err != nil {
		apperror.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	if err := h.directory.Leave(r.Context(), who, id); err != nil {
		apperror.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}

	var opts ListOptions
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			apperror.WriteJSON(w, apperror.InvalidArg("limit must be a positive number"))
			return
		}
		opts.Limit = n
	}
	if raw := q.Get("before"); raw != "" {
		before, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			apperror.WriteJSON(w, apperror.InvalidArg("before must be an RFC 3339 timestamp"))
			return
		}
		cursor := Cursor{At: before}
		if rawID := q.Get("before_id"); rawID != "" {
			msgID, err := uuid.Parse(rawID)
			if err != nil {
				apperror.WriteJSON(w, apperror.InvalidArg("before_id must be a message id"))
				return
			}
			cursor.ID = msgID
		}
		opts.Before = &cursor
	}

	msgs, err := h.messages.List(r.Context(), who, id, opts)
	if err != nil {
		apperror.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendMessageRequest struct {
	Content     string     `json:"content"`
	ReplyTo     *uuid.UUID `json:"reply_to"`
	ClientNonce string     `json:"client_nonce"`
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	var req sendMessageRequest
	if !decode(w, r, &req) {
		return
	}

	msg, err := h.messages.SendText(r.Context(), who, id, req.Content, SendOptions{
		ReplyTo:     req.ReplyTo,
		ClientNonce: req.ClientNonce,
	})
	if err != nil {
		apperror.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}

	if h.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+formSlack)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			apperror.WriteJSON(w, apperror.New(apperror.CodeTooLarge, "the file is too large"))
			return
		}
		h.log.Debug().Err(err).Msg("read upload form")
		apperror.WriteJSON(w, apperror.InvalidArg("attach a file in the \"file\" field"))
		return
	}
	defer file.Close()

	msg, err := h.messages.SendFile(r.Context(), who, id, Upload{
		Filename:    header.Filename,
		Size:        header.Size,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
	})
	if err != nil {
		apperror.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}
	if err := h.messages.Delete(r.Context(), who, id); err != nil {
		apperror.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func caller(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	who, ok := identity.FromContext(r.Context())
	if !ok {
		apperror.WriteJSON(w, apperror.Unauthorized("unauthorized"))
	}
	return who, ok
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		apperror.WriteJSON(w, apperror.NotFound("not found"))
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		apperror.WriteJSON(w, apperror.InvalidArg("invalid request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
