package presence

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"wellness-chat/internal/apperror"
	"wellness-chat/internal/identity"
)

type Handler struct {
	tracker *Tracker
}

func NewHandler(tracker *Tracker) *Handler {
	return &Handler{tracker: tracker}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/presence", h.List)
	r.Put("/presence", h.Update)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity.FromContext(r.Context()); !ok {
		apperror.WriteJSON(w, apperror.Unauthorized("unauthorized"))
		return
	}

	snapshot := h.tracker.Snapshot()
	records := make([]Record, 0, len(snapshot))
	for _, rec := range snapshot {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UserID.String() < records[j].UserID.String()
	})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

type updateRequest struct {
	Status   Status     `json:"status"`
	TypingIn *uuid.UUID `json:"typing_in"`
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	who, ok := identity.FromContext(r.Context())
	if !ok {
		apperror.WriteJSON(w, apperror.Unauthorized("unauthorized"))
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperror.WriteJSON(w, apperror.InvalidArg("invalid request body"))
		return
	}
	if err := h.tracker.SetPresence(who, req.Status, req.TypingIn); err != nil {
		apperror.WriteJSON(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
