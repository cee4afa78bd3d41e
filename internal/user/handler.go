package user

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wellness-chat/internal/apperror"
	"wellness-chat/internal/identity"
)

type Searcher interface {
	Search(ctx context.Context, query string, orgID *uuid.UUID) ([]Profile, error)
}

type Handler struct {
	profiles Searcher
	log      zerolog.Logger
}

func NewHandler(profiles Searcher, log zerolog.Logger) *Handler {
	return &Handler{profiles: profiles, log: log.With().Str("component", "user-handler").Logger()}
}

// SearchUsers backs the "start a chat" people picker.
func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	who, ok := identity.FromContext(r.Context())
	if !ok {
		apperror.WriteJSON(w, apperror.Unauthorized("unauthorized"))
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		apperror.WriteJSON(w, apperror.InvalidArg("search query is required"))
		return
	}

	profiles, err := h.profiles.Search(r.Context(), query, who.OrganizationID)
	if err != nil {
		h.log.Error().Err(err).Str("query", query).Msg("search profiles")
		apperror.WriteJSON(w, apperror.Wrap(apperror.CodeUnavailable, "could not search people right now", err))
		return
	}

	results := make([]Profile, 0, len(profiles))
	for _, p := range profiles {
		if p.ID != who.UserID {
			results = append(results, p)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(results)
}
