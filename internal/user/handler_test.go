package user

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wellness-chat/internal/identity"
)

type stubSearcher struct {
	profiles []Profile
	err      error
	gotOrg   *uuid.UUID
}

func (s *stubSearcher) Search(_ context.Context, _ string, orgID *uuid.UUID) ([]Profile, error) {
	s.gotOrg = orgID
	return s.profiles, s.err
}

func TestSearchUsersExcludesCaller(t *testing.T) {
	org := uuid.New()
	me := identity.Identity{UserID: uuid.New(), Role: identity.RoleEmployee, OrganizationID: &org}
	other := Profile{ID: uuid.New(), FullName: "Dana Coach", Email: "dana@example.com", Role: "coach"}
	stub := &stubSearcher{profiles: []Profile{{ID: me.UserID, FullName: "Me"}, other}}
	h := NewHandler(stub, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/users/search?q=da", nil)
	req = req.WithContext(identity.WithContext(req.Context(), me))
	rec := httptest.NewRecorder()
	h.SearchUsers(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, other.ID, got[0].ID)
	assert.Equal(t, &org, stub.gotOrg)
}

func TestSearchUsersErrors(t *testing.T) {
	me := identity.Identity{UserID: uuid.New(), Role: identity.RoleEmployee}

	t.Run("empty query", func(t *testing.T) {
		h := NewHandler(&stubSearcher{}, zerolog.Nop())
		req := httptest.NewRequest(http.MethodGet, "/api/users/search?q=", nil)
		req = req.WithContext(identity.WithContext(req.Context(), me))
		rec := httptest.NewRecorder()
		h.SearchUsers(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("store failure", func(t *testing.T) {
		h := NewHandler(&stubSearcher{err: errors.New("down")}, zerolog.Nop())
		req := httptest.NewRequest(http.MethodGet, "/api/users/search?q=x", nil)
		req = req.WithContext(identity.WithContext(req.Context(), me))
		rec := httptest.NewRecorder()
		h.SearchUsers(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestContainsPatternEscapesWildcards(t *testing.T) {
	assert.Equal(t, "%ann%", containsPattern("ann"))
	assert.Equal(t, `%100\%%`, containsPattern("100%"))
	assert.Equal(t, `%first\_last%`, containsPattern("first_last"))
	assert.Equal(t, `%a\\b%`, containsPattern(`a\b`))
}
