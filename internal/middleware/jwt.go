package middleware

import (
	"net/http"
	"strings"

	"wellness-chat/internal/apperror"
	"wellness-chat/internal/identity"
)

// TokenValidator decouples the middleware from how tokens are checked.
type TokenValidator interface {
	ValidateToken(tokenString string) (identity.Identity, error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				tokenString = strings.TrimSpace(parts[1])
			}
		}

		// Browsers cannot set headers on a WebSocket handshake.
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			apperror.WriteJSON(w, apperror.Unauthorized("missing authentication token"))
			return
		}

		id, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			apperror.WriteJSON(w, apperror.Unauthorized("invalid token"))
			return
		}

		reportUser(r.Context(), id.UserID.String())
		next.ServeHTTP(w, r.WithContext(identity.WithContext(r.Context(), id)))
	})
}
