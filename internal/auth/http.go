// ABOUTME: Token authentication shared by the REST API and the realtime socket
// ABOUTME: Extracts a bearer token, verifies it and resolves the user

package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/agentchat/internal/store"
)

// Authentication errors surfaced to clients
var (
	ErrMissingToken   = errors.New("missing authorization token")
	ErrGuestsDisabled = errors.New("guest sessions are disabled")
	ErrUnknownUser    = errors.New("user not found")
)

// UserLookup resolves a token subject to a stored user
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// Authenticator turns a token into an AuthContext
type Authenticator struct {
	users       UserLookup
	verifier    TokenVerifier
	allowGuests bool
	logger      *slog.Logger
}

// NewAuthenticator creates an Authenticator. Guest tokens are rejected
// unless allowGuests is set.
func NewAuthenticator(users UserLookup, verifier TokenVerifier, allowGuests bool, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		users:       users,
		verifier:    verifier,
		allowGuests: allowGuests,
		logger:      logger.With("component", "auth"),
	}
}

// Authenticate verifies token and builds the identity. Registered users must
// still exist; their role is taken from the store, not the token.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*AuthContext, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.Guest {
		if !a.allowGuests {
			return nil, ErrGuestsDisabled
		}
		return &AuthContext{UserID: claims.Subject, Guest: true}, nil
	}

	user, err := a.users.GetUser(ctx, claims.Subject)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.logger.Error("user lookup failed", "user_id", claims.Subject, "error", err)
		}
		return nil, ErrUnknownUser
	}
	return &AuthContext{UserID: user.ID, Role: string(user.Role)}, nil
}

// TokenFromRequest reads the bearer token from the Authorization header, or
// from the token query parameter for clients that cannot set headers
// (browser sockets).
func TokenFromRequest(r *http.Request) (string, string) {
	if h := r.Header.Get("Authorization"); h != "" {
		return extractBearerToken(h)
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, ""
	}
	return "", "missing authorization header"
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// HTTPAuthMiddleware rejects requests without a valid token and attaches
// the AuthContext otherwise.
func HTTPAuthMiddleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := TokenFromRequest(r)
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			authCtx, err := a.Authenticate(r.Context(), token)
			switch {
			case errors.Is(err, ErrExpiredToken):
				writeAuthError(w, http.StatusUnauthorized, "token expired")
				return
			case errors.Is(err, ErrGuestsDisabled):
				writeAuthError(w, http.StatusForbidden, "guest sessions are disabled")
				return
			case errors.Is(err, ErrUnknownUser):
				writeAuthError(w, http.StatusUnauthorized, "user not found")
				return
			case err != nil:
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireUserHTTP rejects guest sessions. Must be used after HTTPAuthMiddleware.
func RequireUserHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				writeAuthError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if authCtx.Guest {
				writeAuthError(w, http.StatusForbidden, "sign in required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires the admin role.
// Must be used after HTTPAuthMiddleware.
func RequireAdminHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				writeAuthError(w, http.StatusUnauthorized, "not authenticated")
				return
			}

			if !authCtx.IsAdmin() {
				writeAuthError(w, http.StatusForbidden, "admin role required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
