package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/erazemk/lostfound/internal/auth"
	"github.com/erazemk/lostfound/internal/model"
	"github.com/erazemk/lostfound/internal/store"
)

type contextKey string

const claimsKey contextKey = "claims"

// MutationHeader carries the client-generated id that makes a write
// idempotent.
const MutationHeader = "X-Mutation-ID"

// authenticate validates the bearer token of r. It returns nil claims and
// an empty message when there is no Authorization header at all.
func authenticate(r *http.Request, sessions *auth.Sessions, db *sql.DB) (*auth.Claims, int, string) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, 0, ""
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, http.StatusUnauthorized, "missing or invalid authorization header"
	}

	claims, err := sessions.Verify(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return nil, http.StatusUnauthorized, "invalid token"
	}

	revoked, err := store.SessionRevoked(r.Context(), db, claims.ID)
	if err != nil {
		slog.Error("failed to check token revocation", "error", err)
		return nil, http.StatusInternalServerError, "internal error"
	}
	if revoked {
		return nil, http.StatusUnauthorized, "token revoked"
	}

	user, err := store.GetUser(r.Context(), db, claims.UserID)
	if err != nil {
		slog.Error("failed to get token user", "error", err)
		return nil, http.StatusInternalServerError, "internal error"
	}
	if user == nil {
		return nil, http.StatusUnauthorized, "account no longer exists"
	}
	return claims, 0, ""
}

// AuthMiddleware validates the JWT from the Authorization header and adds
// its claims to the request context.
func AuthMiddleware(sessions *auth.Sessions, db *sql.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, status, msg := authenticate(r, sessions, db)
			if status != 0 {
				jsonError(w, status, msg)
				return
			}
			if claims == nil {
				jsonError(w, http.StatusUnauthorized, "missing or invalid authorization header")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuth adds claims to the context when a token is sent and lets
// anonymous requests through. A token that is sent but invalid is refused.
func OptionalAuth(sessions *auth.Sessions, db *sql.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, status, msg := authenticate(r, sessions, db)
			if status != 0 {
				jsonError(w, status, msg)
				return
			}
			if claims != nil {
				r = r.WithContext(context.WithValue(r.Context(), claimsKey, claims))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole returns middleware that checks if the user has at least the given role.
func RequireRole(minimum string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetClaims(r.Context())
			if claims == nil {
				jsonError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !model.RoleAtLeast(claims.Role, minimum) {
				jsonError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Idempotent applies a write at most once per X-Mutation-ID. Replays of an
// applied mutation are answered with {"duplicate": true}; a replay that
// arrives while the first attempt is still running gets 503 so the client
// retries later. Requests without the header pass through unchanged. Must
// run after AuthMiddleware.
func Idempotent(db *sql.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(MutationHeader)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				jsonError(w, http.StatusBadRequest, "invalid mutation id")
				return
			}

			var userID string
			if claims := GetClaims(r.Context()); claims != nil {
				userID = claims.UserID
			}
			claim, err := store.ClaimMutation(r.Context(), db, id.String(), userID)
			if err != nil {
				slog.Error("failed to claim mutation", "mutation", id, "error", err)
				jsonError(w, http.StatusInternalServerError, "internal error")
				return
			}
			switch claim {
			case store.MutationDone:
				slog.Info("duplicate mutation ignored", "mutation", id, "path", r.URL.Path)
				jsonResponse(w, http.StatusOK, map[string]bool{"duplicate": true})
				return
			case store.MutationInFlight:
				w.Header().Set("Retry-After", "1")
				jsonError(w, http.StatusServiceUnavailable, "mutation in progress")
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// The request context may already be cancelled once the
			// response is written.
			ctx := context.WithoutCancel(r.Context())
			if rec.status >= 300 {
				if err := store.ReleaseMutation(ctx, db, id.String()); err != nil {
					slog.Error("failed to release mutation", "mutation", id, "error", err)
				}
				return
			}
			if err := store.CompleteMutation(ctx, db, id.String()); err != nil {
				slog.Error("failed to record mutation", "mutation", id, "error", err)
			}
		})
	}
}

// GetClaims retrieves the JWT claims from the context.
func GetClaims(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

// viewer returns the caller's id and role, or empty strings when anonymous.
func viewer(r *http.Request) (string, string) {
	if claims := GetClaims(r.Context()); claims != nil {
		return claims.UserID, claims.Role
	}
	return "", ""
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets event streams flush through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// LoggingMiddleware logs HTTP requests with method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.RequestURI(),
			"status", rec.status,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}
