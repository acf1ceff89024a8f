package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// Middleware authenticates bearer tokens. When a directory is given, a user
// found there takes its roles and status from the directory.
func Middleware(tm *TokenManager, dir *Directory, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, ErrUnauthenticated.Error())
				return
			}

			claims, err := tm.Validate(token)
			if err != nil {
				logger.WithFields(logrus.Fields{
					"method": r.Method,
					"path":   r.URL.Path,
					"error":  err.Error(),
				}).Warn("Authentication failed")
				msg := "Invalid token"
				if errors.Is(err, ErrTokenExpired) {
					msg = "Token expired"
				}
				writeAuthError(w, http.StatusUnauthorized, msg)
				return
			}

			user := UserFromClaims(claims)
			if dir != nil {
				stored, err := dir.Get(r.Context(), user.ID)
				switch {
				case err == nil:
					if stored.Status != UserStatusActive {
						writeAuthError(w, http.StatusUnauthorized, ErrUserInactive.Error())
						return
					}
					user = stored
				case errors.Is(err, ErrUserNotFound):
					// Remember token-only actors so history stats can name them
					if user.Username != "" {
						if err := dir.Upsert(r.Context(), user); err != nil {
							logger.WithError(err).Warn("Failed to remember actor")
						}
					}
				default:
					logger.WithError(err).Error("Failed to look up user in directory")
					writeAuthError(w, http.StatusInternalServerError, "Internal server error")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// StaticMiddleware attaches a fixed user to every request; used when
// authentication is disabled
func StaticMiddleware(user *User) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireAdmin rejects requests whose user is not an admin
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := GetUserFromContext(r.Context()); !ok {
			writeAuthError(w, http.StatusUnauthorized, ErrUnauthenticated.Error())
			return
		}
		if !IsAdminUser(r.Context()) {
			writeAuthError(w, http.StatusForbidden, ErrForbidden.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	return token, token != ""
}

// writeAuthError matches the API error envelope
func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
