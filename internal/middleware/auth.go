package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	apperrors "licensed/internal/errors"
	"licensed/pkg/contracts/domain"
)

// Authenticator resolves client credentials to the activation they name
type Authenticator interface {
	Authenticate(ctx context.Context, key string, activationID int64) (domain.Activation, error)
}

// ClientAuth authenticates the client API. Clients send the license key as
// the Basic auth user name and, once activated, the activation id as password.
type ClientAuth struct {
	auth         Authenticator
	errorHandler *apperrors.ErrorHandler
	realm        string
	logger       *slog.Logger
}

// NewClientAuth creates the client API authenticator
func NewClientAuth(auth Authenticator, errorHandler *apperrors.ErrorHandler, realm string, logger *slog.Logger) *ClientAuth {
	return &ClientAuth{
		auth:         auth,
		errorHandler: errorHandler,
		realm:        realm,
		logger:       logger.With(slog.String("component", "client_auth")),
	}
}

// Key requires a license key user name; the password is ignored
func (a *ClientAuth) Key(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, _, ok := r.BasicAuth()
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			a.errorHandler.Unauthorized(w, r, a.realm)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), keyCtxKey, key)))
	})
}

// Activation requires key and activation id and checks they belong together
func (a *ClientAuth) Activation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key, password, ok := r.BasicAuth()
		key = strings.TrimSpace(key)
		id, err := strconv.ParseInt(strings.TrimSpace(password), 10, 64)
		if !ok || key == "" || err != nil || id <= 0 {
			a.errorHandler.Unauthorized(w, r, a.realm)
			return
		}

		activation, err := a.auth.Authenticate(ctx, key, id)
		if errors.Is(err, apperrors.ErrNotFound) {
			a.logger.WarnContext(ctx, "client authentication failed",
				slog.Int64("activation_id", id),
				slog.String("remote_addr", r.RemoteAddr))
			a.errorHandler.Unauthorized(w, r, a.realm)
			return
		}
		if err != nil {
			a.errorHandler.HandleError(w, r, err)
			return
		}

		ctx = context.WithValue(ctx, keyCtxKey, key)
		ctx = context.WithValue(ctx, activationCtxKey, activation)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// KeyFrom returns the authenticated license key
func KeyFrom(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(keyCtxKey).(string)
	return key, ok
}

// ActivationFrom returns the authenticated activation
func ActivationFrom(ctx context.Context) (domain.Activation, bool) {
	a, ok := ctx.Value(activationCtxKey).(domain.Activation)
	return a, ok
}

// AdminAuth requires "Authorization: Bearer <token>". An empty token locks
// the admin API entirely.
func AdminAuth(token string, errorHandler *apperrors.ErrorHandler, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, presented, _ := strings.Cut(r.Header.Get("Authorization"), " ")
			if token == "" || !strings.EqualFold(scheme, "bearer") ||
				subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(token)) != 1 {
				logger.WarnContext(r.Context(), "admin authentication failed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr))
				errorHandler.Unauthorized(w, r, "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
