package ops

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Routes groups handlers.
type Routes struct {
	Health            http.HandlerFunc
	CreateTransaction http.HandlerFunc
	GetTransaction    http.HandlerFunc
	ForceNextStep     http.HandlerFunc
}

// NewRouter registers endpoints. When tokens is non-nil, everything except
// health requires a valid operator bearer token.
func NewRouter(routes Routes, tokens *TokenService, logger *zap.Logger) http.Handler {
	guard := withAuth(tokens, logger)

	mux := http.NewServeMux()
	if routes.Health != nil {
		mux.Handle("/health", method(http.MethodGet, routes.Health))
	}
	if routes.CreateTransaction != nil {
		mux.Handle("/transactions", splitByMethod(
			guard(routes.CreateTransaction),
			guard(routes.GetTransaction),
		))
	}
	if routes.ForceNextStep != nil {
		mux.Handle("/transactions/force-next", method(http.MethodPost, guard(routes.ForceNextStep)))
	}
	return mux
}

func method(expected string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != expected {
			w.Header().Set("Allow", expected)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler(w, r)
	}
}

func splitByMethod(post, get http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			post(w, r)
		case http.MethodGet:
			get(w, r)
		default:
			w.Header().Set("Allow", "GET, POST")
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

// withAuth validates the operator bearer token. A nil token service
// disables auth (local development).
func withAuth(tokens *TokenService, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		if tokens == nil {
			return next
		}
		return func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if _, err := tokens.ValidateToken(raw); err != nil {
				logger.Warn("operator token rejected", zap.Error(err))
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
}
