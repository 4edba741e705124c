package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/spotnest/spotnest/internal/auth"
)

type contextKey string

const (
	AgentContextKey contextKey = "agent"
	RequestIDKey    contextKey = "request_id"
)

// AgentAuth gates the agent-facing endpoints on a per-instance bearer token.
type AgentAuth struct {
	jwtSecret string
}

func NewAgentAuth(jwtSecret string) *AgentAuth {
	return &AgentAuth{jwtSecret: jwtSecret}
}

func (m *AgentAuth) RequireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Missing authorization"})
			return
		}

		claims, err := auth.ValidateAgentToken(token, m.jwtSecret)
		if err != nil {
			respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
			return
		}

		ctx := context.WithValue(r.Context(), AgentContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		// Websocket clients cannot set headers from every runtime.
		return r.URL.Query().Get("token")
	}
	return token
}

// GetAgent returns the validated claims for an agent request, or nil.
func GetAgent(ctx context.Context) *auth.AgentClaims {
	claims, ok := ctx.Value(AgentContextKey).(*auth.AgentClaims)
	if !ok {
		return nil
	}
	return claims
}

func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetRequestID(ctx context.Context) string {
	id, ok := ctx.Value(RequestIDKey).(string)
	if !ok {
		return ""
	}
	return id
}
