package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/tetherhq/tether/internal/auth"
	"github.com/tetherhq/tether/internal/store"
)

type contextKey string

const (
	identityKey contextKey = "identity"
	agentKey    contextKey = "agent"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		tokenStr := authHeader[7:]
		identity, err := s.provider.ValidateToken(r.Context(), tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := getIdentityFromContext(r.Context())
		if identity == nil ||
			(!identity.HasRole(store.RoleServerAdministrator) && !identity.HasRole(store.RoleTenantAdministrator)) {
			writeError(w, http.StatusForbidden, "administrator access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// agentContext identifies the agent behind a stream transfer request.
type agentContext struct {
	DeviceID string
	TenantID string
}

// agentAuthMiddleware authenticates agent stream requests with the same
// tokens the websocket hello accepts: time-limited HMAC first, then static.
// The device ID travels in the X-Device-Id header.
func (s *Server) agentAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.Header.Get("X-Device-Id")
		authHeader := r.Header.Get("Authorization")
		if deviceID == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing agent credentials")
			return
		}
		token := authHeader[7:]

		var tenantID string
		if id, tenant, err := s.agentAuth.ValidateTimeLimitedToken(token); err == nil && id == deviceID {
			tenantID = tenant
		} else if tenant, ok := s.agentAuth.ValidateAgentToken(deviceID, token); ok {
			tenantID = tenant
		} else {
			writeError(w, http.StatusUnauthorized, "invalid agent credentials")
			return
		}

		ctx := context.WithValue(r.Context(), agentKey, &agentContext{
			DeviceID: deviceID,
			TenantID: tenantID,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getIdentityFromContext(ctx context.Context) *auth.Identity {
	identity, _ := ctx.Value(identityKey).(*auth.Identity)
	return identity
}

func getAgentFromContext(ctx context.Context) *agentContext {
	agent, _ := ctx.Value(agentKey).(*agentContext)
	return agent
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		next.ServeHTTP(w, r)
	})
}

func makeCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Device-Id")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
