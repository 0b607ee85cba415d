// Package api provides the HTTP surface of the server: login, device
// listings, administration, and the byte-stream endpoints of the file relay.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/tetherhq/tether/internal/auth"
	"github.com/tetherhq/tether/internal/authz"
	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/internal/directory"
	"github.com/tetherhq/tether/internal/hub"
	"github.com/tetherhq/tether/internal/presence"
	"github.com/tetherhq/tether/internal/relay"
	"github.com/tetherhq/tether/internal/store"
	"github.com/tetherhq/tether/internal/streams"
	"github.com/tetherhq/tether/pkg/protocol"
)

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	provider      auth.Provider
	loginProvider auth.LoginProvider
	agentAuth     auth.AgentAuthProvider
	hub           *hub.Hub
	relay         *relay.Relay
	registry      *streams.Registry
	directory     *directory.Directory
	presence      *presence.Counter
	logger        *slog.Logger
	mux           *chi.Mux

	maxBodyBytes int64
	maxFileBytes int64
	streamTTL    time.Duration
	startTime    time.Time

	loginRL *rateLimiter
	rl      *rateLimiter
}

// NewServer creates the API server and mounts all routes.
func NewServer(s store.Store, provider auth.Provider, loginProvider auth.LoginProvider,
	agentAuth auth.AgentAuthProvider, h *hub.Hub, rel *relay.Relay,
	registry *streams.Registry, dir *directory.Directory, counter *presence.Counter,
	cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         s,
		provider:      provider,
		loginProvider: loginProvider,
		agentAuth:     agentAuth,
		hub:           h,
		relay:         rel,
		registry:      registry,
		directory:     dir,
		presence:      counter,
		logger:        logger.With("component", "api"),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
		maxFileBytes:  cfg.Server.MaxFileBytes,
		streamTTL:     cfg.Relay.StreamTTL.Duration,
		startTime:     time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login route only registered when using builtin auth.
	if loginProvider != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// WebSocket routes (auth handled inside)
	mux.Get("/agent/ws", h.HandleAgentWS)
	mux.Get("/ws", h.HandleViewerWS)

	// Agent stream transfer routes (agent token auth)
	mux.Group(func(r chi.Router) {
		r.Use(srv.agentAuthMiddleware)
		r.Get("/agent/streams/{streamID}", srv.handleAgentStreamPull)
		r.Post("/agent/streams/{streamID}", srv.handleAgentStreamPush)
	})

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/devices", srv.handleListDevices)
		r.Post("/api/devices/{deviceID}/files", srv.handleUploadFile)
		r.Get("/api/devices/{deviceID}/files", srv.handleDownloadFile)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Put("/api/devices/{deviceID}/tags", srv.handleSetDeviceTags)
			r.Get("/api/users", srv.handleListUsers)
			if loginProvider != nil {
				r.Post("/api/users", srv.handleCreateUser)
			}
			r.Put("/api/users/{userID}/grants", srv.handleUpdateUserGrants)
			r.Get("/api/admin/audit", srv.handleListAuditEvents)
			r.Get("/api/admin/stats", srv.handleStats)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.provider.Name()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		TenantID string `json:"tenant_id"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if req.TenantID == "" {
		req.TenantID = "default"
	}

	token, err := s.loginProvider.Login(r.Context(), req.TenantID, req.Username, req.Password)
	if err != nil {
		s.audit(r, req.TenantID, store.AuditActionLoginFailed, "", "",
			json.RawMessage(fmt.Sprintf(`{"username":%q}`, req.Username)))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	user, _ := s.store.GetUser(r.Context(), req.TenantID, req.Username)
	userID := ""
	if user != nil {
		userID = user.ID
	}
	s.audit(r, req.TenantID, store.AuditActionLogin, userID, "", nil)

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        identity.UserID,
		"username":  identity.Username,
		"tenant_id": identity.TenantID,
		"roles":     identity.Roles,
		"tag_ids":   identity.TagIDs,
	})
}

// --- Device handlers ---

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	devices, err := s.directory.ListVisible(r.Context(),
		identity.TenantID, identity.TagIDs, identity.HasBlanketDeviceAccess())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}

	result := make([]protocol.DeviceUpdate, len(devices))
	for i := range devices {
		result[i] = directory.Update(&devices[i])
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSetDeviceTags(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	deviceID := chi.URLParam(r, "deviceID")
	identity := getIdentityFromContext(r.Context())

	var req struct {
		TagIDs []string `json:"tag_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	device, err := s.directory.Get(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load device")
		return
	}
	if device == nil || device.TenantID != identity.TenantID {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	if err := s.store.SetDeviceTags(r.Context(), deviceID, req.TagIDs); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to set tags")
		return
	}
	device.TagIDs = req.TagIDs
	// Live connections get their tag groups rebuilt immediately.
	s.hub.SyncDeviceGroups(device)

	writeJSON(w, http.StatusOK, directory.Update(device))
}

// --- User handlers (admin) ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	users, err := s.store.ListUsers(r.Context(), identity.TenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	for i := range users {
		users[i].PasswordHash = ""
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())
	var req struct {
		Username string   `json:"username"`
		Password string   `json:"password"`
		Roles    []string `json:"roles"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), identity.TenantID, req.Username, req.Password, req.Roles)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	user.PasswordHash = ""
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleUpdateUserGrants(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	userID := chi.URLParam(r, "userID")
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Roles  []string `json:"roles"`
		TagIDs []string `json:"tag_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.store.GetUserByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	if user == nil || user.TenantID != identity.TenantID {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	if err := s.store.UpdateUserGrants(r.Context(), userID, req.Roles, req.TagIDs); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update grants")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// --- Admin audit / stats ---

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	identity := getIdentityFromContext(r.Context())
	events, err := s.store.ListAuditEvents(r.Context(), identity.TenantID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.presence.Stats())
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func (s *Server) audit(r *http.Request, tenantID, action, userID, deviceID string, detail json.RawMessage) {
	err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Action:    action,
		UserID:    userID,
		DeviceID:  deviceID,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

// writeRelayError maps relay failures onto HTTP statuses.
func writeRelayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authz.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, relay.ErrDeviceUnreachable):
		writeError(w, http.StatusBadGateway, "device is not connected")
	default:
		writeError(w, http.StatusInternalServerError, "call failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
