// Package auth provides authentication for the server.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Claims represents the JWT token claims.
type Claims struct {
	UserID   string   `json:"uid"`
	Username string   `json:"usr"`
	TenantID string   `json:"tid"`
	Roles    []string `json:"roles"`
	TagIDs   []string `json:"tags"`
	jwt.RegisteredClaims
}

type agentToken struct {
	token    string
	tenantID string
}

// Service handles builtin authentication.
// It implements Provider, LoginProvider, and AgentAuthProvider.
type Service struct {
	store              store.Store
	jwtSecret          []byte
	jwtExpiry          time.Duration
	agentTokens        map[string]agentToken // device_id -> static token
	agentTokenSecret   string                // HMAC secret for time-limited tokens
	agentTokenLifetime time.Duration
	initialAdmin       *config.InitialAdmin
}

// NewService creates a new auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	tokens := make(map[string]agentToken)
	for _, entry := range cfg.AgentTokens {
		tokens[entry.DeviceID] = agentToken{token: entry.Token, tenantID: entry.TenantID}
	}

	return &Service{
		store:              s,
		jwtSecret:          []byte(cfg.JWTSecret),
		jwtExpiry:          cfg.JWTExpiry.Duration,
		agentTokens:        tokens,
		agentTokenSecret:   cfg.AgentTokenSecret,
		agentTokenLifetime: cfg.AgentTokenLifetime.Duration,
		initialAdmin:       cfg.InitialAdmin,
	}
}

// AgentTokenLifetime returns the lifetime for generated agent tokens.
func (s *Service) AgentTokenLifetime() time.Duration {
	return s.agentTokenLifetime
}

// GenerateAgentToken creates a time-limited HMAC token for a device.
// Token format: {deviceID}:{tenantID}:{timestamp}:{hmac-sha256(deviceID:tenantID:timestamp, secret)}
func (s *Service) GenerateAgentToken(deviceID, tenantID string) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(s.agentTokenSecret))
	mac.Write([]byte(deviceID + ":" + tenantID + ":" + ts))
	sig := hex.EncodeToString(mac.Sum(nil))
	return deviceID + ":" + tenantID + ":" + ts + ":" + sig
}

// ValidateTimeLimitedToken verifies an HMAC agent token and returns the
// device and tenant it was minted for.
func (s *Service) ValidateTimeLimitedToken(token string) (string, string, error) {
	parts := strings.SplitN(token, ":", 4)
	if len(parts) != 4 {
		return "", "", errors.New("invalid token format")
	}

	deviceID, tenantID, tsStr, sig := parts[0], parts[1], parts[2], parts[3]

	mac := hmac.New(sha256.New, []byte(s.agentTokenSecret))
	mac.Write([]byte(deviceID + ":" + tenantID + ":" + tsStr))
	expectedSig := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(sig), []byte(expectedSig)) {
		return "", "", errors.New("invalid token signature")
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return "", "", errors.New("invalid token timestamp")
	}

	age := time.Since(time.Unix(ts, 0))
	if age > s.agentTokenLifetime {
		return "", "", errors.New("token expired")
	}
	if age < -1*time.Minute {
		return "", "", errors.New("token from the future")
	}

	return deviceID, tenantID, nil
}

// ValidateAgentToken checks a static agent token and returns the tenant the
// device belongs to.
func (s *Service) ValidateAgentToken(deviceID, token string) (string, bool) {
	entry, ok := s.agentTokens[deviceID]
	if !ok {
		return "", false
	}
	if !hmac.Equal([]byte(entry.token), []byte(token)) {
		return "", false
	}
	return entry.tenantID, true
}

// Bootstrap creates the initial admin user if configured and not present.
// This implements the Provider interface.
func (s *Service) Bootstrap(ctx context.Context) error {
	return s.BootstrapAdmin(ctx, s.initialAdmin)
}

// BootstrapAdmin creates the initial admin user from the given config.
func (s *Service) BootstrapAdmin(ctx context.Context, admin *config.InitialAdmin) error {
	if admin == nil {
		return nil
	}

	tenantID := admin.TenantID
	if tenantID == "" {
		tenantID = "default"
	}

	existing, err := s.store.GetUser(ctx, tenantID, admin.Username)
	if err != nil {
		return fmt.Errorf("check existing user: %w", err)
	}
	if existing != nil {
		return nil // already bootstrapped
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(admin.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		Username:     admin.Username,
		PasswordHash: string(hash),
		Roles:        []string{store.RoleServerAdministrator, store.RoleTenantAdministrator},
		CreatedAt:    time.Now(),
	}

	return s.store.CreateUser(ctx, user)
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, tenantID, username, password string) (string, error) {
	if tenantID == "" {
		tenantID = "default"
	}
	user, err := s.store.GetUser(ctx, tenantID, username)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.generateToken(user)
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, tenantID, username, password string, roles []string) (*store.User, error) {
	if tenantID == "" {
		tenantID = "default"
	}
	existing, err := s.store.GetUser(ctx, tenantID, username)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	if len(roles) == 0 {
		roles = []string{store.RoleUser}
	}

	user := &store.User{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		Username:     username,
		PasswordHash: string(hash),
		Roles:        roles,
		CreatedAt:    time.Now(),
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return user, nil
}

// ValidateToken validates a bearer token and returns an Identity.
// This implements the Provider interface.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return nil, err
	}
	return &Identity{
		UserID:   claims.UserID,
		Username: claims.Username,
		TenantID: claims.TenantID,
		Roles:    claims.Roles,
		TagIDs:   claims.TagIDs,
	}, nil
}

func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	return claims, nil
}

func (s *Service) generateToken(user *store.User) (string, error) {
	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		TenantID: user.TenantID,
		Roles:    user.Roles,
		TagIDs:   user.TagIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
