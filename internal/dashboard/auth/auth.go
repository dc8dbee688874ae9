// Package auth guards the dashboard with bearer tokens: local operator
// accounts hashed with bcrypt, sessions minted as JWTs, and a small
// role/permission table gating which read-only views a role may reach.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Role is a coarse operator role. Every role can view sessions and
// events; RoleOperator and RoleAdmin can also view keys, and only
// RoleAdmin holds the manage_keys permission.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var rolePermissions = map[Role][]string{
	RoleViewer:   {"view_sessions", "view_events"},
	RoleOperator: {"view_sessions", "view_events", "view_keys"},
	RoleAdmin:    {"view_sessions", "view_events", "view_keys", "manage_keys"},
}

var (
	ErrInvalidCredentials = errors.New("dashboard: invalid credentials")
	ErrUserDisabled       = errors.New("dashboard: user account disabled")
	ErrInvalidToken       = errors.New("dashboard: invalid or expired token")
	ErrPermissionDenied   = errors.New("dashboard: permission denied")
)

// User is a local dashboard account.
type User struct {
	Username     string
	PasswordHash string
	Role         Role
	Enabled      bool
}

// Config configures the Service.
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
}

// Claims is the JWT payload minted on successful login.
type Claims struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// Session is the result of a successful Authenticate or ValidateToken
// call: an identity and role, bound to a signed token string.
type Session struct {
	Token     string
	Username  string
	Role      Role
	ExpiresAt time.Time
}

// Service authenticates local dashboard operators and validates the JWTs
// it mints for them.
type Service struct {
	cfg   Config
	users map[string]*User
}

// NewService returns a Service with no registered users.
func NewService(cfg Config) *Service {
	return &Service{cfg: cfg, users: make(map[string]*User)}
}

// RegisterUser adds or replaces a local account. password is hashed with
// bcrypt before storage; the caller never sees the plaintext again.
func (s *Service) RegisterUser(username, password string, role Role) error {
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("dashboard: hash password: %w", err)
	}
	s.users[username] = &User{Username: username, PasswordHash: hash, Role: role, Enabled: true}
	return nil
}

// Authenticate checks username/password against the local account table
// and, on success, mints a signed session token.
func (s *Service) Authenticate(username, password string) (Session, error) {
	user, ok := s.users[username]
	if !ok {
		return Session{}, ErrInvalidCredentials
	}
	if !user.Enabled {
		return Session{}, ErrUserDisabled
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Session{}, ErrInvalidCredentials
	}
	return s.issueToken(user)
}

func (s *Service) issueToken(user *User) (Session, error) {
	expiresAt := time.Now().Add(s.cfg.TokenExpiry)
	claims := &Claims{
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   user.Username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return Session{}, fmt.Errorf("dashboard: sign token: %w", err)
	}
	return Session{Token: signed, Username: user.Username, Role: user.Role, ExpiresAt: expiresAt}, nil
}

// ValidateToken verifies a bearer token's signature and expiry and
// returns the session it encodes.
func (s *Service) ValidateToken(tokenString string) (Session, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return Session{}, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return Session{}, ErrInvalidToken
	}
	return Session{Token: tokenString, Username: claims.Username, Role: claims.Role, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// CheckPermission reports whether sess's role carries permission.
func (s *Service) CheckPermission(sess Session, permission string) error {
	if sess.Role == RoleAdmin {
		return nil
	}
	for _, p := range rolePermissions[sess.Role] {
		if p == permission {
			return nil
		}
	}
	return ErrPermissionDenied
}

// HashPassword bcrypt-hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
