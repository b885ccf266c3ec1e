// internal/auth/auth.go
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"golang.org/x/crypto/bcrypt"
)

const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"

	issuer = "iot-trust-gateway"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidPassword = errors.New("invalid password")
	ErrInvalidToken    = errors.New("invalid token")
)

// Config holds authentication configuration
type Config struct {
	JWTSecret     string   `mapstructure:"jwt_secret"`
	JWTExpiration int      `mapstructure:"jwt_expiration"` // in minutes
	APIKeys       []string `mapstructure:"api_keys"`
	Users         []User   `mapstructure:"users"`
	BcryptCost    int      `mapstructure:"bcrypt_cost"`
}

type User struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// Claims represents JWT claims
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.StandardClaims
}

// Principal is the authenticated caller stored in the request context.
type Principal struct {
	Username string
	Role     string
	Method   string // "jwt" or "api_key"
}

type contextKey struct{}

// FromContext returns the caller set by the middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// AuthManager handles authentication and authorization
type AuthManager struct {
	config Config
	now    func() time.Time
}

// NewAuthManager creates a new authentication manager
func NewAuthManager(config Config) *AuthManager {
	if config.JWTExpiration <= 0 {
		config.JWTExpiration = 60
	}
	return &AuthManager{config: config, now: time.Now}
}

// GenerateJWT creates a new JWT token for a user
func (am *AuthManager) GenerateJWT(username, role string) (string, error) {
	if am.config.JWTSecret == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := am.now()
	claims := &Claims{
		Username: username,
		Role:     role,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: now.Add(time.Duration(am.config.JWTExpiration) * time.Minute).Unix(),
			IssuedAt:  now.Unix(),
			Issuer:    issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(am.config.JWTSecret))
}

// ValidateJWT validates the JWT token
func (am *AuthManager) ValidateJWT(tokenString string) (*Claims, error) {
	if am.config.JWTSecret == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(am.config.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Issuer != issuer {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateAPIKey checks if the provided API key is valid
func (am *AuthManager) ValidateAPIKey(apiKey string) bool {
	valid := false
	for _, validKey := range am.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(validKey)) == 1 {
			valid = true
		}
	}
	return valid
}

// AuthenticateUser validates username and password and returns the role.
func (am *AuthManager) AuthenticateUser(username, password string) (string, error) {
	for _, user := range am.config.Users {
		if user.Username != username {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
			return "", ErrInvalidPassword
		}
		return user.Role, nil
	}
	return "", ErrUserNotFound
}

// HashPassword creates a bcrypt hash from a password
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(bytes), err
}

// KeyLabel names an API key without revealing it, so each key can be told
// apart in logs and rate limits.
func KeyLabel(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "api-key:" + hex.EncodeToString(sum[:6])
}

// Middleware accepts either an X-API-Key header or a Bearer JWT, which may
// also come in the token query parameter. API keys carry the viewer role.
func (am *AuthManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			if !am.ValidateAPIKey(apiKey) {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			ctx := WithPrincipal(r.Context(), Principal{Username: KeyLabel(apiKey), Role: RoleViewer, Method: "api_key"})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" && r.URL.Query().Get("token") != "" {
			// Browsers cannot set headers on a websocket upgrade.
			authHeader = "Bearer " + r.URL.Query().Get("token")
		}
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || bearerToken[0] != "Bearer" {
			http.Error(w, "Invalid authorization format", http.StatusUnauthorized)
			return
		}
		claims, err := am.ValidateJWT(bearerToken[1])
		if err != nil {
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}
		ctx := WithPrincipal(r.Context(), Principal{Username: claims.Username, Role: claims.Role, Method: "jwt"})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects callers without role. Use after Middleware.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if p.Role != role {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
