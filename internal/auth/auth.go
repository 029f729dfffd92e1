package auth

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/ksred/klear-broker/internal/types"
)

const (
	RoleUser   = "user"
	RoleBroker = "broker"
	RoleAdmin  = "admin"
)

const principalContextKey = "principal"

var (
	ErrInvalidCredentials = types.Unauthorized("INVALID_CREDENTIALS", "invalid credentials")
	ErrInvalidToken       = types.Unauthorized("INVALID_TOKEN", "token is invalid or expired")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrMissingPrincipal   = types.Unauthorized("MISSING_PRINCIPAL", "authentication required")
)

// Principal is the authenticated caller.
type Principal struct {
	AccountID string `json:"account_id"`
	Role      string `json:"role"`
	Verified  bool   `json:"verified"`
}

// TokenResponse represents an issued bearer token
type TokenResponse struct {
	Token      string    `json:"token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	Role     string `json:"role"`
	Verified bool   `json:"verified"`
}

// Service issues and validates bearer tokens
type Service struct {
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewService creates a new authentication service with the given JWT secret
// and token validity window
func NewService(jwtSecret string, ttl time.Duration) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		now:       time.Now,
	}
}

// IssueToken signs a token for the principal, valid for the configured window
func (s *Service) IssueToken(p Principal) (*TokenResponse, error) {
	now := s.now()
	expiration := now.Add(s.ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.AccountID,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		Role:     p.Role,
		Verified: p.Verified,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken verifies signature and expiry and returns the principal
func (s *Service) ValidateToken(tokenString string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &Principal{
		AccountID: claims.Subject,
		Role:      claims.Role,
		Verified:  claims.Verified,
	}, nil
}

// HashPassword returns the bcrypt hash of password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the bcrypt hash
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// SetPrincipal stores the authenticated caller on the request context
func SetPrincipal(c *gin.Context, p *Principal) {
	c.Set(principalContextKey, p)
}

// PrincipalFromContext returns the caller set by the JWT middleware
func PrincipalFromContext(c *gin.Context) (*Principal, error) {
	v, exists := c.Get(principalContextKey)
	if !exists {
		return nil, ErrMissingPrincipal
	}
	p, ok := v.(*Principal)
	if !ok || p == nil {
		return nil, ErrMissingPrincipal
	}
	return p, nil
}

// HasRole reports whether the principal holds one of roles
func (p *Principal) HasRole(roles ...string) bool {
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}
