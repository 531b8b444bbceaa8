package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maltehedderich/weather-gateway/internal/config"
	"github.com/maltehedderich/weather-gateway/internal/logger"
)

// clockSkewTolerance is the leeway applied to exp and nbf
const clockSkewTolerance = 30 * time.Second

// TokenValidator validates HMAC-signed JWT bearer tokens
type TokenValidator struct {
	algorithm string
	hmacKey   []byte
	logger    *logger.ComponentLogger
}

// Claims represents the JWT claims we expect
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id,omitempty"`
}

// CallerID returns the caller the token was issued to: the user_id
// claim when present, otherwise the registered subject.
func (c *Claims) CallerID() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// NewTokenValidator creates a new token validator
func NewTokenValidator(cfg config.AuthConfig) (*TokenValidator, error) {
	switch cfg.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", cfg.JWTAlgorithm)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("HS* algorithm requires shared secret")
	}

	tv := &TokenValidator{
		algorithm: cfg.JWTAlgorithm,
		hmacKey:   []byte(cfg.JWTSecret),
		logger:    logger.Get().WithComponent("auth.validator"),
	}

	tv.logger.Info("token validator initialized", logger.Fields{
		"algorithm": cfg.JWTAlgorithm,
	})

	return tv, nil
}

// ValidateToken validates a JWT token and returns the claims
func (tv *TokenValidator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, tv.keyFunc,
		jwt.WithValidMethods([]string{tv.algorithm}),
		jwt.WithLeeway(clockSkewTolerance),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &ValidationError{
				Code:    "token_expired",
				Message: "Token has expired",
				Err:     err,
			}
		}
		return nil, &ValidationError{
			Code:    "invalid_token",
			Message: "Token validation failed",
			Err:     err,
		}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, &ValidationError{
			Code:    "invalid_claims",
			Message: "Failed to extract claims",
		}
	}

	if claims.CallerID() == "" {
		return nil, &ValidationError{
			Code:    "missing_claim",
			Message: "Token carries neither sub nor user_id",
		}
	}

	return claims, nil
}

func (tv *TokenValidator) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return tv.hmacKey, nil
}

// ValidationError represents a token validation error
type ValidationError struct {
	Code    string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
