package auth

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maltehedderich/weather-gateway/internal/config"
	"github.com/maltehedderich/weather-gateway/internal/logger"
)

const testSecret = "test-secret-key-for-hmac"

func init() {
	// Initialize logger for tests
	logger.Init(logger.InfoLevel, "json", &bytes.Buffer{})
}

func newTestValidator(t *testing.T) *TokenValidator {
	t.Helper()
	validator, err := NewTokenValidator(config.AuthConfig{
		JWTAlgorithm: "HS256",
		JWTSecret:    testSecret,
	})
	if err != nil {
		t.Fatalf("Failed to create validator: %v", err)
	}
	return validator
}

func signToken(t *testing.T, method jwt.SigningMethod, secret string, claims *Claims) string {
	t.Helper()
	tokenString, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return tokenString
}

func TestNewTokenValidator(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.AuthConfig
		wantErr bool
	}{
		{"HS256", config.AuthConfig{JWTAlgorithm: "HS256", JWTSecret: "s"}, false},
		{"HS512", config.AuthConfig{JWTAlgorithm: "HS512", JWTSecret: "s"}, false},
		{"missing secret", config.AuthConfig{JWTAlgorithm: "HS256"}, true},
		{"asymmetric algorithm", config.AuthConfig{JWTAlgorithm: "RS256", JWTSecret: "s"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTokenValidator(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewTokenValidator() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTokenValidator_ValidateToken(t *testing.T) {
	validator := newTestValidator(t)

	t.Run("ValidToken", func(t *testing.T) {
		tokenString := signToken(t, jwt.SigningMethodHS256, testSecret, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
				IssuedAt:  jwt.NewNumericDate(time.Now()),
			},
			UserID: "user123",
		})

		claims, err := validator.ValidateToken(tokenString)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if claims.CallerID() != "user123" {
			t.Errorf("Expected caller user123, got: %s", claims.CallerID())
		}
	})

	t.Run("SubjectOnly", func(t *testing.T) {
		tokenString := signToken(t, jwt.SigningMethodHS256, testSecret, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "alice",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})

		claims, err := validator.ValidateToken(tokenString)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if claims.CallerID() != "alice" {
			t.Errorf("Expected caller alice, got: %s", claims.CallerID())
		}
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		tokenString := signToken(t, jwt.SigningMethodHS256, testSecret, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
			UserID: "user123",
		})

		_, err := validator.ValidateToken(tokenString)
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Code != "token_expired" {
			t.Errorf("Expected token_expired, got: %v", err)
		}
	})

	t.Run("InvalidSecret", func(t *testing.T) {
		tokenString := signToken(t, jwt.SigningMethodHS256, "wrong-secret", &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			UserID: "user123",
		})

		if _, err := validator.ValidateToken(tokenString); err == nil {
			t.Error("Expected error for invalid HMAC signature, got nil")
		}
	})

	t.Run("WrongAlgorithm", func(t *testing.T) {
		tokenString := signToken(t, jwt.SigningMethodHS512, testSecret, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			UserID: "user123",
		})

		if _, err := validator.ValidateToken(tokenString); err == nil {
			t.Error("Expected error for unexpected algorithm, got nil")
		}
	})

	t.Run("MissingCaller", func(t *testing.T) {
		tokenString := signToken(t, jwt.SigningMethodHS256, testSecret, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})

		_, err := validator.ValidateToken(tokenString)
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Code != "missing_claim" {
			t.Errorf("Expected missing_claim, got: %v", err)
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		if _, err := validator.ValidateToken("not-a-jwt"); err == nil {
			t.Error("Expected error for malformed token, got nil")
		}
	})
}
