package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/maltehedderich/weather-gateway/internal/logger"
	"github.com/maltehedderich/weather-gateway/internal/metrics"
)

// BearerToken returns the token of an "Authorization: Bearer" header, or "".
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// Middleware attaches the verified caller of a bearer token to the request
// context. Requests without a token, or with one that fails validation,
// pass through anonymously; they are identified by other means downstream.
func Middleware(validator *TokenValidator) func(http.Handler) http.Handler {
	log := logger.Get().WithComponent("auth.middleware")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" || validator == nil {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				code := "invalid_token"
				var verr *ValidationError
				if errors.As(err, &verr) {
					code = verr.Code
				}
				metrics.RecordTokenValidationFailure(code)
				log.WithCorrelationID(logger.GetCorrelationID(r.Context())).Warn("bearer token rejected", logger.Fields{
					"error": code,
					"path":  r.URL.Path,
				})
				next.ServeHTTP(w, r)
				return
			}

			ctx := SetUserContext(r.Context(), NewUserContext(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
