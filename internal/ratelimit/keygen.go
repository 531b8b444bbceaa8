package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/maltehedderich/weather-gateway/internal/auth"
	"github.com/maltehedderich/weather-gateway/internal/metrics"
)

// Identity prefixes keep the identifier namespaces of different
// credentials apart inside one scope.
const (
	IdentityAPIKey = "key"
	IdentityUser   = "user"
	IdentityIP     = "ip"
)

// DefaultAPIKeyHeader is the header carrying a caller's API key
const DefaultAPIKeyHeader = "X-API-Key"

// IdentityResolver derives the caller identifier of a request.
// Precedence: API key, then the verified bearer token subject placed in
// the context by auth.Middleware, then the client IP.
type IdentityResolver struct {
	apiKeyHeader string
	proxies      *TrustedProxies
}

// NewIdentityResolver creates a resolver reading API keys from header.
// Forwarding headers are honoured only from proxies; nil trusts none.
func NewIdentityResolver(header string, proxies *TrustedProxies) *IdentityResolver {
	if header == "" {
		header = DefaultAPIKeyHeader
	}
	return &IdentityResolver{apiKeyHeader: header, proxies: proxies}
}

// Identify returns the identifier for r, e.g. "key:9f86d0...", "user:alice"
// or "ip:10.0.0.1".
func (ir *IdentityResolver) Identify(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(ir.apiKeyHeader)); key != "" {
		metrics.RecordIdentityResolution(IdentityAPIKey)
		return IdentityAPIKey + ":" + HashAPIKey(key)
	}

	if user, ok := auth.GetUserContext(r.Context()); ok && user.UserID != "" {
		metrics.RecordIdentityResolution(IdentityUser)
		return IdentityUser + ":" + user.UserID
	}

	metrics.RecordIdentityResolution(IdentityIP)
	return IdentityIP + ":" + ir.proxies.ClientIP(r)
}

// HashAPIKey returns the first 16 bytes of the key's SHA-256 digest, hex
// encoded. Raw keys never reach the store or the logs.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}
