package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"grist-agent/internal/domain"
	"grist-agent/internal/infra/config"
)

// GristTokenHeader carries the caller's Grist access token.
const GristTokenHeader = "X-Api-Key"

// ClientInfo holds metadata about an authenticated service client.
type ClientInfo struct {
	Name string
}

// Authenticator validates the optional service token of a request.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

type authEntry struct {
	token []byte
	info  *ClientInfo
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from configured tokens. It
// returns nil when no token is configured, which disables the check.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	if len(tokens) == 0 {
		return nil
	}
	a := &StaticTokenAuth{entries: make([]authEntry, len(tokens))}
	for i, t := range tokens {
		a.entries[i] = authEntry{
			token: []byte(t.Token),
			info:  &ClientInfo{Name: t.Name},
		}
	}
	return a
}

// Authenticate returns client info if the token is valid.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			return e.info, nil
		}
	}
	return nil, domain.NewSubSystemError("gateway", "Gateway.Authenticate", domain.ErrPermissionDenied, "invalid service token")
}

// requireServiceToken rejects requests without a valid bearer token. A nil
// authenticator lets everything through.
func requireServiceToken(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if auth == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing service token")
				return
			}
			if _, err := auth.Authenticate(strings.TrimSpace(token)); err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// gristToken extracts the Grist access token, accepting the header in any case.
func gristToken(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(GristTokenHeader))
}
