package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentworkforce/memosync/internal/memosync"
)

const ScopeAdmin = "admin"

// Principal is the authenticated caller of an owner-scoped route.
type Principal struct {
	OwnerID string
	Scopes  map[string]struct{}
}

func (p Principal) HasScope(scope string) bool {
	_, ok := p.Scopes[scope]
	return ok
}

// Authenticator resolves a raw bearer token to a Principal. It returns
// memosync.ErrUnauthenticated when no token was presented and
// memosync.ErrInvalidCredential when the token was rejected.
type Authenticator interface {
	Authenticate(token string) (Principal, error)
}

type tokenClaims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 tokens whose subject is the owner id.
type JWTAuthenticator struct {
	secret   []byte
	audience string
	now      func() time.Time
}

func NewJWTAuthenticator(secret, audience string) *JWTAuthenticator {
	return &JWTAuthenticator{
		secret:   []byte(secret),
		audience: strings.TrimSpace(audience),
		now:      time.Now,
	}
}

func (a *JWTAuthenticator) Authenticate(raw string) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, memosync.ErrUnauthenticated
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	var claims tokenClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", memosync.ErrInvalidCredential, err)
	}
	if !token.Valid {
		return Principal{}, memosync.ErrInvalidCredential
	}
	owner := strings.TrimSpace(claims.Subject)
	if owner == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", memosync.ErrInvalidCredential)
	}
	return Principal{OwnerID: owner, Scopes: parseScopes(claims.Scope)}, nil
}

// Issue signs a token for ownerID valid for ttl.
func (a *JWTAuthenticator) Issue(ownerID string, scopes []string, ttl time.Duration) (string, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return "", fmt.Errorf("%w: owner id is required", memosync.ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := a.now()
	claims := tokenClaims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func parseScopes(raw string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, scope := range strings.Fields(raw) {
		out[scope] = struct{}{}
	}
	return out
}

// bearerToken extracts the token from the Authorization header. The change
// feed also accepts an access_token query parameter because browsers cannot
// set headers on websocket upgrades.
func bearerToken(r *http.Request, allowQuery bool) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return ""
		}
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if allowQuery {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return ""
}
