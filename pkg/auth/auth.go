// Package auth resolves runner bearer tokens to a tenant principal.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized is returned for missing or unknown tokens.
var ErrUnauthorized = errors.New("unauthorized")

// Principal is the authenticated caller.
type Principal struct {
	TenantID string

	// ProjectID restricts the caller to one test project when set.
	ProjectID *int64

	// Name labels the credential in logs. It is never the token.
	Name string
}

// Resolver maps a bearer token to a Principal.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Principal, error)
}

// Token is one configured credential. Secret is either the raw token or its
// digest written as "sha256:<hex>".
type Token struct {
	Name      string `mapstructure:"name"`
	Secret    string `mapstructure:"token"`
	TenantID  string `mapstructure:"tenant"`
	ProjectID *int64 `mapstructure:"project_id"`
}

type entry struct {
	digest    [sha256.Size]byte
	principal Principal
}

// StaticResolver resolves tokens from a fixed table.
type StaticResolver struct {
	entries []entry
}

const digestPrefix = "sha256:"

// NewStaticResolver builds a resolver from tokens. Every token needs a
// secret and a tenant.
func NewStaticResolver(tokens []Token) (*StaticResolver, error) {
	r := &StaticResolver{entries: make([]entry, 0, len(tokens))}
	for i, t := range tokens {
		secret := strings.TrimSpace(t.Secret)
		tenant := strings.TrimSpace(t.TenantID)
		if secret == "" {
			return nil, fmt.Errorf("auth token %d: token is required", i)
		}
		if tenant == "" {
			return nil, fmt.Errorf("auth token %d: tenant is required", i)
		}
		digest, err := parseSecret(secret)
		if err != nil {
			return nil, fmt.Errorf("auth token %d: %w", i, err)
		}
		name := t.Name
		if name == "" {
			name = fmt.Sprintf("token-%d", i)
		}
		r.entries = append(r.entries, entry{
			digest:    digest,
			principal: Principal{TenantID: tenant, ProjectID: t.ProjectID, Name: name},
		})
	}
	return r, nil
}

func parseSecret(secret string) ([sha256.Size]byte, error) {
	var digest [sha256.Size]byte
	if hexDigest, ok := strings.CutPrefix(secret, digestPrefix); ok {
		b, err := hex.DecodeString(hexDigest)
		if err != nil || len(b) != sha256.Size {
			return digest, fmt.Errorf("invalid sha256 digest")
		}
		copy(digest[:], b)
		return digest, nil
	}
	return sha256.Sum256([]byte(secret)), nil
}

// Digest returns the "sha256:<hex>" form of token for use in configuration.
func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return digestPrefix + hex.EncodeToString(sum[:])
}

// Resolve compares the digest of token against every entry in constant time.
func (r *StaticResolver) Resolve(_ context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrUnauthorized
	}
	sum := sha256.Sum256([]byte(token))
	var (
		found Principal
		match int
	)
	for _, e := range r.entries {
		if subtle.ConstantTimeCompare(sum[:], e.digest[:]) == 1 && match == 0 {
			found = e.principal
			match = 1
		}
	}
	if match == 0 {
		return Principal{}, ErrUnauthorized
	}
	return found, nil
}

// Len returns the number of configured tokens.
func (r *StaticResolver) Len() int {
	return len(r.entries)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

var _ Resolver = (*StaticResolver)(nil)
