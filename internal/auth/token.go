package auth

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// TokenSource supplies bearer tokens for backend requests. Implementations
// hide where the credential comes from: static configuration, an external
// identity flow, or a test double.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a plain function to a TokenSource. External identity
// flows plug in here.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticTokenSource returns the same token on every call. An empty token
// means requests go out unauthenticated.
func StaticTokenSource(token string) TokenSource {
	return TokenFunc(func(context.Context) (string, error) {
		return token, nil
	})
}

// CommandTokenSource mints a token by running a shell command and trimming
// its output, the way credential helper plugins work. Each call runs the
// command again; wrap it in a CachingTokenSource to avoid that.
func CommandTokenSource(command string) TokenSource {
	return TokenFunc(func(ctx context.Context) (string, error) {
		out, err := exec.CommandContext(ctx, "sh", "-c", command).Output()
		if err != nil {
			return "", fmt.Errorf("token command failed: %w", err)
		}
		token := strings.TrimSpace(string(out))
		if token == "" {
			return "", fmt.Errorf("token command produced no output")
		}
		return token, nil
	})
}

// expiryLeeway is how long before the recorded expiry a cached token is
// treated as stale.
const expiryLeeway = 30 * time.Second

// CachingTokenSource wraps an expensive source and reuses its token until
// shortly before expiry. Expiry is read from the token's JWT exp claim when
// there is one; verification stays with the backend, the claim is only a
// refresh hint. Opaque tokens are cached until Invalidate.
type CachingTokenSource struct {
	src TokenSource

	mu        sync.Mutex
	token     string
	expiresAt time.Time // zero when the token carries no expiry
}

// NewCachingTokenSource returns a CachingTokenSource drawing from src.
func NewCachingTokenSource(src TokenSource) *CachingTokenSource {
	return &CachingTokenSource{src: src}
}

// Token returns the cached token, refreshing it from the underlying source
// when it is missing or about to expire.
func (c *CachingTokenSource) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && (c.expiresAt.IsZero() || time.Now().Add(expiryLeeway).Before(c.expiresAt)) {
		return c.token, nil
	}

	token, err := c.src.Token(ctx)
	if err != nil {
		return "", err
	}

	c.token = token
	c.expiresAt = tokenExpiry(token)
	if !c.expiresAt.IsZero() {
		log.Debug().Time("expires_at", c.expiresAt).Msg("Caching bearer token until expiry")
	}

	return c.token, nil
}

// Invalidate drops the cached token so the next Token call refreshes. Call
// it after the backend rejects the token.
func (c *CachingTokenSource) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expiresAt = time.Time{}
}

// tokenExpiry extracts the exp claim from a JWT without verifying it.
// Returns the zero time for opaque tokens or tokens without an expiry.
func tokenExpiry(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
