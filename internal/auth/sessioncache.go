package auth

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// SessionCache is the sole revocation/expiry mechanism for session cookies:
// the cookie itself is a stateless HMAC with no embedded expiry, so the
// Broker consults this cache on every authenticated request and treats a
// cache miss as an expired or revoked session. Adapted from the teacher's
// RedisTokenCache (remiges-tech/alya/router/auth_middleware.go), generalized
// from a boolean flag to a stored username.
type SessionCache struct {
	client *redis.Client
}

func NewSessionCache(client *redis.Client) *SessionCache {
	return &SessionCache{client: client}
}

func sessionKey(cookie string) string {
	return fmt.Sprintf("agency:session:%s", cookie)
}

// Put records a freshly-issued cookie as valid for SessionTTL.
func (c *SessionCache) Put(ctx context.Context, cookie, username string) error {
	return c.client.Set(ctx, sessionKey(cookie), username, SessionTTL).Err()
}

// Get returns the username for a still-valid cookie, or redis.Nil if the
// session has expired or was revoked.
func (c *SessionCache) Get(ctx context.Context, cookie string) (string, error) {
	return c.client.Get(ctx, sessionKey(cookie)).Result()
}

// Revoke immediately invalidates a cookie (logout).
func (c *SessionCache) Revoke(ctx context.Context, cookie string) error {
	return c.client.Del(ctx, sessionKey(cookie)).Err()
}
