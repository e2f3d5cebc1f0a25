// Package policy resolves actor permissions against the external policy
// service. Grants are cached briefly so a revocation takes effect within the
// cache TTL.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client queries the permission service with a Redis read-through cache.
type Client struct {
	baseURL string
	http    *http.Client
	cache   *redis.Client
	ttl     time.Duration
}

// NewClient constructs a Client. cache may be nil.
func NewClient(baseURL string, cache *redis.Client, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		cache:   cache,
		ttl:     ttl,
	}
}

type authorityResponse struct {
	Granted bool `json:"granted"`
}

// HasOverrideAuthority reports whether the actor may override a failed or
// pending verification.
func (c *Client) HasOverrideAuthority(ctx context.Context, actor string) (bool, error) {
	key := "policy:override:" + actor
	if c.cache != nil {
		val, err := c.cache.Get(ctx, key).Result()
		if err == nil {
			granted, parseErr := strconv.ParseBool(val)
			if parseErr == nil {
				return granted, nil
			}
		} else if err != redis.Nil {
			return false, fmt.Errorf("policy: cache get: %w", err)
		}
	}
	granted, err := c.fetch(ctx, actor)
	if err != nil {
		return false, err
	}
	if c.cache != nil {
		_ = c.cache.Set(ctx, key, strconv.FormatBool(granted), c.ttl).Err()
	}
	return granted, nil
}

func (c *Client) fetch(ctx context.Context, actor string) (bool, error) {
	url := fmt.Sprintf("%s/actors/%s/override-authority", c.baseURL, actor)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("policy: check override authority: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("policy: override authority for %s: unexpected status %d", actor, resp.StatusCode)
	}
	var body authorityResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("policy: decode authority response: %w", err)
	}
	return body.Granted, nil
}
