// Package catalog reads the external medication catalog through a TTL cache.
// It sits outside the ledger's write path: callers resolve identity and the
// controlled flag here before invoking the engine.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Medication is the slice of the catalog record the engine depends on.
type Medication struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	ExpectedIdentifier string `json:"expected_identifier"`
	Controlled         bool   `json:"controlled"`
}

// ErrMedicationNotFound indicates an unknown medication reference.
var ErrMedicationNotFound = errors.New("catalog: medication not found")

// Client calls the medication catalog service with a Redis read-through
// cache in front of it.
type Client struct {
	baseURL string
	http    *http.Client
	cache   *redis.Client
	ttl     time.Duration
	group   singleflight.Group
}

// NewClient constructs a Client. cache may be nil, in which case every
// lookup goes to the catalog service.
func NewClient(baseURL string, cache *redis.Client, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		cache:   cache,
		ttl:     ttl,
	}
}

// Medication returns the catalog record for one medication.
func (c *Client) Medication(ctx context.Context, medicationID int64) (Medication, error) {
	key := fmt.Sprintf("catalog:medication:%d", medicationID)
	if c.cache != nil {
		payload, err := c.cache.Get(ctx, key).Bytes()
		if err == nil {
			var med Medication
			if err := json.Unmarshal(payload, &med); err == nil {
				return med, nil
			}
		} else if err != redis.Nil {
			return Medication{}, fmt.Errorf("catalog: cache get: %w", err)
		}
	}
	// Collapse concurrent misses for the same medication into one fetch.
	resultChan := c.group.DoChan(key, func() (any, error) {
		med, err := c.fetch(context.WithoutCancel(ctx), medicationID)
		if err != nil {
			return Medication{}, err
		}
		if c.cache != nil {
			if payload, err := json.Marshal(med); err == nil {
				_ = c.cache.Set(context.WithoutCancel(ctx), key, payload, c.ttl).Err()
			}
		}
		return med, nil
	})
	select {
	case <-ctx.Done():
		return Medication{}, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return Medication{}, res.Err
		}
		return res.Val.(Medication), nil
	}
}

// ExpectedIdentifier returns the identifier a scanned item must match.
func (c *Client) ExpectedIdentifier(ctx context.Context, medicationID int64) (string, error) {
	med, err := c.Medication(ctx, medicationID)
	if err != nil {
		return "", err
	}
	return med.ExpectedIdentifier, nil
}

// IsControlled reports whether the medication requires witnessed handling.
func (c *Client) IsControlled(ctx context.Context, medicationID int64) (bool, error) {
	med, err := c.Medication(ctx, medicationID)
	if err != nil {
		return false, err
	}
	return med.Controlled, nil
}

func (c *Client) fetch(ctx context.Context, medicationID int64) (Medication, error) {
	url := fmt.Sprintf("%s/medications/%d", c.baseURL, medicationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Medication{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Medication{}, fmt.Errorf("catalog: fetch medication %d: %w", medicationID, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Medication{}, fmt.Errorf("%w: %d", ErrMedicationNotFound, medicationID)
	default:
		return Medication{}, fmt.Errorf("catalog: medication %d: unexpected status %d", medicationID, resp.StatusCode)
	}
	var med Medication
	if err := json.NewDecoder(resp.Body).Decode(&med); err != nil {
		return Medication{}, fmt.Errorf("catalog: decode medication %d: %w", medicationID, err)
	}
	return med, nil
}
