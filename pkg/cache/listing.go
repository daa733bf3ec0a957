// Package cache stores recent remote directory listings in redis so repeated
// browse requests do not hammer the remote host.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"hostsync/pkg/shared"
)

// ErrMiss is returned when no fresh listing exists for the connection.
var ErrMiss = errors.New("listing cache miss")

type listingEntry struct {
	Resources []shared.RemoteResource `json:"resources"`
	FetchedAt time.Time               `json:"fetched_at"`
}

// ListingCache caches the full recursive listing of a connection, keyed by
// connection ID. Entries expire via redis TTL; a sync run refreshes the entry
// as a side effect of listing the host.
type ListingCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewListingCache(client *redis.Client, ttl time.Duration) *ListingCache {
	return &ListingCache{client: client, ttl: ttl}
}

func (c *ListingCache) key(connectionID string) string {
	return fmt.Sprintf("hostsync:listing:%s", connectionID)
}

// Get returns the cached listing and its fetch time, or ErrMiss.
func (c *ListingCache) Get(ctx context.Context, connectionID string) ([]shared.RemoteResource, time.Time, error) {
	data, err := c.client.Get(ctx, c.key(connectionID)).Bytes()
	if err == redis.Nil {
		return nil, time.Time{}, ErrMiss
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("get cached listing: %w", err)
	}

	var entry listingEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, time.Time{}, fmt.Errorf("unmarshal cached listing: %w", err)
	}
	return entry.Resources, entry.FetchedAt, nil
}

// Put stores the listing with the configured TTL.
func (c *ListingCache) Put(ctx context.Context, connectionID string, resources []shared.RemoteResource) error {
	data, err := json.Marshal(listingEntry{
		Resources: resources,
		FetchedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal listing: %w", err)
	}
	if err := c.client.Set(ctx, c.key(connectionID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set cached listing: %w", err)
	}
	return nil
}

// Invalidate drops the cached listing, used when a connection is deleted.
func (c *ListingCache) Invalidate(ctx context.Context, connectionID string) error {
	if err := c.client.Del(ctx, c.key(connectionID)).Err(); err != nil {
		return fmt.Errorf("invalidate cached listing: %w", err)
	}
	return nil
}
