package critical

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// representativeScan bounds how many index members are tried when looking
// for an object that still has catalog data.
const representativeScan = 10

// Client provides namespaced Redis operations for critical CSS state.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb       *redis.Client
	namespace string
}

// NewClient creates a new store client for the given namespace.
// Returns an error if namespace is empty.
func NewClient(redisOpts *redis.Options, namespace string) (*Client, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	return &Client{
		rdb:       redis.NewClient(redisOpts),
		namespace: namespace,
	}, nil
}

// Namespace returns the key namespace of this client.
func (c *Client) Namespace() string {
	return c.namespace
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SaveObject records a content object in the catalog.
// The object hash is updated in place (its critical_css field is preserved) and the
// object is indexed under every rule dimension it can match. Index entries for
// dimensions the object no longer has (a changed post type or template) are removed.
func (c *Client) SaveObject(ctx context.Context, rec ObjectRecord, savedAt time.Time) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid object: %w", err)
	}

	key := ObjectKey(c.namespace, rec.Kind, rec.ID)

	previous, err := c.GetObject(ctx, rec.Kind, rec.ID)
	if err != nil && !IsNotFound(err) {
		return err
	}

	current := catalogDimensions(rec)

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != nil {
			for _, old := range catalogDimensions(*previous) {
				if !containsDim(current, old) {
					pipe.ZRem(ctx, CatalogIndexKey(c.namespace, old.kind, old.value), rec.Ref())
				}
			}
		}

		pipe.HSet(ctx, key, ObjectToHash(rec, savedAt))

		for _, d := range current {
			pipe.ZAdd(ctx, CatalogIndexKey(c.namespace, d.kind, d.value), redis.Z{
				Score:  float64(savedAt.UnixMilli()),
				Member: rec.Ref(),
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save object to Redis: %w", err)
	}

	return nil
}

func containsDim(dims []catalogDim, d catalogDim) bool {
	for _, x := range dims {
		if x == d {
			return true
		}
	}
	return false
}

// GetObject retrieves a catalogued object.
// Returns (nil, redis.Nil) if the object has never been saved.
func (c *Client) GetObject(ctx context.Context, kind ObjectKind, id string) (*ObjectRecord, error) {
	hash, err := c.rdb.HGetAll(ctx, ObjectKey(c.namespace, kind, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read object from Redis: %w", err)
	}

	// A hash holding only critical_css was written by a callback for an object
	// the catalog has never seen.
	if len(hash) == 0 || hash["kind"] == "" {
		return nil, redis.Nil
	}

	return HashToObject(hash)
}

// Representative returns the most recently saved object indexed under (kind, value).
// Returns (nil, redis.Nil) if no catalogued object matches.
func (c *Client) Representative(ctx context.Context, kind RuleKind, value string) (*ObjectRecord, error) {
	refs, err := c.rdb.ZRevRange(ctx, CatalogIndexKey(c.namespace, kind, value), 0, representativeScan-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog index: %w", err)
	}

	for _, ref := range refs {
		objKind, id, err := ParseObjectRef(ref)
		if err != nil {
			continue
		}
		rec, err := c.GetObject(ctx, objKind, id)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}

	return nil, redis.Nil
}

// WriteObjectCSS stores critical CSS as a field of the object.
func (c *Client) WriteObjectCSS(ctx context.Context, kind ObjectKind, id, css string, at time.Time) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("object id cannot be empty")
	}

	key := ObjectKey(c.namespace, kind, id)
	if err := c.rdb.HSet(ctx, key, "critical_css", css, "css_updated_at_ms", at.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("failed to write object critical CSS: %w", err)
	}
	return nil
}

// ObjectCSS reads the critical CSS field of an object.
// Returns ("", redis.Nil) if none is stored.
func (c *Client) ObjectCSS(ctx context.Context, kind ObjectKind, id string) (string, error) {
	css, err := c.rdb.HGet(ctx, ObjectKey(c.namespace, kind, id), "critical_css").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", redis.Nil
		}
		return "", fmt.Errorf("failed to read object critical CSS: %w", err)
	}
	if css == "" {
		return "", redis.Nil
	}
	return css, nil
}

// WriteShared upserts a shared entry, replacing its CSS and expiration.
func (c *Client) WriteShared(ctx context.Context, e *SharedEntry) error {
	if e.Key == "" {
		return fmt.Errorf("shared key cannot be empty")
	}

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, SharedEntryKey(c.namespace, e.Key), SharedEntryToHash(e))
		pipe.SAdd(ctx, SharedKeysKey(c.namespace), e.Key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write shared entry: %w", err)
	}
	return nil
}

// GetShared reads a shared entry. Reading never touches the expiration.
// Returns (nil, redis.Nil) if the key has never been written.
func (c *Client) GetShared(ctx context.Context, key string) (*SharedEntry, error) {
	hash, err := c.rdb.HGetAll(ctx, SharedEntryKey(c.namespace, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read shared entry: %w", err)
	}
	if len(hash) == 0 {
		return nil, redis.Nil
	}

	entry, err := HashToSharedEntry(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize shared entry: %w", err)
	}
	return entry, nil
}

// ListShared returns every stored shared entry sorted by key.
func (c *Client) ListShared(ctx context.Context) ([]*SharedEntry, error) {
	keys, err := c.rdb.SMembers(ctx, SharedKeysKey(c.namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list shared keys: %w", err)
	}
	sort.Strings(keys)

	entries := make([]*SharedEntry, 0, len(keys))
	for _, key := range keys {
		entry, err := c.GetShared(ctx, key)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// PutToken stores a callback token that Redis expires after ttl.
// Storing a token with the same value replaces the previous one.
func (c *Client) PutToken(ctx context.Context, t *Token, ttl time.Duration) error {
	key := TokenKey(c.namespace, t.Value)

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, TokenToHash(t))
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// GetToken reads a callback token.
// Returns (nil, redis.Nil) if the token does not exist or has expired.
func (c *Client) GetToken(ctx context.Context, value string) (*Token, error) {
	hash, err := c.rdb.HGetAll(ctx, TokenKey(c.namespace, value)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}
	if len(hash) == 0 {
		return nil, redis.Nil
	}
	return HashToToken(hash)
}

// TakeToken reads and removes a callback token in one transaction, so of two
// concurrent takes only one gets the token.
// Returns (nil, redis.Nil) if the token does not exist or has expired.
func (c *Client) TakeToken(ctx context.Context, value string) (*Token, error) {
	key := TokenKey(c.namespace, value)

	var get *redis.MapStringStringCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.HGetAll(ctx, key)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to take token: %w", err)
	}

	hash := get.Val()
	if len(hash) == 0 {
		return nil, redis.Nil
	}
	return HashToToken(hash)
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
