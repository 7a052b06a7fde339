package statuscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/carrelay/internal/infrastructure/config"
)

const (
	defaultKeyPrefix = "carrelay:"
	defaultTTL       = 24 * time.Hour
	connectTimeout   = 5 * time.Second
)

var (
	// ErrDisabled is returned by Connect when the cache is switched off.
	ErrDisabled = errors.New("statuscache: disabled in configuration")

	// ErrNotFound is returned when no status is cached for a device.
	ErrNotFound = errors.New("statuscache: no status for device")
)

// Entry is one cached status report.
type Entry struct {
	DeviceID   int64           `json:"device_id"`
	Status     json.RawMessage `json:"status"`
	ReportedAt time.Time       `json:"reported_at"`
}

// Cache stores Entries under {prefix}status:{device_id}.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Connect parses the Redis URL and pings the server.
func Connect(cfg config.RedisConfig) (*Cache, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return New(client, cfg.KeyPrefix, cfg.StatusTTL), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{client: client, prefix: prefix, ttl: ttl}
}

func (c *Cache) key(deviceID int64) string {
	return c.prefix + "status:" + strconv.FormatInt(deviceID, 10)
}

func (c *Cache) indexKey() string {
	return c.prefix + "status:index"
}

// Put replaces the cached status of a device.
func (c *Cache) Put(ctx context.Context, deviceID int64, status json.RawMessage, reportedAt time.Time) error {
	data, err := json.Marshal(Entry{DeviceID: deviceID, Status: status, ReportedAt: reportedAt.UTC()})
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.key(deviceID), data, c.ttl)
	pipe.ZAdd(ctx, c.indexKey(), redis.Z{
		Score:  float64(reportedAt.Unix()),
		Member: strconv.FormatInt(deviceID, 10),
	})
	pipe.ZRemRangeByScore(ctx, c.indexKey(), "-inf", strconv.FormatInt(time.Now().Add(-c.ttl).Unix(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving status: %w", err)
	}
	return nil
}

// Get returns the cached status of a device, or ErrNotFound.
func (c *Cache) Get(ctx context.Context, deviceID int64) (*Entry, error) {
	data, err := c.client.Get(ctx, c.key(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading status: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &e, nil
}

// Reporting returns the ids of devices that reported since the given time,
// most recent first.
func (c *Cache) Reporting(ctx context.Context, since time.Time) ([]int64, error) {
	members, err := c.client.ZRevRangeByScore(ctx, c.indexKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing reporting devices: %w", err)
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Delete drops the cached status of a device.
func (c *Cache) Delete(ctx context.Context, deviceID int64) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.key(deviceID))
	pipe.ZRem(ctx, c.indexKey(), strconv.FormatInt(deviceID, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting status: %w", err)
	}
	return nil
}

// HealthCheck pings Redis.
func (c *Cache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client. It is safe on a nil cache.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
