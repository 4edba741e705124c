package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spotnest/spotnest/internal/config"
	"github.com/spotnest/spotnest/internal/models"
	"github.com/spotnest/spotnest/internal/standby"
)

const (
	endpointKeyPrefix = "spotnest:endpoint:"
	zoneKeyPrefix     = "spotnest:zone:"
	aliveKeyPrefix    = "spotnest:alive:"
)

// RedisClient is the fast-path registry: published endpoints, the learned
// region cache, and agent liveness markers.
type RedisClient struct {
	Client *redis.Client
}

func NewRedisClient(cfg config.RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("unable to connect to Redis: %w", err)
	}

	return &RedisClient{Client: client}, nil
}

func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// Publish overwrites the endpoint record in a single SET, which is what makes
// the failover flip atomic for readers.
func (r *RedisClient) Publish(ctx context.Context, logicalID string, ep models.Endpoint, role string) error {
	payload, err := json.Marshal(standby.PublishedEndpoint{
		LogicalID: logicalID,
		Endpoint:  ep,
		Role:      role,
	})
	if err != nil {
		return fmt.Errorf("marshal endpoint: %w", err)
	}
	if err := r.Client.Set(ctx, endpointKeyPrefix+logicalID, payload, 0).Err(); err != nil {
		return fmt.Errorf("publish endpoint %s: %w", logicalID, err)
	}
	return nil
}

func (r *RedisClient) Lookup(ctx context.Context, logicalID string) (*standby.PublishedEndpoint, error) {
	raw, err := r.Client.Get(ctx, endpointKeyPrefix+logicalID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup endpoint %s: %w", logicalID, err)
	}
	var ep standby.PublishedEndpoint
	if err := json.Unmarshal(raw, &ep); err != nil {
		return nil, fmt.Errorf("decode endpoint %s: %w", logicalID, err)
	}
	return &ep, nil
}

func (r *RedisClient) Unpublish(ctx context.Context, logicalID string) error {
	return r.Client.Del(ctx, endpointKeyPrefix+logicalID).Err()
}

func (r *RedisClient) GetLearnedZone(ctx context.Context, geolocation string) (string, error) {
	zone, err := r.Client.Get(ctx, zoneKeyPrefix+geolocation).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("learned zone %s: %w", geolocation, err)
	}
	return zone, nil
}

func (r *RedisClient) PutLearnedZone(ctx context.Context, geolocation, zone string, ttl time.Duration) error {
	return r.Client.Set(ctx, zoneKeyPrefix+geolocation, zone, ttl).Err()
}

// MarkAlive refreshes the agent liveness marker; expiry makes staleness
// visible without a sweeper.
func (r *RedisClient) MarkAlive(ctx context.Context, instanceID string, ttl time.Duration) error {
	return r.Client.Set(ctx, aliveKeyPrefix+instanceID, time.Now().Unix(), ttl).Err()
}

func (r *RedisClient) IsAlive(ctx context.Context, instanceID string) (bool, error) {
	n, err := r.Client.Exists(ctx, aliveKeyPrefix+instanceID).Result()
	if err != nil {
		return false, fmt.Errorf("liveness check %s: %w", instanceID, err)
	}
	return n > 0, nil
}
