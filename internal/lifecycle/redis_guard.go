package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisGuardConfig configures the Redis-backed sweep lock shared by multiple
// API instances.
type RedisGuardConfig struct {
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	MasterName string
	Key        string
	// TTL bounds how long a crashed instance can hold the lock.
	TTL          time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// releaseScript deletes the lock only when the stored token matches, so an
// instance whose lock already expired cannot release a successor's lock.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// RedisGuard implements Guard on a Redis SET NX lock with a TTL.
type RedisGuard struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	token string
}

// NewRedisGuard initialises a guard backed by Redis. The caller is
// responsible for ensuring the Redis instance is reachable.
func NewRedisGuard(cfg RedisGuardConfig) (*RedisGuard, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}

	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = "castline:sweep:lock"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   2,
	})

	return &RedisGuard{client: client, key: key, ttl: ttl}, nil
}

func (g *RedisGuard) TryAcquire(ctx context.Context) (bool, error) {
	token, err := newToken()
	if err != nil {
		return false, err
	}

	acquired, err := g.client.SetNX(ctx, g.key, token, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !acquired {
		return false, nil
	}

	g.mu.Lock()
	g.token = token
	g.mu.Unlock()
	return true, nil
}

func (g *RedisGuard) Release(ctx context.Context) error {
	g.mu.Lock()
	token := g.token
	g.token = ""
	g.mu.Unlock()
	if token == "" {
		return nil
	}

	if err := g.client.Eval(ctx, releaseScript, []string{g.key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release sweep lock: %w", err)
	}
	return nil
}

func (g *RedisGuard) Close() error {
	return g.client.Close()
}

func newToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
