package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pgvector/pgvector-go"
	"github.com/redis/go-redis/v9"
)

// Cache stores embedding vectors keyed by a content hash.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, value []float32)
}

// CacheConfig selects and sizes a cache implementation.
type CacheConfig struct {
	Type      string // "memory", "redis", or "noop"
	RedisURL  string
	KeyPrefix string
	MaxSize   int
	TTL       time.Duration
}

// NewCache builds the cache named by cfg.Type.
func NewCache(ctx context.Context, cfg CacheConfig) (Cache, error) {
	switch cfg.Type {
	case "redis":
		return NewRedisCache(ctx, cfg.RedisURL, cfg.KeyPrefix, cfg.TTL)
	case "memory", "":
		return NewMemoryCache(cfg.MaxSize, cfg.TTL)
	case "noop":
		return NoopCache{}, nil
	default:
		return nil, fmt.Errorf("embedding: unknown cache type %q", cfg.Type)
	}
}

// MemoryCache is an in-process LRU with per-entry expiry.
type MemoryCache struct {
	mu    sync.Mutex
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	value     []float32
	expiresAt time.Time
}

// NewMemoryCache creates an LRU holding at most maxSize vectors.
func NewMemoryCache(maxSize int, ttl time.Duration) (*MemoryCache, error) {
	if maxSize <= 0 {
		maxSize = 1024
	}
	c, err := lru.New(maxSize)
	if err != nil {
		return nil, fmt.Errorf("embedding: create lru: %w", err)
	}
	return &MemoryCache{cache: c, ttl: ttl, now: time.Now}, nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	entry := v.(cacheEntry)
	if c.ttl > 0 && c.now().After(entry.expiresAt) {
		c.cache.Remove(key)
		return nil, false
	}
	return entry.value, true
}

func (c *MemoryCache) Set(_ context.Context, key string, value []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, cacheEntry{value: value, expiresAt: c.now().Add(c.ttl)})
}

// Len returns the number of cached entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// RedisCache shares vectors across replicas. Values are little-endian float32.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and verifies the connection with PING.
func NewRedisCache(ctx context.Context, redisURL, prefix string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("embedding: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("embedding: connect to redis: %w", err)
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}, nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil || len(data)%4 != 0 {
		return nil, false
	}
	return decodeFloats(data), true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []float32) {
	// Cache writes are best effort.
	_ = c.client.Set(ctx, c.prefix+key, encodeFloats(value), c.ttl).Err()
}

// Close releases the redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func encodeFloats(v []float32) []byte {
	data := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}
	return data
}

func decodeFloats(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// NoopCache never stores anything.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) ([]float32, bool) { return nil, false }
func (NoopCache) Set(context.Context, string, []float32)        {}

// CachedProvider serves repeated texts from a cache before calling the
// wrapped provider. ErrNoProvider passes through untouched.
type CachedProvider struct {
	inner Provider
	cache Cache
	model string
}

// NewCachedProvider wraps inner. model namespaces keys so switching models
// never serves stale vectors.
func NewCachedProvider(inner Provider, cache Cache, model string) *CachedProvider {
	return &CachedProvider{inner: inner, cache: cache, model: model}
}

func (p *CachedProvider) Dimensions() int {
	return p.inner.Dimensions()
}

func (p *CachedProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	key := p.key(text)
	if v, ok := p.cache.Get(ctx, key); ok && len(v) == p.inner.Dimensions() {
		return pgvector.NewVector(v), nil
	}
	vec, err := p.inner.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	p.cache.Set(ctx, key, vec.Slice())
	return vec, nil
}

// EmbedBatch only sends cache misses to the wrapped provider.
func (p *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	var (
		missTexts []string
		missIdx   []int
	)
	for i, t := range texts {
		if v, ok := p.cache.Get(ctx, p.key(t)); ok && len(v) == p.inner.Dimensions() {
			out[i] = pgvector.NewVector(v)
			continue
		}
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := p.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, errors.New("embedding: provider returned wrong number of vectors")
	}
	for j, vec := range vecs {
		out[missIdx[j]] = vec
		p.cache.Set(ctx, p.key(missTexts[j]), vec.Slice())
	}
	return out, nil
}

func (p *CachedProvider) key(text string) string {
	sum := sha256.Sum256([]byte(p.model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}
