package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/delivery-platform/pkg/logger"
)

// cacheKeyPrefix — префикс ключей кеша ответов в Redis.
const cacheKeyPrefix = "router:cache:"

// cacheIndexKey — zset с временем последнего обращения к ключу.
// По нему вытесняются самые давние записи при превышении maxEntries.
const cacheIndexKey = "router:cache:index"

// CachedResponse — сохранённый ответ upstream.
type CachedResponse struct {
	StatusCode  int               `json:"statusCode"`
	Headers     map[string]string `json:"headers"`
	Body        []byte            `json:"body"`
	StoredAt    time.Time         `json:"storedAt"`
	ContentType string            `json:"contentType"`
}

// Cache — кеш GET ответов поверх Redis.
// Вытеснение по TTL плюс LRU-лимит maxEntries (0 — без лимита);
// конкурентная запись одного ключа — last write wins.
type Cache struct {
	rdb        *redis.Client
	maxEntries int
}

// NewCache создаёт кеш ответов с лимитом записей.
func NewCache(rdb *redis.Client, maxEntries int) *Cache {
	return &Cache{rdb: rdb, maxEntries: maxEntries}
}

// CacheKey строит ключ кеша: router:cache: + sha256(method|service|path|body).
func CacheKey(method, service, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'|'})
	h.Write([]byte(service))
	h.Write([]byte{'|'})
	h.Write([]byte(path))
	h.Write([]byte{'|'})
	h.Write(body)
	return cacheKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Get возвращает сохранённый ответ или (nil, nil) при промахе.
func (c *Cache) Get(ctx context.Context, key string) (*CachedResponse, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения кеша: %w", err)
	}

	var resp CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		// Повреждённая запись: удаляем и считаем промахом
		logger.FromContext(ctx).Warn().Err(err).Str("key", key).Msg("Повреждённая запись кеша, удаляем")
		c.rdb.Del(ctx, key)
		c.rdb.ZRem(ctx, cacheIndexKey, key)
		return nil, nil
	}

	c.touch(ctx, key)
	return &resp, nil
}

// Set сохраняет ответ с заданным TTL. Ошибки записи не фатальны для запроса.
func (c *Cache) Set(ctx context.Context, key string, resp *CachedResponse, ttl time.Duration) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("ошибка сериализации записи кеша: %w", err)
	}

	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("ошибка записи кеша: %w", err)
	}

	c.touch(ctx, key)
	c.evict(ctx)
	return nil
}

// touch обновляет recency ключа в индексе вытеснения.
func (c *Cache) touch(ctx context.Context, key string) {
	if c.maxEntries <= 0 {
		return
	}
	c.rdb.ZAdd(ctx, cacheIndexKey, redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: key,
	})
}

// evict удаляет самые давние записи сверх maxEntries.
// Запись, уже вытесненная TTL, к этому моменту — просто мёртвый
// элемент индекса, её DEL безвреден.
func (c *Cache) evict(ctx context.Context) {
	if c.maxEntries <= 0 {
		return
	}

	size, err := c.rdb.ZCard(ctx, cacheIndexKey).Result()
	if err != nil || size <= int64(c.maxEntries) {
		return
	}

	oldest, err := c.rdb.ZPopMin(ctx, cacheIndexKey, size-int64(c.maxEntries)).Result()
	if err != nil {
		logger.FromContext(ctx).Warn().Err(err).Msg("Ошибка вытеснения из кеша")
		return
	}

	keys := make([]string, 0, len(oldest))
	for _, z := range oldest {
		if key, ok := z.Member.(string); ok {
			keys = append(keys, key)
		}
	}
	if len(keys) > 0 {
		c.rdb.Del(ctx, keys...)
	}
}
