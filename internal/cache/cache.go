/*
Copyright 2024 Paylane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// Cache holds read-mostly configuration such as gateway configs and fraud rules.
type Cache interface {
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Get decodes the value under key into data. found is false on a miss.
	Get(ctx context.Context, key string, data interface{}) (found bool, err error)

	Delete(ctx context.Context, key string) error
}

// RedisCache is a two-tier cache: a TinyLFU local tier in front of an optional Redis tier.
type RedisCache struct {
	cache *cache.Cache
}

// cacheSize is the number of entries kept in the local tier.
const cacheSize = 10000

// NewCache builds the cache. A nil client gives a process-local cache only.
func NewCache(client redis.UniversalClient, localTTL time.Duration) *RedisCache {
	if localTTL <= 0 {
		localTTL = time.Minute
	}
	opts := &cache.Options{
		LocalCache: cache.NewTinyLFU(cacheSize, localTTL),
	}
	if client != nil {
		opts.Redis = client
	}
	return &RedisCache{cache: cache.New(opts)}
}

func (r *RedisCache) Set(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: data,
		TTL:   ttl,
	})
}

func (r *RedisCache) Get(ctx context.Context, key string, data interface{}) (bool, error) {
	err := r.cache.Get(ctx, key, data)
	if errors.Is(err, cache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	err := r.cache.Delete(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
