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

package paylane

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/paylane/paylane/config"
	"github.com/paylane/paylane/database"
	"github.com/paylane/paylane/gateway"
	"github.com/paylane/paylane/internal/apierror"
	"github.com/paylane/paylane/internal/cache"
	redlock "github.com/paylane/paylane/internal/lock"
	redis_db "github.com/paylane/paylane/internal/redis-db"
	"github.com/paylane/paylane/model"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("paylane.engine")

//go:embed sql/*.sql
var SQLFiles embed.FS

const (
	gatewayConfigCacheKey = "paylane:gateway_config:%s"
	fraudRulesCacheKey    = "paylane:fraud_rules:active"
)

// Paylane drives payments through their lifecycle: submission, retries, dead letters,
// provider webhooks and reconciliation.
type Paylane struct {
	datasource database.IDataSource
	gateways   *gateway.Registry
	redis      redis.UniversalClient
	queue      *Queue
	cache      cache.Cache
	documents  DocumentGenerator
	now        func() time.Time

	cacheTTL time.Duration
	lockTTL  time.Duration
	lockWait time.Duration
}

// NewPaylane initializes the engine over the provided datasource.
// It fetches the configuration, connects to Redis, builds one gateway adapter per configured
// provider and prepares the notification queue, the config cache and the receipt client.
//
// Parameters:
// - db database.IDataSource: The ledger store.
//
// Returns:
// - *Paylane: A pointer to the newly created engine.
// - error: An error if any of the initialization steps fail.
func NewPaylane(db database.IDataSource) (*Paylane, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)})
	if err != nil {
		return nil, err
	}
	gateways, err := gateway.NewRegistryFromConfig(configuration.Gateways)
	if err != nil {
		return nil, err
	}

	cacheTTL := time.Duration(configuration.ConfigCacheTTL) * time.Second
	lockTTL, lockWait := 30*time.Second, 5*time.Second
	if configuration.Lock.TTLSeconds > 0 {
		lockTTL = time.Duration(configuration.Lock.TTLSeconds) * time.Second
	}
	if configuration.Lock.WaitSeconds > 0 {
		lockWait = time.Duration(configuration.Lock.WaitSeconds) * time.Second
	}

	return &Paylane{
		datasource: db,
		gateways:   gateways,
		redis:      redisClient.Client(),
		queue:      NewQueue(configuration),
		cache:      cache.NewCache(redisClient.Client(), cacheTTL),
		documents:  NewDocumentClient(configuration.Documents),
		now:        func() time.Time { return time.Now().UTC() },
		cacheTTL:   cacheTTL,
		lockTTL:    lockTTL,
		lockWait:   lockWait,
	}, nil
}

// Gateways exposes the adapter registry.
func (l *Paylane) Gateways() *gateway.Registry {
	return l.gateways
}

// SeedGatewayConfigs stores the configured defaults of every provider that has no
// GatewayConfig yet. Existing rows are left alone so operator edits survive restarts.
func (l *Paylane) SeedGatewayConfigs(ctx context.Context) error {
	configuration, err := config.Fetch()
	if err != nil {
		return err
	}
	for _, g := range configuration.Gateways {
		_, err := l.datasource.GetGatewayConfig(ctx, g.Provider)
		if err == nil {
			continue
		}
		if !apierror.IsCode(err, apierror.ErrNotFound) {
			return err
		}
		seed := gateway.SeedConfig(g)
		seed.CreatedAt = l.now()
		seed.UpdatedAt = seed.CreatedAt
		if err := l.datasource.UpsertGatewayConfig(ctx, seed); err != nil {
			return err
		}
		logrus.WithField("provider", seed.Provider).Info("seeded gateway config")
	}
	return nil
}

// GetGatewayConfig returns the provider's config, served from the cache when fresh.
func (l *Paylane) GetGatewayConfig(ctx context.Context, provider string) (*model.GatewayConfig, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	key := fmt.Sprintf(gatewayConfigCacheKey, provider)

	if l.cache != nil {
		var cached model.GatewayConfig
		found, err := l.cache.Get(ctx, key, &cached)
		if err != nil {
			logrus.Errorf("gateway config cache read for %s: %v", provider, err)
		} else if found {
			return &cached, nil
		}
	}

	cfg, err := l.datasource.GetGatewayConfig(ctx, provider)
	if err != nil {
		return nil, err
	}
	if l.cache != nil {
		if err := l.cache.Set(ctx, key, cfg, l.cacheTTL); err != nil {
			logrus.Errorf("gateway config cache write for %s: %v", provider, err)
		}
	}
	return cfg, nil
}

// UpdateGatewayConfig stores cfg and drops the cached copy.
func (l *Paylane) UpdateGatewayConfig(ctx context.Context, cfg *model.GatewayConfig) (*model.GatewayConfig, error) {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if _, err := l.gateways.Get(cfg.Provider); err != nil {
		return nil, err
	}
	now := l.now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	if err := l.datasource.UpsertGatewayConfig(ctx, cfg); err != nil {
		return nil, err
	}
	l.invalidate(ctx, fmt.Sprintf(gatewayConfigCacheKey, cfg.Provider))
	return cfg, nil
}

func (l *Paylane) ListGatewayConfigs(ctx context.Context) ([]*model.GatewayConfig, error) {
	return l.datasource.ListGatewayConfigs(ctx)
}

func (l *Paylane) invalidate(ctx context.Context, key string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Delete(ctx, key); err != nil {
		logrus.Errorf("cache invalidation for %s: %v", key, err)
	}
}

// withTransactionLock runs fn while holding the distributed lock of one transaction. The lock
// is extended every third of its TTL until fn returns, so a slow gateway call cannot outlive it.
func (l *Paylane) withTransactionLock(ctx context.Context, transactionID string, fn func(ctx context.Context) error) error {
	locker := redlock.NewLocker(l.redis, redlock.TransactionKey(transactionID), model.GenerateUUIDWithSuffix("loc"))
	if err := locker.WaitLock(ctx, l.lockTTL, l.lockWait); err != nil {
		return err
	}

	hbCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		l.keepLock(hbCtx, locker)
	}()
	defer func() {
		stop()
		hb.Wait()
		if err := locker.Unlock(context.WithoutCancel(ctx)); err != nil {
			logrus.Errorf("failed to release lock %s: %v", locker.Key(), err)
		}
	}()
	return fn(ctx)
}

func (l *Paylane) keepLock(ctx context.Context, locker *redlock.Locker) {
	if l.lockTTL <= 0 {
		return
	}
	ticker := time.NewTicker(l.lockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := locker.ExtendLock(ctx, l.lockTTL); err != nil {
				if ctx.Err() == nil {
					logrus.Errorf("lost lock %s: %v", locker.Key(), err)
				}
				return
			}
		}
	}
}
