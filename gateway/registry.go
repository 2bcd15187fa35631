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

package gateway

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/paylane/paylane/config"
	"github.com/paylane/paylane/model"
	"github.com/pkg/errors"
)

var ErrUnknownProvider = errors.New("no adapter registered for provider")

// Registry resolves adapters by provider name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Name().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(a.Name())] = a
}

func (r *Registry) Get(provider string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProvider, "%q", provider)
	}
	return a, nil
}

func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the adapter matching cfg.Type.
func New(cfg config.GatewayProviderConfig) (Adapter, error) {
	p := Provider{
		Name:              strings.ToLower(cfg.Provider),
		BaseURL:           cfg.BaseUrl,
		APIKey:            cfg.ApiKey,
		Timeout:           time.Duration(cfg.Timeout) * time.Second,
		RequestsPerSecond: cfg.RequestsPerSecond,
		BreakerThreshold:  cfg.BreakerThreshold,
		BreakerOpen:       time.Duration(cfg.BreakerOpenSeconds) * time.Second,
	}
	switch model.GatewayType(strings.ToUpper(cfg.Type)) {
	case model.GatewayMobileMoney:
		return NewMobileMoney(p), nil
	case model.GatewayBankTransfer:
		return NewBankTransfer(p), nil
	case model.GatewayCard:
		return NewCard(p), nil
	default:
		return nil, errors.Errorf("provider %s has unsupported gateway type %q", cfg.Provider, cfg.Type)
	}
}

// NewRegistryFromConfig builds one adapter per configured provider.
func NewRegistryFromConfig(cfgs []config.GatewayProviderConfig) (*Registry, error) {
	r := NewRegistry()
	for _, cfg := range cfgs {
		a, err := New(cfg)
		if err != nil {
			return nil, err
		}
		r.Register(a)
	}
	return r, nil
}

// SeedConfig is the GatewayConfig a provider starts with before an operator edits it.
func SeedConfig(cfg config.GatewayProviderConfig) *model.GatewayConfig {
	return &model.GatewayConfig{
		Provider:     strings.ToLower(cfg.Provider),
		Type:         model.GatewayType(strings.ToUpper(cfg.Type)),
		MinAmount:    cfg.MinAmount,
		MaxAmount:    cfg.MaxAmount,
		DailyLimit:   cfg.DailyLimit,
		MonthlyLimit: cfg.MonthlyLimit,
		Fee: model.FeeSchedule{
			Fixed:      cfg.FeeFixed,
			Percentage: cfg.FeePercentage,
		},
		TimeoutSeconds:      cfg.Timeout,
		MaxRetryAttempts:    cfg.MaxRetryAttempts,
		RetryDelaySeconds:   cfg.RetryDelay,
		WebhookSecret:       cfg.WebhookSecret,
		SupportedCurrencies: cfg.SupportedCurrencies,
		Active:              true,
	}
}
