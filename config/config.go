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

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"PAYLANE_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"PAYLANE_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"PAYLANE_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"PAYLANE_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"PAYLANE_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"PAYLANE_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"PAYLANE_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"PAYLANE_REDIS_DNS"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"PAYLANE_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"PAYLANE_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"PAYLANE_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`

	// per provider, applied to webhook deliveries only
	WebhookRequestsPerSecond *float64 `json:"webhook_requests_per_second" envconfig:"PAYLANE_RATE_LIMIT_WEBHOOK_RPS"`
	WebhookBurst             *int     `json:"webhook_burst" envconfig:"PAYLANE_RATE_LIMIT_WEBHOOK_BURST"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type QueueConfig struct {
	NotificationQueue string `json:"notification_queue" envconfig:"PAYLANE_QUEUE_NOTIFICATION"`
	Concurrency       int    `json:"concurrency" envconfig:"PAYLANE_QUEUE_CONCURRENCY"`
	MaxRetry          int    `json:"max_retry"`
	MonitoringPort    string `json:"monitoring_port" envconfig:"PAYLANE_QUEUE_MONITORING_PORT"`
}

// PollerConfig intervals are in seconds.
type PollerConfig struct {
	SubmissionInterval int `json:"submission_interval" envconfig:"PAYLANE_POLLER_SUBMISSION_INTERVAL"`
	StatusInterval     int `json:"status_interval" envconfig:"PAYLANE_POLLER_STATUS_INTERVAL"`
	RetryInterval      int `json:"retry_interval" envconfig:"PAYLANE_POLLER_RETRY_INTERVAL"`
	BatchSize          int `json:"batch_size" envconfig:"PAYLANE_POLLER_BATCH_SIZE"`
	Workers            int `json:"workers" envconfig:"PAYLANE_POLLER_WORKERS"`
	StatusMinAge       int `json:"status_min_age"`
}

type RetryConfig struct {
	Multiplier         float64 `json:"multiplier"`
	MaxIntervalSeconds int     `json:"max_interval_seconds"`
	DefaultMaxAttempts int     `json:"default_max_attempts"`
	DefaultDelay       int     `json:"default_delay"`
	ExpirySeconds      int     `json:"expiry_seconds"`
}

type LockConfig struct {
	TTLSeconds  int `json:"ttl_seconds"`
	WaitSeconds int `json:"wait_seconds"`
}

type DocumentsConfig struct {
	Url     string `json:"url" envconfig:"PAYLANE_DOCUMENTS_URL"`
	Timeout int    `json:"timeout"`
	Headers struct {
		Authorization string `json:"Authorization"`
	} `json:"headers"`
}

// GatewayProviderConfig describes how to reach a provider and seeds its stored limits.
type GatewayProviderConfig struct {
	Provider            string          `json:"provider"`
	Type                string          `json:"type"`
	BaseUrl             string          `json:"base_url"`
	ApiKey              string          `json:"api_key"`
	WebhookSecret       string          `json:"webhook_secret"`
	MinAmount           decimal.Decimal `json:"min_amount"`
	MaxAmount           decimal.Decimal `json:"max_amount"`
	DailyLimit          decimal.Decimal `json:"daily_limit"`
	MonthlyLimit        decimal.Decimal `json:"monthly_limit"`
	FeeFixed            decimal.Decimal `json:"fee_fixed"`
	FeePercentage       decimal.Decimal `json:"fee_percentage"`
	Timeout             int             `json:"timeout"`
	MaxRetryAttempts    int             `json:"max_retry_attempts"`
	RetryDelay          int             `json:"retry_delay"`
	SupportedCurrencies []string        `json:"supported_currencies"`
	RequestsPerSecond   float64         `json:"requests_per_second"`
	BreakerThreshold    uint32          `json:"breaker_threshold"`
	BreakerOpenSeconds  int             `json:"breaker_open_seconds"`
}

type Configuration struct {
	ProjectName     string                  `json:"project_name" envconfig:"PAYLANE_PROJECT_NAME"`
	Server          ServerConfig            `json:"server"`
	DataSource      DataSourceConfig        `json:"data_source"`
	Redis           RedisConfig             `json:"redis"`
	Notification    Notification            `json:"notification"`
	RateLimit       RateLimitConfig         `json:"rate_limit"`
	Queue           QueueConfig             `json:"queue"`
	Pollers         PollerConfig            `json:"pollers"`
	Retry           RetryConfig             `json:"retry"`
	Lock            LockConfig              `json:"lock"`
	Documents       DocumentsConfig         `json:"documents"`
	Gateways        []GatewayProviderConfig `json:"gateways"`
	ConfigCacheTTL  int                     `json:"config_cache_ttl" envconfig:"PAYLANE_CONFIG_CACHE_TTL"`
	EnableTelemetry bool                    `json:"enable_telemetry" envconfig:"PAYLANE_ENABLE_TELEMETRY"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("paylane", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called paylane.json with your config ❌")
	}
	return c, nil
}

// Gateway returns the provider section by name.
func (cnf *Configuration) Gateway(provider string) (GatewayProviderConfig, bool) {
	for _, g := range cnf.Gateways {
		if strings.EqualFold(g.Provider, provider) {
			return g, true
		}
	}
	return GatewayProviderConfig{}, false
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Paylane Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	cnf.setQueueDefaults()
	cnf.setPollerDefaults()
	cnf.setRetryDefaults()

	if cnf.Lock.TTLSeconds == 0 {
		cnf.Lock.TTLSeconds = 30
	}
	if cnf.Lock.WaitSeconds == 0 {
		cnf.Lock.WaitSeconds = 5
	}
	if cnf.Documents.Timeout == 0 {
		cnf.Documents.Timeout = 10
	}
	if cnf.ConfigCacheTTL == 0 {
		cnf.ConfigCacheTTL = 60
	}

	seen := make(map[string]bool)
	for i := range cnf.Gateways {
		g := &cnf.Gateways[i]
		g.Provider = strings.ToLower(strings.TrimSpace(g.Provider))
		if g.Provider == "" {
			return fmt.Errorf("gateway #%d has no provider name", i)
		}
		if seen[g.Provider] {
			return fmt.Errorf("gateway %s configured twice", g.Provider)
		}
		seen[g.Provider] = true
		if g.Timeout == 0 {
			g.Timeout = 30
		}
		if g.MaxRetryAttempts == 0 {
			g.MaxRetryAttempts = cnf.Retry.DefaultMaxAttempts
		}
		if g.RetryDelay == 0 {
			g.RetryDelay = cnf.Retry.DefaultDelay
		}
		if g.BreakerThreshold == 0 {
			g.BreakerThreshold = 5
		}
		if g.BreakerOpenSeconds == 0 {
			g.BreakerOpenSeconds = 60
		}
	}

	return nil
}

func (cnf *Configuration) setQueueDefaults() {
	if cnf.Queue.NotificationQueue == "" {
		cnf.Queue.NotificationQueue = "paylane_notifications"
	}
	if cnf.Queue.Concurrency == 0 {
		cnf.Queue.Concurrency = 10
	}
	if cnf.Queue.MaxRetry == 0 {
		cnf.Queue.MaxRetry = 5
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5004"
	}
}

func (cnf *Configuration) setPollerDefaults() {
	if cnf.Pollers.SubmissionInterval == 0 {
		cnf.Pollers.SubmissionInterval = 5
	}
	if cnf.Pollers.StatusInterval == 0 {
		cnf.Pollers.StatusInterval = 30
	}
	if cnf.Pollers.RetryInterval == 0 {
		cnf.Pollers.RetryInterval = 10
	}
	if cnf.Pollers.BatchSize == 0 {
		cnf.Pollers.BatchSize = 50
	}
	if cnf.Pollers.Workers == 0 {
		cnf.Pollers.Workers = 5
	}
	if cnf.Pollers.StatusMinAge == 0 {
		cnf.Pollers.StatusMinAge = 60
	}
}

func (cnf *Configuration) setRetryDefaults() {
	if cnf.Retry.Multiplier == 0 {
		cnf.Retry.Multiplier = 2
	}
	if cnf.Retry.MaxIntervalSeconds == 0 {
		cnf.Retry.MaxIntervalSeconds = 3600
	}
	if cnf.Retry.DefaultMaxAttempts == 0 {
		cnf.Retry.DefaultMaxAttempts = 3
	}
	if cnf.Retry.DefaultDelay == 0 {
		cnf.Retry.DefaultDelay = 30
	}
	if cnf.Retry.ExpirySeconds == 0 {
		cnf.Retry.ExpirySeconds = 86400
	}
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
