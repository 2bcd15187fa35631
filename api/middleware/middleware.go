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
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
	"github.com/paylane/paylane/config"
)

const KeyHeader = "X-Paylane-Key"

// RateLimitMiddleware creates a middleware for rate limiting using Tollbooth
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	if conf.RateLimit.RequestsPerSecond == nil || conf.RateLimit.Burst == nil {
		// Rate limiting is disabled
		return func(c *gin.Context) {
			c.Next()
		}
	}

	rps := *conf.RateLimit.RequestsPerSecond
	burst := *conf.RateLimit.Burst
	ttl := time.Hour
	if conf.RateLimit.CleanupIntervalSec != nil {
		ttl = time.Duration(*conf.RateLimit.CleanupIntervalSec) * time.Second
	}

	lmt := tollbooth.NewLimiter(rps, &limiter.ExpirableOptions{
		DefaultExpirationTTL: ttl,
	})
	lmt.SetBurst(burst)
	return func(c *gin.Context) {
		httpError := tollbooth.LimitByRequest(lmt, c.Writer, c.Request)
		if httpError != nil {
			c.AbortWithStatusJSON(httpError.StatusCode, gin.H{"error": httpError.Message})
			return
		}
		c.Next()
	}
}

// ProviderRateLimitMiddleware limits webhook deliveries per provider, whatever address they come
// from. A provider replaying a backlog cannot starve the others.
func ProviderRateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	if conf.RateLimit.WebhookRequestsPerSecond == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	burst := int(*conf.RateLimit.WebhookRequestsPerSecond)
	if conf.RateLimit.WebhookBurst != nil {
		burst = *conf.RateLimit.WebhookBurst
	}
	if burst < 1 {
		burst = 1
	}

	lmt := tollbooth.NewLimiter(*conf.RateLimit.WebhookRequestsPerSecond, &limiter.ExpirableOptions{
		DefaultExpirationTTL: time.Hour,
	})
	lmt.SetBurst(burst)
	lmt.SetMessage("too many webhook deliveries for this provider")
	return func(c *gin.Context) {
		provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
		if httpError := tollbooth.LimitByKeys(lmt, []string{"webhook", provider}); httpError != nil {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(httpError.StatusCode, gin.H{"error": httpError.Message, "provider": provider})
			return
		}
		c.Next()
	}
}

// SecretKeyAuthMiddleware checks the X-Paylane-Key header against the configured secret key.
// Routes registered before it, such as provider webhooks, authenticate on their own.
func SecretKeyAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		conf, err := config.Fetch()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Secret key is not configured"})
			return
		}
		secretKey := conf.Server.SecretKey
		if secretKey == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Secret key is not configured"})
			return
		}

		clientSecret := c.GetHeader(KeyHeader)

		if clientSecret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing secret key"})
			return
		}

		if !secureCompare(secretKey, clientSecret) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid secret key"})
			return
		}

		c.Next()
	}
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
