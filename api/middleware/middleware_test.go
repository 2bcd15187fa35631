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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/paylane/paylane/config"
	"github.com/stretchr/testify/assert"
)

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	r.GET("/payments", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestSecretKeyAuthMiddleware(t *testing.T) {
	tests := []struct {
		name         string
		secretKey    string
		clientKey    string
		expectedCode int
	}{
		{name: "Valid key", secretKey: "sk_live_123", clientKey: "sk_live_123", expectedCode: http.StatusOK},
		{name: "Missing key", secretKey: "sk_live_123", clientKey: "", expectedCode: http.StatusUnauthorized},
		{name: "Wrong key", secretKey: "sk_live_123", clientKey: "sk_live_124", expectedCode: http.StatusUnauthorized},
		{name: "Server without a key", secretKey: "", clientKey: "anything", expectedCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config.MockConfig(&config.Configuration{Server: config.ServerConfig{Secure: true, SecretKey: tt.secretKey}})
			router := newRouter(SecretKeyAuthMiddleware())

			req := httptest.NewRequest(http.MethodGet, "/payments", nil)
			if tt.clientKey != "" {
				req.Header.Set(KeyHeader, tt.clientKey)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.expectedCode, w.Code)
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rps := 1.0
	burst := 2
	cleanup := 60
	conf := &config.Configuration{RateLimit: config.RateLimitConfig{RequestsPerSecond: &rps, Burst: &burst, CleanupIntervalSec: &cleanup}}
	router := newRouter(RateLimitMiddleware(conf))

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/payments", nil)
		req.RemoteAddr = "10.0.0.7:51234"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Contains(t, codes, http.StatusTooManyRequests)
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	router := newRouter(RateLimitMiddleware(&config.Configuration{}))
	for i := 0; i < 20; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/payments", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestProviderRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rps := 1.0
	burst := 1
	conf := &config.Configuration{RateLimit: config.RateLimitConfig{WebhookRequestsPerSecond: &rps, WebhookBurst: &burst}}

	r := gin.New()
	r.POST("/webhooks/:provider", ProviderRateLimitMiddleware(conf), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	deliver := func(provider, addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, deliver("mpesa", "10.0.0.1:4000").Code)

	limited := deliver("MPESA", "10.0.0.2:4000")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code, "the limit follows the provider, not the address")
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.Contains(t, limited.Body.String(), "mpesa")

	assert.Equal(t, http.StatusOK, deliver("stripe", "10.0.0.1:4000").Code)
}

func TestProviderRateLimitMiddleware_Disabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/:provider", ProviderRateLimitMiddleware(&config.Configuration{}), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/webhooks/mpesa", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}
