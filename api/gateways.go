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
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	apimodel "github.com/paylane/paylane/api/model"
	"github.com/paylane/paylane/model"
)

// redacted hides the webhook secret from API responses.
func redacted(cfg *model.GatewayConfig) *model.GatewayConfig {
	out := *cfg
	if out.WebhookSecret != "" {
		out.WebhookSecret = "********"
	}
	return &out
}

func (a Api) ListGatewayConfigs(c *gin.Context) {
	configs, err := a.paylane.ListGatewayConfigs(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	resp := make([]*model.GatewayConfig, 0, len(configs))
	for _, cfg := range configs {
		resp = append(resp, redacted(cfg))
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) GetGatewayConfig(c *gin.Context) {
	resp, err := a.paylane.GetGatewayConfig(c.Request.Context(), c.Param("provider"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, redacted(resp))
}

// UpdateGatewayConfig replaces the limits, fees and retry policy of a registered provider.
// An omitted webhook_secret keeps the stored one.
func (a Api) UpdateGatewayConfig(c *gin.Context) {
	var body apimodel.UpdateGatewayConfig
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := body.ValidateUpdateGatewayConfig(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	cfg := body.ToGatewayConfig(c.Param("provider"))
	if current, err := a.paylane.GetGatewayConfig(c.Request.Context(), cfg.Provider); err == nil {
		cfg.CreatedAt = current.CreatedAt
		if cfg.WebhookSecret == "" {
			cfg.WebhookSecret = current.WebhookSecret
		}
	}

	resp, err := a.paylane.UpdateGatewayConfig(c.Request.Context(), cfg)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, redacted(resp))
}
