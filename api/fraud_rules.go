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
)

// ListFraudRules returns every rule, or only the active ones with ?active=true.
func (a Api) ListFraudRules(c *gin.Context) {
	resp, err := a.paylane.ListFraudRules(c.Request.Context(), c.Query("active") == "true")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// CreateFraudRule stores a rule such as {"condition": "amount > 500000 && hour < 6",
// "action": "REVIEW"}. The condition is parsed before the rule is saved.
func (a Api) CreateFraudRule(c *gin.Context) {
	var body apimodel.CreateFraudRule
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := body.ValidateCreateFraudRule(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.paylane.CreateFraudRule(c.Request.Context(), body.ToFraudRule())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}
