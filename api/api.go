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
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/paylane/paylane"
	"github.com/paylane/paylane/api/middleware"
	"github.com/paylane/paylane/config"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const (
	SignatureHeader = "X-Paylane-Signature"
	defaultLimit    = 20
	maxLimit        = 100
)

type Api struct {
	paylane *paylane.Paylane
	router  *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	conf, err := config.Fetch()
	if err != nil {
		conf = &config.Configuration{}
	}

	// providers sign their callbacks, so these are reachable without the secret key
	router.POST("/webhooks/:provider", middleware.ProviderRateLimitMiddleware(conf), a.IngestWebhook)

	secured := router.Group("/")
	if conf.Server.Secure {
		secured.Use(middleware.SecretKeyAuthMiddleware())
	}

	secured.POST("/payments", a.SubmitPayment)
	secured.GET("/payments", a.ListPayments)
	secured.GET("/payments/:id", a.GetPayment)
	secured.GET("/payments/:id/logs", a.GetPaymentLogs)
	secured.GET("/payments/:id/attempts", a.GetPaymentAttempts)
	secured.POST("/payments/:id/approve", a.ApprovePayment)
	secured.POST("/payments/:id/reject", a.RejectPayment)
	secured.POST("/payments/:id/cancel", a.CancelPayment)
	secured.POST("/payments/:id/refund", a.RefundPayment)
	secured.POST("/payments/:id/dispute", a.DisputePayment)
	secured.POST("/payments/:id/dispute/resolve", a.ResolveDispute)
	secured.POST("/payments/:id/reconcile", a.ReconcilePayment)

	secured.GET("/dead-letters", a.ListDeadLetters)
	secured.GET("/dead-letters/:id", a.GetDeadLetter)
	secured.POST("/dead-letters/:id/review", a.StartReview)
	secured.POST("/dead-letters/:id/resolve", a.ResolveDeadLetter)
	secured.POST("/dead-letters/:id/discard", a.DiscardDeadLetter)

	secured.POST("/reconciliation/statements", a.ReconcileStatement)

	secured.GET("/gateways", a.ListGatewayConfigs)
	secured.GET("/gateways/:provider", a.GetGatewayConfig)
	secured.PUT("/gateways/:provider", a.UpdateGatewayConfig)

	secured.GET("/fraud-rules", a.ListFraudRules)
	secured.POST("/fraud-rules", a.CreateFraudRule)
	return a.router
}

func NewAPI(p *paylane.Paylane) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	if conf.EnableTelemetry {
		r.Use(otelgin.Middleware(conf.ProjectName))
	}
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{paylane: p, router: r}
}

// respondError answers with the status the engine error maps to. A fraud block also carries
// the rule that stopped the payment.
func respondError(c *gin.Context, err error) {
	status := paylane.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logrus.WithField("path", c.FullPath()).Error(err)
	}

	var blocked *paylane.FraudBlockedError
	if errors.As(err, &blocked) {
		c.JSON(status, gin.H{"error": err.Error(), "rule_id": blocked.RuleID, "action": blocked.Action})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// pagination reads limit and offset from the query string.
func pagination(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}
