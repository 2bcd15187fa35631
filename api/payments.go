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

// SubmitPayment accepts a payment and, unless async=true is passed, submits it to the
// provider straight away. Async payments are picked up by the submission poller.
//
// Responses:
// - 400 Bad Request: If the body is malformed or fails validation.
// - 422 Unprocessable Entity: If a fraud rule blocks the payment or a provider limit is reached.
// - 201 Created: The payment in its current state.
func (a Api) SubmitPayment(c *gin.Context) {
	var newPayment apimodel.CreatePayment
	if err := c.ShouldBindJSON(&newPayment); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := newPayment.ValidateCreatePayment(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.paylane.SubmitPayment(c.Request.Context(), newPayment.ToPaymentRequest(), c.Query("async") == "true")
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a Api) ListPayments(c *gin.Context) {
	limit, offset := pagination(c)
	resp, err := a.paylane.ListTransactions(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) GetPayment(c *gin.Context) {
	resp, err := a.paylane.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetPaymentLogs returns the audit trail of a payment, oldest first.
func (a Api) GetPaymentLogs(c *gin.Context) {
	resp, err := a.paylane.GetTransactionLogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) GetPaymentAttempts(c *gin.Context) {
	resp, err := a.paylane.GetAttempts(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ApprovePayment completes a payment held for manual review or still awaiting the provider.
//
// Responses:
// - 409 Conflict: If the payment was already approved or cannot move to Completed.
// - 200 OK: The approved payment.
func (a Api) ApprovePayment(c *gin.Context) {
	resp, err := a.paylane.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) RejectPayment(c *gin.Context) {
	var body apimodel.TransitionReason
	if !bindReason(c, &body) {
		return
	}
	resp, err := a.paylane.Reject(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) CancelPayment(c *gin.Context) {
	var body apimodel.TransitionReason
	if !bindReason(c, &body) {
		return
	}
	resp, err := a.paylane.Cancel(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// RefundPayment refunds the whole payment, or the given amount when one is passed.
func (a Api) RefundPayment(c *gin.Context) {
	var body apimodel.RefundPayment
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := body.ValidateRefundPayment(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.paylane.Refund(c.Request.Context(), c.Param("id"), body.Amount, body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) DisputePayment(c *gin.Context) {
	var body apimodel.TransitionReason
	if !bindReason(c, &body) {
		return
	}
	resp, err := a.paylane.Dispute(c.Request.Context(), c.Param("id"), body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) ResolveDispute(c *gin.Context) {
	var body apimodel.ResolveDispute
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := body.ValidateResolveDispute(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.paylane.ResolveDispute(c.Request.Context(), c.Param("id"), model.TransactionStatus(body.Outcome), body.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ReconcilePayment matches one payment against a provider statement entry. Reconciling an
// already reconciled payment returns it unchanged.
//
// Responses:
// - 409 Conflict: If the statement amount disagrees or the payment is still in flight.
// - 200 OK: The reconciled payment.
func (a Api) ReconcilePayment(c *gin.Context) {
	var body apimodel.ReconcilePayment
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := body.ValidateReconcilePayment(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.paylane.Reconcile(c.Request.Context(), c.Param("id"), body.ToReconcileRequest())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func bindReason(c *gin.Context, body *apimodel.TransitionReason) bool {
	if err := c.ShouldBindJSON(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	if err := body.ValidateTransitionReason(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return false
	}
	return true
}
