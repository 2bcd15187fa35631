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

// ListDeadLetters lists dead letter entries, optionally filtered by review status
// (?status=PENDING).
func (a Api) ListDeadLetters(c *gin.Context) {
	limit, offset := pagination(c)
	status := model.ReviewStatus(c.Query("status"))
	resp, err := a.paylane.ListDeadLetters(c.Request.Context(), status, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) GetDeadLetter(c *gin.Context) {
	resp, err := a.paylane.GetDeadLetter(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) StartReview(c *gin.Context) {
	var body apimodel.ReviewAction
	if !bindReview(c, &body) {
		return
	}
	resp, err := a.paylane.StartReview(c.Request.Context(), c.Param("id"), body.Reviewer)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ResolveDeadLetter closes a review. With rearm set, the payment goes back to Failed with a
// fresh retry budget.
func (a Api) ResolveDeadLetter(c *gin.Context) {
	var body apimodel.ReviewAction
	if !bindReview(c, &body) {
		return
	}
	resp, err := a.paylane.ResolveDeadLetter(c.Request.Context(), c.Param("id"), body.Reviewer, body.Notes, body.Rearm)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) DiscardDeadLetter(c *gin.Context) {
	var body apimodel.ReviewAction
	if !bindReview(c, &body) {
		return
	}
	resp, err := a.paylane.DiscardDeadLetter(c.Request.Context(), c.Param("id"), body.Reviewer, body.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func bindReview(c *gin.Context, body *apimodel.ReviewAction) bool {
	if err := c.ShouldBindJSON(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	if err := body.ValidateReviewAction(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return false
	}
	return true
}
