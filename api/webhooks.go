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
	"github.com/sirupsen/logrus"
)

// IngestWebhook receives a provider callback. The raw body is what the provider signed, so it
// is read before any decoding.
//
// Responses:
// - 401 Unauthorized: If the X-Paylane-Signature header does not match the payload.
// - 400 Bad Request: If the payload cannot be read.
// - 200 OK: The event was stored. Duplicates, unmatched and mismatched events are acknowledged
// too so the provider stops redelivering them.
func (a Api) IngestWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	event, err := a.paylane.IngestWebhook(c.Request.Context(), c.Param("provider"), payload, c.GetHeader(SignatureHeader))
	if err != nil {
		fields := logrus.Fields{"provider": c.Param("provider")}
		if event != nil {
			fields["event_id"] = event.EventID
		}
		logrus.WithFields(fields).Warnf("webhook refused: %v", err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"event_id": event.EventID, "outcome": event.Outcome, "transaction_id": event.TransactionID})
}
