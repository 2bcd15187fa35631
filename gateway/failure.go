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
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/paylane/paylane/internal/request"
	"github.com/paylane/paylane/model"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
)

// Canonical failure codes shared by every adapter.
const (
	CodeTimeout        = "TIMEOUT"
	CodeNetworkError   = "NETWORK_ERROR"
	CodeCircuitOpen    = "CIRCUIT_OPEN"
	CodeRateLimited    = "RATE_LIMITED"
	CodeProviderError  = "PROVIDER_ERROR"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnknown        = "UNKNOWN"
)

// Classify turns any error coming out of an adapter into a FailureRecord.
// A nil error yields nil.
func Classify(err error) *model.FailureRecord {
	if err == nil {
		return nil
	}

	var fr *model.FailureRecord
	if errors.As(err, &fr) {
		return fr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return model.NewFailure(model.FailureNetwork, CodeTimeout, err.Error())
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return model.NewFailure(model.FailureGateway, CodeCircuitOpen, err.Error())
	}

	var statusErr *request.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return model.NewFailure(model.FailureGateway, CodeRateLimited, err.Error())
		case statusErr.StatusCode == http.StatusRequestTimeout, statusErr.StatusCode == http.StatusGatewayTimeout:
			return model.NewFailure(model.FailureNetwork, CodeTimeout, err.Error())
		case statusErr.StatusCode >= 500:
			return model.NewFailure(model.FailureGateway, CodeProviderError, err.Error())
		default:
			return model.NewFailure(model.FailureValidation, CodeInvalidRequest, err.Error())
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return model.NewFailure(model.FailureNetwork, CodeTimeout, err.Error())
		}
		return model.NewFailure(model.FailureNetwork, CodeNetworkError, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return model.NewFailure(model.FailureNetwork, CodeNetworkError, err.Error())
	}

	return model.NewFailure(model.FailureGateway, CodeUnknown, err.Error())
}

// codeTable maps provider decline codes onto failure types. Lookups are case-insensitive.
type codeTable map[string]model.FailureType

// classify maps a provider-declared failure. Codes the table does not know are treated as
// recoverable gateway failures so the retry budget bounds them.
func (t codeTable) classify(code, message string) *model.FailureRecord {
	code = strings.ToUpper(strings.TrimSpace(code))
	if message == "" {
		message = "provider declined the request"
	}
	failureType, ok := t[code]
	if !ok {
		failureType = model.FailureGateway
	}
	if code == "" {
		code = CodeUnknown
	}
	return model.NewFailure(failureType, code, message)
}
