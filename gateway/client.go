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
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/paylane/paylane/internal/request"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Provider holds the connection settings of one configured provider.
type Provider struct {
	Name              string
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	BreakerThreshold  uint32
	BreakerOpen       time.Duration
}

type httpClient struct {
	provider Provider
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
}

func newHTTPClient(p Provider) *httpClient {
	if p.Timeout <= 0 {
		p.Timeout = 30 * time.Second
	}
	if p.BreakerThreshold == 0 {
		p.BreakerThreshold = 5
	}
	if p.BreakerOpen <= 0 {
		p.BreakerOpen = time.Minute
	}
	p.BaseURL = strings.TrimRight(p.BaseURL, "/")

	threshold := p.BreakerThreshold
	c := &httpClient{
		provider: p,
		client:   &http.Client{Timeout: p.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        p.Name,
			MaxRequests: 1,
			Timeout:     p.BreakerOpen,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logrus.WithFields(logrus.Fields{"provider": name, "from": from.String(), "to": to.String()}).
					Warn("gateway circuit breaker changed state")
			},
		}),
	}
	if p.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(p.RequestsPerSecond), 1)
	}
	return c
}

// callResult carries answers that must not count against the breaker, such as 4xx declines.
type callResult struct {
	raw json.RawMessage
	err error
}

func tripsBreaker(err error) bool {
	var statusErr *request.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// do sends one request to the provider, bounded by the configured timeout and spaced by the
// rate limiter. The decoded 2xx body is returned raw.
func (c *httpClient) do(ctx context.Context, method, path string, body interface{}, headers map[string]string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.provider.Timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrapf(err, "%s: waiting for submission slot", c.provider.Name)
		}
	}

	var reader io.Reader
	if body != nil {
		buf, err := request.ToJsonReq(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode provider request")
		}
		reader = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.provider.BaseURL+path, reader)
	if err != nil {
		return nil, errors.Wrap(err, "build provider request")
	}
	req.Header.Set("Accept", "application/json")
	if c.provider.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.provider.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		var raw json.RawMessage
		_, err := request.Call(c.client, req, &raw)
		if err != nil && !tripsBreaker(err) {
			return callResult{err: err}, nil
		}
		return callResult{raw: raw}, err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s %s", c.provider.Name, method, path)
	}
	res := out.(callResult)
	if res.err != nil {
		return nil, errors.Wrapf(res.err, "%s %s %s", c.provider.Name, method, path)
	}
	return res.raw, nil
}
