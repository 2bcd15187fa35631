package gateway

import (
	"context"
	"net"
	"testing"

	"github.com/paylane/paylane/internal/request"
	"github.com/paylane/paylane/model"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	declined := model.NewFailure(model.FailureBusiness, "LOST_CARD", "lost")

	tests := []struct {
		name        string
		err         error
		wantType    model.FailureType
		wantCode    string
		recoverable bool
	}{
		{"passes failure records through", errors.Wrap(declined, "submit"), model.FailureBusiness, "LOST_CARD", false},
		{"deadline", errors.Wrap(context.DeadlineExceeded, "call"), model.FailureNetwork, CodeTimeout, true},
		{"breaker open", errors.Wrap(gobreaker.ErrOpenState, "mpesa"), model.FailureGateway, CodeCircuitOpen, true},
		{"throttled", &request.StatusError{StatusCode: 429}, model.FailureGateway, CodeRateLimited, true},
		{"server error", &request.StatusError{StatusCode: 500}, model.FailureGateway, CodeProviderError, true},
		{"gateway timeout", &request.StatusError{StatusCode: 504}, model.FailureNetwork, CodeTimeout, true},
		{"bad request", &request.StatusError{StatusCode: 400}, model.FailureValidation, CodeInvalidRequest, false},
		{"connection refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, model.FailureNetwork, CodeNetworkError, true},
		{"anything else", errors.New("boom"), model.FailureGateway, CodeUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Classify(tt.err)
			assert.Equal(t, tt.wantType, f.Type)
			assert.Equal(t, tt.wantCode, f.Code)
			assert.Equal(t, tt.recoverable, f.Recoverable)
		})
	}

	assert.Nil(t, Classify(nil))
}
