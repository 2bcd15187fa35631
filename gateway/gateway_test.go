package gateway

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/paylane/paylane/config"
	"github.com/paylane/paylane/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mmBase = "https://mm.test"

func newTestMobileMoney(threshold uint32) *MobileMoney {
	return NewMobileMoney(Provider{
		Name:             "mpesa",
		BaseURL:          mmBase,
		APIKey:           "key-123",
		Timeout:          time.Second,
		BreakerThreshold: threshold,
		BreakerOpen:      time.Minute,
	})
}

func submitRequest() SubmitRequest {
	return SubmitRequest{
		TransactionID: "txn_1",
		Reference:     "ref-1",
		Amount:        decimal.NewFromInt(1500),
		Currency:      "KES",
		Purpose:       model.PurposeTaxPayment,
		Payer:         model.Payer{Name: "Jane", Phone: "+254712345678"},
	}
}

func TestMobileMoneySubmit_Pending(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, mmBase+"/v1/collections",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "txn_1", req.Header.Get("Idempotency-Key"))
			assert.Equal(t, "Bearer key-123", req.Header.Get("Authorization"))
			return httpmock.NewStringResponse(http.StatusAccepted, `{"external_reference":"MP1","status":"PENDING"}`), nil
		})

	res, err := newTestMobileMoney(5).Submit(context.Background(), submitRequest())
	require.NoError(t, err)
	assert.Equal(t, "MP1", res.ExternalReference)
	assert.Equal(t, model.StatusPending, res.Status)
	assert.NotEmpty(t, res.Raw)
}

func TestMobileMoneySubmit_BusinessDecline(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, mmBase+"/v1/collections",
		httpmock.NewStringResponder(http.StatusOK, `{"status":"FAILED","code":"insufficient_funds","message":"balance too low"}`))

	_, err := newTestMobileMoney(5).Submit(context.Background(), submitRequest())
	require.Error(t, err)
	failure := Classify(err)
	assert.Equal(t, model.FailureBusiness, failure.Type)
	assert.Equal(t, "INSUFFICIENT_FUNDS", failure.Code)
	assert.False(t, failure.Recoverable)
	assert.True(t, failure.RequiresManualIntervention)
}

func TestMobileMoneySubmit_ServerErrorIsRecoverable(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, mmBase+"/v1/collections",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, `upstream down`))

	_, err := newTestMobileMoney(5).Submit(context.Background(), submitRequest())
	failure := Classify(err)
	assert.Equal(t, model.FailureGateway, failure.Type)
	assert.Equal(t, CodeProviderError, failure.Code)
	assert.True(t, failure.Recoverable)
}

func TestMobileMoneySubmit_ValidationDeclineFromBody(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, mmBase+"/v1/collections",
		httpmock.NewStringResponder(http.StatusBadRequest, `{"code":"INVALID_MSISDN","message":"unknown number"}`))

	_, err := newTestMobileMoney(5).Submit(context.Background(), submitRequest())
	failure := Classify(err)
	assert.Equal(t, model.FailureValidation, failure.Type)
	assert.Equal(t, "INVALID_MSISDN", failure.Code)
	assert.False(t, failure.Recoverable)
}

func TestMobileMoneySubmit_TimeoutIsNetworkFailure(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, mmBase+"/v1/collections",
		func(req *http.Request) (*http.Response, error) {
			<-req.Context().Done()
			return nil, req.Context().Err()
		})

	mm := NewMobileMoney(Provider{Name: "mpesa", BaseURL: mmBase, Timeout: 50 * time.Millisecond})
	res, err := mm.Submit(context.Background(), submitRequest())
	assert.Nil(t, res)
	failure := Classify(err)
	assert.Equal(t, model.FailureNetwork, failure.Type)
	assert.Equal(t, CodeTimeout, failure.Code)
	assert.True(t, failure.Recoverable)
}

func TestMobileMoneySubmit_MissingReference(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, mmBase+"/v1/collections",
		httpmock.NewStringResponder(http.StatusOK, `{"status":"SUCCESS"}`))

	_, err := newTestMobileMoney(5).Submit(context.Background(), submitRequest())
	assert.Equal(t, model.FailureGateway, Classify(err).Type)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, mmBase+"/v1/collections",
		httpmock.NewStringResponder(http.StatusBadGateway, `bad gateway`))

	mm := newTestMobileMoney(2)
	for i := 0; i < 2; i++ {
		_, err := mm.Submit(context.Background(), submitRequest())
		assert.Equal(t, CodeProviderError, Classify(err).Code)
	}

	_, err := mm.Submit(context.Background(), submitRequest())
	failure := Classify(err)
	assert.Equal(t, CodeCircuitOpen, failure.Code)
	assert.True(t, failure.Recoverable)
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, mmBase+"/v1/collections",
		httpmock.NewStringResponder(http.StatusUnprocessableEntity, `{"code":"INVALID_AMOUNT"}`))

	mm := newTestMobileMoney(1)
	for i := 0; i < 3; i++ {
		_, err := mm.Submit(context.Background(), submitRequest())
		assert.Equal(t, "INVALID_AMOUNT", Classify(err).Code)
	}
	assert.Equal(t, 3, httpmock.GetTotalCallCount())
}

func TestQueryStatus(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodGet, mmBase+"/v1/collections/MP1",
		httpmock.NewStringResponder(http.StatusOK, `{"external_reference":"MP1","status":"SUCCESSFUL"}`))
	httpmock.RegisterResponder(http.MethodGet, mmBase+"/v1/collections/MP2",
		httpmock.NewStringResponder(http.StatusOK, `{"external_reference":"MP2","status":"FAILED","code":"SYSTEM_BUSY"}`))
	httpmock.RegisterResponder(http.MethodGet, mmBase+"/v1/collections/MP3",
		httpmock.NewStringResponder(http.StatusOK, `{"external_reference":"MP3","status":"WHATEVER"}`))

	mm := newTestMobileMoney(5)

	res, err := mm.QueryStatus(context.Background(), "MP1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, res.Status)
	assert.Nil(t, res.Failure)

	res, err = mm.QueryStatus(context.Background(), "MP2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, res.Status)
	require.NotNil(t, res.Failure)
	assert.True(t, res.Failure.Recoverable)

	_, err = mm.QueryStatus(context.Background(), "MP3")
	assert.Error(t, err)
}

func TestRefund(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://card.test/refunds",
		httpmock.NewStringResponder(http.StatusOK, `{"external_reference":"re_1","status":"REFUNDED"}`))

	card := NewCard(Provider{Name: "stripe", BaseURL: "https://card.test/"})
	res, err := card.Refund(context.Background(), RefundRequest{
		TransactionID: "txn_1", ExternalReference: "ch_1", Amount: decimal.NewFromInt(10), Currency: "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, "re_1", res.RefundReference)
	assert.Equal(t, model.StatusRefunded, res.Status)
}

func TestParseWebhook(t *testing.T) {
	mm := newTestMobileMoney(5)

	n, err := mm.ParseWebhook([]byte(`{"external_reference":"MP1","reference":"txn_1","status":"SUCCESS","amount":"1500.00","currency":"KES"}`))
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, n.Status)
	assert.True(t, decimal.NewFromInt(1500).Equal(n.Amount))

	n, err = mm.ParseWebhook([]byte(`{"external_reference":"MP1","status":"FAILED","code":"USER_REJECTED"}`))
	require.NoError(t, err)
	assert.Equal(t, model.FailureBusiness, n.Failure.Type)

	_, err = mm.ParseWebhook([]byte(`{"external_reference":"MP1","status":"LOST"}`))
	assert.True(t, errors.Is(err, ErrUnknownStatus))

	_, err = mm.ParseWebhook([]byte(`{"status":"SUCCESS"}`))
	assert.Error(t, err)

	_, err = mm.ParseWebhook([]byte(`not json`))
	assert.Error(t, err)
}

func TestCardDeclines(t *testing.T) {
	soft := cardCodes.classify("do_not_honor", "")
	assert.True(t, soft.Recoverable)
	assert.Equal(t, model.FailureGateway, soft.Type)

	hard := cardCodes.classify("STOLEN_CARD", "pick up")
	assert.False(t, hard.Recoverable)
	assert.Equal(t, model.FailureBusiness, hard.Type)

	unknown := cardCodes.classify("", "")
	assert.Equal(t, CodeUnknown, unknown.Code)
	assert.True(t, unknown.Recoverable)
}

func TestValidate(t *testing.T) {
	cfg := &model.GatewayConfig{
		Provider:            "mpesa",
		MinAmount:           decimal.NewFromInt(10),
		MaxAmount:           decimal.NewFromInt(150000),
		SupportedCurrencies: []string{"KES"},
	}
	mm := newTestMobileMoney(5)

	assert.NoError(t, mm.Validate(submitRequest(), cfg))

	req := submitRequest()
	req.Payer.Phone = "0712345678"
	assert.Error(t, mm.Validate(req, cfg))

	req = submitRequest()
	req.Amount = decimal.NewFromInt(5)
	assert.Error(t, mm.Validate(req, cfg))

	req = submitRequest()
	req.Currency = "USD"
	assert.Error(t, mm.Validate(req, cfg))

	bank := NewBankTransfer(Provider{Name: "kcb"})
	req = submitRequest()
	req.Payer = model.Payer{Account: "12345678901", BankCode: "01"}
	assert.NoError(t, bank.Validate(req, cfg))
	req.Payer.Account = "12-34"
	assert.Error(t, bank.Validate(req, cfg))
	req.Payer = model.Payer{Account: "12345678901"}
	assert.Error(t, bank.Validate(req, cfg))

	card := NewCard(Provider{Name: "stripe"})
	req = submitRequest()
	req.Payer = model.Payer{CardToken: "tok_visa"}
	assert.NoError(t, card.Validate(req, nil))
	req.Payer.CardToken = ""
	assert.Error(t, card.Validate(req, nil))
}

func TestRegistry(t *testing.T) {
	reg, err := NewRegistryFromConfig([]config.GatewayProviderConfig{
		{Provider: "MPesa", Type: "mobile_money", BaseUrl: mmBase},
		{Provider: "kcb", Type: "BANK_TRANSFER"},
		{Provider: "stripe", Type: "CARD"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"kcb", "mpesa", "stripe"}, reg.Providers())

	a, err := reg.Get("MPESA")
	require.NoError(t, err)
	assert.Equal(t, model.GatewayMobileMoney, a.Type())

	_, err = reg.Get("paypal")
	assert.True(t, errors.Is(err, ErrUnknownProvider))

	_, err = NewRegistryFromConfig([]config.GatewayProviderConfig{{Provider: "x", Type: "CRYPTO"}})
	assert.Error(t, err)
}

func TestSeedConfig(t *testing.T) {
	cfg := SeedConfig(config.GatewayProviderConfig{
		Provider:         "MPesa",
		Type:             "mobile_money",
		FeePercentage:    decimal.NewFromFloat(1.5),
		Timeout:          20,
		MaxRetryAttempts: 4,
		WebhookSecret:    "whsec",
	})
	assert.Equal(t, "mpesa", cfg.Provider)
	assert.Equal(t, model.GatewayMobileMoney, cfg.Type)
	assert.Equal(t, 4, cfg.MaxRetryAttempts)
	assert.True(t, cfg.Active)
}

func TestSignature(t *testing.T) {
	payload := []byte(`{"external_reference":"MP1"}`)
	sig := Sign("secret", payload)

	assert.True(t, VerifySignature("secret", payload, sig))
	assert.True(t, VerifySignature("secret", payload, "sha256="+sig))
	assert.False(t, VerifySignature("other", payload, sig))
	assert.False(t, VerifySignature("secret", []byte(`{}`), sig))
	assert.False(t, VerifySignature("", payload, sig))
	assert.False(t, VerifySignature("secret", payload, ""))
}
