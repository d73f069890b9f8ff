package adapter

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	planDomain "github.com/elementum-club/service-subscription/internal/domain/plan"
	"go.uber.org/zap"
)

// PaymentGateway is the anti-corruption layer for the payment provider.
type PaymentGateway interface {
	// CreatePaymentLink creates a hosted checkout link for the plan.
	CreatePaymentLink(ctx context.Context, userID, chatID int64, p planDomain.Plan) (string, error)

	// VerifyPayment checks with the provider that the transaction completed.
	VerifyPayment(ctx context.Context, transactionID string) (bool, error)
}

// CloudPaymentsGateway implements PaymentGateway against the CloudPayments API.
type CloudPaymentsGateway struct {
	baseURL   string
	publicID  string
	apiSecret string
	returnURL string
	client    *http.Client
	logger    *zap.Logger
}

// NewCloudPaymentsGateway creates a CloudPayments gateway client.
func NewCloudPaymentsGateway(publicID, apiSecret, returnURL string, logger *zap.Logger) *CloudPaymentsGateway {
	return &CloudPaymentsGateway{
		baseURL:   "https://api.cloudpayments.ru",
		publicID:  publicID,
		apiSecret: apiSecret,
		returnURL: returnURL,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
	}
}

// NewCloudPaymentsGatewayWithBase creates a gateway against a custom API base
// URL. Used by tests.
func NewCloudPaymentsGatewayWithBase(baseURL, publicID, apiSecret, returnURL string, logger *zap.Logger) *CloudPaymentsGateway {
	g := NewCloudPaymentsGateway(publicID, apiSecret, returnURL, logger)
	g.baseURL = baseURL
	return g
}

// orderResponse is the /orders/create response envelope.
type orderResponse struct {
	Success bool   `json:"Success"`
	Message string `json:"Message"`
	Model   struct {
		URL string `json:"Url"`
	} `json:"Model"`
}

// CreatePaymentLink implements PaymentGateway. The invoice id encodes
// "{userId}_{planId}_{epochMillis}" so the webhook can recover the plan even
// when the metadata field is lost in transit.
func (g *CloudPaymentsGateway) CreatePaymentLink(ctx context.Context, userID, chatID int64, p planDomain.Plan) (string, error) {
	invoiceID := fmt.Sprintf("%d_%s_%d", userID, p.ID, time.Now().UnixMilli())

	payload := map[string]any{
		"Amount":      p.Price,
		"Currency":    p.Currency,
		"Description": fmt.Sprintf("Membership plan %q", p.Name),
		"AccountId":   fmt.Sprintf("%d", userID),
		"InvoiceId":   invoiceID,
		"JsonData": map[string]string{
			"userId": fmt.Sprintf("%d", userID),
			"chatId": fmt.Sprintf("%d", chatID),
			"planId": p.ID,
		},
		"SuccessRedirectUrl": g.returnURL,
		"FailRedirectUrl":    g.returnURL,
	}

	var decoded orderResponse
	if err := g.post(ctx, "/orders/create", payload, &decoded); err != nil {
		return "", err
	}
	if !decoded.Success || decoded.Model.URL == "" {
		return "", fmt.Errorf("cloudpayments order rejected: %s", decoded.Message)
	}

	g.logger.Info("payment link created",
		zap.Int64("user_id", userID),
		zap.String("plan_id", p.ID),
		zap.String("invoice_id", invoiceID),
	)
	return decoded.Model.URL, nil
}

// paymentGetResponse is the /payments/get response envelope.
type paymentGetResponse struct {
	Success bool `json:"Success"`
	Model   struct {
		Status string `json:"Status"`
	} `json:"Model"`
}

// VerifyPayment implements PaymentGateway.
func (g *CloudPaymentsGateway) VerifyPayment(ctx context.Context, transactionID string) (bool, error) {
	var decoded paymentGetResponse
	path := "/payments/get?TransactionId=" + transactionID
	if err := g.get(ctx, path, &decoded); err != nil {
		return false, err
	}
	if !decoded.Success {
		return false, nil
	}
	return decoded.Model.Status == "Completed" || decoded.Model.Status == "Authorized", nil
}

// ValidateHMAC checks the Content-HMAC signature CloudPayments sends with
// every webhook: base64(HMAC-SHA256(body, apiSecret)). An empty configured
// secret disables validation.
func (g *CloudPaymentsGateway) ValidateHMAC(body []byte, signature string) bool {
	if g.apiSecret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(g.apiSecret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// post issues an authenticated JSON POST to the CloudPayments API.
func (g *CloudPaymentsGateway) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal cloudpayments payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build cloudpayments request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(g.publicID, g.apiSecret)

	return g.do(req, out)
}

// get issues an authenticated GET to the CloudPayments API.
func (g *CloudPaymentsGateway) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build cloudpayments request: %w", err)
	}
	req.SetBasicAuth(g.publicID, g.apiSecret)

	return g.do(req, out)
}

func (g *CloudPaymentsGateway) do(req *http.Request, out any) error {
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("cloudpayments request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cloudpayments returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode cloudpayments response: %w", err)
	}
	return nil
}
