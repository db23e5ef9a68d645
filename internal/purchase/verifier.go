// Package purchase verifies store purchase receipts against the payment
// backend before credits are granted.
package purchase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"

	"github.com/jasonkanyanjun-maker/forever-paws-backend-sub004/pkg/clients"
)

// ErrReceiptRejected means the payment backend looked at the receipt and
// refused it. Retrying the same receipt will not help.
type ErrReceiptRejected struct {
	Reason string
}

func (e *ErrReceiptRejected) Error() string {
	return fmt.Sprintf("receipt rejected: %s", e.Reason)
}

// VerifiedReceipt is the payment backend's answer for a valid receipt.
// The transaction id doubles as the ledger idempotency reference so the
// same receipt can never be credited twice.
type VerifiedReceipt struct {
	TransactionID  string `json:"transaction_id"`
	ProductID      string `json:"product_id"`
	CreditsGranted int    `json:"credits_granted"`
}

// Verifier calls the payment backend's receipt validation endpoint.
type Verifier struct {
	baseURL      string
	serviceToken string
	client       *http.Client
	httpExecutor failsafe.Executor[*http.Response]
	shouldRetry  func(resp *http.Response, err error) bool
}

type Option func(*Verifier)

func NewVerifier(baseURL, serviceToken string, opts ...Option) *Verifier {
	cfg := clients.DefaultHTTPExecutorConfig()
	v := &Verifier{
		baseURL:      baseURL,
		serviceToken: serviceToken,
		client:       &http.Client{Timeout: 15 * time.Second},
		httpExecutor: clients.NewHTTPExecutor(cfg),
		shouldRetry:  cfg.ShouldRetry,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(v *Verifier) {
		if httpClient != nil {
			v.client = httpClient
		}
	}
}

func WithHTTPExecutorConfig(cfg clients.HTTPExecutorConfig) Option {
	return func(v *Verifier) {
		v.httpExecutor = clients.NewHTTPExecutor(cfg)
		v.shouldRetry = cfg.ShouldRetry
	}
}

type verifyRequest struct {
	OwnerID  string `json:"owner_id"`
	Receipt  string `json:"receipt"`
	Platform string `json:"platform"`
}

// Verify validates a raw store receipt for an owner. Transient backend
// errors are retried; a definitive rejection comes back as
// ErrReceiptRejected.
func (v *Verifier) Verify(ctx context.Context, ownerID, platform, receipt string) (*VerifiedReceipt, error) {
	body, err := json.Marshal(verifyRequest{OwnerID: ownerID, Receipt: receipt, Platform: platform})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	resp, err := clients.ExecuteHTTP(ctx, v.httpExecutor, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/v1/receipts/verify", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+v.serviceToken)
		resp, err := v.client.Do(req)
		if v.shouldRetry != nil && v.shouldRetry(resp, err) {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("receipt verification request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		if payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
		return nil, &ErrReceiptRejected{Reason: payload.Error}
	default:
		return nil, fmt.Errorf("payment backend returned status %d", resp.StatusCode)
	}

	var verified VerifiedReceipt
	if err := json.NewDecoder(resp.Body).Decode(&verified); err != nil {
		return nil, fmt.Errorf("failed to decode verified receipt: %w", err)
	}
	if verified.TransactionID == "" || verified.CreditsGranted <= 0 {
		return nil, fmt.Errorf("payment backend returned incomplete receipt data")
	}
	return &verified, nil
}
