/*
Package gateway adapts the billing capabilities to HTTP services.

  Notifier:      POSTs a reminder as JSON to a webhook
  PaymentClient: POSTs a charge as JSON to the payment service, carrying
                 the charge idempotency key in the Idempotency-Key header

STATUS CLASSIFICATION:
  2xx                              succeeded
  408, 429, 5xx, network errors    transient (retried with backoff)
  other 4xx (402, 403, 404, 410,
  422, ...)                        permanent (escalated)
*/
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/remittance-engine/billing"
)

// Classify maps an HTTP status code onto an attempt outcome.
func Classify(status int) billing.AttemptOutcome {
	switch {
	case status >= 200 && status < 300:
		return billing.OutcomeSucceeded
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return billing.OutcomeTransientFailure
	case status >= 400 && status < 500:
		return billing.OutcomePermanentFailure
	default:
		return billing.OutcomeTransientFailure
	}
}

// errorBody is the optional error payload either service may return.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func reasonFrom(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && (body.Code != "" || body.Message != "") {
		return strings.TrimSpace(body.Code + " " + body.Message)
	}
	if len(raw) > 0 {
		return fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return fmt.Sprintf("http %d", resp.StatusCode)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, header http.Header) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return client.Do(req)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// =============================================================================
// NOTIFIER
// =============================================================================

type reminderPayload struct {
	AccountID    string `json:"accountId"`
	Kind         string `json:"kind"`
	ObligationID string `json:"obligationId"`
	Period       string `json:"period"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	DueDate      string `json:"dueDate"`
}

// Notifier delivers reminders to a webhook.
type Notifier struct {
	url    string
	client *http.Client
}

var _ billing.Notifier = (*Notifier)(nil)

func NewNotifier(url string, timeout time.Duration) *Notifier {
	return &Notifier{url: url, client: newHTTPClient(timeout)}
}

func (n *Notifier) Send(ctx context.Context, accountID billing.AccountID, kind billing.ReminderKind, msg billing.ReminderContext) error {
	resp, err := postJSON(ctx, n.client, n.url, reminderPayload{
		AccountID:    string(accountID),
		Kind:         string(kind),
		ObligationID: string(msg.ObligationID),
		Period:       msg.Period.String(),
		Amount:       wireAmount(msg.Amount),
		Currency:     msg.Currency,
		DueDate:      msg.DueDate.UTC().Format(time.RFC3339),
	}, nil)
	if err != nil {
		return billing.Transient("notification", err)
	}
	defer resp.Body.Close()

	switch Classify(resp.StatusCode) {
	case billing.OutcomeSucceeded:
		return nil
	case billing.OutcomePermanentFailure:
		return billing.Permanent("notification", reasonFrom(resp))
	default:
		return billing.Transient("notification", fmt.Errorf("%s", reasonFrom(resp)))
	}
}

// =============================================================================
// PAYMENT CLIENT
// =============================================================================

type chargePayload struct {
	ObligationID string `json:"obligationId"`
	AccountID    string `json:"accountId"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
}

// PaymentClient charges obligations through an HTTP payment service.
type PaymentClient struct {
	url    string
	client *http.Client
}

var _ billing.PaymentGateway = (*PaymentClient)(nil)

func NewPaymentClient(url string, timeout time.Duration) *PaymentClient {
	return &PaymentClient{url: url, client: newHTTPClient(timeout)}
}

// Charge returns an outcome for every HTTP response. A transport failure is
// returned as a transient error.
func (p *PaymentClient) Charge(ctx context.Context, req billing.ChargeRequest) (billing.ChargeResult, error) {
	header := http.Header{}
	header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := postJSON(ctx, p.client, p.url, chargePayload{
		ObligationID: string(req.ObligationID),
		AccountID:    string(req.AccountID),
		Amount:       wireAmount(req.Amount),
		Currency:     req.Currency,
	}, header)
	if err != nil {
		return billing.ChargeResult{}, billing.Transient("payment", err)
	}
	defer resp.Body.Close()

	outcome := Classify(resp.StatusCode)
	if outcome == billing.OutcomeSucceeded {
		io.Copy(io.Discard, resp.Body)
		return billing.ChargeResult{Outcome: outcome}, nil
	}
	return billing.ChargeResult{Outcome: outcome, Reason: reasonFrom(resp)}, nil
}

// wireAmount pads to two decimals but never rounds, so the amount sent is
// always the amount stored on the obligation.
func wireAmount(d decimal.Decimal) string {
	if d.Exponent() >= -2 {
		return d.StringFixed(2)
	}
	return d.String()
}
