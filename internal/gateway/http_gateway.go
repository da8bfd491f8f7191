package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cinema-orders/internal/models"
	"cinema-orders/internal/util"

	"go.uber.org/zap"
)

// signatureTolerance bounds how old a signed callback timestamp may be.
const signatureTolerance = 5 * time.Minute

// HTTPGateway talks to a payment provider over its REST API. Callbacks are
// authenticated with an HMAC-SHA256 signature over "timestamp.body",
// carried in a "t=<unix>,v1=<hex>" header.
type HTTPGateway struct {
	baseURL       string
	secretKey     string
	webhookSecret string
	currency      string
	client        *http.Client
	logger        *zap.Logger
	now           func() time.Time
}

// NewHTTPGateway creates a gateway client for the configured provider.
func NewHTTPGateway(baseURL, secretKey, webhookSecret, currency string) *HTTPGateway {
	return &HTTPGateway{
		baseURL:       strings.TrimRight(baseURL, "/"),
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		currency:      currency,
		client:        &http.Client{Timeout: 10 * time.Second},
		logger:        util.GetLogger(),
		now:           time.Now,
	}
}

type intentRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}

type intentResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	RedirectURL  string `json:"redirect_url"`
}

// InitiatePayment creates a payment intent for the order's total. Network
// failures map to ErrUnavailable and provider refusals to ErrRejected;
// both leave the order retryable.
func (g *HTTPGateway) InitiatePayment(ctx context.Context, order *models.Order) (*PaymentIntent, error) {
	body, err := json.Marshal(intentRequest{
		Amount:   order.TotalAmount,
		Currency: g.currency,
		Metadata: map[string]string{
			"order_id": strconv.FormatInt(order.ID, 10),
			"user_id":  strconv.FormatInt(order.UserID, 10),
		},
	})
	if err != nil {
		return nil, err
	}

	resp, err := g.post(ctx, "/v1/payment_intents", body)
	if err != nil {
		return nil, err
	}

	var intent intentResponse
	if err := json.Unmarshal(resp, &intent); err != nil {
		return nil, fmt.Errorf("%w: malformed intent response: %v", ErrRejected, err)
	}
	if intent.ID == "" {
		return nil, fmt.Errorf("%w: missing intent id", ErrRejected)
	}

	return &PaymentIntent{
		GatewayReference: intent.ID,
		ClientSecret:     intent.ClientSecret,
		RedirectURL:      intent.RedirectURL,
	}, nil
}

type refundRequest struct {
	PaymentIntent string `json:"payment_intent"`
	Amount        int64  `json:"amount"`
}

// Refund asks the provider to refund a settled attempt in full.
func (g *HTTPGateway) Refund(ctx context.Context, order *models.Order, attempt *models.PaymentAttempt) error {
	body, err := json.Marshal(refundRequest{
		PaymentIntent: attempt.GatewayReference,
		Amount:        order.TotalAmount,
	})
	if err != nil {
		return err
	}

	_, err = g.post(ctx, "/v1/refunds", body)
	return err
}

type callbackEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID     string `json:"id"`
			Amount int64  `json:"amount"`
		} `json:"object"`
	} `json:"data"`
}

// VerifyCallback authenticates a raw callback body against its signature
// header and normalizes the event. It must be called before any state is
// touched; unverifiable payloads return ErrSignature.
func (g *HTTPGateway) VerifyCallback(rawBody []byte, signatureHeader string) (*ParsedEvent, error) {
	ts, mac, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return nil, err
	}

	sent := time.Unix(ts, 0)
	if g.now().Sub(sent) > signatureTolerance || sent.Sub(g.now()) > signatureTolerance {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrSignature)
	}

	expected := computeSignature(g.webhookSecret, ts, rawBody)
	if !hmac.Equal([]byte(mac), []byte(expected)) {
		return nil, ErrSignature
	}

	var event callbackEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, fmt.Errorf("%w: malformed payload", ErrSignature)
	}

	var outcome Outcome
	switch event.Type {
	case "payment_intent.succeeded":
		outcome = OutcomeSuccess
	case "payment_intent.payment_failed":
		outcome = OutcomeFailure
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandledEvent, event.Type)
	}

	if event.ID == "" || event.Data.Object.ID == "" {
		return nil, fmt.Errorf("%w: missing event identifiers", ErrSignature)
	}

	return &ParsedEvent{
		EventID:          event.ID,
		GatewayReference: event.Data.Object.ID,
		Outcome:          outcome,
		AmountCents:      event.Data.Object.Amount,
		Raw:              rawBody,
	}, nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.secretKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 500 {
		g.logger.Warn("Gateway server error",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(string(respBody)))
	}

	return respBody, nil
}

// parseSignatureHeader splits "t=<unix>,v1=<hex mac>".
func parseSignatureHeader(header string) (int64, string, error) {
	var (
		ts  int64
		mac string
	)
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			parsed, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("%w: bad timestamp", ErrSignature)
			}
			ts = parsed
		case "v1":
			mac = kv[1]
		}
	}
	if ts == 0 || mac == "" {
		return 0, "", fmt.Errorf("%w: missing signature fields", ErrSignature)
	}
	return ts, mac, nil
}

func computeSignature(secret string, ts int64, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(h, "%d.", ts)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// SignPayload builds a valid signature header for a body. Exported for
// tests and the local development fake gateway.
func SignPayload(secret string, ts time.Time, body []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), computeSignature(secret, ts.Unix(), body))
}
