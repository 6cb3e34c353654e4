package settlement

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
)

// Ledger is the internal wallet ledger API used for escrow and fee moves.
type Ledger interface {
	Transfer(ctx context.Context, req TransferRequest) error
	CreatePaymentRequest(ctx context.Context, req PaymentRequest) error
}

// TransferRequest moves money between two ledger wallets identified by phone.
type TransferRequest struct {
	FromPhone      string `json:"from_phone"`
	ToPhone        string `json:"to_phone"`
	AmountCents    int64  `json:"amount_cents"`
	Note           string `json:"note,omitempty"`
	IdempotencyKey string `json:"-"`
}

// PaymentRequest asks the ledger to collect money from a wallet owner out of
// band; used when automatic transfers have been failing.
type PaymentRequest struct {
	FromPhone      string `json:"from_phone"`
	ToPhone        string `json:"to_phone"`
	AmountCents    int64  `json:"amount_cents"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"-"`
}

// LedgerClient talks to the ledger over signed internal HTTP. Every request
// carries a unix timestamp and an HMAC-SHA256 signature over timestamp plus
// compact JSON body.
type LedgerClient struct {
	baseURL string
	secret  []byte
	client  *http.Client
}

func NewLedgerClient(baseURL, secret string, timeout time.Duration) *LedgerClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &LedgerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *LedgerClient) Transfer(ctx context.Context, req TransferRequest) error {
	return c.post(ctx, "/internal/transfer", req, req.IdempotencyKey)
}

func (c *LedgerClient) CreatePaymentRequest(ctx context.Context, req PaymentRequest) error {
	return c.post(ctx, "/internal/requests", req, req.IdempotencyKey)
}

func (c *LedgerClient) post(ctx context.Context, path string, payload any, idemKey string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode ledger payload: %w", err)
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Ts", ts)
	req.Header.Set("X-Internal-Sign", c.sign(ts, body))
	if idemKey != "" {
		req.Header.Set("X-Idempotency-Key", idemKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ledger %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func (c *LedgerClient) sign(ts string, body []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(ts))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
