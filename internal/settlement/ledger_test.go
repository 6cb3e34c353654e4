package settlement

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLedgerTransferSignsRequest(t *testing.T) {
	const secret = "s3cret"
	var gotPath, gotSign, gotTs, gotIdem string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSign = r.Header.Get("X-Internal-Sign")
		gotTs = r.Header.Get("X-Internal-Ts")
		gotIdem = r.Header.Get("X-Idempotency-Key")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewLedgerClient(srv.URL, secret, time.Second)
	err := c.Transfer(context.Background(), TransferRequest{
		FromPhone:      "+1001",
		ToPhone:        "+1002",
		AmountCents:    12345,
		IdempotencyKey: "taxi:r1:escrow",
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if gotPath != "/internal/transfer" {
		t.Fatalf("path: %s", gotPath)
	}
	if gotIdem != "taxi:r1:escrow" {
		t.Fatalf("idempotency key: %s", gotIdem)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gotTs))
	mac.Write(gotBody)
	if want := hex.EncodeToString(mac.Sum(nil)); gotSign != want {
		t.Fatalf("signature mismatch: got %s want %s", gotSign, want)
	}
}

func TestLedgerTransferErrorsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient funds", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewLedgerClient(srv.URL, "k", time.Second)
	err := c.Transfer(context.Background(), TransferRequest{FromPhone: "a", ToPhone: "b", AmountCents: 1})
	if err == nil {
		t.Fatalf("expected error on 400")
	}
}

func TestLedgerPaymentRequestPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewLedgerClient(srv.URL, "k", time.Second)
	if err := c.CreatePaymentRequest(context.Background(), PaymentRequest{FromPhone: "a", ToPhone: "b", AmountCents: 1}); err != nil {
		t.Fatalf("payment request: %v", err)
	}
	if gotPath != "/internal/requests" {
		t.Fatalf("path: %s", gotPath)
	}
}
