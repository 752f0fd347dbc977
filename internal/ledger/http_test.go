package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"voltchain/internal/config"
)

func sampleRecord() Record {
	return Record{
		AccountRef: "5b0c8a3e-5f7a-4b8e-9c1d-2a3b4c5d6e7f",
		Quantity:   decimal.RequireFromString("1.5"),
		Timestamp:  time.UnixMilli(1700000000123).UTC(),
	}
}

func TestHTTPSubmitSuccess(t *testing.T) {
	var got submitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != recordsPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing api key header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "reference": "tx-1"})
	}))
	defer srv.Close()

	client := NewHTTP(HTTPOptions{BaseURL: srv.URL + "/", APIKey: "key", Timeout: time.Second}, zerolog.Nop())
	receipt, err := client.Submit(context.Background(), sampleRecord())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.Reference != "tx-1" {
		t.Fatalf("reference = %q", receipt.Reference)
	}
	if got.Quantity != "1.5" || got.Timestamp != 1700000000123 || got.AccountRef != sampleRecord().AccountRef {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestHTTPSubmitExplicitFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "account frozen"})
	}))
	defer srv.Close()

	client := NewHTTP(HTTPOptions{BaseURL: srv.URL}, zerolog.Nop())
	_, err := client.Submit(context.Background(), sampleRecord())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestHTTPSubmitHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "upstream down"})
	}))
	defer srv.Close()

	client := NewHTTP(HTTPOptions{BaseURL: srv.URL}, zerolog.Nop())
	if _, err := client.Submit(context.Background(), sampleRecord()); err == nil {
		t.Fatal("HTTP 502 should be an error")
	}
}

func TestHTTPSubmitTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewHTTP(HTTPOptions{BaseURL: url, Timeout: time.Second}, zerolog.Nop())
	if _, err := client.Submit(context.Background(), sampleRecord()); err == nil {
		t.Fatal("closed server should produce a transport error")
	}
}

func TestHTTPSubmitMissingConfig(t *testing.T) {
	client := NewHTTP(HTTPOptions{}, zerolog.Nop())
	if _, err := client.Submit(context.Background(), sampleRecord()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestNewRequiresEnabled(t *testing.T) {
	if _, err := New(config.LedgerConfig{Driver: config.LedgerDriverHTTP}, zerolog.Nop()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	client, err := New(config.LedgerConfig{Enabled: true, Driver: config.LedgerDriverHTTP, HTTP: config.LedgerHTTPConfig{BaseURL: "http://ledger"}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("http driver: %v", err)
	}
	if _, ok := client.(*HTTP); !ok {
		t.Fatalf("expected *HTTP, got %T", client)
	}
	if _, err := New(config.LedgerConfig{Enabled: true, Driver: "carrier-pigeon"}, zerolog.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
}
