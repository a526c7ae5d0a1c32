package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"wolfinch/internal/config"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(config.Credentials{APIKey: "key-abc", APISecret: "secret-xyz"})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s
}

func TestRestClientRetriesServerErrors(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"serverTime":1718000000000}`))
	}))
	defer srv.Close()

	c := NewRestClient("binance", srv.URL, nil, nil, testStreamLogger())
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.Get(context.Background(), "/api/v3/time", nil, &out); err != nil {
		t.Fatalf("Get after retries: %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("server hits = %d, want 3", got)
	}
	if out.ServerTime != 1718000000000 {
		t.Errorf("serverTime = %d, want 1718000000000", out.ServerTime)
	}
}

func TestRestClientDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad symbol", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewRestClient("binance", srv.URL, nil, nil, testStreamLogger())
	err := c.Get(context.Background(), "/api/v3/klines", url.Values{"symbol": {"NOPE"}}, nil)
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if !strings.Contains(err.Error(), "status 400") {
		t.Errorf("error = %v, want status 400 in message", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1 (4xx must not retry)", got)
	}
}

func TestRestClientMapsAuthFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-2014,"msg":"API-key format invalid"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewRestClient("binance", srv.URL, nil, nil, testStreamLogger())
	err := c.Get(context.Background(), "/api/v3/account", nil, nil)
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("error = %v, want ErrAuthFailure", err)
	}
}

func TestSignedRequestShape(t *testing.T) {
	t.Parallel()
	var (
		gotQuery  atomic.Value
		gotAPIKey atomic.Value
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.RawQuery)
		gotAPIKey.Store(r.Header.Get("X-MBX-APIKEY"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	signer := newTestSigner(t)
	c := NewRestClient("binance", srv.URL, signer, nil, testStreamLogger())
	err := c.Signed(context.Background(), http.MethodGet, "/api/v3/account",
		url.Values{"symbol": {"BTCUSDT"}}, nil)
	if err != nil {
		t.Fatalf("Signed: %v", err)
	}

	raw, _ := gotQuery.Load().(string)
	if key, _ := gotAPIKey.Load().(string); key != "key-abc" {
		t.Errorf("X-MBX-APIKEY = %q, want %q", key, "key-abc")
	}

	// The signature covers every byte of the query that precedes it.
	idx := strings.Index(raw, "&signature=")
	if idx < 0 {
		t.Fatalf("query %q has no signature", raw)
	}
	payload, sig := raw[:idx], raw[idx+len("&signature="):]
	if want := signer.Sign(payload); sig != want {
		t.Errorf("signature = %q, want %q", sig, want)
	}

	params, err := url.ParseQuery(payload)
	if err != nil {
		t.Fatalf("parse query: %v", err)
	}
	if got := params.Get("symbol"); got != "BTCUSDT" {
		t.Errorf("symbol = %q, want BTCUSDT", got)
	}
	if got := params.Get("recvWindow"); got != defaultRecvWindow {
		t.Errorf("recvWindow = %q, want %q", got, defaultRecvWindow)
	}
	ts, err := strconv.ParseInt(params.Get("timestamp"), 10, 64)
	if err != nil || ts <= 0 {
		t.Errorf("timestamp = %q, want positive millis", params.Get("timestamp"))
	}
}

func TestSignedTimestampCarriesClockOffset(t *testing.T) {
	t.Parallel()
	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.RawQuery)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewRestClient("binance", srv.URL, newTestSigner(t), nil, testStreamLogger())
	c.SetTimeOffset(3600) // venue clock one hour ahead

	before := time.Now().UnixMilli()
	if err := c.Signed(context.Background(), http.MethodGet, "/api/v3/account", nil, nil); err != nil {
		t.Fatalf("Signed: %v", err)
	}

	raw, _ := gotQuery.Load().(string)
	params, err := url.ParseQuery(raw)
	if err != nil {
		t.Fatalf("parse query: %v", err)
	}
	ts, err := strconv.ParseInt(params.Get("timestamp"), 10, 64)
	if err != nil {
		t.Fatalf("timestamp parse: %v", err)
	}
	if shift := ts - before; shift < 3590_000 || shift > 3610_000 {
		t.Errorf("timestamp shift = %dms, want ~3600000ms", shift)
	}
}

func TestSignedEndpointsRequireCredentials(t *testing.T) {
	t.Parallel()
	c := NewRestClient("binance", "http://127.0.0.1:0", nil, nil, testStreamLogger())

	if err := c.Signed(context.Background(), http.MethodGet, "/api/v3/account", nil, nil); !errors.Is(err, ErrAuthFailure) {
		t.Errorf("Signed without signer = %v, want ErrAuthFailure", err)
	}
	if err := c.APIKeyOnly(context.Background(), http.MethodPost, "/api/v3/userDataStream", nil, nil); !errors.Is(err, ErrAuthFailure) {
		t.Errorf("APIKeyOnly without signer = %v, want ErrAuthFailure", err)
	}
}
