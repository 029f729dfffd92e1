package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-broker/internal/types"
)

func newTwelveData(t *testing.T, handler http.HandlerFunc) *TwelveDataProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := NewTwelveDataProvider("key-123", srv.Client())
	p.baseURL = srv.URL
	return p
}

func TestTwelveData_Price(t *testing.T) {
	p := newTwelveData(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/price" {
			t.Errorf("got path %q", r.URL.Path)
		}
		if r.URL.Query().Get("symbol") != "BTC/USD" || r.URL.Query().Get("apikey") != "key-123" {
			t.Errorf("got query %q", r.URL.RawQuery)
		}
		w.Write([]byte(`{"price":"64123.55"}`))
	})

	price, err := p.Price(context.Background(), "BTC/USD")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("64123.55")) {
		t.Errorf("got %s", price)
	}
}

func TestTwelveData_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"http error", http.StatusInternalServerError, `{}`, ErrQuoteUnavailable},
		{"api error", http.StatusOK, `{"code":400,"message":"symbol not found","status":"error"}`, ErrQuoteUnavailable},
		{"missing price", http.StatusOK, `{}`, ErrInvalidQuote},
		{"bad price", http.StatusOK, `{"price":"abc"}`, ErrInvalidQuote},
		{"bad json", http.StatusOK, `not json`, ErrInvalidQuote},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTwelveData(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			if _, err := p.Price(context.Background(), "X"); !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTwelveData_MissingKey(t *testing.T) {
	p := NewTwelveDataProvider("", nil)
	_, err := p.Price(context.Background(), "BTC/USD")
	if !errors.Is(err, ErrProviderNotConfigured) {
		t.Fatalf("got %v, want ErrProviderNotConfigured", err)
	}
	if types.KindOf(err) != types.KindUnavailable {
		t.Errorf("got kind %v, want unavailable", types.KindOf(err))
	}
}

func TestSimulatedProvider(t *testing.T) {
	p := NewSimulatedProvider(7)
	p.MinLatency, p.MaxLatency = 0, 1
	p.SuccessRate = 1

	first, err := p.Price(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := p.Price(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// one step moves at most 2%
	limit := first.Mul(decimal.RequireFromString("0.021"))
	if second.Sub(first).Abs().GreaterThan(limit) {
		t.Errorf("step from %s to %s exceeds 2%%", first, second)
	}

	p.SuccessRate = 0
	if _, err := p.Price(context.Background(), "AAPL"); !errors.Is(err, ErrQuoteUnavailable) {
		t.Errorf("got %v, want ErrQuoteUnavailable", err)
	}
}

func TestSimulatedProvider_HonoursContext(t *testing.T) {
	p := NewSimulatedProvider(1)
	p.MinLatency, p.MaxLatency = 1000, 1000

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Price(ctx, "AAPL"); !errors.Is(err, ErrQuoteUnavailable) {
		t.Errorf("got %v, want ErrQuoteUnavailable", err)
	}
}
