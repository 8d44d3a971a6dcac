package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trainforge/conductor/internal/circuitbreaker"
	"github.com/trainforge/conductor/internal/domain"
	"github.com/trainforge/conductor/internal/ledger"
	"github.com/trainforge/conductor/internal/provider"
	"github.com/trainforge/conductor/internal/registry"
	"github.com/trainforge/conductor/internal/selector"
)

func chatResponseHandler(t *testing.T, status int, usage domain.Usage) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":"boom"}`))
			return
		}
		resp := domain.ChatResponse{
			ID:     "chatcmpl-1",
			Object: "chat.completion",
			Model:  "llama-3.3-70b",
			Choices: []domain.Choice{
				{Index: 0, Message: domain.Message{Role: "assistant", Content: "hi"}, FinishReason: "stop"},
			},
			Usage: usage,
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func newHarness(t *testing.T, srv *httptest.Server, rpm, tpm int) (*Dispatcher, *ledger.Ledger) {
	t.Helper()
	led := ledger.New([]ledger.KeyDescriptor{
		{ProviderID: "cerebras", Name: "k1", APIKey: "sk-1", RequestsPerMinute: rpm, TokensPerMinute: tpm},
	})
	refs := led.Keys()

	cat := provider.NewCatalog(
		[]provider.Descriptor{{ID: "cerebras", BaseURL: srv.URL, Enabled: true}},
		map[string][]ledger.KeyRef{"cerebras": refs},
	)
	reg := registry.New(nil)
	client := provider.New(srv.Client())
	strat, _ := selector.New("round_robin")

	d := New(cat, led, reg, client, strat, nil, Config{
		RequestTimeout: 2 * time.Second,
		MaxRetries:     3,
		RetryDelay:     10 * time.Millisecond,
	})
	return d, led
}

func TestHandle_SuccessSettlesAndAugmentsResponse(t *testing.T) {
	srv := httptest.NewServer(chatResponseHandler(t, http.StatusOK, domain.Usage{TotalTokens: 42}))
	defer srv.Close()

	d, led := newHarness(t, srv, 10, 10000)
	refs := led.Keys()

	resp, err := d.Handle(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "cerebras" {
		t.Errorf("Provider = %q, want cerebras", resp.Provider)
	}
	if resp.ProviderKeyName != "k1" {
		t.Errorf("ProviderKeyName = %q, want k1", resp.ProviderKeyName)
	}

	status, _ := led.Peek(refs[0])
	if status.TokensRemaining != 10000-42 {
		t.Errorf("TokensRemaining = %d, want %d", status.TokensRemaining, 10000-42)
	}
}

func TestHandle_NoCandidatesReturnsNoProviders(t *testing.T) {
	led := ledger.New(nil)
	cat := provider.NewCatalog(nil, nil)
	reg := registry.New(nil)
	client := provider.New(http.DefaultClient)
	strat, _ := selector.New("round_robin")
	d := New(cat, led, reg, client, strat, nil, DefaultConfig())

	_, err := d.Handle(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})
	if err != domain.ErrNoProviders {
		t.Errorf("err = %v, want ErrNoProviders", err)
	}
}

func TestHandle_InvalidRequestReturnsValidationError(t *testing.T) {
	led := ledger.New(nil)
	cat := provider.NewCatalog(nil, nil)
	reg := registry.New(nil)
	client := provider.New(http.DefaultClient)
	strat, _ := selector.New("round_robin")
	d := New(cat, led, reg, client, strat, nil, DefaultConfig())

	_, err := d.Handle(context.Background(), domain.ChatRequest{})
	if err == nil {
		t.Fatal("expected validation error for empty messages")
	}
	if _, ok := err.(*domain.ValidationError); !ok {
		t.Errorf("err = %T, want *domain.ValidationError", err)
	}
}

func TestHandle_RotatesOnFailoverAfter429(t *testing.T) {
	var calls int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limited"}`))
			return
		}
		json.NewEncoder(w).Encode(domain.ChatResponse{
			ID: "chatcmpl-2", Object: "chat.completion",
			Choices: []domain.Choice{{Index: 0, Message: domain.Message{Role: "assistant", Content: "ok"}, FinishReason: "stop"}},
			Usage:   domain.Usage{TotalTokens: 10},
		})
	}
	srv := httptest.NewServer(http.HandlerFunc(handler))
	defer srv.Close()

	led := ledger.New([]ledger.KeyDescriptor{
		{ProviderID: "cerebras", Name: "a", APIKey: "sk-a", RequestsPerMinute: 10, TokensPerMinute: 10000},
		{ProviderID: "cerebras", Name: "b", APIKey: "sk-b", RequestsPerMinute: 10, TokensPerMinute: 10000},
	})
	refs := led.Keys()
	cat := provider.NewCatalog(
		[]provider.Descriptor{{ID: "cerebras", BaseURL: srv.URL, Enabled: true}},
		map[string][]ledger.KeyRef{"cerebras": refs},
	)
	reg := registry.New(nil)
	client := provider.New(srv.Client())
	strat, _ := selector.New("sequential")
	d := New(cat, led, reg, client, strat, nil, Config{
		RequestTimeout: 2 * time.Second,
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
	})

	resp, err := d.Handle(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("expected failover success, got error: %v", err)
	}
	if resp.ProviderKeyName != "b" {
		t.Errorf("ProviderKeyName = %q, want b (failover target)", resp.ProviderKeyName)
	}

	statusA, _ := led.Peek(refs[0])
	if statusA.IsAvailable {
		t.Error("expected key a to be in cool-down after 429")
	}
}

func TestHandle_ClientFault4xxSurfacesWithoutRotating(t *testing.T) {
	var calls int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad model"}`))
	}
	srv := httptest.NewServer(http.HandlerFunc(handler))
	defer srv.Close()

	d, _ := newHarness(t, srv, 10, 10000)

	_, err := d.Handle(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "hello"}},
	})
	if err == nil {
		t.Fatal("expected an upstream client-fault error")
	}
	var upstreamErr *domain.UpstreamError
	if e, ok := err.(*domain.UpstreamError); ok {
		upstreamErr = e
	}
	if upstreamErr == nil || upstreamErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("err = %v, want *UpstreamError{StatusCode: 400}", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no rotation on client fault)", calls)
	}
}

func TestHandle_ClientCancellationSettlesWithoutPenalizingOrTrippingBreaker(t *testing.T) {
	started := make(chan struct{})
	handler := func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}
	srv := httptest.NewServer(http.HandlerFunc(handler))
	defer srv.Close()

	led := ledger.New([]ledger.KeyDescriptor{
		{ProviderID: "cerebras", Name: "k1", APIKey: "sk-1", RequestsPerMinute: 10, TokensPerMinute: 10000},
	})
	refs := led.Keys()
	cat := provider.NewCatalog(
		[]provider.Descriptor{{ID: "cerebras", BaseURL: srv.URL, Enabled: true}},
		map[string][]ledger.KeyRef{"cerebras": refs},
	)
	reg := registry.New(nil)
	client := provider.New(srv.Client())
	strat, _ := selector.New("round_robin")

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	})

	d := New(cat, led, reg, client, strat, breakers, Config{
		RequestTimeout: 2 * time.Second,
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := d.Handle(ctx, domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "hello"}},
	})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	status, _ := led.Peek(refs[0])
	if !status.IsAvailable {
		t.Error("key should still be available after a client cancellation, not cooled down")
	}
	if breakers.Get("cerebras").Allow(context.Background()) != nil {
		t.Error("breaker should stay closed after a client cancellation")
	}
}

func TestHandle_OpenBreakerExcludesProvider(t *testing.T) {
	srv := httptest.NewServer(chatResponseHandler(t, http.StatusOK, domain.Usage{TotalTokens: 5}))
	defer srv.Close()

	led := ledger.New([]ledger.KeyDescriptor{
		{ProviderID: "cerebras", Name: "k1", APIKey: "sk-1", RequestsPerMinute: 10, TokensPerMinute: 1000},
	})
	cat := provider.NewCatalog(
		[]provider.Descriptor{{ID: "cerebras", BaseURL: srv.URL, Enabled: true}},
		map[string][]ledger.KeyRef{"cerebras": led.Keys()},
	)
	reg := registry.New(nil)
	client := provider.New(srv.Client())
	strat, _ := selector.New("round_robin")

	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	})
	breakers.Get("cerebras").RecordFailure(context.Background())

	d := New(cat, led, reg, client, strat, breakers, DefaultConfig())

	_, err := d.Handle(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "hello"}},
	})
	if err != domain.ErrNoProviders {
		t.Errorf("err = %v, want ErrNoProviders while the only provider's breaker is open", err)
	}
}
