// Package dispatcher fulfills one ChatRequest end-to-end: resolve the
// model, select a key, reserve capacity, call upstream, interpret the
// result, and rotate to another key on a recoverable failure. It is the
// component every other package in this module ultimately serves.
package dispatcher

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/trainforge/conductor/internal/circuitbreaker"
	"github.com/trainforge/conductor/internal/domain"
	"github.com/trainforge/conductor/internal/ledger"
	"github.com/trainforge/conductor/internal/metrics"
	"github.com/trainforge/conductor/internal/provider"
	"github.com/trainforge/conductor/internal/registry"
	"github.com/trainforge/conductor/internal/selector"
	"github.com/trainforge/conductor/internal/telemetry"
)

// Config bundles the conductor-block settings that shape retry/timeout
// behavior.
type Config struct {
	RequestTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

// DefaultConfig mirrors the conductor block's defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 120 * time.Second,
		MaxRetries:     3,
		RetryDelay:     time.Second,
	}
}

// Dispatcher ties the Registry, Ledger, Catalog, Selector strategy, and
// outbound Client together.
type Dispatcher struct {
	catalog  *provider.Catalog
	ledger   *ledger.Ledger
	registry *registry.Registry
	client   *provider.Client
	strategy selector.Strategy
	breakers *circuitbreaker.Manager
	cfg      Config
}

// New builds a Dispatcher. breakers may be nil, in which case every
// provider is always allowed.
func New(catalog *provider.Catalog, led *ledger.Ledger, reg *registry.Registry, client *provider.Client, strategy selector.Strategy, breakers *circuitbreaker.Manager, cfg Config) *Dispatcher {
	return &Dispatcher{catalog: catalog, ledger: led, registry: reg, client: client, strategy: strategy, breakers: breakers, cfg: cfg}
}

// candidate pairs a key with the native model name resolved for its
// provider, computed once per request (RESOLVE).
type candidate struct {
	ref         ledger.KeyRef
	providerID  string
	nativeModel string
}

// Handle runs one request through RESOLVE, SELECT, RESERVE, TRANSLATE,
// CALL, INTERPRET, and ROTATE.
func (d *Dispatcher) Handle(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	candidates := d.resolveCandidates(req)
	if len(candidates) == 0 {
		return nil, domain.ErrNoProviders
	}

	estimatedTokens := estimateTokens(req)
	deadline := time.Now().Add(d.cfg.RequestTimeout)

	tried := make(map[ledger.KeyRef]bool, len(candidates))
	var lastErr error

	for attempt := 0; attempt < d.cfg.MaxRetries; attempt++ {
		avail := excludeTried(candidates, tried)
		if len(avail) == 0 {
			// Every candidate has been tried at least once; refills may
			// have restored capacity since, so wrap around and let ROTATE
			// re-enter SELECT against the full candidate set.
			tried = make(map[ledger.KeyRef]bool, len(candidates))
			avail = candidates
		}

		refs := make([]ledger.KeyRef, len(avail))
		byRef := make(map[ledger.KeyRef]candidate, len(avail))
		for i, c := range avail {
			refs[i] = c.ref
			byRef[c.ref] = c
		}

		ref, res, err := d.reserve(ctx, refs, estimatedTokens, deadline)
		if err != nil {
			if err == domain.ErrCapacityTimeout {
				metrics.RecordCapacityTimeout(req.Model)
			}
			return nil, err
		}
		c := byRef[ref]
		tried[ref] = true
		keyDesc, _ := d.ledger.Descriptor(ref)
		metrics.RecordReservation(c.providerID, keyDesc.Name, "granted")

		if attempt > 0 {
			select {
			case <-time.After(d.cfg.RetryDelay):
			case <-ctx.Done():
				d.ledger.Settle(res, estimatedTokens)
				return nil, ctx.Err()
			}
		}

		desc, _ := d.catalog.Descriptor(c.providerID)

		attemptCtx, span := telemetry.StartSpan(ctx, "dispatcher.attempt")
		telemetry.AddDispatchAttributes(span, c.providerID, keyDesc.Name, req.Model, telemetry.RequestIDFromContext(ctx))

		attemptStart := time.Now()
		callCtx, cancel := context.WithDeadline(attemptCtx, deadline)
		resp, retryAfter, err := d.client.ChatCompletion(callCtx, desc.BaseURL, keyDesc.APIKey, c.nativeModel, req)
		cancel()
		elapsed := time.Since(attemptStart).Seconds()

		if err == nil {
			actual := resp.Usage.TotalTokens
			if actual == 0 {
				actual = estimatedTokens
			}
			d.ledger.Settle(res, actual)
			resp.Provider = c.providerID
			resp.ProviderKeyName = keyDesc.Name
			d.recordBreaker(c.providerID, true)

			telemetry.AddTokenAttributes(span, estimatedTokens, actual)
			span.End()
			metrics.RecordRequest(c.providerID, req.Model, "success", elapsed)
			return resp, nil
		}

		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			// The client went away, not the key or the provider: settle the
			// reservation and stop, without cooling the key down or
			// recording a breaker failure.
			d.ledger.Settle(res, estimatedTokens)
			span.End()
			metrics.RecordRequest(c.providerID, req.Model, "canceled", elapsed)
			return nil, ctx.Err()
		}

		var upstreamErr *domain.UpstreamError
		if !errors.As(err, &upstreamErr) {
			// network error from the call itself.
			d.ledger.Penalize(ref, ledger.ReasonNetworkError, 0)
			d.ledger.Settle(res, estimatedTokens)
			d.recordBreaker(c.providerID, false)
			lastErr = err

			telemetry.AddErrorAttribute(span, err)
			telemetry.AddRotationAttribute(span, string(ledger.ReasonNetworkError))
			span.End()
			metrics.RecordRequest(c.providerID, req.Model, "network_error", elapsed)
			metrics.RecordPenalty(c.providerID, keyDesc.Name, string(ledger.ReasonNetworkError))
			metrics.RecordRotation(c.providerID, string(ledger.ReasonNetworkError))
			continue
		}

		telemetry.AddErrorAttribute(span, upstreamErr)

		switch {
		case upstreamErr.StatusCode == 429:
			d.ledger.Penalize(ref, ledger.ReasonHTTP429, retryAfter)
			d.ledger.Settle(res, estimatedTokens)
			lastErr = upstreamErr

			telemetry.AddRotationAttribute(span, string(ledger.ReasonHTTP429))
			span.End()
			metrics.RecordRequest(c.providerID, req.Model, "http_429", elapsed)
			metrics.RecordPenalty(c.providerID, keyDesc.Name, string(ledger.ReasonHTTP429))
			metrics.RecordRotation(c.providerID, string(ledger.ReasonHTTP429))
			continue
		case upstreamErr.StatusCode >= 500:
			d.ledger.Penalize(ref, ledger.ReasonHTTP5xx, 0)
			d.ledger.Settle(res, estimatedTokens)
			d.recordBreaker(c.providerID, false)
			lastErr = upstreamErr

			telemetry.AddRotationAttribute(span, string(ledger.ReasonHTTP5xx))
			span.End()
			metrics.RecordRequest(c.providerID, req.Model, "http_5xx", elapsed)
			metrics.RecordPenalty(c.providerID, keyDesc.Name, string(ledger.ReasonHTTP5xx))
			metrics.RecordRotation(c.providerID, string(ledger.ReasonHTTP5xx))
			continue
		case !upstreamErr.ClientFault:
			// Malformed/empty 2xx body or another non-client-fault upstream
			// oddity: treat it like a network error and try another key.
			d.ledger.Penalize(ref, ledger.ReasonNetworkError, 0)
			d.ledger.Settle(res, estimatedTokens)
			d.recordBreaker(c.providerID, false)
			lastErr = upstreamErr

			telemetry.AddRotationAttribute(span, string(ledger.ReasonNetworkError))
			span.End()
			metrics.RecordRequest(c.providerID, req.Model, "malformed_response", elapsed)
			metrics.RecordPenalty(c.providerID, keyDesc.Name, string(ledger.ReasonNetworkError))
			metrics.RecordRotation(c.providerID, string(ledger.ReasonNetworkError))
			continue
		default:
			// Client-fault 4xx other than 429: it will repeat on any key,
			// surface it immediately without rotating.
			d.ledger.Settle(res, estimatedTokens)
			span.End()
			metrics.RecordRequest(c.providerID, req.Model, "client_fault", elapsed)
			return nil, upstreamErr
		}
	}

	if lastErr == nil {
		lastErr = domain.ErrInsufficientCapacity
	}
	return nil, lastErr
}

// reserve iterates candidates via the configured strategy until one yields
// a Reservation, waiting on the Ledger for up to deadline when every
// candidate is momentarily unavailable.
func (d *Dispatcher) reserve(ctx context.Context, candidates []ledger.KeyRef, estimatedTokens int, deadline time.Time) (ledger.KeyRef, *ledger.Reservation, error) {
	for {
		remaining := append([]ledger.KeyRef(nil), candidates...)
		for len(remaining) > 0 {
			ref, ok := d.strategy.Select(remaining, d.ledger)
			if !ok {
				break
			}
			res, err := d.ledger.TryReserve(ref, estimatedTokens)
			if err == nil {
				return ref, res, nil
			}
			remaining = removeRef(remaining, ref)
		}

		if !time.Now().Before(deadline) {
			return ledger.KeyRef{}, nil, domain.ErrCapacityTimeout
		}

		waitCtx, cancel := context.WithDeadline(ctx, deadline)
		err := d.ledger.Wait(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ledger.KeyRef{}, nil, ctx.Err()
			}
			return ledger.KeyRef{}, nil, domain.ErrCapacityTimeout
		}
	}
}

// resolveCandidates applies the pre-filters — disabled providers,
// forced_provider, an open circuit breaker, model support — and resolves
// each surviving key's native model name once.
func (d *Dispatcher) resolveCandidates(req domain.ChatRequest) []candidate {
	nativeByProvider := make(map[string]string)
	var out []candidate

	for _, ref := range d.catalog.AllKeys() {
		desc, ok := d.ledger.Descriptor(ref)
		if !ok {
			continue
		}
		providerID := desc.ProviderID

		if req.ForcedProvider != "" && !strings.EqualFold(req.ForcedProvider, providerID) {
			continue
		}
		if d.breakers != nil && d.breakers.Get(providerID).Allow(context.Background()) != nil {
			continue
		}

		native, ok := nativeByProvider[providerID]
		if !ok {
			resolved, err := d.registry.Resolve(req.Model, providerID)
			if err != nil {
				nativeByProvider[providerID] = ""
				continue
			}
			native = resolved
			nativeByProvider[providerID] = native
		}
		if native == "" {
			continue
		}

		out = append(out, candidate{ref: ref, providerID: providerID, nativeModel: native})
	}
	return out
}

// recordBreaker feeds a dispatch attempt's outcome into the provider's
// circuit breaker. A no-op when the dispatcher was built without one.
func (d *Dispatcher) recordBreaker(providerID string, ok bool) {
	if d.breakers == nil {
		return
	}
	cb := d.breakers.Get(providerID)
	if ok {
		cb.RecordSuccess(context.Background())
	} else {
		cb.RecordFailure(context.Background())
	}
}

func excludeTried(candidates []candidate, tried map[ledger.KeyRef]bool) []candidate {
	out := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if !tried[c.ref] {
			out = append(out, c)
		}
	}
	return out
}

func removeRef(refs []ledger.KeyRef, target ledger.KeyRef) []ledger.KeyRef {
	out := make([]ledger.KeyRef, 0, len(refs))
	for _, r := range refs {
		if r != target {
			out = append(out, r)
		}
	}
	return out
}

// estimateTokens is the coarse pre-call estimate settle later corrects
// against the provider's reported usage.
func estimateTokens(req domain.ChatRequest) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	est := (chars + 3) / 4
	if req.MaxTokens != nil {
		est += *req.MaxTokens
	}
	return est
}
