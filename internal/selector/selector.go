// Package selector picks which key a dispatch attempt should use out of a
// set of candidates the Dispatcher has already filtered for eligibility
// (provider enabled, forced_provider, model support, not yet tried this
// request). Strategies only ever see ledger.KeyRefs in the config order the
// caller supplies — never a Go map — so round_robin and sequential stay
// deterministic.
package selector

import (
	"fmt"
	"sync"

	"github.com/trainforge/conductor/internal/ledger"
)

// Strategy picks one key out of candidates, using led to read live
// capacity. candidates is never empty when Select is called; ok is false
// only if every candidate turns out unavailable under led.
type Strategy interface {
	Select(candidates []ledger.KeyRef, led *ledger.Ledger) (ledger.KeyRef, bool)
}

// New builds the Strategy named by the conductor.scheduling_strategy config
// field.
func New(name string) (Strategy, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobin{}, nil
	case "least_loaded":
		return &LeastLoaded{}, nil
	case "sequential":
		return &Sequential{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduling strategy %q", name)
	}
}

func availableOnly(candidates []ledger.KeyRef, led *ledger.Ledger) []ledger.KeyRef {
	out := make([]ledger.KeyRef, 0, len(candidates))
	for _, ref := range candidates {
		if status, ok := led.Peek(ref); ok && status.IsAvailable {
			out = append(out, ref)
		}
	}
	return out
}

// Sequential always tries candidates in the order given, i.e. config order.
type Sequential struct{}

func (s *Sequential) Select(candidates []ledger.KeyRef, led *ledger.Ledger) (ledger.KeyRef, bool) {
	avail := availableOnly(candidates, led)
	if len(avail) == 0 {
		return ledger.KeyRef{}, false
	}
	return avail[0], true
}

// RoundRobin rotates a shared cursor across successive Select calls,
// wrapping over whatever candidate set it's given each time.
type RoundRobin struct {
	mu     sync.Mutex
	cursor int
}

func (s *RoundRobin) Select(candidates []ledger.KeyRef, led *ledger.Ledger) (ledger.KeyRef, bool) {
	avail := availableOnly(candidates, led)
	if len(avail) == 0 {
		return ledger.KeyRef{}, false
	}

	s.mu.Lock()
	idx := s.cursor % len(avail)
	s.cursor++
	s.mu.Unlock()

	return avail[idx], true
}

// LeastLoaded scores each candidate by its most-constrained dimension —
// min(requests_remaining/requests_per_minute, tokens_remaining/tokens_per_minute)
// — and picks the highest score. Ties break on absolute tokens_remaining,
// then on candidate order, so results stay deterministic.
type LeastLoaded struct{}

func (s *LeastLoaded) Select(candidates []ledger.KeyRef, led *ledger.Ledger) (ledger.KeyRef, bool) {
	var (
		best      ledger.KeyRef
		bestScore float64
		bestToks  int
		found     bool
	)

	for _, ref := range candidates {
		status, ok := led.Peek(ref)
		if !ok || !status.IsAvailable {
			continue
		}

		reqFrac := fraction(status.RequestsRemaining, status.RequestsPerMinute)
		tokFrac := fraction(status.TokensRemaining, status.TokensPerMinute)
		score := reqFrac
		if tokFrac < score {
			score = tokFrac
		}

		switch {
		case !found:
			best, bestScore, bestToks, found = ref, score, status.TokensRemaining, true
		case score > bestScore:
			best, bestScore, bestToks = ref, score, status.TokensRemaining
		case score == bestScore && status.TokensRemaining > bestToks:
			best, bestToks = ref, status.TokensRemaining
		}
	}

	return best, found
}

func fraction(remaining, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(remaining) / float64(total)
}
