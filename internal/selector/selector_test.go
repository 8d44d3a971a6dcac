package selector

import (
	"testing"

	"github.com/trainforge/conductor/internal/ledger"
)

func threeKeyLedger(t *testing.T) (*ledger.Ledger, []ledger.KeyRef) {
	t.Helper()
	l := ledger.New([]ledger.KeyDescriptor{
		{ProviderID: "cerebras", Name: "a", RequestsPerMinute: 10, TokensPerMinute: 1000},
		{ProviderID: "cerebras", Name: "b", RequestsPerMinute: 10, TokensPerMinute: 1000},
		{ProviderID: "nvidia", Name: "c", RequestsPerMinute: 10, TokensPerMinute: 1000},
	})
	return l, l.Keys()
}

func TestNew_UnknownStrategy(t *testing.T) {
	if _, err := New("bogus"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestNew_EmptyDefaultsToRoundRobin(t *testing.T) {
	s, err := New("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(*RoundRobin); !ok {
		t.Errorf("New(\"\") = %T, want *RoundRobin", s)
	}
}

func TestSequential_AlwaysPicksFirstAvailable(t *testing.T) {
	l, refs := threeKeyLedger(t)
	s := &Sequential{}

	got, ok := s.Select(refs, l)
	if !ok || got != refs[0] {
		t.Fatalf("Select() = %v, %v, want refs[0]", got, ok)
	}

	// Even after repeated calls, sequential keeps returning the first
	// available candidate.
	got2, ok2 := s.Select(refs, l)
	if !ok2 || got2 != refs[0] {
		t.Fatalf("second Select() = %v, %v, want refs[0]", got2, ok2)
	}
}

func TestSequential_SkipsUnavailable(t *testing.T) {
	l, refs := threeKeyLedger(t)
	l.Penalize(refs[0], ledger.ReasonHTTP429, 0)
	s := &Sequential{}

	got, ok := s.Select(refs, l)
	if !ok || got != refs[1] {
		t.Fatalf("Select() = %v, %v, want refs[1]", got, ok)
	}
}

func TestRoundRobin_RotatesAcrossCalls(t *testing.T) {
	l, refs := threeKeyLedger(t)
	s := &RoundRobin{}

	seen := make(map[ledger.KeyRef]int)
	for i := 0; i < 6; i++ {
		got, ok := s.Select(refs, l)
		if !ok {
			t.Fatalf("Select() returned false at iteration %d", i)
		}
		seen[got]++
	}

	for _, ref := range refs {
		if seen[ref] != 2 {
			t.Errorf("key %v selected %d times, want 2", ref, seen[ref])
		}
	}
}

func TestSelect_NoneAvailableReturnsFalse(t *testing.T) {
	l, refs := threeKeyLedger(t)
	for _, ref := range refs {
		l.Penalize(ref, ledger.ReasonHTTP429, 0)
	}
	s := &Sequential{}

	if _, ok := s.Select(refs, l); ok {
		t.Error("expected Select to fail when all candidates are penalized")
	}
}

func TestLeastLoaded_PicksHighestRemainingFraction(t *testing.T) {
	l, refs := threeKeyLedger(t)

	// Drain most of refs[0]'s tokens so its fraction drops well below the
	// others.
	res, err := l.TryReserve(refs[0], 900)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.Settle(res, 900)

	s := &LeastLoaded{}
	got, ok := s.Select(refs, l)
	if !ok {
		t.Fatal("expected a selection")
	}
	if got == refs[0] {
		t.Errorf("Select() picked the most-loaded key %v", got)
	}
}

func TestLeastLoaded_TieBreaksOnAbsoluteTokens(t *testing.T) {
	l := ledger.New([]ledger.KeyDescriptor{
		{ProviderID: "cerebras", Name: "small", RequestsPerMinute: 10, TokensPerMinute: 100},
		{ProviderID: "cerebras", Name: "large", RequestsPerMinute: 10, TokensPerMinute: 1000},
	})
	refs := l.Keys()
	// Both keys start at fraction 1.0 for both dimensions; "large" has more
	// absolute tokens remaining and should win the tie.
	s := &LeastLoaded{}

	got, ok := s.Select(refs, l)
	if !ok {
		t.Fatal("expected a selection")
	}
	if got != refs[1] {
		t.Errorf("Select() = %v, want refs[1] (large, tie-break on absolute tokens)", got)
	}
}
