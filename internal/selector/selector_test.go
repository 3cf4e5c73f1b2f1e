package selector_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/audius-infra/creatornode/internal/selector"
	"github.com/audius-infra/creatornode/pkg/cnerrors"
)

type fakeChecker struct {
	versions map[string]string
	latency  map[string]time.Duration
	unhealthy map[string]bool
	syncBad  map[string]bool
}

func (f *fakeChecker) CheckHealth(ctx context.Context, endpoint string) (string, time.Duration, error) {
	if f.unhealthy[endpoint] {
		return "", 0, errors.New("unreachable")
	}
	return f.versions[endpoint], f.latency[endpoint], nil
}

func (f *fakeChecker) CheckSync(ctx context.Context, endpoint string) (bool, error) {
	return !f.syncBad[endpoint], nil
}

func endpoints(urls ...string) []selector.Endpoint {
	out := make([]selector.Endpoint, len(urls))
	for i, u := range urls {
		out[i] = selector.Endpoint{URL: u}
	}
	return out
}

func TestSelect_PicksNewestMatchingMinorVersion(t *testing.T) {
	checker := &fakeChecker{
		versions: map[string]string{
			"a": "1.2.0",
			"b": "1.3.0",
			"c": "2.0.0",
		},
		latency: map[string]time.Duration{"a": 10 * time.Millisecond, "b": 5 * time.Millisecond, "c": 1 * time.Millisecond},
	}
	decision, err := selector.Select(context.Background(), endpoints("a", "b", "c"), checker, selector.Options{
		ExpectedVersion: "1.3.1",
		N:               3,
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if decision.Primary == nil || decision.Primary.Endpoint != "b" {
		t.Fatalf("want primary b (matching minor, lowest latency), got %+v", decision.Primary)
	}
}

func TestSelect_DenyListExcludesCandidate(t *testing.T) {
	checker := &fakeChecker{versions: map[string]string{"a": "1.0.0", "b": "1.0.0"}}
	decision, err := selector.Select(context.Background(), endpoints("a", "b"), checker, selector.Options{
		Deny: []string{"a"},
		N:    3,
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if decision.Primary == nil || decision.Primary.Endpoint != "b" {
		t.Fatalf("want primary b, got %+v", decision.Primary)
	}
}

func TestSelect_AllowListRestrictsCandidates(t *testing.T) {
	checker := &fakeChecker{versions: map[string]string{"a": "1.0.0", "b": "1.0.0", "c": "1.0.0"}}
	decision, err := selector.Select(context.Background(), endpoints("a", "b", "c"), checker, selector.Options{
		Allow: []string{"b"},
		N:     3,
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if decision.Primary == nil || decision.Primary.Endpoint != "b" {
		t.Fatalf("want primary b, got %+v", decision.Primary)
	}
	if len(decision.Secondaries) != 0 {
		t.Fatalf("want no secondaries, got %d", len(decision.Secondaries))
	}
}

func TestSelect_UnhealthyCandidateExcluded(t *testing.T) {
	checker := &fakeChecker{
		versions:  map[string]string{"a": "1.0.0", "b": "1.0.0"},
		unhealthy: map[string]bool{"a": true},
	}
	decision, err := selector.Select(context.Background(), endpoints("a", "b"), checker, selector.Options{N: 3})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if decision.Primary == nil || decision.Primary.Endpoint != "b" {
		t.Fatalf("want primary b, got %+v", decision.Primary)
	}
}

func TestSelect_NoSurvivorsReturnsSelectorError(t *testing.T) {
	checker := &fakeChecker{unhealthy: map[string]bool{"a": true, "b": true}}
	_, err := selector.Select(context.Background(), endpoints("a", "b"), checker, selector.Options{N: 3})
	if err == nil {
		t.Fatal("want error when no candidates survive")
	}
	if !errors.Is(err, cnerrors.ErrNoPrimaryAvailable) {
		t.Fatalf("want ErrNoPrimaryAvailable, got %v", err)
	}
	var selErr *cnerrors.SelectorError
	if !errors.As(err, &selErr) {
		t.Fatalf("want *cnerrors.SelectorError, got %T", err)
	}
	if len(selErr.Trace) == 0 {
		t.Fatal("want a non-empty decision trace")
	}
}

func TestSelect_SyncCheckFiltersFailingCandidates(t *testing.T) {
	checker := &fakeChecker{
		versions: map[string]string{"a": "1.0.0", "b": "1.0.0"},
		syncBad:  map[string]bool{"a": true},
	}
	decision, err := selector.Select(context.Background(), endpoints("a", "b"), checker, selector.Options{
		SyncCheck: true,
		N:         3,
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if decision.Primary == nil || decision.Primary.Endpoint != "b" {
		t.Fatalf("want primary b, got %+v", decision.Primary)
	}
}

func TestSelect_DeterministicTieBreakByEndpoint(t *testing.T) {
	checker := &fakeChecker{
		versions: map[string]string{"z": "1.0.0", "a": "1.0.0"},
		latency:  map[string]time.Duration{"z": time.Millisecond, "a": time.Millisecond},
	}
	decision, err := selector.Select(context.Background(), endpoints("z", "a"), checker, selector.Options{N: 3})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if decision.Primary == nil || decision.Primary.Endpoint != "a" {
		t.Fatalf("want deterministic primary a on tie, got %+v", decision.Primary)
	}
}

func TestSelect_SecondariesCappedAtN(t *testing.T) {
	checker := &fakeChecker{versions: map[string]string{"a": "1.0.0", "b": "1.0.0", "c": "1.0.0", "d": "1.0.0"}}
	decision, err := selector.Select(context.Background(), endpoints("a", "b", "c", "d"), checker, selector.Options{N: 2})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(decision.Secondaries) != 1 {
		t.Fatalf("want 1 secondary (N=2 total), got %d", len(decision.Secondaries))
	}
}
