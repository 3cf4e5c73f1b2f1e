// Package selector implements the client-side replica-set selection
// algorithm described in spec §4.7 (C7): health-checked, version-ranked,
// response-time-sorted choice of a primary + (N-1) secondaries.
//
// Bounded concurrent fan-out (spec §5 "never unbounded") uses
// golang.org/x/sync/errgroup with SetLimit, replacing the teacher pack's
// ad hoc sync.WaitGroup fan-out (ppriyankuu-godkv's dead
// internal/cluster/node.go draft, executeReadQuorum/executeWriteQuorum)
// with a library-backed, deadline-respecting primitive.
package selector

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/audius-infra/creatornode/pkg/cnerrors"
)

const defaultFanOut = 10

// Endpoint is one candidate content node, as loaded from the registry.
type Endpoint struct {
	URL string
}

// Candidate is one endpoint's observed state after health/sync checks.
type Candidate struct {
	Endpoint  string `json:"endpoint"`
	Version   string `json:"version"`
	Healthy   bool   `json:"healthy"`
	LatencyMS int64  `json:"latencyMs"`
}

// Stage is one step of the selection pipeline, recording which endpoints
// survived — this is the "decision trace" spec §6 requires for
// observability.
type Stage struct {
	Name      string   `json:"name"`
	Survivors []string `json:"survivors"`
}

// Decision is the full result of one Select call.
type Decision struct {
	Stages      []Stage     `json:"stages"`
	Primary     *Candidate  `json:"primary,omitempty"`
	Secondaries []Candidate `json:"secondaries,omitempty"`
}

// HealthChecker performs the per-candidate network calls Select needs.
// Production wiring is an *http.Client-backed implementation; tests supply
// a fake so selection logic is exercised without real sockets.
type HealthChecker interface {
	// CheckHealth returns the node's reported version and round-trip
	// latency. An error means the candidate is unhealthy.
	CheckHealth(ctx context.Context, endpoint string) (version string, latency time.Duration, err error)
	// CheckSync reports whether endpoint is acceptable per spec §4.7 step 3
	// ("first-time, or existing and not behind"). Skipped entirely when
	// syncCheck is false.
	CheckSync(ctx context.Context, endpoint string) (ok bool, err error)
}

// Options configures one Select call.
type Options struct {
	Allow           []string
	Deny            []string
	ExpectedVersion string
	N               int
	SyncCheck       bool
	PerRequestTimeout time.Duration
	FanOut          int
}

// Select runs spec §4.7 steps 1-6 against all, recording a Stage per step.
func Select(ctx context.Context, all []Endpoint, checker HealthChecker, opts Options) (Decision, error) {
	if opts.N <= 0 {
		opts.N = 3
	}
	if opts.PerRequestTimeout <= 0 {
		opts.PerRequestTimeout = 5 * time.Second
	}
	if opts.FanOut <= 0 {
		opts.FanOut = defaultFanOut
	}

	var decision Decision

	endpoints := make([]string, len(all))
	for i, e := range all {
		endpoints[i] = e.URL
	}
	decision.Stages = append(decision.Stages, Stage{Name: "getAll", Survivors: append([]string{}, endpoints...)})

	endpoints = applyAllow(endpoints, opts.Allow)
	decision.Stages = append(decision.Stages, Stage{Name: "filterAllow", Survivors: append([]string{}, endpoints...)})

	endpoints = applyDeny(endpoints, opts.Deny)
	decision.Stages = append(decision.Stages, Stage{Name: "filterDeny", Survivors: append([]string{}, endpoints...)})

	if opts.SyncCheck {
		endpoints = filterSyncCheck(ctx, endpoints, checker, opts)
	}
	decision.Stages = append(decision.Stages, Stage{Name: "filterSync", Survivors: append([]string{}, endpoints...)})

	candidates := healthCheck(ctx, endpoints, checker, opts)
	healthySurvivors := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.Healthy {
			healthySurvivors = append(healthySurvivors, c.Endpoint)
		}
	}
	decision.Stages = append(decision.Stages, Stage{Name: "filterHealth", Survivors: healthySurvivors})

	healthy := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Healthy {
			healthy = append(healthy, c)
		}
	}
	sortCandidates(healthy)

	selectSurvivors := make([]string, 0, len(healthy))
	for _, c := range healthy {
		selectSurvivors = append(selectSurvivors, c.Endpoint)
	}
	decision.Stages = append(decision.Stages, Stage{Name: "select", Survivors: selectSurvivors})

	if len(healthy) == 0 {
		return decision, &cnerrors.SelectorError{Trace: toErrorTrace(decision.Stages)}
	}

	primary := healthy[0]
	decision.Primary = &primary
	end := opts.N
	if end > len(healthy) {
		end = len(healthy)
	}
	if end > 1 {
		decision.Secondaries = append([]Candidate{}, healthy[1:end]...)
	}
	return decision, nil
}

func applyAllow(endpoints []string, allow []string) []string {
	if len(allow) == 0 {
		return endpoints
	}
	allowSet := toSet(allow)
	out := endpoints[:0:0]
	for _, e := range endpoints {
		if allowSet[e] {
			out = append(out, e)
		}
	}
	return out
}

func applyDeny(endpoints []string, deny []string) []string {
	if len(deny) == 0 {
		return endpoints
	}
	denySet := toSet(deny)
	out := endpoints[:0:0]
	for _, e := range endpoints {
		if !denySet[e] {
			out = append(out, e)
		}
	}
	return out
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, i := range items {
		m[i] = true
	}
	return m
}

func filterSyncCheck(ctx context.Context, endpoints []string, checker HealthChecker, opts Options) []string {
	type result struct {
		endpoint string
		ok       bool
	}
	results := make([]result, len(endpoints))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.FanOut)
	for i, e := range endpoints {
		i, e := i, e
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, opts.PerRequestTimeout)
			defer cancel()
			ok, err := checker.CheckSync(cctx, e)
			results[i] = result{endpoint: e, ok: err == nil && ok}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]string, 0, len(endpoints))
	for _, r := range results {
		if r.ok {
			out = append(out, r.endpoint)
		}
	}
	return out
}

func healthCheck(ctx context.Context, endpoints []string, checker HealthChecker, opts Options) []Candidate {
	candidates := make([]Candidate, len(endpoints))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.FanOut)
	for i, e := range endpoints {
		i, e := i, e
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, opts.PerRequestTimeout)
			defer cancel()
			version, latency, err := checker.CheckHealth(cctx, e)
			c := Candidate{Endpoint: e, LatencyMS: latency.Milliseconds()}
			if err == nil && versionCompatible(version, opts.ExpectedVersion) {
				c.Healthy = true
				c.Version = version
			} else if err == nil {
				c.Version = version
			}
			candidates[i] = c
			return nil
		})
	}
	_ = g.Wait()
	return candidates
}

// versionCompatible implements spec §4.7 step 4: healthy iff HTTP 200
// (the caller already filtered non-200 into err != nil) and the reported
// version shares its major and minor with expected.
func versionCompatible(version, expected string) bool {
	if expected == "" {
		return true
	}
	vMaj, vMin, _, vErr := parseSemver(version)
	eMaj, eMin, _, eErr := parseSemver(expected)
	if vErr != nil || eErr != nil {
		return false
	}
	return vMaj == eMaj && vMin == eMin
}

func parseSemver(v string) (major, minor, patch int, err error) {
	v = strings.TrimPrefix(v, "v")
	parts := strings.SplitN(v, ".", 3)
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return
	}
	patch, err = strconv.Atoi(parts[2])
	return
}

// sortCandidates implements spec §4.7 step 5: highest version first, then
// lowest latency, then endpoint string for deterministic tie-breaking
// (P7).
func sortCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		vi, vj := candidates[i], candidates[j]
		if vi.Version != vj.Version {
			return versionLess(vj.Version, vi.Version) // descending
		}
		if vi.LatencyMS != vj.LatencyMS {
			return vi.LatencyMS < vj.LatencyMS
		}
		return vi.Endpoint < vj.Endpoint
	})
}

func versionLess(a, b string) bool {
	aMaj, aMin, aPatch, aErr := parseSemver(a)
	bMaj, bMin, bPatch, bErr := parseSemver(b)
	if aErr != nil || bErr != nil {
		return a < b
	}
	if aMaj != bMaj {
		return aMaj < bMaj
	}
	if aMin != bMin {
		return aMin < bMin
	}
	return aPatch < bPatch
}

func toErrorTrace(stages []Stage) []cnerrors.StageTrace {
	out := make([]cnerrors.StageTrace, len(stages))
	for i, s := range stages {
		out[i] = cnerrors.StageTrace{Name: s.Name, Survivors: s.Survivors}
	}
	return out
}

// HTTPHealthChecker is the production HealthChecker, issuing real GETs to
// each candidate's health and sync-status routes.
type HTTPHealthChecker struct {
	Client *http.Client
}

func NewHTTPHealthChecker() *HTTPHealthChecker {
	return &HTTPHealthChecker{Client: &http.Client{}}
}

func (h *HTTPHealthChecker) CheckHealth(ctx context.Context, endpoint string) (string, time.Duration, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	latency := time.Since(start)
	if resp.StatusCode != http.StatusOK {
		return "", latency, cnerrors.Wrap(cnerrors.ErrUpstream, "health check %s returned %d", endpoint, resp.StatusCode)
	}
	var body struct {
		Version string `json:"version"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return "", latency, err
	}
	return body.Version, latency, nil
}

func (h *HTTPHealthChecker) CheckSync(ctx context.Context, endpoint string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/sync_status/self", nil)
	if err != nil {
		return false, err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound:
		// 200: existing and queryable; 404: first-time, not yet configured.
		// Both are acceptable per spec §4.7 step 3.
		return true, nil
	case http.StatusLocked:
		return false, nil
	default:
		return false, cnerrors.Wrap(cnerrors.ErrUpstream, "sync check %s returned %d", endpoint, resp.StatusCode)
	}
}

func decodeJSON(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}
