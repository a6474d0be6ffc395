package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/statforge/matchminer/internal/crawl"
	"github.com/statforge/matchminer/internal/match"
	"github.com/statforge/matchminer/internal/progress/sinks"
	"github.com/statforge/matchminer/internal/ratelimit"
)

type stubLimits struct {
	status ratelimit.Status
	calls  []string
}

func (s *stubLimits) Status(_ context.Context, scope string, class ratelimit.Class) ratelimit.Status {
	s.calls = append(s.calls, scope+"/"+string(class))
	return s.status
}

type stubProgress struct{ status []sinks.RegionStatus }

func (s *stubProgress) Status() []sinks.RegionStatus { return s.status }

type stubState struct{ snap crawl.Snapshot }

func (s *stubState) Snapshot() crawl.Snapshot { return s.snap }

func newTestServer(limits LimitSource, progressSrc ProgressSource, states map[match.Region]StateSource) *httptest.Server {
	srv := NewServer(limits, progressSrc, states, nil)
	return httptest.NewServer(srv.Handler())
}

func get(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(&stubLimits{}, &stubProgress{}, nil)
	defer ts.Close()

	resp, body := get(t, ts.URL+"/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])

	resp, body = get(t, ts.URL+"/readyz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ready", body["status"])
}

func TestGetLimits(t *testing.T) {
	t.Parallel()

	limits := &stubLimits{status: ratelimit.Status{
		Scope:          "americas",
		Class:          ratelimit.ClassBulk,
		ShortRemaining: 12,
		LongRemaining:  80,
	}}
	ts := newTestServer(limits, &stubProgress{}, nil)
	defer ts.Close()

	resp, body := get(t, ts.URL+"/v1/limits/americas")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 12, body["short_remaining"])
	require.Equal(t, []string{"americas/bulk"}, limits.calls)
}

func TestGetLimitsClassParam(t *testing.T) {
	t.Parallel()

	limits := &stubLimits{}
	ts := newTestServer(limits, &stubProgress{}, nil)
	defer ts.Close()

	resp, _ := get(t, ts.URL+"/v1/limits/europe?class=overhead")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"europe/overhead"}, limits.calls)

	resp, _ = get(t, ts.URL+"/v1/limits/europe?class=bogus")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetLimitsBadRegion(t *testing.T) {
	t.Parallel()

	ts := newTestServer(&stubLimits{}, &stubProgress{}, nil)
	defer ts.Close()

	resp, _ := get(t, ts.URL+"/v1/limits/narnia")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetProgress(t *testing.T) {
	t.Parallel()

	progressSrc := &stubProgress{status: []sinks.RegionStatus{
		{Region: match.RegionAmericas, NewRecords: 42},
	}}
	ts := newTestServer(&stubLimits{}, progressSrc, nil)
	defer ts.Close()

	resp, body := get(t, ts.URL+"/v1/progress")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	regions, ok := body["regions"].([]any)
	require.True(t, ok)
	require.Len(t, regions, 1)
}

func TestGetRegionState(t *testing.T) {
	t.Parallel()

	states := map[match.Region]StateSource{
		match.RegionAmericas: &stubState{snap: crawl.Snapshot{
			Stack:   []match.PlayerID{"a", "b"},
			Visited: []match.PlayerID{"v"},
		}},
	}
	ts := newTestServer(&stubLimits{}, &stubProgress{}, states)
	defer ts.Close()

	resp, body := get(t, ts.URL+"/v1/regions/americas/state")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 2, body["stack_len"])
	require.EqualValues(t, 1, body["visited_len"])

	resp, _ = get(t, ts.URL+"/v1/regions/europe/state")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(&stubLimits{}, &stubProgress{}, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
