package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfeed/internal/catalog"
	"calfeed/internal/config"
	"calfeed/internal/feed"
	"calfeed/internal/metrics"
	"calfeed/internal/model"
	"calfeed/internal/pipeline"
)

type fakeFeeds struct {
	result    feed.Result
	err       error
	lastReq   model.FeedRequest
	lastDebug string
	events    atomic.Int32
}

func (f *fakeFeeds) Serve(_ context.Context, req model.FeedRequest, debug string) (feed.Result, error) {
	f.lastReq, f.lastDebug = req, debug
	if err := req.Validate(100); err != nil {
		return feed.Result{}, err
	}
	return f.result, f.err
}

func (f *fakeFeeds) Events(_ context.Context, req model.FeedRequest) (feed.Events, error) {
	f.events.Add(1)
	if f.err != nil {
		return feed.Events{}, f.err
	}
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return feed.Events{
		Target:     req.Target,
		Timezone:   time.UTC,
		RangeStart: start,
		RangeEnd:   start.Add(time.Duration(req.Hours) * time.Hour),
		Occurrences: []model.Occurrence{{
			SourceID: "work", UID: "standup", Summary: "Standup",
			Start: start.Add(time.Hour), End: start.Add(75 * time.Minute),
		}},
	}, nil
}

type staticTargets []string

func (t staticTargets) Targets() []string { return t }

func newTestServer(cfg *config.Config, f *fakeFeeds) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return NewServer(cfg, f, staticTargets{"work", "all"}, metrics.New())
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestFeedSuccess(t *testing.T) {
	f := &fakeFeeds{result: feed.Result{Body: []byte("<rss/>"), Status: feed.StatusCached}}
	h := newTestServer(nil, f).Handler()

	for _, path := range []string{"/", "/feed"} {
		rec := get(t, h, path+"?calendar=work&hours=24&debug=k")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
		assert.Equal(t, "cached", rec.Header().Get(CacheHeader))
		assert.Equal(t, "<rss/>", rec.Body.String())
		assert.Equal(t, model.FeedRequest{Target: "work", Hours: 24}, f.lastReq)
		assert.Equal(t, "k", f.lastDebug)
	}
}

func TestFeedStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		query  string
		err    error
		status int
		hidden string
	}{
		{"missing calendar", "?hours=1", nil, http.StatusBadRequest, ""},
		{"missing hours", "?calendar=work", nil, http.StatusBadRequest, ""},
		{"hours not a number", "?calendar=work&hours=abc", nil, http.StatusBadRequest, ""},
		{"hours zero", "?calendar=work&hours=0", nil, http.StatusBadRequest, ""},
		{"hours negative", "?calendar=work&hours=-1", nil, http.StatusBadRequest, ""},
		{"hours above ceiling", "?calendar=work&hours=101", nil, http.StatusBadRequest, ""},
		{"not found", "?calendar=nope&hours=1", catalog.ErrNotFound, http.StatusNotFound, ""},
		{
			"config error", "?calendar=all&hours=1",
			&catalog.ConfigError{Target: "all", Member: "work", Field: "caldav_password"},
			http.StatusInternalServerError, "caldav_password",
		},
		{
			"upstream without cache", "?calendar=work&hours=1",
			&feed.UpstreamError{Target: "work", Stage: feed.StageExtract, Err: &pipeline.ExitError{Command: "extract (plann)", ExitCode: 1, Stderr: []byte("401 Unauthorized")}},
			http.StatusInternalServerError, "401",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(nil, &fakeFeeds{err: tc.err}).Handler()
			rec := get(t, h, "/feed"+tc.query)
			assert.Equal(t, tc.status, rec.Code)
			assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
			assert.Empty(t, rec.Header().Get(CacheHeader))
			if tc.hidden != "" {
				assert.NotContains(t, rec.Body.String(), tc.hidden)
			}
		})
	}
}

func TestBadRequestMessageHasNoSentinelPrefix(t *testing.T) {
	h := newTestServer(nil, &fakeFeeds{}).Handler()
	rec := get(t, h, "/feed?calendar=work&hours=500")
	assert.Equal(t, "Bad Request: hours must be between 1 and 100\n", rec.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	f := &fakeFeeds{result: feed.Result{Body: []byte("<rss/>"), Status: feed.StatusFresh}}
	h := newTestServer(nil, f).Handler()

	rec := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	get(t, h, "/feed?calendar=work&hours=1")
	rec = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `calfeed_http_requests_total{code="200",route="/feed"} 1`)
}

func TestBasicAuth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "pw"}
	h := newTestServer(cfg, &fakeFeeds{result: feed.Result{Body: []byte("<rss/>"), Status: feed.StatusFresh}}).Handler()

	rec := get(t, h, "/feed?calendar=work&hours=1")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	rec = get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/feed?calendar=work&hours=1", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/feed?calendar=work&hours=1", nil)
	req.SetBasicAuth("admin", "pw")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBasicAuthDisabledWhenIncomplete(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin"}
	s := newTestServer(cfg, &fakeFeeds{})
	assert.False(t, s.basicAuthEnabled())
}

func TestTargetsAPI(t *testing.T) {
	h := newTestServer(nil, &fakeFeeds{}).Handler()
	rec := get(t, h, "/api/targets")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp targetsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"work", "all"}, resp.Targets)
}

func TestEventsAPI(t *testing.T) {
	f := &fakeFeeds{}
	h := newTestServer(nil, f).Handler()

	rec := get(t, h, "/api/events?calendar=work&hours=24")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	var resp eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "work", resp.Target)
	assert.Equal(t, "UTC", resp.DisplayTimeZone)
	require.Len(t, resp.Occurrences, 1)
	assert.Equal(t, "standup", resp.Occurrences[0].UID)
	assert.Equal(t, "work", resp.Occurrences[0].SourceID)

	// Served from the in-memory cache the second time.
	get(t, h, "/api/events?calendar=work&hours=24")
	assert.Equal(t, int32(1), f.events.Load())

	rec = get(t, h, "/api/events?calendar=work")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsAPIErrors(t *testing.T) {
	h := newTestServer(nil, &fakeFeeds{err: catalog.ErrNotFound}).Handler()
	rec := get(t, h, "/api/events?calendar=nope&hours=1")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "nope")
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, ln, newTestServer(nil, &fakeFeeds{}).Handler())
	}()

	var resp *http.Response
	require.Eventually(t, func() bool {
		r, err := http.Get(fmt.Sprintf("http://%s/health", ln.Addr()))
		if err != nil {
			return false
		}
		resp = r
		return true
	}, 5*time.Second, 20*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
