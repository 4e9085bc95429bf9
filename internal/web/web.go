package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"calfeed/internal/config"
	"calfeed/internal/feed"
	appLog "calfeed/internal/log"
	"calfeed/internal/metrics"
	"calfeed/internal/model"
)

// CacheHeader tells clients how the feed body was obtained.
const CacheHeader = "X-Calfeed-Cache"

// Feeds is the part of *feed.Service the HTTP layer uses.
type Feeds interface {
	Serve(ctx context.Context, req model.FeedRequest, debugToken string) (feed.Result, error)
	Events(ctx context.Context, req model.FeedRequest) (feed.Events, error)
}

// Targets lists configured calendar and group ids. *catalog.Catalog
// satisfies it.
type Targets interface {
	Targets() []string
}

// Server provides the feed endpoint plus health, metrics and a small JSON
// API for inspecting targets.
type Server struct {
	cfg     *config.Config
	feeds   Feeds
	targets Targets
	metrics *metrics.Metrics
	router  chi.Router

	// In-memory cache for /api/events responses. Each miss runs the
	// extraction tool for every source of the target.
	eventsMu    sync.RWMutex
	eventsCache map[string]eventsCache
}

// NewServer constructs a new Server. m may be nil, which disables /metrics.
func NewServer(cfg *config.Config, feeds Feeds, targets Targets, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:         cfg,
		feeds:       feeds,
		targets:     targets,
		metrics:     m,
		eventsCache: make(map[string]eventsCache),
	}
	s.router = s.routes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		r.Use(s.basicAuthMiddleware)
	}

	r.Get("/", s.handleFeed)
	r.Get("/feed", s.handleFeed)
	r.Get("/health", s.handleHealth)
	r.Get("/api/targets", s.handleTargets)
	r.Get("/api/events", s.handleEvents)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calfeed", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// requestLogger logs one line per request through appLog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// The query is left out: it carries the debug key.
		appLog.Info("http request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}

// StartServer serves h on cfg.Listen until ctx is canceled, then shuts down
// gracefully.
func StartServer(ctx context.Context, cfg *config.Config, h http.Handler) error {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, h)
}

// Serve is StartServer on an existing listener.
func Serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	appLog.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// parseFeedRequest reads calendar and hours from the query string.
func parseFeedRequest(r *http.Request) (model.FeedRequest, error) {
	q := r.URL.Query()
	req := model.FeedRequest{Target: q.Get("calendar")}
	if req.Target == "" {
		return req, errors.New("missing parameter: calendar")
	}
	raw := q.Get("hours")
	if raw == "" {
		return req, errors.New("missing parameter: hours")
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return req, errors.New("hours must be an integer")
	}
	req.Hours = n
	return req, nil
}

// handleFeed serves the syndication feed for one calendar or group.
//
// GET /feed?calendar=<id>&hours=<n>[&debug=<key>]
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	req, err := parseFeedRequest(r)
	if err != nil {
		writeText(w, http.StatusBadRequest, "Bad Request: "+err.Error())
		return
	}

	res, err := s.feeds.Serve(r.Context(), req, r.URL.Query().Get("debug"))
	if err != nil {
		status, msg := s.failure(req, err)
		writeText(w, status, msg)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set(CacheHeader, string(res.Status))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Body); err != nil {
		appLog.Debug("client went away", "target", req.Target, "err", err)
	}
}

// failure maps a feed error to a status and a short message. Details are
// logged, never sent.
func (s *Server) failure(req model.FeedRequest, err error) (int, string) {
	switch feed.Classify(err) {
	case feed.KindBadRequest:
		return http.StatusBadRequest, "Bad Request: " + badRequestDetail(err)
	case feed.KindNotFound:
		return http.StatusNotFound, "Not Found: calendar or group " + strconv.Quote(req.Target) + " does not exist"
	case feed.KindConfig:
		appLog.Error("target misconfigured", err, "target", req.Target)
		return http.StatusInternalServerError, "Internal Server Error: calendar configuration is incomplete"
	default:
		appLog.Error("feed generation failed", err, "target", req.Target, "hours", req.Hours)
		return http.StatusInternalServerError, "Internal Server Error: feed could not be generated"
	}
}

// badRequestDetail strips the sentinel prefix from a validation error.
func badRequestDetail(err error) string {
	msg := err.Error()
	prefix := model.ErrBadRequest.Error() + ": "
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg + "\n"))
}

// handleTargets lists the configured calendar and group ids.
func (s *Server) handleTargets(w http.ResponseWriter, _ *http.Request) {
	ids := s.targets.Targets()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, targetsResponse{Targets: ids})
}

type targetsResponse struct {
	Targets []string `json:"targets"`
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Target          string          `json:"target"`
	Occurrences     []occurrenceDTO `json:"occurrences"`
	Unreadable      []string        `json:"unreadable_sources,omitempty"`
	RangeStart      time.Time       `json:"range_start"`
	RangeEnd        time.Time       `json:"range_end"`
	DisplayTimeZone string          `json:"display_timezone"`
}

// eventsCache holds a cached /api/events response and its timestamp.
type eventsCache struct {
	resp      eventsResponse
	updatedAt time.Time
}

// occurrenceDTO is a JSON-friendly view of occurrences.
type occurrenceDTO struct {
	SourceID    string    `json:"source_id"`
	UID         string    `json:"uid"`
	InstanceKey string    `json:"instance_key"`
	Summary     string    `json:"summary"`
	Location    string    `json:"location"`
	AllDay      bool      `json:"all_day"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// handleEvents returns expanded occurrences of a target's calendars.
//
// GET /api/events?calendar=<id>&hours=<n>
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	req, err := parseFeedRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	const eventsCacheTTL = 30 * time.Second
	key := req.Target + "/" + strconv.Itoa(req.Hours)

	s.eventsMu.RLock()
	ec, ok := s.eventsCache[key]
	s.eventsMu.RUnlock()
	if ok && time.Since(ec.updatedAt) < eventsCacheTTL {
		writeJSON(w, http.StatusOK, ec.resp)
		return
	}

	ev, err := s.feeds.Events(r.Context(), req)
	if err != nil {
		status, msg := s.failure(req, err)
		writeError(w, status, msg)
		return
	}

	dtos := make([]occurrenceDTO, 0, len(ev.Occurrences))
	for _, occ := range ev.Occurrences {
		dtos = append(dtos, occurrenceDTO{
			SourceID:    occ.SourceID,
			UID:         occ.UID,
			InstanceKey: occ.InstanceKey,
			Summary:     occ.Summary,
			Location:    occ.Location,
			AllDay:      occ.AllDay,
			Start:       occ.Start,
			End:         occ.End,
		})
	}
	resp := eventsResponse{
		Target:          ev.Target,
		Occurrences:     dtos,
		Unreadable:      ev.Unreadable,
		RangeStart:      ev.RangeStart,
		RangeEnd:        ev.RangeEnd,
		DisplayTimeZone: ev.Timezone.String(),
	}

	now := time.Now()
	s.eventsMu.Lock()
	for k, c := range s.eventsCache {
		if now.Sub(c.updatedAt) >= eventsCacheTTL {
			delete(s.eventsCache, k)
		}
	}
	s.eventsCache[key] = eventsCache{resp: resp, updatedAt: now}
	s.eventsMu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
