package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	events "github.com/docker/go-events"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jpalmerr/storebox"
	"github.com/jpalmerr/storebox/internal/jsonvalue"
	"github.com/jpalmerr/storebox/internal/metrics"
	"github.com/jpalmerr/storebox/internal/status"
)

const (
	// streamWriteTimeout is the maximum time allowed for a single SSE or
	// websocket write. This prevents goroutine leaks when clients are slow or
	// disconnected. Must be <= shutdown timeout to ensure clean shutdown.
	streamWriteTimeout = 5 * time.Second

	// shutdownTimeout bounds graceful shutdown of in-flight requests.
	shutdownTimeout = 5 * time.Second

	// maxPatchSize limits PATCH and websocket message bodies.
	maxPatchSize = 1 << 20

	// titlePlaceholder is the marker in HTML that gets replaced with the store name.
	titlePlaceholder = "{{.Title}}"
)

// Store is the part of [storebox.Store] the server needs.
type Store interface {
	Name() string
	GetState() storebox.State
	Apply(ctx context.Context, fn storebox.Updater) error
	DispatchContext(ctx context.Context, name string) error
	Actions() []string
	Subscribe(sel storebox.Selector, cb storebox.Listener) *storebox.Subscription
	Stats() storebox.Stats
}

// SourceLister reports the last poll outcome of every source.
type SourceLister interface {
	GetAll() []status.SourceStatus
}

// Message is the JSON frame sent on SSE and websocket streams.
type Message struct {
	// Type is "state" for a selected value or "error" for a rejected
	// websocket command.
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// Command is a websocket message from the client. Exactly one of Action and
// Patch is expected.
type Command struct {
	Action string         `json:"action,omitempty"`
	Patch  map[string]any `json:"patch,omitempty"`
}

// Server is the HTTP inspector for a single store.
//
// Routes:
//   - GET /: embedded inspector page (when assets are configured)
//   - GET /api/state: the whole state as JSON
//   - GET /api/state/{field}: one field, dot paths reach into nested values
//   - PATCH /api/state: merge a JSON object into the state
//   - GET /api/actions: registered action names
//   - POST /api/actions/{name}: dispatch an action
//   - GET /api/sources: last poll outcome per source
//   - GET /api/sse?fields=a,b: Server-Sent Events stream of selected changes
//   - GET /api/ws?fields=a,b: websocket stream that also accepts commands
//   - GET /metrics: Prometheus metrics
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	store      Store
	port       int
	httpServer *http.Server
	assets     fs.FS
	logger     *slog.Logger
	sources    SourceLister
	registry   *prometheus.Registry
	metrics    *metrics.Server
	upgrader   websocket.Upgrader
}

// Option configures a [Server].
type Option func(*Server)

// WithRegistry sets the Prometheus registry that server and store metrics
// are registered with and that /metrics serves. Defaults to a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		if reg != nil {
			s.registry = reg
		}
	}
}

// WithSources enables /api/sources backed by ls.
func WithSources(ls SourceLister) Option {
	return func(s *Server) {
		s.sources = ls
	}
}

// NewServer creates a new HTTP [Server].
//
// Parameters:
//   - st: store to inspect
//   - port: TCP port to listen on
//   - assets: embedded filesystem containing the inspector page (may be nil)
//   - logger: logger for server events
//
// The store's statistics and the server's own metrics are registered with
// the configured registry. The server is not started until [Server.Start]
// is called.
func NewServer(st Store, port int, assets fs.FS, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:  st,
		port:   port,
		assets: assets,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}

	s.registry.MustRegister(metrics.NewCollector("", st))
	s.metrics = metrics.NewServer(s.registry, "")

	return s
}

// Metrics returns the server's metric set, shared with the components that
// feed the store.
func (s *Server) Metrics() *metrics.Server {
	return s.metrics
}

// Handler returns the router serving every route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Use(s.countRequests)

	if s.assets != nil {
		r.Get("/", s.handleDashboard)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleGetState)
		r.Patch("/state", s.handlePatchState)
		r.Get("/state/{field}", s.handleGetField)
		r.Get("/actions", s.handleListActions)
		r.Post("/actions/{name}", s.handleDispatch)
		r.Get("/sources", s.handleListSources)
		r.Get("/sse", s.handleSSE)
		r.Get("/ws", s.handleWS)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return r
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it initiates a graceful shutdown with a 5-second
// timeout.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	// create listener first to verify port availability synchronously
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.port, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// BaseContext derives all request contexts from the server context.
		// When ctx is cancelled, all request contexts are also cancelled,
		// which ends long-running stream handlers.
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	// shutdown on context cancellation
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	s.logger.Info("inspector listening", "store", s.store.Name(), "addr", ln.Addr().String())
	return nil
}

// handleDashboard serves the inspector page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	content, err := fs.ReadFile(s.assets, "assets/index.html")
	if err != nil {
		http.Error(w, "Inspector not found", http.StatusInternalServerError)
		return
	}

	// apply title substitution with HTML escaping to prevent XSS
	safeTitle := html.EscapeString(s.store.Name())
	rendered := strings.ReplaceAll(string(content), titlePlaceholder, safeTitle)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err = w.Write([]byte(rendered)); err != nil {
		s.logger.Error("failed to write inspector response", "error", err)
	}
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.GetState())
}

// handleGetField returns a single field. The field parameter may be a dot
// path such as "cart.items.0".
func (s *Server) handleGetField(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "field")

	value, ok := jsonvalue.Lookup(map[string]any(s.store.GetState()), path)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("field %q not found", path))
		return
	}
	s.writeJSON(w, http.StatusOK, value)
}

// handlePatchState merges the request body into the state and returns the
// resulting state.
func (s *Server) handlePatchState(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPatchSize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}

	patch, err := jsonvalue.DecodeObject(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.store.Apply(r.Context(), storebox.Set(storebox.State(patch))); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.store.GetState())
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"actions": s.store.Actions()})
}

// handleListSources returns the source status table, empty when the store
// has no sources.
func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources := []status.SourceStatus{}
	if s.sources != nil {
		sources = s.sources.GetAll()
	}
	s.writeJSON(w, http.StatusOK, map[string][]status.SourceStatus{"sources": sources})
}

// handleDispatch runs the named action and returns the resulting state.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := s.store.DispatchContext(r.Context(), name); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.store.GetState())
}

// statusFor maps store errors to HTTP status codes.
func statusFor(err error) int {
	var updateErr *storebox.UpdateError
	switch {
	case errors.Is(err, storebox.ErrUnknownAction):
		return http.StatusNotFound
	case errors.As(err, &updateErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// the write may still land after the request gave up
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		http.Error(w, "state is not representable as JSON", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// selectorFor builds the stream selector from a comma separated fields
// query parameter. No fields selects the whole state.
func selectorFor(r *http.Request) storebox.Selector {
	raw := r.URL.Query().Get("fields")
	if raw == "" {
		return storebox.Whole
	}

	var fields []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		return storebox.Whole
	}
	return storebox.Pick(fields...)
}

// stream is one client's subscription to the store.
//
// Store callbacks write to an unbounded go-events queue, so the notifier
// never waits on the network. The queue forwards to an unbuffered channel
// drained by the handler goroutine.
type stream struct {
	ch    *events.Channel
	queue *events.Queue
	sub   *storebox.Subscription
}

// openStream subscribes sel to the store. The first message on the stream is
// the value selected when the subscription was registered; every later
// message is a change after it.
func (s *Server) openStream(sel storebox.Selector) *stream {
	ch := events.NewChannel(0)
	st := &stream{
		ch:    ch,
		queue: events.NewQueue(dropErrClosed{sink: ch, dropped: s.metrics.Dropped}),
	}

	// the seed evaluation is the first selector call and happens atomically
	// with registration, before any notification pass can reach this
	// subscriber
	var once sync.Once
	seeded := func(state storebox.State) any {
		v := sel(state)
		once.Do(func() {
			_ = st.queue.Write(Message{Type: "state", Value: v})
		})
		return v
	}

	st.sub = s.store.Subscribe(seeded, func(v any) {
		_ = st.queue.Write(Message{Type: "state", Value: v})
	})
	return st
}

// close unsubscribes and releases the queue. The channel is closed first so
// the queue can flush pending events without a reader.
func (st *stream) close() {
	st.sub.Unsubscribe()
	_ = st.ch.Close()
	_ = st.queue.Close()
}

// dropErrClosed turns ErrSinkClosed into a counted drop so a disconnected
// client does not make the queue log errors.
type dropErrClosed struct {
	sink    events.Sink
	dropped prometheus.Counter
}

func (s dropErrClosed) Write(event events.Event) error {
	err := s.sink.Write(event)
	if errors.Is(err, events.ErrSinkClosed) {
		s.dropped.Inc()
		return nil
	}
	return err
}

func (s dropErrClosed) Close() error {
	return s.sink.Close()
}

// handleSSE streams selected state changes via Server-Sent Events.
//
// The handler uses write deadlines to prevent goroutine leaks when clients are
// slow or disconnected. Without deadlines, a blocked write would prevent the
// handler from detecting context cancellation.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	// check if flushing is supported
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// ResponseController provides deadline-aware write and flush operations.
	rc := http.NewResponseController(w)

	// track if write deadlines are supported (may not be for some ResponseWriter impls)
	deadlinesSupported := true

	writeAndFlush := func(data []byte) error {
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
				s.logger.Debug("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}

	// set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	st := s.openStream(selectorFor(r))
	defer st.close()

	gauge := s.metrics.Streams.WithLabelValues("sse")
	gauge.Inc()
	defer gauge.Dec()

	for {
		select {
		case event := <-st.ch.C:
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Error("failed to encode stream message", "error", err)
				continue
			}
			if err := writeAndFlush(data); err != nil {
				return
			}

		case <-r.Context().Done():
			// request context is derived from server context via BaseContext,
			// so this fires on both client disconnect AND server shutdown
			return
		}
	}
}

// handleWS streams selected state changes over a websocket and applies
// commands sent by the client.
//
// A command is a JSON [Command]. Rejected commands are answered with an
// error [Message] on the same stream; accepted ones show up as state
// messages when they change the selection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(maxPatchSize)

	st := s.openStream(selectorFor(r))
	defer st.close()

	gauge := s.metrics.Streams.WithLabelValues("ws")
	gauge.Inc()
	defer gauge.Dec()

	// the reader owns reads; all writes stay on this goroutine
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := s.applyCommand(r.Context(), data); err != nil {
				_ = st.queue.Write(Message{Type: "error", Error: err.Error()})
			}
		}
	}()

	for {
		select {
		case event := <-st.ch.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}

		case <-readDone:
			return

		case <-r.Context().Done():
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

// applyCommand decodes and runs one websocket command.
func (s *Server) applyCommand(ctx context.Context, data []byte) error {
	obj, err := jsonvalue.DecodeObject(data)
	if err != nil {
		return err
	}

	var cmd Command
	if name, ok := obj["action"].(string); ok {
		cmd.Action = name
	}
	if patch, ok := obj["patch"].(map[string]any); ok {
		cmd.Patch = patch
	}

	switch {
	case cmd.Action != "" && cmd.Patch != nil:
		return errors.New("command must set either action or patch, not both")
	case cmd.Action != "":
		return s.store.DispatchContext(ctx, cmd.Action)
	case cmd.Patch != nil:
		return s.store.Apply(ctx, storebox.Set(storebox.State(cmd.Patch)))
	}
	return errors.New("command must set action or patch")
}

// recoverer turns handler panics into 500 responses, logging a correlation
// id and the stack trace.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				// the server handles this one itself
				panic(rec)
			}
			correlationID := uuid.NewString()
			s.logger.Error("handler panic recovered",
				"correlation_id", correlationID,
				"method", r.Method,
				"path", r.URL.Path,
				"panic", fmt.Sprint(rec),
				"stack", string(debug.Stack()),
			)
			http.Error(w, "internal error (correlation_id: "+correlationID+")", http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// countRequests records every API request by route pattern and status.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.Requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}
