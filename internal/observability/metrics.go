package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"go.uber.org/zap"
)

// ServerMetrics holds the counters and gauges maintained by the RPC server.
//
// Each instance owns its own metrics.Set so that several servers (as in tests)
// never collide on metric names.
type ServerMetrics struct {
	set *metrics.Set

	ConnectionsAccepted *metrics.Counter
	PeersEvicted        *metrics.Counter
	CommandsDispatched  *metrics.Counter
	DispatchErrors      *metrics.Counter
	DecodeErrors        *metrics.Counter
	ProtocolViolations  *metrics.Counter
	RateLimited         *metrics.Counter
	DispatchDuration    *metrics.Histogram
}

// NewServerMetrics registers the server metric family.
//
// Precondition: peers must be non-nil; it is sampled on every scrape.
// Postcondition: Returns a ServerMetrics with every metric registered.
func NewServerMetrics(peers func() int) *ServerMetrics {
	s := metrics.NewSet()
	s.NewGauge("lobby_peers_connected", func() float64 { return float64(peers()) })
	return &ServerMetrics{
		set:                 s,
		ConnectionsAccepted: s.NewCounter("lobby_connections_accepted_total"),
		PeersEvicted:        s.NewCounter("lobby_peers_evicted_total"),
		CommandsDispatched:  s.NewCounter("lobby_commands_dispatched_total"),
		DispatchErrors:      s.NewCounter("lobby_dispatch_errors_total"),
		DecodeErrors:        s.NewCounter("lobby_decode_errors_total"),
		ProtocolViolations:  s.NewCounter("lobby_protocol_violations_total"),
		RateLimited:         s.NewCounter("lobby_rate_limited_total"),
		DispatchDuration:    s.NewHistogram("lobby_dispatch_duration_seconds"),
	}
}

// Set returns the underlying metric set for exposition.
func (m *ServerMetrics) Set() *metrics.Set { return m.set }

// ClientMetrics holds the counters maintained by the RPC client.
type ClientMetrics struct {
	set *metrics.Set

	Calls        *metrics.Counter
	CallTimeouts *metrics.Counter
	Unmatched    *metrics.Counter
}

// NewClientMetrics registers the client metric family.
func NewClientMetrics() *ClientMetrics {
	s := metrics.NewSet()
	return &ClientMetrics{
		set:          s,
		Calls:        s.NewCounter("lobby_client_calls_total"),
		CallTimeouts: s.NewCounter("lobby_client_call_timeouts_total"),
		Unmatched:    s.NewCounter("lobby_client_unmatched_messages_total"),
	}
}

// Set returns the underlying metric set for exposition.
func (m *ClientMetrics) Set() *metrics.Set { return m.set }

// Handler returns an http.Handler writing every given set, plus process
// metrics, in Prometheus text format.
func Handler(sets ...*metrics.Set) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		for _, s := range sets {
			s.WritePrometheus(w)
		}
		metrics.WriteProcessMetrics(w)
	})
}

// MetricsServer serves /metrics, plus any handlers added with Handle, over HTTP.
type MetricsServer struct {
	addr   string
	mux    *http.ServeMux
	srv    *http.Server
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewMetricsServer creates a metrics endpoint bound to addr.
//
// Precondition: addr must be a "host:port" string; logger must be non-nil.
func NewMetricsServer(addr string, logger *zap.Logger, sets ...*metrics.Set) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(sets...))
	return &MetricsServer{
		addr:   addr,
		mux:    mux,
		logger: logger,
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// ListenAndServe binds the address and serves until Stop is called.
//
// Postcondition: Returns nil after a clean Stop, or the listen/serve error.
func (m *MetricsServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", m.addr, err)
	}
	m.mu.Lock()
	m.listener = ln
	m.mu.Unlock()

	m.logger.Info("metrics endpoint listening", zap.String("addr", ln.Addr().String()))
	if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}

// Handle registers an extra handler on the endpoint.
//
// Precondition: Must be called before ListenAndServe.
func (m *MetricsServer) Handle(pattern string, h http.Handler) {
	m.mux.Handle(pattern, h)
}

// JSONHandler serves the value returned by snapshot as JSON.
func JSONHandler(snapshot func() any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snapshot())
	})
}

// Addr returns the bound address, or nil before ListenAndServe binds.
func (m *MetricsServer) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Stop shuts the endpoint down.
func (m *MetricsServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Warn("metrics endpoint shutdown", zap.Error(err))
	}
}
