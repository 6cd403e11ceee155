package handshake

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/psinet-ops/psinet/pkg/discovery"
	"github.com/psinet-ops/psinet/pkg/log"
	"github.com/psinet-ops/psinet/pkg/metrics"
	"github.com/psinet-ops/psinet/pkg/psinet"
	"github.com/psinet-ops/psinet/pkg/security"
	"github.com/psinet-ops/psinet/pkg/storage"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// ServerConfig configures the handshake HTTP server
type ServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	// ServerIP is the address this server answers for
	ServerIP string
	// SnapshotPath is the compartmentalized snapshot Reload reads
	SnapshotPath   string
	SelectionCount int
	// TLS serves with the web server certificate of the ServerIP server
	TLS bool

	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
	GracefulShutdownDuration time.Duration
}

// Server serves handshakes over HTTP. The snapshot it answers from is
// swapped atomically by Load and Reload.
type Server struct {
	cfg       ServerConfig
	isReady   atomic.Bool
	responder atomic.Pointer[Responder]
	logger    zerolog.Logger

	srv        *http.Server
	metricsSrv *http.Server
}

// NewServer creates a server. It is not ready until a snapshot is loaded.
func NewServer(cfg ServerConfig) *Server {
	if cfg.GracefulShutdownDuration <= 0 {
		cfg.GracefulShutdownDuration = 30 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		logger: log.WithComponent("handshake"),
	}
	metrics.RegisterComponent(metrics.ComponentSnapshot, false, "no snapshot loaded")
	metrics.RegisterComponent(metrics.ComponentHandshake, true, "")

	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.TLS {
		s.srv.TLSConfig = &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: s.certificate,
		}
	}
	if cfg.MetricsAddr != "" {
		mux := chi.NewRouter()
		mux.Handle("/metrics", metrics.Handler())
		mux.Get("/health", metrics.HealthHandler())
		mux.Get("/ready", metrics.ReadyHandler())
		s.metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	}
	return s
}

// Load starts answering from n
func (s *Server) Load(n *psinet.Network) error {
	r, err := NewResponder(n, Config{SelectionCount: s.cfg.SelectionCount})
	if err != nil {
		return err
	}
	s.responder.Store(r)
	s.isReady.Store(true)
	metrics.UpdateComponent(metrics.ComponentSnapshot, true, "")
	s.logger.Info().
		Int("servers", len(n.Servers)).
		Int("sponsors", len(n.Sponsors)).
		Msg("Snapshot loaded")
	return nil
}

// Network returns the snapshot in service, or nil before the first Load
func (s *Server) Network() *psinet.Network {
	if r := s.responder.Load(); r != nil {
		return r.Network()
	}
	return nil
}

// Reload reads the snapshot file again. On failure the previous snapshot
// stays in service.
func (s *Server) Reload() error {
	n, err := storage.ReadSnapshot(s.cfg.SnapshotPath)
	if err != nil {
		s.logger.Error().Err(err).Str("path", s.cfg.SnapshotPath).Msg("Snapshot reload failed")
		return err
	}
	return s.Load(n)
}

// certificate serves the current snapshot's certificate, so a reload with a
// new certificate takes effect on the next connection
func (s *Server) certificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r := s.responder.Load()
	if r == nil {
		return nil, errors.New("no snapshot loaded")
	}
	server, err := r.ServerByIP(s.cfg.ServerIP)
	if err != nil {
		return nil, err
	}
	if server.WebServerCertificate == "" || server.WebServerPrivateKey == "" {
		return nil, fmt.Errorf("server %s has no web server certificate", server.ID)
	}
	cert := security.WebServerCertificate{
		Certificate: server.WebServerCertificate,
		PrivateKey:  server.WebServerPrivateKey,
	}
	return cert.TLSCertificate()
}

// Router returns the HTTP routes
func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.With(s.httpLogger).Get("/handshake", s.handleHandshake)
	mux.Get("/livez", s.handleLivenessCheck)
	mux.Get("/readyz", s.handleReadinessCheck)
	mux.Get("/health", metrics.HealthHandler())
	if s.cfg.MetricsAddr == "" {
		mux.Handle("/metrics", metrics.Handler())
	}
	return mux
}

func (s *Server) httpLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// clientIP is the peer address of the connection. Forwarding headers are
// ignored: the strategy value must not be chosen by the client.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HandshakeDuration)

	fail := func(status int, label, message string) {
		metrics.HandshakeRequestsTotal.WithLabelValues(label).Inc()
		http.Error(w, message, status)
	}

	responder := s.responder.Load()
	if responder == nil {
		fail(http.StatusServiceUnavailable, "unavailable", "not ready")
		return
	}

	server, err := responder.ServerByIP(s.cfg.ServerIP)
	if err != nil {
		fail(http.StatusServiceUnavailable, "unavailable", "unknown server")
		return
	}
	q := r.URL.Query()
	secret := q.Get("server_secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(server.WebServerSecret)) != 1 {
		fail(http.StatusForbidden, "forbidden", "forbidden")
		return
	}

	version := 0
	if v := q.Get("client_version"); v != "" {
		version, err = strconv.Atoi(v)
		if err != nil {
			fail(http.StatusBadRequest, "bad_request", "invalid client_version")
			return
		}
	}

	req := Request{
		ServerIP:             s.cfg.ServerIP,
		StrategyValue:        discovery.StrategyValueForIP(clientIP(r)),
		ClientRegion:         q.Get("client_region"),
		PropagationChannelID: q.Get("propagation_channel_id"),
		SponsorID:            q.Get("sponsor_id"),
		ClientPlatform:       q.Get("client_platform"),
		ClientVersion:        version,
	}
	resp, err := responder.Respond(req)
	if err != nil {
		s.logger.Error().Err(err).Msg("Handshake failed")
		fail(http.StatusInternalServerError, "error", "internal error")
		return
	}
	body, err := resp.Encode()
	if err != nil {
		s.logger.Error().Err(err).Msg("Handshake encoding failed")
		fail(http.StatusInternalServerError, "error", "internal error")
		return
	}

	metrics.HandshakeRequestsTotal.WithLabelValues("ok").Inc()
	metrics.DiscoveredServers.Observe(float64(len(resp.EncodedServerList)))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"alive"}`))
}

func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// RunInBackground starts the listeners
func (s *Server) RunInBackground() {
	if s.metricsSrv != nil {
		go func() {
			s.logger.Info().Str("addr", s.cfg.MetricsAddr).Msg("Starting metrics server")
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("Starting handshake server")
		var err error
		if s.cfg.TLS {
			err = s.srv.ListenAndServeTLS("", "")
		} else {
			err = s.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Handshake server failed")
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown() {
	s.isReady.Store(false)
	metrics.UpdateComponent(metrics.ComponentHandshake, false, "shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Graceful shutdown failed")
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	s.logger.Info().Msg("Handshake server shut down")
}
