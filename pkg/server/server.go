// Package server wires the honeypot together: configuration, event store,
// geolocation, scheduler, subscriber hub, protocol listeners, and the
// observer HTTP endpoint. It owns startup order and the shutdown cascade.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/credtrap/credtrap/internal/logger"
	"github.com/credtrap/credtrap/pkg/capture"
	"github.com/credtrap/credtrap/pkg/config"
	"github.com/credtrap/credtrap/pkg/geo"
	"github.com/credtrap/credtrap/pkg/handler"
	"github.com/credtrap/credtrap/pkg/handler/ftp"
	"github.com/credtrap/credtrap/pkg/handler/mysql"
	"github.com/credtrap/credtrap/pkg/handler/rdp"
	"github.com/credtrap/credtrap/pkg/handler/sip"
	"github.com/credtrap/credtrap/pkg/handler/smtp"
	"github.com/credtrap/credtrap/pkg/handler/sshd"
	"github.com/credtrap/credtrap/pkg/handler/telnet"
	"github.com/credtrap/credtrap/pkg/hub"
	"github.com/credtrap/credtrap/pkg/listener"
	"github.com/credtrap/credtrap/pkg/metrics"
	"github.com/credtrap/credtrap/pkg/scheduler"
	"github.com/credtrap/credtrap/pkg/store"
)

// shutdownGrace bounds how long the cascade waits for workers to drain.
const shutdownGrace = 10 * time.Second

// Server is the assembled honeypot process.
type Server struct {
	cfg *config.Config

	store    *store.Store
	geo      *geo.Resolver
	sched    *scheduler.Scheduler
	hub      *hub.Hub
	pipeline *capture.Pipeline
	metrics  *metrics.Metrics
	msrv     *metrics.Server

	listeners *listener.Registry
	web       *http.Server

	services map[string]int

	done chan struct{}
}

// New builds every component and binds every listener. A bind failure
// tears down what was started and returns the error.
func New(cfg *config.Config) (*Server, error) {
	st, err := store.Open(store.Config{
		URL:                cfg.DatabaseURL,
		SupervisorInterval: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}

	resolver := geo.NewResolver(geo.Config{
		APIURL:    cfg.GeoIPAPIURL,
		CacheFile: cfg.GeoIPCacheFile,
	})

	m := metrics.New()
	sched := scheduler.New(scheduler.Config{
		MaxWorkers:  cfg.MaxThreads,
		MaxPerIP:    cfg.MaxConnectionsPerIP,
		IdleTimeout: cfg.IdleTimeout(),
		QueueCap:    cfg.MaxQueuedConnections,
	}, m)

	h := hub.New(hub.Config{}, st)
	pipeline := capture.NewPipeline(resolver, st, h, sched, m)

	s := &Server{
		cfg:      cfg,
		store:    st,
		geo:      resolver,
		sched:    sched,
		hub:      h,
		pipeline: pipeline,
		metrics:  m,
		done:     make(chan struct{}),
	}

	s.listeners = listener.NewRegistry(cfg.Host, sched, resolver, s.envFor)

	if err := s.bindAll(); err != nil {
		s.teardown()
		return nil, err
	}

	s.startWeb()
	if cfg.MetricsPort > 0 {
		s.msrv = metrics.NewServer(net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.MetricsPort)), m)
	}

	go s.monitorLoop()
	return s, nil
}

// envFor binds the capture pipeline to one protocol tag for handlers.
func (s *Server) envFor(protocol string) handler.Env {
	tag := capture.Protocol(protocol)
	return handler.Env{
		Touch: s.sched.Touch,
		Record: func(ctx context.Context, username, password, clientIP string) {
			s.pipeline.Record(ctx, tag, username, password, clientIP)
		},
	}
}

func (s *Server) bindAll() error {
	sshDesc, err := sshd.New(s.cfg.SSHPort)
	if err != nil {
		return err
	}

	bindings := []struct {
		desc handler.Descriptor
		port int
	}{
		{sshDesc, s.cfg.SSHPort},
		{telnet.Descriptor, s.cfg.TelnetPort},
		{ftp.Descriptor, s.cfg.FTPPort},
		{smtp.Descriptor, s.cfg.SMTPPort},
		{rdp.Descriptor, s.cfg.RDPPort},
		{sip.Descriptor, s.cfg.SIPPort},
		{mysql.Descriptor, s.cfg.MySQLPort},
	}

	s.services = make(map[string]int, len(bindings))
	for _, b := range bindings {
		if err := s.listeners.ListenTCP(b.desc, b.port); err != nil {
			return err
		}
		s.services[b.desc.Name] = b.port
	}
	return s.listeners.ListenUDP(s.cfg.SIPPort)
}

// startWeb serves the observer WebSocket endpoint and a health probe.
func (s *Server) startWeb() {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.web = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.WebPort)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Observer endpoint started", "address", s.web.Addr)
		if err := s.web.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Observer endpoint failed", "error", err)
		}
	}()
}

// Run blocks until ctx is cancelled, then runs the shutdown cascade.
func (s *Server) Run(ctx context.Context) error {
	logger.Info("Honeypot running",
		"host", s.cfg.Host,
		"protocols", strings.Join(serviceNames(s.services), ","))

	<-ctx.Done()
	return s.Shutdown()
}

// Shutdown runs the cascade: stop accepting, drain handlers, close
// subscribers, flush the geolocation cache, close the store.
func (s *Server) Shutdown() error {
	logger.Info("Shutting down")
	close(s.done)

	s.listeners.Close()

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.sched.Shutdown(drainCtx); err != nil {
		logger.Warn("Handler drain incomplete", "error", err)
	}

	s.hub.Close()

	if s.web != nil {
		webCtx, cancelWeb := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.web.Shutdown(webCtx)
		cancelWeb()
	}
	if s.msrv != nil {
		msrvCtx, cancelMsrv := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.msrv.Shutdown(msrvCtx)
		cancelMsrv()
	}

	s.teardown()
	logger.Info("Shutdown complete")
	return nil
}

// teardown releases components that hold files or sockets. Safe to call
// on a partially constructed server.
func (s *Server) teardown() {
	if s.geo != nil {
		s.geo.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			logger.Error("Failed to close event store", "error", err)
		}
	}
}

func serviceNames(services map[string]int) []string {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	return names
}
