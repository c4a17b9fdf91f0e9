package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"

	"github.com/devproxy/devproxy/internal/broadcast"
	"github.com/devproxy/devproxy/internal/cache"
	"github.com/devproxy/devproxy/internal/config"
	"github.com/devproxy/devproxy/internal/controllers"
	"github.com/devproxy/devproxy/internal/interceptor"
	"github.com/devproxy/devproxy/internal/matcher"
	"github.com/devproxy/devproxy/internal/metrics"
	"github.com/devproxy/devproxy/internal/openapi"
	"github.com/devproxy/devproxy/internal/plugins"
	"github.com/devproxy/devproxy/internal/store"
	"github.com/devproxy/devproxy/internal/util"
)

// Options wires a Server. Only Config is required.
type Options struct {
	Config  *config.Config
	Logger  *util.Logger
	Version string

	// Registry receives the proxy metrics; a fresh registry is used when nil
	Registry *prometheus.Registry
	// Transport replaces the upstream HTTP transport
	Transport http.RoundTripper
}

// Server runs the proxy listener and the admin API
type Server struct {
	config   *config.Config
	version  string
	logger   *util.Logger
	registry *prometheus.Registry

	store    store.Store
	cache    *cache.Cache
	events   *broadcast.Broadcaster
	history  *broadcast.History
	schema   *openapi.Recorder
	pipeline *interceptor.Pipeline

	proxyServer *http.Server
	adminServer *http.Server
	proxyAddr   net.Addr
	adminAddr   net.Addr
}

// New builds every component from the configuration and seeds the rule
// store from cfg.Rules when it is empty.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = util.NewLoggerWithOptions(util.LogOptions{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			File:   cfg.Logging.File,
		})
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	st, err := store.New(cfg.StoreOptions(), logger.WithScope("store"))
	if err != nil {
		return nil, err
	}

	seed, err := cfg.SeedRules()
	if err != nil {
		st.Close()
		return nil, util.NewConfigurationError("invalid seed rules", nil, err)
	}
	if err := store.Seed(context.Background(), st, seed); err != nil {
		st.Close()
		return nil, fmt.Errorf("seed rules: %w", err)
	}

	m := metrics.New(registry)
	history := broadcast.NewHistory(cfg.Events.HistorySize)
	schema := openapi.NewRecorder("devproxy", opts.Version)
	events := broadcast.New(broadcast.Options{
		BufferSize: cfg.Events.BufferSize,
		History:    history,
		Metrics:    m,
		Logger:     logger,
	})
	c := cache.New(st, logger.WithScope("cache"))

	s := &Server{
		config:   cfg,
		version:  opts.Version,
		logger:   logger,
		registry: registry,
		store:    st,
		cache:    c,
		events:   events,
		history:  history,
		schema:   schema,
		pipeline: interceptor.New(interceptor.Options{
			Rules:     st,
			Cache:     c,
			Resolver:  matcher.NewResolver(logger),
			Plugins:   plugins.NewRunner(logger, 0),
			Events:    events,
			Schema:    schema,
			Metrics:   m,
			Logger:    logger,
			Transport: opts.Transport,
			Timeout:   cfg.Upstream.Timeout,
		}),
	}

	s.proxyServer = &http.Server{
		Addr:              cfg.Proxy.Listen,
		Handler:           s.pipeline,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// no write timeout: WebSocket and SSE observers stay connected
	s.adminServer = &http.Server{
		Addr:              cfg.Admin.Listen,
		Handler:           s.AdminHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// AdminHandler builds the admin API router
func (s *Server) AdminHandler() http.Handler {
	router := mux.NewRouter()

	rulesController := controllers.NewRulesController(s.store, s.logger.WithScope("rules"))
	routesController := controllers.NewRoutesController(s.cache, s.logger.WithScope("routes"))
	eventsController := controllers.NewEventsController(s.history, s.schema, s.logger)
	logsController := controllers.NewLogsController(s.logger)

	router.HandleFunc("/", s.handleHome).Methods("GET")
	router.HandleFunc("/config", s.handleConfig).Methods("GET")

	router.HandleFunc("/api/rules", rulesController.List).Methods("GET")
	router.HandleFunc("/api/rules", rulesController.Post).Methods("POST")
	router.HandleFunc("/api/rules/order", rulesController.Reorder).Methods("PUT")
	router.HandleFunc("/api/rules/{id}", rulesController.Get).Methods("GET")
	router.HandleFunc("/api/rules/{id}", rulesController.Put).Methods("PUT")
	router.HandleFunc("/api/rules/{id}", rulesController.Delete).Methods("DELETE")

	router.HandleFunc("/api/routes", routesController.List).Methods("GET")
	router.HandleFunc("/api/routes/{id}", routesController.Get).Methods("GET")
	router.HandleFunc("/api/routes/{id}", routesController.Delete).Methods("DELETE")
	router.HandleFunc("/api/routes/{id}/lock", routesController.ToggleLock).Methods("POST")
	router.HandleFunc("/api/routes/{id}/responses/{responseId}/lock", routesController.ToggleResponseLock).Methods("POST")

	router.HandleFunc("/api/history", eventsController.History).Methods("GET")
	router.HandleFunc("/api/history", eventsController.ClearHistory).Methods("DELETE")
	router.HandleFunc("/api/openapi", eventsController.OpenAPI).Methods("GET")
	router.HandleFunc("/api/openapi", eventsController.ResetOpenAPI).Methods("DELETE")
	router.HandleFunc("/api/events", s.events.ServeWebSocket).Methods("GET")
	router.HandleFunc("/api/events/stream", s.events.ServeSSE).Methods("GET")

	router.HandleFunc("/logs", logsController.Get).Methods("GET")
	router.Handle("/metrics", metrics.Handler(s.registry)).Methods("GET")

	whitelist := s.config.Admin.IPWhitelist
	if s.config.Admin.LocalOnly {
		whitelist = []string{"127.0.0.1", "::1"}
	}
	if len(whitelist) > 0 {
		router.Use(util.NewIPVerifier(whitelist, s.logger).Middleware)
	}

	origins := s.config.Admin.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	return corsHandler.Handler(router)
}

// ProxyHandler returns the interception pipeline
func (s *Server) ProxyHandler() http.Handler {
	return s.pipeline
}

// handleHome handles the home page
func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"_links": map[string]interface{}{
			"rules":   map[string]string{"href": "/api/rules"},
			"routes":  map[string]string{"href": "/api/routes"},
			"history": map[string]string{"href": "/api/history"},
			"openapi": map[string]string{"href": "/api/openapi"},
			"events":  map[string]string{"href": "/api/events"},
			"config":  map[string]string{"href": "/config"},
			"logs":    map[string]string{"href": "/logs"},
			"metrics": map[string]string{"href": "/metrics"},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleConfig handles the config endpoint
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	options := *s.config
	options.Rules = nil
	options.Store.Redis.Password = ""

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"version":   s.version,
		"options":   options,
		"observers": s.events.Count(),
	})
}

// Start binds both listeners and serves in the background
func (s *Server) Start() error {
	proxyLn, err := net.Listen("tcp", s.proxyServer.Addr)
	if err != nil {
		return fmt.Errorf("listen proxy: %w", err)
	}
	if s.config.Proxy.TLS.Enabled() {
		tlsConfig, err := s.tlsConfig()
		if err != nil {
			proxyLn.Close()
			return err
		}
		proxyLn = tls.NewListener(proxyLn, tlsConfig)
	}
	adminLn, err := net.Listen("tcp", s.adminServer.Addr)
	if err != nil {
		proxyLn.Close()
		return fmt.Errorf("listen admin: %w", err)
	}
	s.proxyAddr = proxyLn.Addr()
	s.adminAddr = adminLn.Addr()

	go s.serve(s.proxyServer, proxyLn, "proxy")
	go s.serve(s.adminServer, adminLn, "admin")

	s.logger.Infof("devproxy now intercepting on %s - admin API at http://%s/", s.proxyAddr, s.adminAddr)
	return nil
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	certFile, keyFile := s.config.TLSFiles()
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, util.NewConfigurationError("failed to load key pair", certFile, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener, name string) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Errorf("%s server stopped: %v", name, err)
	}
}

// ProxyAddr returns the bound proxy address once started
func (s *Server) ProxyAddr() net.Addr { return s.proxyAddr }

// AdminAddr returns the bound admin address once started
func (s *Server) AdminAddr() net.Addr { return s.adminAddr }

// Stop stops the server gracefully
func (s *Server) Stop() error {
	s.logger.Info("Shutting down server...")

	// observers hold hijacked connections that Shutdown does not wait for
	s.events.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := s.proxyServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.adminServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.logger.Info("Adios - see you soon?")
	return nil
}
