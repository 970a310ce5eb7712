package api

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetview/console/pkg/api/handlers"
	"github.com/fleetview/console/pkg/api/middleware"
	"github.com/fleetview/console/pkg/cache"
	"github.com/fleetview/console/pkg/config"
	"github.com/fleetview/console/pkg/creds"
	"github.com/fleetview/console/pkg/probe"
	"github.com/fleetview/console/pkg/registry"
)

// Config holds server configuration
type Config struct {
	Port        int
	DataDir     string
	FrontendURL string
	AuthSecret  string
	SSOStartURL string
	SSORegion   string
}

// Server represents the API server
type Server struct {
	app      *fiber.App
	config   Config
	registry *registry.FileRegistry
	broker   *creds.Broker
	probe    *probe.Probe
	cache    *cache.ResponseCache
	sso      *creds.SSOClient
	hub      *handlers.Hub
}

// NewServer creates a new API server
func NewServer(cfg Config) (*Server, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	reg, err := registry.NewFileRegistry(filepath.Join(cfg.DataDir, "registry.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize registry: %w", err)
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
	})

	hub := handlers.NewHub()
	go hub.Run()

	rc := cache.New()
	sso := creds.NewSSOClient()
	broker := creds.NewBroker(sso)
	prb := probe.New()

	server := &Server{
		app:      app,
		config:   cfg,
		registry: reg,
		broker:   broker,
		probe:    prb,
		cache:    rc,
		sso:      sso,
		hub:      hub,
	}

	// External edits to the registry file drop every cached fragment; the
	// process's own saves are suppressed by the watcher.
	if err := reg.StartWatching(func() {
		rc.InvalidateAll()
		hub.BroadcastAll(handlers.Message{
			Type: "registry-changed",
			Data: map[string]string{"message": "registry file updated"},
		})
		log.Println("[server] registry file changed externally, cache dropped")
	}); err != nil {
		log.Printf("[server] warning: failed to start registry watcher: %v", err)
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server, nil
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New())

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "15:04:05",
	}))

	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.config.FrontendURL,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: true,
	}))
}

func (s *Server) setupRoutes() {
	// Health check
	s.app.Get("/health", func(c *fiber.Ctx) error {
		stats, statuses := s.cache.Len()
		return c.JSON(fiber.Map{
			"status":         "ok",
			"wsClients":      s.hub.ConnectionCount(),
			"cachedStats":    stats,
			"cachedStatuses": statuses,
		})
	})

	// Prometheus metrics
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Mutating routes require a bearer token when an auth secret is
	// configured; JWTAuth passes everything through otherwise.
	protect := middleware.JWTAuth(s.config.AuthSecret)

	// Auth routes (public)
	auth := handlers.NewAuthHandlers(s.sso, s.broker, s.cache, s.hub, s.config.SSOStartURL, s.config.SSORegion)
	s.app.Post("/auth/login", auth.StartLogin)
	s.app.Post("/auth/login/:attempt/poll", auth.PollLogin)
	s.app.Get("/auth/login/:attempt/accounts", auth.ListAccounts)
	s.app.Get("/auth/login/:attempt/roles", auth.ListRoles)
	s.app.Post("/auth/login/:attempt/finalize", auth.FinalizeLogin)
	s.app.Post("/auth/logout", auth.Logout)
	s.app.Get("/auth/session", auth.SessionInfo)

	// Cluster routes
	clusters := handlers.NewClusterHandlers(s.registry, s.broker, s.probe, s.cache, s.hub, filepath.Join(s.config.DataDir, "configs"))
	s.app.Get("/api/clusters", clusters.ListClusters)
	s.app.Post("/api/clusters", protect, clusters.CreateCluster)
	s.app.Get("/api/clusters/:id", clusters.GetCluster)
	s.app.Delete("/api/clusters/:id", protect, clusters.DeleteCluster)
	s.app.Get("/api/clusters/:id/stats", clusters.ClusterStats)
	s.app.Get("/api/clusters/:id/scan", clusters.ScanNamespace)

	// Service routes
	services := handlers.NewServiceHandlers(s.registry, s.broker, s.probe, s.cache, s.hub)
	s.app.Get("/api/services", services.ListServices)
	s.app.Post("/api/services", protect, services.CreateMapping)
	s.app.Delete("/api/services/:name/bindings/:cluster", protect, services.RemoveMapping)
	s.app.Get("/api/status/:cluster/:service", services.ServiceStatus)
	s.app.Get("/api/describe/:cluster/:service", services.DescribeService)
	s.app.Post("/api/import", protect, services.BulkImport)
	s.app.Post("/api/refresh", services.RefreshAll)

	// WebSocket for real-time updates
	s.app.Use("/ws", middleware.WebSocketUpgrade())
	s.app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		s.hub.HandleConnection(c)
	}))
}

// App exposes the Fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start starts the server
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	log.Printf("[server] listening on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	s.hub.Close()
	s.registry.StopWatching()
	return s.app.Shutdown()
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": message,
	})
}

// LoadConfigFromEnv loads configuration from the optional config file and
// the environment; environment variables win.
func LoadConfigFromEnv() Config {
	manager := config.GetManager()
	if err := manager.Load(); err != nil {
		log.Printf("[server] warning: failed to load config file: %v", err)
	}
	file := manager.Get()

	cfg := Config{
		Port:        8080,
		DataDir:     "./data",
		FrontendURL: "http://localhost:5173",
	}

	if file.Port != 0 {
		cfg.Port = file.Port
	}
	if file.DataDir != "" {
		cfg.DataDir = file.DataDir
	}
	if file.FrontendURL != "" {
		cfg.FrontendURL = file.FrontendURL
	}
	cfg.AuthSecret = file.AuthSecret
	cfg.SSOStartURL = file.SSOStartURL
	cfg.SSORegion = file.SSORegion

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", &cfg.Port)
	}
	if d := os.Getenv("FLEETVIEW_DATA_DIR"); d != "" {
		cfg.DataDir = d
	}
	if u := os.Getenv("FRONTEND_URL"); u != "" {
		cfg.FrontendURL = u
	}
	if s := os.Getenv("FLEETVIEW_AUTH_SECRET"); s != "" {
		cfg.AuthSecret = s
	}
	if u := os.Getenv("FLEETVIEW_SSO_START_URL"); u != "" {
		cfg.SSOStartURL = u
	}
	if r := os.Getenv("FLEETVIEW_SSO_REGION"); r != "" {
		cfg.SSORegion = r
	}

	return cfg
}
