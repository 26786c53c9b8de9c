// Package api exposes the HTTP interface: account login, dashboard editing,
// manual relay control, device status and the live-update websocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/relayhub/relayhub/internal/auth"
	"github.com/relayhub/relayhub/internal/engine"
	"github.com/relayhub/relayhub/internal/logs"
	"github.com/relayhub/relayhub/internal/storage"
)

// Store is the persistence used by the HTTP handlers
type Store interface {
	CreateAccount(a *storage.Account) error
	GetAccount(id int64) (*storage.Account, error)
	GetAccountByUsername(username string) (*storage.Account, error)
	UpsertRelay(accountID int64, r *storage.Relay) error
	GetRelay(accountID int64, channel int) (*storage.Relay, error)
	AddSchedule(accountID int64, channel int, s *storage.Schedule) error
	GetSchedule(accountID int64, channel int, scheduleID string) (*storage.Schedule, error)
	DeleteSchedule(accountID int64, channel int, scheduleID string) error
	DeleteScheduleAt(accountID int64, channel int, position int) error
	LatestDeviceStatus(deviceID string) (*storage.DeviceStatus, error)
	PurgeDeviceStatus(cutoff time.Time) (int64, error)
}

// Controller is the part of the engine the API drives
type Controller interface {
	SendRelayCommand(deviceID string, channel int, action string, duration *int) error
	NextRun(s *storage.Schedule) (*engine.NextRun, error)
	Devices() *engine.DeviceCache
}

// Hasher hashes and verifies passwords
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, digest string) bool
}

// Config holds HTTP server settings
type Config struct {
	ListenAddr      string
	StatusRetention time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns default HTTP settings
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		StatusRetention: time.Hour,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server is the HTTP front of relayhub
type Server struct {
	config     Config
	store      Store
	controller Controller
	hasher     Hasher
	tokens     *auth.Tokens
	live       http.Handler
	router     *gin.Engine
	httpServer *http.Server
	log        *logrus.Entry
	now        func() time.Time
}

// New builds the router. live serves the websocket endpoint.
func New(config Config, store Store, controller Controller, hasher Hasher, tokens *auth.Tokens, live http.Handler) *Server {
	s := &Server{
		config:     config,
		store:      store,
		controller: controller,
		hasher:     hasher,
		tokens:     tokens,
		live:       live,
		log:        logs.Component("api"),
		now:        time.Now,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", gin.WrapH(s.live))

	r.POST("/api/auth/register", s.register)
	r.POST("/api/auth/login", s.login)

	api := r.Group("/api")
	api.Use(s.authMiddleware())
	{
		api.GET("/dashboard", s.getDashboard)
		api.PUT("/relays", s.upsertRelay)
		api.POST("/relays/:channel/schedules", s.addSchedule)
		api.DELETE("/relays/:channel/schedules/position/:position", s.deleteScheduleAt)
		api.DELETE("/relays/:channel/schedules/:scheduleId", s.deleteSchedule)
		api.GET("/relays/:channel/schedules/:scheduleId/next", s.nextRun)
		api.POST("/relays/:channel/control", s.controlRelay)
		api.GET("/devices", s.listDevices)
		api.GET("/devices/:deviceId/status", s.deviceStatus)
		api.POST("/maintenance/purge-status", s.purgeStatus)
	}
	return r
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens in the background
func (s *Server) Start() error {
	if s.httpServer != nil {
		return fmt.Errorf("server already started")
	}
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("HTTP server failed: %v", err)
		}
	}()
	s.log.WithField("addr", s.config.ListenAddr).Info("HTTP server listening")
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("HTTP request")
	}
}
