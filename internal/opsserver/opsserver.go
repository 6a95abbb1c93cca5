// Package opsserver is a worker's small operational HTTP surface: a
// health check and a WebSocket stream of the same store notifications
// the executor waits on internally, so an external dashboard can watch
// execution live without polling internal/store directly.
package opsserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/aspuru-guzik-group/funsies/internal/store"
)

// Server is the gin-based operational HTTP server.
type Server struct {
	engine *gin.Engine
	store  *store.Store
	logger *slog.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// A worker's ops surface is same-origin tooling (dashboards run
	// alongside the worker), so a permissive origin check is fine here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New builds a Server bound to s, ready to be started with Run. When
// metricsHandler is non-nil (the Prometheus bridge is enabled) it is
// mounted at /metrics.
func New(s *store.Store, logger *slog.Logger, metricsHandler http.Handler) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), otelgin.Middleware("funsies-worker"))

	srv := &Server{engine: engine, store: s, logger: logger}
	engine.GET("/healthz", srv.handleHealthz)
	engine.GET("/ws", srv.handleWebSocket)
	if metricsHandler != nil {
		engine.GET("/metrics", gin.WrapH(metricsHandler))
	}
	return srv
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleWebSocket upgrades the connection and forwards every
// store.Notification under the queue/status prefixes until the client
// disconnects or the request context is done.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("opsserver: websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	notifyCh, unsubscribe, err := s.store.Subscribe(ctx, []string{"queue:pending:", "art:status:", "op:status:"})
	if err != nil {
		s.logger.Warn("opsserver: subscribe failed", slog.String("error", err.Error()))
		return
	}
	defer unsubscribe()

	pinger := time.NewTicker(30 * time.Second)
	defer pinger.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifyCh:
			if !ok {
				return
			}
			if err := conn.WriteJSON(map[string]string{"key": n.Key}); err != nil {
				return
			}
		case <-pinger.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Run starts the HTTP server on addr, blocking until ctx is done, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
