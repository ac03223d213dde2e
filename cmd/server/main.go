package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	cidpkg "sightline/internal/cid"
	"sightline/internal/config"
	"sightline/internal/otelutil"
	"sightline/internal/state"
	"sightline/internal/store"
	"sightline/internal/types"
	"sightline/pkg/logger"
	"sightline/pkg/protocol"
)

// Server wires the coordinator, the persistence gateway and the HTTP
// surface together.
type Server struct {
	router  *gin.Engine
	state   *state.Manager
	gateway store.Gateway
	log     *slog.Logger
	tracer  trace.Tracer

	// gracePeriod is the reconnection window for mid-call drops.
	gracePeriod time.Duration
}

func newServer(m *state.Manager, gw store.Gateway, log *slog.Logger, grace time.Duration) *Server {
	return &Server{
		router:      gin.New(),
		state:       m,
		gateway:     gw,
		log:         log,
		tracer:      otel.Tracer("sightline/server"),
		gracePeriod: grace,
	}
}

func (s *Server) routes() {
	s.router.Use(gin.Recovery())
	s.router.Use(cidMiddleware())

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "sightline"})
	})
	s.router.GET("/api", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Sightline Signaling Server", "version": "0.1.0"})
	})
	s.router.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.state.Stats())
	})
	s.router.GET("/api/volunteers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"volunteers": s.state.Volunteers()})
	})
	s.router.GET("/ws", s.handleWebSocket)
}

// cidMiddleware attaches a correlation id to the request context,
// respecting an id already supplied by the client.
func cidMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(cidpkg.HeaderName)
		if id == "" {
			id = ksuid.New().String()
		}
		c.Request = c.Request.WithContext(cidpkg.WithCID(c.Request.Context(), id))
		c.Writer.Header().Set(cidpkg.HeaderName, id)
		c.Next()
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	connectionID := uuid.New().String()
	client := &types.ClientConn{
		Conn:         conn,
		ConnectionID: connectionID,
		Send:         make(chan []byte, 256),
	}
	s.state.AddClient(client)

	log := s.log.With("conn", connectionID, "cid", cidpkg.CIDFromContext(c.Request.Context()))
	log.Info("client connected")

	go s.writePump(client)

	defer func() {
		s.handleDisconnect(client, log)
		close(client.Send)
		log.Info("client disconnected")
	}()

	s.readLoop(c.Request.Context(), client, log)
}

func (s *Server) readLoop(ctx context.Context, client *types.ClientConn, log *slog.Logger) {
	for {
		msgType, message, err := client.Conn.Read(ctx)
		if err != nil {
			log.Debug("websocket read ended", "err", err)
			return
		}
		if msgType != websocket.MessageText {
			log.Warn("ignoring non-text frame")
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Warn("unparseable message", "err", err)
			continue
		}
		s.dispatch(client, env, log)
	}
}

func (s *Server) writePump(client *types.ClientConn) {
	ctx := context.Background()
	for message := range client.Send {
		if err := client.Conn.Write(ctx, websocket.MessageText, message); err != nil {
			s.log.Debug("websocket write failed", "conn", client.ConnectionID, "err", err)
			return
		}
	}
}

func (s *Server) dispatch(client *types.ClientConn, env protocol.Envelope, log *slog.Logger) {
	switch env.Type {
	case protocol.TypeJoin:
		s.handleJoin(client, env.Data, log)
	case protocol.TypeJoinRoom:
		s.handleJoinRoom(client, env.Data, log)
	case protocol.TypeStartCall:
		s.handleStartCall(client, log)
	case protocol.TypeAcceptCall:
		s.handleAcceptCall(client, env.Data, log)
	case protocol.TypeCancelCall:
		s.handleCancelCall(client, env.Data, log)
	case protocol.TypeEndCall:
		s.handleEndCall(client, env.Data, log)
	case protocol.TypeUpdateAvailability:
		s.handleUpdateAvailability(client, env.Data, log)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		s.handleRelay(client, env, log)
	case protocol.TypePeerReady:
		s.handlePeerReady(client, env, log)
	default:
		// Closed catalog: unknown types are dropped, never relayed.
		log.Warn("unknown message type", "type", env.Type)
	}
}

// send marshals an envelope onto the client's outbound queue. Sends are
// non-blocking; a full queue drops the frame and logs.
func (s *Server) send(client *types.ClientConn, msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		s.log.Error("marshal outbound payload", "type", msgType, "err", err)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		s.log.Error("marshal outbound envelope", "type", msgType, "err", err)
		return
	}
	s.sendRaw(client, raw, msgType)
}

func (s *Server) sendRaw(client *types.ClientConn, raw []byte, msgType string) {
	select {
	case client.Send <- raw:
	default:
		s.log.Warn("send queue full, dropping frame",
			"conn", client.ConnectionID, "type", msgType)
	}
}

// persistCtx builds a detached context for gateway follow-ups so they
// never run under the request lifetime or the state lock.
func (s *Server) persistCtx(op string) (context.Context, trace.Span, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	ctx, span := s.tracer.Start(ctx, op)
	return ctx, span, cancel
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Env)
	slog.SetDefault(log)

	if err := otelutil.Init(); err != nil {
		log.Debug("tracing disabled", "reason", err)
	}
	defer otelutil.Flush()

	var gateway store.Gateway
	if cfg.UseLiveGateway() {
		live, err := store.OpenLive(context.Background(), store.LiveConfig{
			PostgresDSN: cfg.PostgresDSN,
			RedisAddr:   cfg.RedisAddr,
		})
		if err != nil {
			log.Error("persistence gateway unavailable", "err", err)
			os.Exit(1)
		}
		defer live.Close()
		gateway = live
	} else {
		log.Warn("no persistence configured, using in-memory gateway")
		gateway = store.NewMemory()
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := newServer(state.NewManager(), gateway, log, cfg.GracePeriod)
	srv.routes()

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: srv.router,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error("forced shutdown", "err", err)
		}
	}()

	log.Info("starting sightline server", "addr", cfg.HTTPAddr(), "grace_period", cfg.GracePeriod)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server failed", "err", err)
		os.Exit(1)
	}
}
