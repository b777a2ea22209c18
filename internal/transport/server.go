package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/common/cnst"
	"github.com/stratonas/middled/internal/common/config"
	"github.com/stratonas/middled/internal/session"
	"github.com/stratonas/middled/pkg/metrics"
)

// Server owns the public websocket listener and the internal unix-socket
// listener. Both feed frames to the same Handler.
type Server struct {
	cfg      config.TransportConfig
	logger   *zap.Logger
	handler  Handler
	sessions *session.Store
	metrics  *metrics.Metrics

	upgrader websocket.Upgrader

	public   *http.Server
	publicLn net.Listener
	unix     *http.Server
	unixLn   net.Listener
}

// NewServer wires the listeners; nothing binds until Start.
func NewServer(logger *zap.Logger, cfg config.TransportConfig, handler Handler, sessions *session.Store, m *metrics.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.Named("transport"),
		handler:  handler,
		sessions: sessions,
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The protocol carries its own authentication; origin checks
			// do not apply to non-browser API clients.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start binds both listeners and serves until Shutdown.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	pub := gin.New()
	pub.Use(gin.Recovery())
	pub.GET("/websocket", s.handleWS(cnst.TransportPublic))

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to bind public port: %w", err)
	}
	s.publicLn = ln
	s.public = &http.Server{Handler: pub}
	go func() {
		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			err = s.public.ServeTLS(ln, s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.public.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("public listener failed", zap.Error(err))
		}
	}()
	s.logger.Info("public websocket listening", zap.String("addr", ln.Addr().String()))

	if err := s.startUnix(); err != nil {
		return err
	}
	return nil
}

func (s *Server) startUnix() error {
	// A stale socket from an unclean shutdown blocks the bind.
	if err := os.Remove(s.cfg.UnixSocket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.cfg.UnixSocket)
	if err != nil {
		return fmt.Errorf("failed to bind unix socket: %w", err)
	}
	if err := os.Chmod(s.cfg.UnixSocket, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to chmod unix socket: %w", err)
	}
	s.unixLn = ln

	internal := gin.New()
	internal.Use(gin.Recovery())
	internal.GET("/websocket", s.handleUnixWS())

	s.unix = &http.Server{
		Handler: internal,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, unixConnKey{}, c)
		},
	}
	go func() {
		if err := s.unix.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("unix listener failed", zap.Error(err))
		}
	}()
	s.logger.Info("unix socket listening", zap.String("path", s.cfg.UnixSocket))
	return nil
}

type unixConnKey struct{}

func (s *Server) handleWS(kind cnst.TransportKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		s.serveConn(ws, kind, false)
	}
}

func (s *Server) handleUnixWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := verifyPeer(c.Request.Context()); err != nil {
			s.logger.Warn("unix peer rejected", zap.Error(err))
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		s.serveConn(ws, cnst.TransportUnix, true)
	}
}

// verifyPeer checks SO_PEERCRED on the accepted unix connection: only root
// and the daemon's own uid may connect.
func verifyPeer(ctx context.Context) error {
	nc, _ := ctx.Value(unixConnKey{}).(net.Conn)
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("not a unix connection")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return err
	}
	var cred *syscall.Ucred
	var credErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, credErr = syscall.GetsockoptUcred(int(fd), syscall.SOL_SOCKET, syscall.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	if credErr != nil {
		return credErr
	}
	if cred.Uid != 0 && cred.Uid != uint32(os.Getuid()) {
		return fmt.Errorf("uid %d not permitted", cred.Uid)
	}
	return nil
}

// serveConn registers a session and runs the connection to completion.
// Unix-socket peers are implicitly the system identity with every role.
func (s *Server) serveConn(ws *websocket.Conn, kind cnst.TransportKind, system bool) {
	id := uuid.NewString()
	sess := session.New(id, kind.String())
	if system {
		sess.Authenticate(cnst.SystemIdentity, session.CredentialSystem, []string{cnst.RoleFullAdmin})
	}
	if err := s.sessions.Register(sess); err != nil {
		s.logger.Error("failed to register session", zap.Error(err))
		_ = ws.Close()
		return
	}
	defer func() { _ = s.sessions.Unregister(id) }()

	conn := newConn(id, kind, ws, sess, s.logger, s.cfg.SendQueueSize,
		s.cfg.PingInterval, s.cfg.IdleTimeout)

	s.metrics.ConnOpened(kind.String())
	defer s.metrics.ConnClosed(kind.String())

	s.logger.Debug("connection opened",
		zap.String("conn_id", id), zap.String("transport", kind.String()))
	conn.serve(s.handler)
	s.logger.Debug("connection closed", zap.String("conn_id", id))
}

// Addr returns the bound public address, valid after Start.
func (s *Server) Addr() string {
	if s.publicLn == nil {
		return ""
	}
	return s.publicLn.Addr().String()
}

// Shutdown stops both listeners and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.public != nil {
		if err := s.public.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.unix != nil {
		if err := s.unix.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	_ = os.Remove(s.cfg.UnixSocket)
	return firstErr
}
