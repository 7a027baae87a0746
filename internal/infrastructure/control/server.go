package control

import (
	"context"
	"net/http"
	"sync"
	"time"

	"charstream/internal/core/domain"
	"charstream/internal/core/ports"
	"charstream/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Local control surface only, never exposed publicly
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Server is the local observability surface: status, health, metrics
// and a websocket feed of status events.
type Server struct {
	session   ports.SessionService
	admission ports.AdmissionService
	healthFn  func(context.Context) error

	connections map[*websocket.Conn]struct{}
	mu          sync.Mutex

	writeTimeout time.Duration

	httpSrv *http.Server
	logger  *zap.SugaredLogger
}

// statusEvent is the document served by GET /status and pushed to
// websocket subscribers on every change.
type statusEvent struct {
	Status      string `json:"status"`
	QueueState  string `json:"queue_state"`
	UsersAhead  *int   `json:"users_ahead,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	UserMessage string `json:"user_message,omitempty"`
	Timestamp   string `json:"timestamp"`
}

func NewServer(session ports.SessionService, admission ports.AdmissionService, healthFn func(context.Context) error, log *zap.Logger) *Server {
	return &Server{
		session:      session,
		admission:    admission,
		healthFn:     healthFn,
		connections:  make(map[*websocket.Conn]struct{}),
		writeTimeout: 10 * time.Second,
		logger:       log.Sugar(),
	}
}

// Start serves the control API until Shutdown. Non-blocking.
func (s *Server) Start(address string) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	router.GET("/status", s.handleStatus)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", s.handleWebSocket)

	s.httpSrv = &http.Server{
		Addr:    address,
		Handler: router,
	}

	go func() {
		s.logger.Infow("control server listening", "address", address)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorw("control server failed", "error", err)
		}
	}()
}

// Shutdown stops the HTTP server and drops websocket subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for conn := range s.connections {
		conn.Close()
	}
	s.connections = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.healthFn != nil {
		if err := s.healthFn(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.currentStatus())
}

func (s *Server) currentStatus() statusEvent {
	event := statusEvent{
		Status:     s.session.Status().String(),
		QueueState: s.admission.State().String(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if ticket := s.admission.Ticket(); ticket != nil {
		event.UsersAhead = ticket.UsersAhead
	}
	if err := s.session.Err(); err != nil {
		event.Error = err.Error()
		event.ErrorCode = string(errors.CodeOf(err))
		event.UserMessage = errors.UserMessageOf(err)
	}
	return event
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	s.connections[conn] = struct{}{}
	s.mu.Unlock()
	s.logger.Infow("status subscriber connected", "remote", conn.RemoteAddr().String())

	// Initial snapshot so subscribers need not wait for a change.
	s.send(conn, s.currentStatus())

	// Drain the read side to notice the peer going away.
	go func() {
		defer s.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// NotifyStatus pushes the current status document to all subscribers.
// Wired to the session service's status observer.
func (s *Server) NotifyStatus(domain.SessionStatus) {
	event := s.currentStatus()

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.connections))
	for conn := range s.connections {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		s.send(conn, event)
	}
}

func (s *Server) send(conn *websocket.Conn, event statusEvent) {
	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := conn.WriteJSON(event); err != nil {
		s.logger.Warnw("status push failed, dropping subscriber", "error", err)
		s.drop(conn)
	}
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	_, ok := s.connections[conn]
	delete(s.connections, conn)
	s.mu.Unlock()
	if ok {
		conn.Close()
	}
}
