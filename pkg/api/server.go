package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/droverhq/drover/pkg/approval"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/database"
	"github.com/droverhq/drover/pkg/dispatch"
	"github.com/droverhq/drover/pkg/scheduler"
	"github.com/droverhq/drover/pkg/services"
	"github.com/droverhq/drover/pkg/stream"
)

// Server is the HTTP API: fleet control, approvals, SSE streams, and the
// WebSocket chat endpoint.
type Server struct {
	cfg      *config.ServerConfig
	dbClient *database.Client

	agentService   *services.AgentService
	sessionService *services.SessionService
	jobService     *services.JobService

	gate    *approval.Gate
	streams *stream.Manager
	pool    *scheduler.Pool
	chatWS  *dispatch.WebSocketAdapter

	echo       *echo.Echo
	httpServer *http.Server
}

// NewServer creates the API server. Optional collaborators are attached
// with the Set* methods before Start.
func NewServer(
	cfg *config.ServerConfig,
	dbClient *database.Client,
	agentService *services.AgentService,
	sessionService *services.SessionService,
	jobService *services.JobService,
	gate *approval.Gate,
	streams *stream.Manager,
) *Server {
	s := &Server{
		cfg:            cfg,
		dbClient:       dbClient,
		agentService:   agentService,
		sessionService: sessionService,
		jobService:     jobService,
		gate:           gate,
		streams:        streams,
	}
	s.echo = s.buildRouter()
	return s
}

// SetWorkerPool attaches the scheduler pool for health reporting.
func (s *Server) SetWorkerPool(pool *scheduler.Pool) {
	s.pool = pool
}

// SetChatAdapter attaches the WebSocket chat adapter serving /chat/ws.
func (s *Server) SetChatAdapter(adapter *dispatch.WebSocketAdapter) {
	s.chatWS = adapter
}

func (s *Server) buildRouter() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/api/v1/health", s.healthHandler)

	v1 := e.Group("/api/v1")
	v1.Use(s.authMiddleware())

	// Fleet control (operator role).
	v1.POST("/agents/:agentId/steer", s.steerAgentHandler, requireRole(roleOperator))
	v1.GET("/agents/:agentId/state", s.agentStateHandler, requireRole(roleOperator))
	v1.GET("/agents/:agentId/sessions", s.listAgentSessionsHandler, requireRole(roleOperator))
	v1.GET("/agents/:agentId/stream", s.agentStreamHandler, requireRole(roleOperator))
	v1.GET("/agents", s.listAgentsHandler, requireRole(roleOperator))

	// Sessions and jobs (operator role).
	v1.GET("/sessions/:id/messages", s.listSessionMessagesHandler, requireRole(roleOperator))
	v1.DELETE("/sessions/:id", s.deleteSessionHandler, requireRole(roleOperator))
	v1.GET("/jobs/:id", s.getJobHandler, requireRole(roleOperator))

	// Approvals: operators create, approvers decide, both read.
	v1.POST("/jobs/:jobId/approval", s.createApprovalHandler, requireRole(roleOperator))
	v1.POST("/approval/:id/decide", s.decideApprovalHandler, requireRole(roleApprover))
	v1.POST("/approval/token/decide", s.decideApprovalByTokenHandler, requireRole(roleApprover))
	v1.GET("/approvals", s.listApprovalsHandler, requireRole(roleOperator, roleApprover))
	v1.GET("/approvals/stream", s.approvalsStreamHandler, requireRole(roleOperator, roleApprover))
	v1.GET("/approvals/:id", s.getApprovalHandler, requireRole(roleOperator, roleApprover))
	v1.GET("/approvals/:id/audit", s.approvalAuditHandler, requireRole(roleOperator, roleApprover))

	// Operator chat over WebSocket.
	v1.GET("/chat/ws", s.chatWSHandler, requireRole(roleOperator))

	return e
}

// Start serves HTTP on addr and blocks until Shutdown or failure.
// SSE and WebSocket endpoints hold connections open, so no server-level
// write timeout is set; the stream manager enforces per-write deadlines.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting new connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
