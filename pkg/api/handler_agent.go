package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/droverhq/drover/pkg/models"
)

// steerAgentHandler handles POST /api/v1/agents/:agentId/steer.
// Accepts the message for the agent's next model turn and returns 202.
func (s *Server) steerAgentHandler(c *echo.Context) error {
	agentID := c.Param("agentId")
	if agentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}

	var req SteerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	priority := models.SteerPriority(req.Priority)
	if req.Priority == "" {
		priority = models.SteerPriorityNormal
	}

	msg, err := s.agentService.Steer(c.Request().Context(), agentID, req.Message, priority)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusAccepted, msg)
}

// agentStateHandler handles GET /api/v1/agents/:agentId/state.
func (s *Server) agentStateHandler(c *echo.Context) error {
	agentID := c.Param("agentId")
	if agentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}

	status, err := s.agentService.AgentState(c.Request().Context(), agentID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, status)
}

// listAgentsHandler handles GET /api/v1/agents.
func (s *Server) listAgentsHandler(c *echo.Context) error {
	activeOnly := c.QueryParam("active") == "true"

	agents, err := s.agentService.ListAgents(c.Request().Context(), activeOnly)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, agents)
}

// listAgentSessionsHandler handles GET /api/v1/agents/:agentId/sessions.
func (s *Server) listAgentSessionsHandler(c *echo.Context) error {
	agentID := c.Param("agentId")
	if agentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be a positive integer")
		}
		limit = n
	}

	sessions, err := s.sessionService.ListAgentSessions(c.Request().Context(), agentID, limit)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, sessions)
}

// agentStreamHandler handles GET /api/v1/agents/:agentId/stream.
// Serves the agent's live event stream over SSE; a Last-Event-ID header
// replays missed events from the ring buffer. Blocks until the client
// disconnects.
func (s *Server) agentStreamHandler(c *echo.Context) error {
	agentID := c.Param("agentId")
	if agentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}

	lastEventID := c.Request().Header.Get("Last-Event-ID")
	return s.streams.Connect(c.Request().Context(), agentID, c.Response(), lastEventID)
}
