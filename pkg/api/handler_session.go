package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
)

// listSessionMessagesHandler handles GET /api/v1/sessions/:id/messages.
func (s *Server) listSessionMessagesHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be a positive integer")
		}
		limit = n
	}

	messages, err := s.sessionService.ListMessages(c.Request().Context(), sessionID, limit)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, messages)
}

// deleteSessionHandler handles DELETE /api/v1/sessions/:id.
// Ends the session if still active, then removes it and its messages.
func (s *Server) deleteSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	if err := s.sessionService.DeleteSession(c.Request().Context(), sessionID); err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &DeleteSessionResponse{
		SessionID: sessionID,
		Message:   "session deleted",
	})
}
