package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// chatWSHandler handles GET /api/v1/chat/ws.
// Upgrades to WebSocket and hands the connection to the chat adapter.
// Blocks until the client disconnects.
func (s *Server) chatWSHandler(c *echo.Context) error {
	if s.chatWS == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "chat is not available")
	}
	return s.chatWS.Accept(c.Response(), c.Request())
}
