// ABOUTME: HTTP status API and WebSocket entry point built on gin
// ABOUTME: Handlers read the published snapshot and never touch loop state
package server

import (
	"net/http"

	"github.com/Resonate-Protocol/chanrelay/internal/transport"
	"github.com/Resonate-Protocol/chanrelay/internal/version"
	"github.com/gin-gonic/gin"
)

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Name     string `json:"name"`
	ServerID string `json:"server_id"`
	Users    int    `json:"users"`
	Channels int    `json:"channels"`
	Uptime   string `json:"uptime"`
}

// router creates the gin engine for the HTTP surface
func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/channels", s.handleChannels)
	r.GET("/channels/:name", s.handleChannel)
	r.GET("/users", s.handleUsers)
	r.GET(transport.DefaultWebSocketPath, s.handleWebSocket)

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.Snapshot()
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Version:  version.String(),
		Name:     snap.Name,
		ServerID: snap.ServerID,
		Users:    len(snap.Users),
		Channels: len(snap.Channels),
		Uptime:   snap.Uptime().String(),
	})
}

func (s *Server) handleChannels(c *gin.Context) {
	c.JSON(http.StatusOK, s.Snapshot().Channels)
}

func (s *Server) handleChannel(c *gin.Context) {
	name := c.Param("name")
	for _, ch := range s.Snapshot().Channels {
		if ch.Name == name {
			c.JSON(http.StatusOK, ch)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
}

func (s *Server) handleUsers(c *gin.Context) {
	c.JSON(http.StatusOK, s.Snapshot().Users)
}

// handleWebSocket upgrades and hands the connection to the loop. The
// upgraded connection outlives this handler.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", c.Request.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	s.submit(transport.NewWSConn(conn, s.config.MaxFrameSize))
}
