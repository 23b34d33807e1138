package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenStageCore/internal/serial"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.GetCurrentStatus())
}

// GET /api/v1/system/ports
func (s *Server) listPorts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ports": serial.ListPorts()})
}

// POST /api/v1/system/shutdown
func (s *Server) shutdown(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Shutdown initiated",
	})

	// the request context ends with this handler
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(s.lm.Config().Server.ShutdownTimeout))
		defer cancel()
		if err := s.lm.Shutdown(ctx); err != nil {
			s.logger.Error("Shutdown failed", zap.Error(err))
		}
	}()
}

func shutdownTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}
