package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenStageCore/internal/machine"
	"github.com/KevinKickass/OpenStageCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/machine/status
func (s *Server) getMachineStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.MachineController().Status())
}

// POST /api/v1/machine/command
func (s *Server) executeMachineCommand(c *gin.Context) {
	var req struct {
		Command string `json:"command" binding:"required,oneof=home reset"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("MACHINE_400", "Invalid request body", err.Error()))
		return
	}

	cmd := machine.Command(req.Command)

	runID, err := s.lm.MachineController().ExecuteCommand(c.Request.Context(), cmd)
	if err != nil {
		s.logger.Error("Machine command failed",
			zap.String("command", req.Command),
			zap.Error(err))
		status := http.StatusBadRequest
		if errors.Is(err, machine.ErrHomingInProgress) {
			status = http.StatusConflict
		}
		c.JSON(status, types.NewErrorResponse("MACHINE_400", "Command execution failed", err.Error()))
		return
	}

	resp := gin.H{
		"message": "Command accepted",
		"command": req.Command,
	}
	if cmd == machine.CommandHome {
		resp["run_id"] = runID.String()
	}
	c.JSON(http.StatusAccepted, resp)
}

// GET /api/v1/machine/runs?limit=n
func (s *Server) listHomingRuns(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("MACHINE_400", "Invalid limit", v))
			return
		}
		limit = n
	}

	runs, err := s.lm.MachineController().ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("MACHINE_500", "Failed to list homing runs", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{"runs": runs})
}
