package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenStageCore/internal/machine"
	"github.com/KevinKickass/OpenStageCore/internal/microcontroller"
	"github.com/KevinKickass/OpenStageCore/internal/navigation"
	"github.com/KevinKickass/OpenStageCore/internal/stage"
	"github.com/KevinKickass/OpenStageCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type MoveRequest struct {
	Axis     string   `json:"axis" binding:"required"`
	Value    *float64 `json:"value" binding:"required"`
	Absolute bool     `json:"absolute"`
}

type AxisRequest struct {
	Axis string `json:"axis" binding:"required"`
}

type LimitRequest struct {
	Axis      string   `json:"axis" binding:"required,oneof=x y z"`
	Direction string   `json:"direction" binding:"required"`
	ValueMM   *float64 `json:"value_mm" binding:"required"`
}

type ApproachRequest struct {
	ValueMM *float64 `json:"value_mm" binding:"required"`
}

type PositionResponse struct {
	navigation.Position
	Busy bool `json:"busy"`
}

// stageError maps motion errors to HTTP responses and journals controller
// faults.
func (s *Server) stageError(c *gin.Context, action string, err error) {
	s.lm.MachineController().RecordFault(c.Request.Context(), err)

	var cmdErr *microcontroller.CommandError
	switch {
	case errors.Is(err, navigation.ErrOutOfRange), errors.Is(err, stage.ErrRawOverflow):
		c.JSON(http.StatusUnprocessableEntity, types.NewErrorResponse("STAGE_422", "Target outside software limits", err.Error()))
	case errors.Is(err, machine.ErrHomingRequired), errors.Is(err, machine.ErrHomingInProgress):
		c.JSON(http.StatusConflict, types.NewErrorResponse("STAGE_409", "Motion refused", err.Error()))
	case errors.As(err, &cmdErr):
		c.JSON(http.StatusBadGateway, types.NewErrorResponse("STAGE_502", "Controller rejected command", gin.H{
			"command_id": cmdErr.CommandID,
			"opcode":     cmdErr.Opcode.String(),
			"status":     cmdErr.Status.String(),
		}))
	case errors.Is(err, microcontroller.ErrTimeout), errors.Is(err, microcontroller.ErrNoAcknowledgement):
		c.JSON(http.StatusGatewayTimeout, types.NewErrorResponse("STAGE_504", "Controller did not complete command", err.Error()))
	default:
		s.logger.Error("Stage operation failed", zap.String("action", action), zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("STAGE_500", "Stage operation failed", err.Error()))
	}
}

// GET /api/v1/stage/position
func (s *Server) getPosition(c *gin.Context) {
	nav := s.lm.Navigation()
	c.JSON(http.StatusOK, PositionResponse{
		Position: nav.Position(),
		Busy:     nav.IsBusy(),
	})
}

// POST /api/v1/stage/move
func (s *Server) move(c *gin.Context) {
	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("STAGE_400", "Invalid request body", err.Error()))
		return
	}

	axis, err := microcontroller.ParseAxis(req.Axis)
	if err != nil || axis == microcontroller.AxisXY {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("STAGE_400", "Invalid axis", req.Axis))
		return
	}
	if req.Absolute && axis == microcontroller.AxisTheta {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("STAGE_400", "Theta supports relative moves only", nil))
		return
	}

	if err := s.lm.MachineController().CheckMotion(); err != nil {
		s.stageError(c, "move", err)
		return
	}

	nav := s.lm.Navigation()
	if req.Absolute {
		err = nav.MoveTo(c.Request.Context(), axis, *req.Value)
	} else {
		err = nav.Move(c.Request.Context(), axis, *req.Value)
	}
	if err != nil {
		s.stageError(c, "move", err)
		return
	}

	c.JSON(http.StatusOK, PositionResponse{Position: nav.Position()})
}

// POST /api/v1/stage/home
func (s *Server) homeAxis(c *gin.Context) {
	var req AxisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("STAGE_400", "Invalid request body", err.Error()))
		return
	}

	axis, err := microcontroller.ParseAxis(req.Axis)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("STAGE_400", "Invalid axis", req.Axis))
		return
	}

	// a single-axis home is how an operator recovers, so only a running
	// homing sequence blocks it
	if err := s.lm.MachineController().CheckMotion(); errors.Is(err, machine.ErrHomingInProgress) {
		s.stageError(c, "home", err)
		return
	}

	nav := s.lm.Navigation()
	if err := nav.Home(c.Request.Context(), axis, s.lm.Config().Homing.Timeout); err != nil {
		s.stageError(c, "home", err)
		return
	}

	c.JSON(http.StatusOK, PositionResponse{Position: nav.Position()})
}

// POST /api/v1/stage/zero
func (s *Server) zeroAxis(c *gin.Context) {
	var req AxisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("STAGE_400", "Invalid request body", err.Error()))
		return
	}

	axis, err := microcontroller.ParseAxis(req.Axis)
	if err != nil || axis == microcontroller.AxisXY {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("STAGE_400", "Invalid axis", req.Axis))
		return
	}

	if err := s.lm.MachineController().CheckMotion(); errors.Is(err, machine.ErrHomingInProgress) {
		s.stageError(c, "zero", err)
		return
	}

	nav := s.lm.Navigation()
	if err := nav.Zero(c.Request.Context(), axis); err != nil {
		s.stageError(c, "zero", err)
		return
	}

	c.JSON(http.StatusOK, PositionResponse{Position: nav.Position()})
}

// GET /api/v1/stage/limits
func (s *Server) getLimits(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.Navigation().Limits())
}

// POST /api/v1/stage/limits
func (s *Server) setLimit(c *gin.Context) {
	var req LimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("STAGE_400", "Invalid request body", err.Error()))
		return
	}

	axis, err := microcontroller.ParseAxis(req.Axis)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("STAGE_400", "Invalid axis", req.Axis))
		return
	}
	dir, err := stage.ParseLimitDirection(req.Direction)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("STAGE_400", "Invalid direction", err.Error()))
		return
	}

	if err := s.lm.MachineController().CheckMotion(); err != nil {
		s.stageError(c, "set limit", err)
		return
	}

	nav := s.lm.Navigation()
	if err := nav.SetLimit(c.Request.Context(), axis, dir, *req.ValueMM); err != nil {
		s.stageError(c, "set limit", err)
		return
	}

	c.JSON(http.StatusOK, nav.Limits())
}

// POST /api/v1/stage/z/approach
func (s *Server) approachZ(c *gin.Context) {
	var req ApproachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("STAGE_400", "Invalid request body", err.Error()))
		return
	}

	if err := s.lm.MachineController().CheckMotion(); err != nil {
		s.stageError(c, "z approach", err)
		return
	}

	nav := s.lm.Navigation()
	usteps, err := nav.Converter(microcontroller.AxisZ).ToRaw(*req.ValueMM)
	if err != nil {
		s.stageError(c, "z approach", err)
		return
	}
	if err := nav.MoveZWithBacklashCompensation(c.Request.Context(), usteps); err != nil {
		s.stageError(c, "z approach", err)
		return
	}

	c.JSON(http.StatusOK, PositionResponse{Position: nav.Position()})
}
