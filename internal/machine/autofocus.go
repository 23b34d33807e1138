package machine

import (
	"context"
	"fmt"
	"math"

	"github.com/KevinKickass/OpenStageCore/internal/microcontroller"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

// FocusMeasurer scores image sharpness at the current Z position. The
// camera side implements it.
type FocusMeasurer interface {
	MeasureFocus(ctx context.Context) (float64, error)
}

type FocusMeasurerFunc func(ctx context.Context) (float64, error)

func (f FocusMeasurerFunc) MeasureFocus(ctx context.Context) (float64, error) {
	return f(ctx)
}

type AutofocusResult struct {
	Measures   []float64 `json:"measures"`
	BestIndex  int       `json:"best_index"`
	StepUsteps int32     `json:"step_usteps"`
	Z          float64   `json:"z_mm"`
}

// AutoFocus sweeps Z upwards around the current position and stops at the
// sharpest step. The sweep ends early once the score falls below
// stop_threshold times the best score seen (for a positive metric).
func (c *Controller) AutoFocus(ctx context.Context, measurer FocusMeasurer) (*AutofocusResult, error) {
	if err := c.CheckMotion(); err != nil {
		return nil, err
	}

	profile := c.nav.Profile()
	af := profile.Autofocus
	if af.NumSteps <= 0 {
		return nil, fmt.Errorf("autofocus needs at least one step, got %d", af.NumSteps)
	}

	conv := c.nav.Converter(microcontroller.AxisZ)
	delta := int32(math.Round(af.DeltaZUm / 1000 / conv.StepSize()))
	if delta <= 0 {
		return nil, fmt.Errorf("autofocus step %.3fum is below one microstep", af.DeltaZUm)
	}
	offset := delta * int32(math.Round(float64(af.NumSteps)/2))
	closedLoop := profile.Z.UseEncoder

	// back off half a sweep so every step approaches in the same direction
	if err := c.moveZ(ctx, -offset, closedLoop); err != nil {
		return nil, fmt.Errorf("autofocus start: %w", err)
	}

	measures := make([]float64, 0, af.NumSteps)
	var best float64
	for i := 0; i < af.NumSteps; i++ {
		if err := c.nav.MoveUsteps(ctx, microcontroller.AxisZ, delta); err != nil {
			return nil, fmt.Errorf("autofocus step %d: %w", i, err)
		}
		m, err := measurer.MeasureFocus(ctx)
		if err != nil {
			return nil, fmt.Errorf("autofocus measure %d: %w", i, err)
		}
		measures = append(measures, m)
		if i == 0 || m > best {
			best = m
		}
		// the drop is taken relative to |best| so metrics may be negative
		if best-m > (1-af.StopThreshold)*math.Abs(best) {
			break
		}
	}

	idx := floats.MaxIdx(measures)
	back := delta*int32(idx+1) - delta*int32(len(measures))
	if back != 0 {
		if err := c.moveZ(ctx, back, closedLoop); err != nil {
			return nil, fmt.Errorf("autofocus return: %w", err)
		}
	}

	res := &AutofocusResult{
		Measures:   measures,
		BestIndex:  idx,
		StepUsteps: delta,
		Z:          c.nav.Position().Z,
	}
	c.logger.Info("Autofocus completed",
		zap.Int("steps", len(measures)),
		zap.Int("best_index", idx),
		zap.Float64("z_mm", res.Z))
	return res, nil
}

func (c *Controller) moveZ(ctx context.Context, usteps int32, closedLoop bool) error {
	if closedLoop {
		return c.nav.MoveUsteps(ctx, microcontroller.AxisZ, usteps)
	}
	return c.nav.MoveZWithBacklashCompensation(ctx, usteps)
}
