package stage

import (
	"errors"
	"fmt"
	"math"

	"github.com/KevinKickass/OpenStageCore/internal/types"
)

var ErrRawOverflow = errors.New("value exceeds controller range")

// Converter maps between physical units (mm, degrees for theta) and the raw
// units the controller counts in. One sign applies to both directions, so
// relative and absolute moves agree with the reported position.
type Converter struct {
	step float64
	sign float64
}

func NewConverter(ap types.AxisProfile) (*Converter, error) {
	if ap.UseEncoder {
		if ap.EncoderStepSize <= 0 {
			return nil, fmt.Errorf("encoder step size must be positive, got %v", ap.EncoderStepSize)
		}
		return &Converter{step: ap.EncoderStepSize, sign: signOf(ap.EncoderSign)}, nil
	}

	if ap.ScrewPitch <= 0 || ap.FullStepsPerRev <= 0 || ap.Microstepping <= 0 {
		return nil, fmt.Errorf("invalid drive parameters: pitch=%v fullsteps=%d microstepping=%d",
			ap.ScrewPitch, ap.FullStepsPerRev, ap.Microstepping)
	}

	return &Converter{
		step: ap.ScrewPitch / float64(ap.Microstepping*ap.FullStepsPerRev),
		sign: signOf(ap.MovementSign),
	}, nil
}

func signOf(s int) float64 {
	if s < 0 {
		return -1
	}
	return 1
}

// StepSize is the physical distance of one raw unit.
func (c *Converter) StepSize() float64 {
	return c.step
}

func (c *Converter) Sign() int {
	return int(c.sign)
}

// ToRaw converts a physical position or distance to raw units.
func (c *Converter) ToRaw(v float64) (int32, error) {
	r := math.Round(c.sign * v / c.step)
	if r > math.MaxInt32 || r < math.MinInt32 || math.IsNaN(r) {
		return 0, fmt.Errorf("%w: %v", ErrRawOverflow, v)
	}
	return int32(r), nil
}

func (c *Converter) ToPhysical(raw int32) float64 {
	return c.sign * float64(raw) * c.step
}

// LimitDirection names a physical end of travel.
type LimitDirection string

const (
	LimitPositive LimitDirection = "positive"
	LimitNegative LimitDirection = "negative"
)

func ParseLimitDirection(s string) (LimitDirection, error) {
	switch LimitDirection(s) {
	case LimitPositive, LimitNegative:
		return LimitDirection(s), nil
	}
	return "", fmt.Errorf("unknown limit direction %q", s)
}

// LimitToRaw maps a limit at the physical end dir to the end the
// controller sees and the raw value to program. With a negative sign the
// ends swap.
func (c *Converter) LimitToRaw(dir LimitDirection, mm float64) (LimitDirection, int32, error) {
	raw, err := c.ToRaw(mm)
	if err != nil {
		return "", 0, err
	}
	if c.sign < 0 {
		if dir == LimitPositive {
			dir = LimitNegative
		} else {
			dir = LimitPositive
		}
	}
	return dir, raw, nil
}
