package machine

import (
	"context"
	"errors"
	"testing"

	"github.com/KevinKickass/OpenStageCore/internal/microcontroller"
	"github.com/KevinKickass/OpenStageCore/internal/types"
)

func TestAutoFocusFindsPeak(t *testing.T) {
	f := newFixture(t, types.DefaultStageProfile(), testHomingConfig())
	ctx := context.Background()

	if err := f.nav.MoveZTo(ctx, 3); err != nil {
		t.Fatal(err)
	}
	start := f.sim.Position().Z

	// 1.524um on a 0.3048mm screw at 1600 usteps/rev is 8 usteps; the
	// sweep backs off 40 and the sharpest plane sits at step index 3
	peak := start - 40 + 8*4
	measurer := FocusMeasurerFunc(func(context.Context) (float64, error) {
		d := f.sim.Position().Z - peak
		if d < 0 {
			d = -d
		}
		return 100 - float64(d), nil
	})

	res, err := f.ctrl.AutoFocus(ctx, measurer)
	if err != nil {
		t.Fatal(err)
	}

	if res.StepUsteps != 8 {
		t.Errorf("step = %d usteps, want 8", res.StepUsteps)
	}
	if res.BestIndex != 3 {
		t.Errorf("best index = %d, want 3 (measures %v)", res.BestIndex, res.Measures)
	}
	// 84 < 0.85*100 stops the sweep after six planes
	if len(res.Measures) != 6 {
		t.Errorf("%d planes measured, want 6", len(res.Measures))
	}
	if got := f.sim.Position().Z; got != peak {
		t.Errorf("final raw z = %d, want %d", got, peak)
	}

	// every downward move is split for backlash
	var down int
	for _, rc := range f.sim.Received() {
		if rc.Command.Opcode == microcontroller.OpMoveZ && microcontroller.Int32(rc.Command.Args) < 0 {
			down++
		}
	}
	if down != 2 {
		t.Errorf("%d downward z moves, want 2", down)
	}
}

func TestAutoFocusNegativeMetric(t *testing.T) {
	f := newFixture(t, types.DefaultStageProfile(), testHomingConfig())
	ctx := context.Background()

	if err := f.nav.MoveZTo(ctx, 3); err != nil {
		t.Fatal(err)
	}
	start := f.sim.Position().Z
	peak := start - 40 + 8*4

	// -74 -66 -58 -50 -58: the last drop of 8 exceeds 15% of 50
	measurer := FocusMeasurerFunc(func(context.Context) (float64, error) {
		d := f.sim.Position().Z - peak
		if d < 0 {
			d = -d
		}
		return -50 - float64(d), nil
	})

	res, err := f.ctrl.AutoFocus(ctx, measurer)
	if err != nil {
		t.Fatal(err)
	}
	if res.BestIndex != 3 {
		t.Errorf("best index = %d, want 3 (measures %v)", res.BestIndex, res.Measures)
	}
	if len(res.Measures) != 5 {
		t.Errorf("%d planes measured, want 5 (measures %v)", len(res.Measures), res.Measures)
	}
	if got := f.sim.Position().Z; got != peak {
		t.Errorf("final raw z = %d, want %d", got, peak)
	}
}

func TestAutoFocusRefusedAfterFailedHoming(t *testing.T) {
	f := newFixture(t, types.DefaultStageProfile(), testHomingConfig())
	f.ctrl.mu.Lock()
	f.ctrl.requireHome = true
	f.ctrl.mu.Unlock()

	_, err := f.ctrl.AutoFocus(context.Background(), FocusMeasurerFunc(func(context.Context) (float64, error) {
		return 1, nil
	}))
	if !errors.Is(err, ErrHomingRequired) {
		t.Errorf("err = %v, want ErrHomingRequired", err)
	}
}
