package types

// StageProfile describes the mechanics of one microscope stage: lead screws,
// stepper drivers, encoders and the soft travel envelope.
type StageProfile struct {
	Controller ControllerInfo   `json:"controller"`
	X          AxisProfile      `json:"x"`
	Y          AxisProfile      `json:"y"`
	Z          AxisProfile      `json:"z"`
	Theta      AxisProfile      `json:"theta"`
	Limits     SoftLimits       `json:"software_limits"`
	Autofocus  AutofocusProfile `json:"autofocus"`
}

type ControllerInfo struct {
	Vendor       string `json:"vendor"`
	Model        string `json:"model"`
	Version      string `json:"version"`
	SerialNumber string `json:"serial_number,omitempty"`
}

type AxisProfile struct {
	// mm per revolution (degrees for theta)
	ScrewPitch      float64 `json:"screw_pitch"`
	FullStepsPerRev int     `json:"fullsteps_per_rev"`
	Microstepping   int     `json:"microstepping"`
	MovementSign    int     `json:"movement_sign"`

	UseEncoder      bool    `json:"use_encoder"`
	EncoderStepSize float64 `json:"encoder_step_size,omitempty"`
	EncoderSign     int     `json:"encoder_sign,omitempty"`
	// Encoder transitions per motor revolution, sent with CONFIGURE_STAGE_PID
	EncoderTransitions int  `json:"encoder_transitions,omitempty"`
	FlipDirection      bool `json:"flip_direction,omitempty"`

	HomingEnabled      bool    `json:"homing_enabled"`
	HomeSwitchPolarity int     `json:"home_switch_polarity"`
	MaxVelocity        float64 `json:"max_velocity"`
	MaxAcceleration    float64 `json:"max_acceleration"`
	RunCurrent         int     `json:"run_current_ma"`
	HoldCurrentRatio   float64 `json:"hold_current_ratio"`
}

// SoftLimits in mm. The firmware refuses to drive past these once set.
type SoftLimits struct {
	XPositive float64 `json:"x_positive"`
	XNegative float64 `json:"x_negative"`
	YPositive float64 `json:"y_positive"`
	YNegative float64 `json:"y_negative"`
	ZPositive float64 `json:"z_positive"`
	ZNegative float64 `json:"z_negative"`
}

type AutofocusProfile struct {
	NumSteps      int     `json:"num_steps"`
	DeltaZUm      float64 `json:"delta_z_um"`
	StopThreshold float64 `json:"stop_threshold"`
	// Microsteps the Z drive overshoots by before approaching a target
	// from below. Raised to 20*microstepping when smaller.
	BacklashClearance int `json:"backlash_clearance_usteps"`
}

// DefaultStageProfile matches the stock Squid stage.
func DefaultStageProfile() StageProfile {
	xy := AxisProfile{
		ScrewPitch:         1,
		FullStepsPerRev:    200,
		Microstepping:      8,
		HomingEnabled:      true,
		HomeSwitchPolarity: 1,
		MaxVelocity:        25,
		MaxAcceleration:    500,
		RunCurrent:         1000,
		HoldCurrentRatio:   0.25,
		EncoderStepSize:    100e-6,
		EncoderSign:        1,
	}

	x := xy
	x.MovementSign = -1
	y := xy
	y.MovementSign = 1

	return StageProfile{
		Controller: ControllerInfo{Vendor: "Cephla", Model: "Squid", Version: "1"},
		X:          x,
		Y:          y,
		Z: AxisProfile{
			ScrewPitch:         0.3048,
			FullStepsPerRev:    200,
			Microstepping:      8,
			MovementSign:       -1,
			HomingEnabled:      true,
			HomeSwitchPolarity: 2,
			MaxVelocity:        2,
			MaxAcceleration:    20,
			RunCurrent:         500,
			HoldCurrentRatio:   0.5,
			EncoderStepSize:    100e-6,
			EncoderSign:        1,
		},
		Theta: AxisProfile{
			ScrewPitch:       360,
			FullStepsPerRev:  200,
			Microstepping:    8,
			MovementSign:     1,
			MaxVelocity:      10,
			MaxAcceleration:  100,
			RunCurrent:       500,
			HoldCurrentRatio: 0.5,
		},
		Limits: SoftLimits{
			XPositive: 56,
			XNegative: -0.5,
			YPositive: 56,
			YNegative: -0.5,
			ZPositive: 6,
			ZNegative: 0.05,
		},
		Autofocus: AutofocusProfile{
			NumSteps:          10,
			DeltaZUm:          1.524,
			StopThreshold:     0.85,
			BacklashClearance: 160,
		},
	}
}
