package onboard

import (
	"io/ioutil"
	"time"

	derrors "github.com/CodedInternet/gosorter/onboard/errors"
	"github.com/Masterminds/semver"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// CONFIG_VERSION is the range of config file versions this build understands.
const CONFIG_VERSION = "^1.0.0"

const (
	BACKEND_PIGPIO  = "pigpio"
	BACKEND_CHARDEV = "chardev"
	BACKEND_SIM     = "sim"
)

// Duration reads Go duration strings such as "800us" from YAML.
type Duration time.Duration

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type PinConfig struct {
	Step        int  `yaml:"step"`
	Dir         int  `yaml:"dir"`
	Enable      *int `yaml:"enable,omitempty"`
	LeftSwitch  *int `yaml:"left_switch"`
	RightSwitch *int `yaml:"right_switch"`
}

type Mechanics struct {
	ChannelSpacingCM  float64 `yaml:"channel_spacing_cm"`
	BeltPitchMM       float64 `yaml:"belt_pitch_mm"`
	PulleyTeeth       int     `yaml:"pulley_teeth"`
	TravelPerRevCM    float64 `yaml:"travel_per_rev_cm,omitempty"`
	StepsPerRev       int     `yaml:"steps_per_rev"`
	Microstepping     int     `yaml:"microstepping"`
	ReturnClearanceCM float64 `yaml:"return_clearance_cm"`
}

// TravelPerRev is the carriage travel in cm for one pulley revolution. When it
// is not configured directly it is derived from the belt.
func (m Mechanics) TravelPerRev() float64 {
	if m.TravelPerRevCM > 0 {
		return m.TravelPerRevCM
	}
	return m.BeltPitchMM * float64(m.PulleyTeeth) / 10
}

// MicrostepsPerRev is the number of step pulses per pulley revolution.
func (m Mechanics) MicrostepsPerRev() int {
	micro := m.Microstepping
	if micro < 1 {
		micro = 1
	}
	return m.StepsPerRev * micro
}

type Timing struct {
	StepHalfPeriod Duration `yaml:"step_half_period"`
	HomeHalfPeriod Duration `yaml:"home_half_period"`
	MinPulseWidth  Duration `yaml:"min_pulse_width"`
	Debounce       Duration `yaml:"debounce"`
	PollInterval   Duration `yaml:"poll_interval"`
}

type BackendConfig struct {
	Kind string `yaml:"kind"`
	Addr string `yaml:"addr"`
	Chip string `yaml:"chip"`
}

type SorterConfig struct {
	Version   string        `yaml:"version"`
	Pins      PinConfig     `yaml:"pins"`
	Mechanics Mechanics     `yaml:"mechanics"`
	Timing    Timing        `yaml:"timing"`
	Backend   BackendConfig `yaml:"backend"`

	// ForwardHigh drives DIR high to move toward higher channels. The
	// reference wiring is the opposite.
	ForwardHigh bool `yaml:"forward_high"`
}

func DefaultConfig() SorterConfig {
	return SorterConfig{
		Version: "1.0.0",
		Pins: PinConfig{
			Step: 6,
			Dir:  5,
		},
		Mechanics: Mechanics{
			ChannelSpacingCM:  20,
			BeltPitchMM:       2,
			PulleyTeeth:       20,
			StepsPerRev:       200,
			Microstepping:     1,
			ReturnClearanceCM: 5,
		},
		Timing: Timing{
			StepHalfPeriod: Duration(800 * time.Microsecond),
			HomeHalfPeriod: Duration(time.Millisecond),
			MinPulseWidth:  Duration(2 * time.Microsecond),
			Debounce:       Duration(2 * time.Millisecond),
			PollInterval:   Duration(time.Millisecond),
		},
		Backend: BackendConfig{
			Kind: BACKEND_PIGPIO,
			Addr: "localhost:8888",
			Chip: "gpiochip0",
		},
	}
}

// ParseConfig decodes data over the defaults and validates the result.
func ParseConfig(data []byte) (config SorterConfig, err error) {
	config = DefaultConfig()
	if err = yaml.UnmarshalStrict(data, &config); err != nil {
		return config, derrors.ConfigurationError{Reason: err.Error()}
	}
	return config, config.Validate()
}

func LoadConfig(path string) (config SorterConfig, err error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return DefaultConfig(), errors.Wrap(err, "unable to read config")
	}
	return ParseConfig(data)
}

func (c SorterConfig) Validate() error {
	version, err := semver.NewVersion(c.Version)
	if err != nil {
		return derrors.ConfigurationError{Field: "version", Reason: err.Error()}
	}
	constraint, err := semver.NewConstraint(CONFIG_VERSION)
	if err != nil {
		return err
	}
	if !constraint.Check(version) {
		return derrors.ConfigurationError{Field: "version", Reason: "must satisfy " + CONFIG_VERSION}
	}

	if c.Pins.LeftSwitch == nil {
		return derrors.ConfigurationError{Field: "pins.left_switch", Reason: "is required"}
	}
	if c.Pins.RightSwitch == nil {
		return derrors.ConfigurationError{Field: "pins.right_switch", Reason: "is required"}
	}

	seen := make(map[int]string)
	pins := []struct {
		name string
		pin  *int
	}{
		{"pins.step", &c.Pins.Step},
		{"pins.dir", &c.Pins.Dir},
		{"pins.enable", c.Pins.Enable},
		{"pins.left_switch", c.Pins.LeftSwitch},
		{"pins.right_switch", c.Pins.RightSwitch},
	}
	for _, p := range pins {
		if p.pin == nil {
			continue
		}
		if *p.pin < 0 {
			return derrors.ConfigurationError{Field: p.name, Reason: "must not be negative"}
		}
		if other, ok := seen[*p.pin]; ok {
			return derrors.ConfigurationError{Field: p.name, Reason: "shares a pin with " + other}
		}
		seen[*p.pin] = p.name
	}

	m := c.Mechanics
	if m.ChannelSpacingCM < 0 {
		return derrors.ConfigurationError{Field: "mechanics.channel_spacing_cm", Reason: "must not be negative"}
	}
	if m.TravelPerRev() <= 0 {
		return derrors.ConfigurationError{Field: "mechanics.travel_per_rev_cm", Reason: "must be positive, directly or from belt_pitch_mm and pulley_teeth"}
	}
	if m.MicrostepsPerRev() <= 0 {
		return derrors.ConfigurationError{Field: "mechanics.steps_per_rev", Reason: "must be positive"}
	}
	if m.ReturnClearanceCM < 0 {
		return derrors.ConfigurationError{Field: "mechanics.return_clearance_cm", Reason: "must not be negative"}
	}

	t := c.Timing
	positive := []struct {
		name string
		d    Duration
	}{
		{"timing.step_half_period", t.StepHalfPeriod},
		{"timing.home_half_period", t.HomeHalfPeriod},
		{"timing.min_pulse_width", t.MinPulseWidth},
		{"timing.poll_interval", t.PollInterval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return derrors.ConfigurationError{Field: p.name, Reason: "must be positive"}
		}
	}
	if t.Debounce < 0 {
		return derrors.ConfigurationError{Field: "timing.debounce", Reason: "must not be negative"}
	}

	switch c.Backend.Kind {
	case BACKEND_PIGPIO, BACKEND_CHARDEV, BACKEND_SIM:
	default:
		return derrors.ConfigurationError{Field: "backend.kind", Reason: "must be one of pigpio, chardev or sim"}
	}

	return nil
}
