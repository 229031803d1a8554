package onboard

import (
	"github.com/go-gl/mathgl/mgl64"

	derrors "github.com/CodedInternet/gosorter/onboard/errors"
)

// Translator converts channel numbers to carriage travel and step counts.
// Channel 1 sits at the home position.
type Translator struct {
	spacing      float64 // cm between channel centres
	travelPerRev float64 // cm per pulley revolution
	clearance    float64 // cm held back when returning
	stepsPerRev  int
}

func NewTranslator(m Mechanics) (*Translator, error) {
	t := &Translator{
		spacing:      m.ChannelSpacingCM,
		travelPerRev: m.TravelPerRev(),
		clearance:    m.ReturnClearanceCM,
		stepsPerRev:  m.MicrostepsPerRev(),
	}

	if t.travelPerRev <= 0 {
		return nil, derrors.ConfigurationError{Field: "mechanics.travel_per_rev_cm", Reason: "must be positive"}
	}
	if t.stepsPerRev <= 0 {
		return nil, derrors.ConfigurationError{Field: "mechanics.steps_per_rev", Reason: "must be positive"}
	}
	return t, nil
}

// Distance from home to the centre of channel in cm.
func (t *Translator) Distance(channel int) (float64, error) {
	if channel < 1 {
		return 0, derrors.ErrBadChannel
	}
	return t.spacing * float64(channel-1), nil
}

// ReturnDistance is Distance less the return clearance, never below zero.
func (t *Translator) ReturnDistance(channel int) (float64, error) {
	d, err := t.Distance(channel)
	if err != nil {
		return 0, err
	}
	return mgl64.Clamp(d-t.clearance, 0, d), nil
}

// Steps converts a distance in cm to the nearest whole number of steps.
func (t *Translator) Steps(distance float64) int {
	revs := distance / t.travelPerRev
	return int(mgl64.Round(revs*float64(t.stepsPerRev), 0))
}

func (t *Translator) ChannelToSteps(channel int) (int, error) {
	d, err := t.Distance(channel)
	if err != nil {
		return 0, err
	}
	return t.Steps(d), nil
}

func (t *Translator) ChannelToReturnSteps(channel int) (int, error) {
	d, err := t.ReturnDistance(channel)
	if err != nil {
		return 0, err
	}
	return t.Steps(d), nil
}
