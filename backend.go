package main

import (
	"github.com/CodedInternet/gosorter/onboard"
	"github.com/CodedInternet/gosorter/onboard/chardev"
	derrors "github.com/CodedInternet/gosorter/onboard/errors"
	"github.com/CodedInternet/gosorter/onboard/hardware"
	"github.com/CodedInternet/gosorter/onboard/pigpio"
	"github.com/CodedInternet/gosorter/onboard/simulator"
	log "github.com/sirupsen/logrus"
)

// openerFor returns the connector for the configured GPIO backend.
func openerFor(config onboard.SorterConfig) (onboard.Opener, error) {
	switch config.Backend.Kind {
	case onboard.BACKEND_PIGPIO:
		return func() (hardware.GPIO, error) {
			client, err := pigpio.Dial(config.Backend.Addr)
			if err != nil {
				return nil, err
			}
			return client, nil
		}, nil

	case onboard.BACKEND_CHARDEV:
		return func() (hardware.GPIO, error) {
			chip, err := chardev.Open(config.Backend.Chip)
			if err != nil {
				return nil, err
			}
			return chip, nil
		}, nil

	case onboard.BACKEND_SIM:
		sim, err := simulatorConfig(config, ENV.SIM_CHANNELS)
		if err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{"travel": sim.Travel, "start": sim.Start}).Info("using simulated carriage")
		return func() (hardware.GPIO, error) {
			return simulator.New(sim), nil
		}, nil
	}

	return nil, derrors.ConfigurationError{Field: "backend.kind", Reason: "unknown backend " + config.Backend.Kind}
}

// simulatorConfig sizes the simulated rail to reach the last channel with
// half a channel to spare, and starts the carriage in the middle.
func simulatorConfig(config onboard.SorterConfig, channels int) (sim simulator.Config, err error) {
	translator, err := onboard.NewTranslator(config.Mechanics)
	if err != nil {
		return
	}
	far, err := translator.ChannelToSteps(channels)
	if err != nil {
		return
	}

	travel := far + translator.Steps(config.Mechanics.ChannelSpacingCM/2)
	if travel < 1 {
		travel = 1
	}

	forward := hardware.Low
	if config.ForwardHigh {
		forward = hardware.High
	}

	return simulator.Config{
		StepPin:      config.Pins.Step,
		DirPin:       config.Pins.Dir,
		EnablePin:    config.Pins.Enable,
		LeftPin:      *config.Pins.LeftSwitch,
		RightPin:     *config.Pins.RightSwitch,
		ForwardLevel: forward,
		Travel:       travel,
		Start:        far / 2,
	}, nil
}
