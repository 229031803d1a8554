package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialised = errors.New("carriage has not been initialised")
	ErrBadChannel     = errors.New("channels are numbered from 1")
)

type ConfigurationError struct {
	Field  string
	Reason string
}

func (err ConfigurationError) Error() string {
	if len(err.Field) == 0 {
		return fmt.Sprintf("invalid configuration: %s", err.Reason)
	}
	return fmt.Sprintf("invalid configuration; %s %s", err.Field, err.Reason)
}

type BackendUnavailableError struct {
	Backend string
	Addr    string
	Err     error
}

func (err BackendUnavailableError) Error() string {
	if len(err.Backend) == 0 {
		err.Backend = "UNKNOWN"
	}

	msg := fmt.Sprintf("backend %s unavailable", err.Backend)
	if len(err.Addr) > 0 {
		msg += " at " + err.Addr
	}
	if err.Err != nil {
		msg += ": " + err.Err.Error()
	}
	return msg
}

// Cause lets github.com/pkg/errors unwrap to the dial failure.
func (err BackendUnavailableError) Cause() error {
	return err.Err
}

func (err BackendUnavailableError) Unwrap() error {
	return err.Err
}
