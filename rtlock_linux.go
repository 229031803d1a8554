package main

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// lockMemory pins the process in RAM so page faults cannot stall the software
// timed step pulses of the chardev backend.
func lockMemory() error {
	return errors.Wrap(unix.Mlockall(unix.MCL_CURRENT|unix.MCL_FUTURE), "mlockall")
}
