//go:build !linux

package main

func lockMemory() error {
	return nil
}
