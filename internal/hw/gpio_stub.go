//go:build !linux

package hw

import (
	"errors"

	"github.com/sweeney/evse-controller/internal/config"
)

// GPIOBoard is unavailable off Linux.
type GPIOBoard struct{}

// NewGPIOBoard always fails on non-Linux platforms.
func NewGPIOBoard(cfg config.Hardware) (*GPIOBoard, error) {
	return nil, errors.New("GPIO only supported on Linux")
}

// ReadInputs is not supported.
func (b *GPIOBoard) ReadInputs() (Inputs, error) {
	return Inputs{}, errors.New("not supported")
}

// SetContactor is not supported.
func (b *GPIOBoard) SetContactor(on bool) error { return errors.New("not supported") }

// SetCableLock is not supported.
func (b *GPIOBoard) SetCableLock(locked bool) error { return errors.New("not supported") }

// Close is a no-op.
func (b *GPIOBoard) Close() error { return nil }
