//go:build !linux

package events

import "errors"

// GPIOSource is not available on non-Linux platforms.
type GPIOSource struct{}

// NewGPIOSource returns an error on non-Linux platforms.
func NewGPIOSource(cfg GPIOConfig, hub *Hub) (*GPIOSource, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// Close is not implemented on non-Linux platforms.
func (s *GPIOSource) Close() error {
	return nil
}
