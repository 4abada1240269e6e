package fleetsim

import "errors"

var (
	// ErrNotInitialized indicates a component was used before its setup method was called.
	// It signals a wiring bug and is not meant to be handled in production logic.
	ErrNotInitialized = errors.New("not initialized")

	// ErrAlreadyInitialized indicates a setup method was called twice on the same instance.
	ErrAlreadyInitialized = errors.New("already initialized")

	// ErrInvalidConfiguration indicates an out-of-range or malformed configuration value.
	// The process should not start when this is returned.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrExternalDependency indicates the shared store or the device hub failed.
	// Callers log it and retry on the next cycle.
	ErrExternalDependency = errors.New("external dependency failure")

	// ErrSimulationNotFound indicates the simulation does not exist in the store.
	ErrSimulationNotFound = errors.New("simulation not found")

	// ErrDeviceModelNotFound indicates a simulation references an unknown device model.
	ErrDeviceModelNotFound = errors.New("device model not found")
)
