package protocol

import "errors"

// Error taxonomy shared by locks, gateways and the reservation authority.
var (
	// ErrInvalidState is returned when an operation is attempted from a state
	// that forbids it, e.g. reserving a slot that is not free.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound is returned for unknown lock, slot, reservation or command ids.
	ErrNotFound = errors.New("not found")

	// ErrBusy is returned when the mechanical arm is mid-motion.
	ErrBusy = errors.New("actuator busy")

	// ErrSlotUnavailable is returned to the loser of a reservation race.
	ErrSlotUnavailable = errors.New("slot unavailable")

	// ErrTransport covers message send and parse failures.
	ErrTransport = errors.New("transport error")

	// ErrInvalidArgument is returned when a request fails validation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnknownAction is returned for command actions a lock does not implement.
	ErrUnknownAction = errors.New("unknown command")
)
