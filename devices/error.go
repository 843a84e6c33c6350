package devices

import (
	"errors"
)

var (
	// ErrUnknownProduct indicates the product key is not in the product table
	ErrUnknownProduct = errors.New("unknown product key")

	// ErrUnknownFeature indicates the device has no feature by that name
	ErrUnknownFeature = errors.New("unknown feature")

	// ErrUnsupportedCommand is returned when a feature cannot carry out
	// a command (e.g. a percentage sent to a relay)
	ErrUnsupportedCommand = errors.New("command not supported")

	// ErrInvalidCommand indicates the command text could not be parsed
	ErrInvalidCommand = errors.New("invalid command")

	// ErrDuplicateDevice indicates a device with the same address is
	// already registered
	ErrDuplicateDevice = errors.New("device already registered")

	// ErrAddressType is returned when an X10 address is given for an
	// Insteon product or the other way around
	ErrAddressType = errors.New("address type does not match product")

	// ErrInvalidParameter indicates a device parameter could not be parsed
	ErrInvalidParameter = errors.New("invalid device parameter")
)
