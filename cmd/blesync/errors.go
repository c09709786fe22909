package main

import (
	"errors"
	"fmt"

	"github.com/srg/blesync/internal/device"
	"github.com/srg/blesync/internal/sender"
)

// FormatUserError turns known failures into a message that tells the user
// what to do. Unknown errors are returned as is.
func FormatUserError(err error) string {
	var se *sender.ServerError
	switch {
	case errors.Is(err, device.ErrPoweredOff):
		return "Bluetooth is turned off. Turn it on and try again."
	case errors.Is(err, device.ErrUnauthorized):
		return "this process is not allowed to use Bluetooth. Grant Bluetooth access (or run with the required capabilities) and try again."
	case errors.Is(err, device.ErrUnsupported):
		return "no usable Bluetooth LE adapter was found on this system."
	case errors.Is(err, sender.ErrUnauthorized):
		return "the backend rejected the credentials (HTTP 401). Check sender.token."
	case errors.As(err, &se):
		return fmt.Sprintf("the backend answered with HTTP %d: %s", se.Status, se.Body)
	case errors.Is(err, sender.ErrOther):
		return fmt.Sprintf("could not reach the backend: %v", err)
	default:
		return err.Error()
	}
}
