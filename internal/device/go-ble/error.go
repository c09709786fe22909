package goble

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/blesync/internal/device"
)

// NormalizeError maps known go-ble error strings to the structured errors of
// the device package. Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "have=4"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "powered off"):
		return fmt.Errorf("%w: %v", device.ErrPoweredOff, err)
	case containsIgnoreCase(msg, "have=3"),
		containsIgnoreCase(msg, "unauthorized"),
		containsIgnoreCase(msg, "operation not permitted"),
		containsIgnoreCase(msg, "permission denied"):
		return fmt.Errorf("%w: %v", device.ErrUnauthorized, err)
	case containsIgnoreCase(msg, "have=2"),
		containsIgnoreCase(msg, "not supported"),
		containsIgnoreCase(msg, "no devices available"):
		return fmt.Errorf("%w: %v", device.ErrUnsupported, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", device.ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", device.ErrNotInitialized, err)
	default:
		return err
	}
}

// stateFromError derives the radio state implied by a radio handle failure.
// Errors that name no specific state leave the radio in StateUnknown.
func stateFromError(err error) device.RadioState {
	var rerr *device.RadioError
	if errors.As(NormalizeError(err), &rerr) {
		return rerr.State
	}
	return device.StateUnknown
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
