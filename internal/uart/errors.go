package uart

import (
	"errors"

	"github.com/tinyrange/uart750/internal/mmio"
)

var (
	// ErrMappingFailed reports that the register window could not be mapped.
	ErrMappingFailed = errors.New("uart: register mapping failed")
	// ErrRegisterUnavailable reports an access through an unmapped window.
	ErrRegisterUnavailable = mmio.ErrRegisterUnavailable
	// ErrVerificationFailed reports a read-back mismatch during initialization.
	ErrVerificationFailed = errors.New("uart: verification failed")
	// ErrInterruptUnavailable reports that the interrupt line could not be attached.
	ErrInterruptUnavailable = errors.New("uart: interrupt unavailable")
	// ErrDeviceRegistrationFailed reports a device node or attribute conflict.
	ErrDeviceRegistrationFailed = errors.New("uart: device registration failed")
	// ErrUserCopyFailed reports that a caller buffer could not be copied to or from.
	ErrUserCopyFailed = errors.New("uart: user copy failed")
	// ErrInvalidArgument reports a malformed attribute value or oversized write.
	ErrInvalidArgument = errors.New("uart: invalid argument")
	// ErrTimeout reports a poll that did not see its condition in time.
	ErrTimeout = errors.New("uart: poll timed out")
	// ErrAlreadyProbed reports a probe of a device that holds resources.
	ErrAlreadyProbed = errors.New("uart: device already probed")
)
