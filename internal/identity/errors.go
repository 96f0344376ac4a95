package identity

import "errors"

var (
	// ErrHardwareUnavailable is returned when the secure element cannot be
	// read or cannot sign. The device cannot authenticate without it.
	ErrHardwareUnavailable = errors.New("identity: secure element unavailable")

	// ErrInvalidSlot is returned when the provisioning slot is readable but
	// incomplete or malformed.
	ErrInvalidSlot = errors.New("identity: invalid provisioning slot")

	// ErrUnknownTokenFormat is returned for a token format other than sas or jwt.
	ErrUnknownTokenFormat = errors.New("identity: unknown token format")
)
