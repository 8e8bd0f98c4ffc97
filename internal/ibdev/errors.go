package ibdev

import "errors"

// Error taxonomy of the device layer. Capability mismatches and
// transient port states are expected outcomes of negotiation across many
// ports and are returned without error-level logging; provider I/O
// failures are logged and returned.
var (
	// ErrNoDevice: port or device out of range, or no match found.
	ErrNoDevice = errors.New("no such device")
	// ErrUnsupported: capability mismatch. Not fatal; the caller
	// should try another port or device.
	ErrUnsupported = errors.New("unsupported")
	// ErrUnreachable: the port exists but is down. Transient.
	ErrUnreachable = errors.New("unreachable")
	// ErrBusy: a wait is already outstanding for this event key.
	ErrBusy = errors.New("busy")
	// ErrIO: a provider call failed unexpectedly.
	ErrIO = errors.New("input/output error")
	// ErrInvalidAddr: address-handle creation rejected the route.
	ErrInvalidAddr = errors.New("invalid address")
	// ErrEndpointTimeout: address-handle creation timed out resolving
	// the route.
	ErrEndpointTimeout = errors.New("endpoint timeout")
	// ErrInvalidParam: malformed data from the system info source.
	ErrInvalidParam = errors.New("invalid parameter")
)
