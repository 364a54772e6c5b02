package transport

import (
	"errors"
	"fmt"
)

// CloseReason classifies why a Connection force-closed (spec §7). It is
// returned from WaitClose, and Error renders it as a string; callers tell
// the kinds apart by comparing Kind with the CloseKind constants below.
type CloseReason struct {
	Kind   CloseKind
	Detail string
}

func (r CloseReason) Error() string {
	if r.Detail == "" {
		return r.Kind.String()
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Detail)
}

// CloseKind is one of the fatal error kinds from spec §7. Every fatal
// error funnels through forceClose, which is the single closure path.
type CloseKind uint8

const (
	CloseTransportClosed CloseKind = iota
	CloseProtocolViolation
	CloseBackpressureExhausted
	CloseLivenessTimeout
	CloseApplicationRequested
)

func (k CloseKind) String() string {
	switch k {
	case CloseTransportClosed:
		return "transport closed"
	case CloseProtocolViolation:
		return "protocol violation"
	case CloseBackpressureExhausted:
		return "backpressure exhausted"
	case CloseLivenessTimeout:
		return "liveness timeout"
	case CloseApplicationRequested:
		return "application requested close"
	default:
		return "unknown close reason"
	}
}

// Sentinel errors for ApplicationMisuse and SendTooLate (spec §7): these
// are reported synchronously to the caller, never funneled through
// forceClose.
var (
	ErrApplicationMisuse = errors.New("transport: application misuse")
	ErrSendTooLate        = errors.New("transport: message already fully sent, cancel is a no-op")
	ErrConnectionClosing  = errors.New("transport: connection is closing")
)

func errApplicationMisuse(detail string) error {
	return fmt.Errorf("%w: %s", ErrApplicationMisuse, detail)
}
