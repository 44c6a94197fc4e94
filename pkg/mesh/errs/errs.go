// Package errs collects the mesh-wide error taxonomy (see spec §7).
// Errors are never thrown across the cooperative scheduler boundary;
// every external event returns one of these locally and updates state.
package errs

import "fmt"

// Kind classifies an error by the §7 taxonomy, independent of its
// wrapped message, so callers can branch with errors.As without string
// matching.
type Kind int

const (
	Framing Kind = iota
	Protocol
	Routing
	Transport
	Timeout
	Infrastructure
	Transient
	ResourceExhausted
	LifecycleMisuse
)

func (k Kind) String() string {
	switch k {
	case Framing:
		return "framing"
	case Protocol:
		return "protocol"
	case Routing:
		return "routing"
	case Transport:
		return "transport"
	case Timeout:
		return "timeout"
	case Infrastructure:
		return "infrastructure"
	case Transient:
		return "transient"
	case ResourceExhausted:
		return "resource-exhausted"
	case LifecycleMisuse:
		return "lifecycle-misuse"
	default:
		return "unknown"
	}
}

// Error is a taxonomy-tagged error. Use errors.As to recover the Kind.
type Error struct {
	K   Kind
	Msg string
	Err error
}

func New(k Kind, msg string) *Error {
	return &Error{K: k, Msg: msg}
}

func Wrap(k Kind, msg string, err error) *Error {
	return &Error{K: k, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.K, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.K, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, errs.FramingError) work by comparing Kind
// whenever the target is an *Error; messages are not compared, so two
// errors of the same Kind always match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.K == t.K
}

// Sentinel kind-only errors for use with errors.Is(err, errs.FramingError).
var (
	FramingError        = &Error{K: Framing}
	ProtocolError        = &Error{K: Protocol}
	RoutingError         = &Error{K: Routing}
	TransportError       = &Error{K: Transport}
	TimeoutError         = &Error{K: Timeout}
	InfrastructureError  = &Error{K: Infrastructure}
	TransientError       = &Error{K: Transient}
	ResourceExhaustedErr = &Error{K: ResourceExhausted}
	LifecycleMisuseError = &Error{K: LifecycleMisuse}
)
