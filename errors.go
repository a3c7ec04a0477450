package brio

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidCfg      = errors.New("bus: invalid options")
	ErrBusClosed       = errors.New("bus: shutting down")
	ErrNameInvalid     = errors.New("bus: names must only contain alphanum, dashes, dots and be less than 128 chars")
	ErrProcUnknown     = errors.New("bus: processor is not registered")
	ErrQueueConflict   = errors.New("bus: queue id already registered for this processor")
	ErrQueueUnknown    = errors.New("bus: queue is not registered")
	ErrDeliveryTimeout = errors.New("bus: queue did not accept the message in time")

	ErrProcFatal    = errors.New("proc: non-recoverable failure")
	ErrProcSettings = errors.New("proc: invalid settings")
)

// ServiceErrorKind classifies the failure a Error message reports back to
// the requester.
type ServiceErrorKind uint8

const (
	// KindUnavailable means no provider could take the request.
	KindUnavailable ServiceErrorKind = iota
	// KindTimeout means the provider did not answer within the budget.
	KindTimeout
	// KindProtocol means the exchange broke the payload contract.
	KindProtocol
)

func (k ServiceErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// ServiceError travels in Error messages. It is recoverable: the
// requester may retry, pick another provider, or give up, but its own
// runtime is fine.
type ServiceError struct {
	Kind    ServiceErrorKind
	Service string
	// Budget is the timeout a KindTimeout was measured against.
	Budget time.Duration
	Detail string
}

func (e *ServiceError) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("service %q timed out after %s", e.Service, e.Budget)
	case KindUnavailable:
		return fmt.Sprintf("service %q is unavailable: %s", e.Service, e.Detail)
	default:
		return fmt.Sprintf("service %q: %s: %s", e.Service, e.Kind, e.Detail)
	}
}

func (e *ServiceError) Recoverable() bool { return true }

// Unavailable builds the ServiceError reported when no provider serves
// name.
func Unavailable(name, detail string) *ServiceError {
	return &ServiceError{Kind: KindUnavailable, Service: name, Detail: detail}
}

// TimedOut builds the ServiceError reported when a provider blew its
// response budget.
func TimedOut(name string, budget time.Duration) *ServiceError {
	return &ServiceError{Kind: KindTimeout, Service: name, Budget: budget}
}

// ProtocolBroken builds the ServiceError reported on a payload contract
// violation.
func ProtocolBroken(name, detail string) *ServiceError {
	return &ServiceError{Kind: KindProtocol, Service: name, Detail: detail}
}

// recoverable is satisfied by processor errors which should trigger a
// restart instead of a definitive stop.
type recoverable interface {
	Recoverable() bool
}

// IsRecoverable reports whether a processor error warrants a restart.
// Errors that do not implement Recoverable are non-recoverable.
func IsRecoverable(err error) bool {
	var rec recoverable
	if errors.As(err, &rec) {
		return rec.Recoverable()
	}
	return false
}
