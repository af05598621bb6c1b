// Package brokerrors defines the closed set of typed error kinds every
// resibroker component returns through its normal result channel (never
// panics, never exceptions-for-control-flow). internal/api maps each Kind
// to an HTTP status exactly once, at the outermost layer — handlers never
// set status codes directly, mirroring how the teacher's staking/validator
// handlers return a handful of sentinel errors from a pure validation phase
// and leave status/response mapping to a single caller.
package brokerrors

import "fmt"

// Kind is a closed enumeration of broker failure modes.
type Kind string

const (
	AuthMalformed        Kind = "AuthMalformed"
	AuthSkew             Kind = "AuthSkew"
	AuthSignature        Kind = "AuthSignature"
	AuthUnknownKey       Kind = "AuthUnknownKey"
	AuthNotValidator     Kind = "AuthNotValidator"
	AuthStake            Kind = "AuthStake"
	RateExceeded         Kind = "RateExceeded"
	DependencyUnavailable Kind = "DependencyUnavailable"
	NoActiveEpoch        Kind = "NoActiveEpoch"
	EpochNotFound        Kind = "EpochNotFound"
	Internal             Kind = "Internal"
)

// Error is the typed error every component-level operation returns on
// failure. Detail is safe to surface to callers; cause never is.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no wrapped cause.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds an Error that also records an internal cause. The cause is
// included in Error() and reachable via errors.Unwrap for logging, but HTTP
// error payloads carry only Detail.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// As reports whether err is a *Error and returns it.
func As(err error) (*Error, bool) {
	be, ok := err.(*Error)
	return be, ok
}

// KindOf returns the Kind of err if it is a *Error, else Internal.
func KindOf(err error) Kind {
	if be, ok := As(err); ok {
		return be.Kind
	}
	return Internal
}

// HTTPStatus maps a Kind to the status table of spec §7.
func HTTPStatus(k Kind) int {
	switch k {
	case AuthMalformed, AuthSkew:
		return 400
	case AuthSignature, AuthUnknownKey, AuthNotValidator:
		return 401
	case AuthStake:
		return 403
	case EpochNotFound:
		return 404
	case RateExceeded:
		return 429
	case DependencyUnavailable, NoActiveEpoch:
		return 503
	default:
		return 500
	}
}
