// Package errkind provides the typed error vocabulary used at every core
// API boundary. Callers that need to react differently to different
// failure modes use errors.As to recover a *CoreError and switch on its
// Kind, rather than matching error strings.
package errkind

import "fmt"

// Kind identifies one of the engine's error categories.
type Kind int

const (
	_ Kind = iota
	ConfigValidation
	DuplicateName
	BadCheckResult
	DependencyCycle
	CommandTimeout
	CommandExecFailure
	RemoteUnreachable
	ClusterSendFailure
	PeriodLookup
	ExternalCommandBadRequest
	MacroSyntax
	UnknownType
)

func (k Kind) String() string {
	switch k {
	case ConfigValidation:
		return "ConfigValidation"
	case DuplicateName:
		return "DuplicateName"
	case BadCheckResult:
		return "BadCheckResult"
	case DependencyCycle:
		return "DependencyCycle"
	case CommandTimeout:
		return "CommandTimeout"
	case CommandExecFailure:
		return "CommandExecFailure"
	case RemoteUnreachable:
		return "RemoteUnreachable"
	case ClusterSendFailure:
		return "ClusterSendFailure"
	case PeriodLookup:
		return "PeriodLookup"
	case ExternalCommandBadRequest:
		return "ExternalCommandBadRequest"
	case MacroSyntax:
		return "MacroSyntax"
	case UnknownType:
		return "UnknownType"
	default:
		return "Unknown"
	}
}

// CoreError wraps an underlying error with the operation that raised it
// and the Kind used for recovery-policy dispatch.
type CoreError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *CoreError) Unwrap() error { return e.Err }

// New constructs a CoreError for op failing with kind, wrapping err.
func New(kind Kind, op string, err error) *CoreError {
	return &CoreError{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a CoreError of the given Kind.
func Is(err error, kind Kind) bool {
	ce, ok := err.(*CoreError)
	return ok && ce.Kind == kind
}
