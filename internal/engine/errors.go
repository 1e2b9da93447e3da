package engine

import (
	"errors"
	"fmt"

	"toolbridge/internal/launcher"
	"toolbridge/internal/sandbox"
)

// ErrorKind is the category attached to a failed ExecutionResult.
type ErrorKind string

const (
	KindNone ErrorKind = ""

	// Sandboxed-phase kinds, repairable up to the budget.
	KindCompile          ErrorKind = "compile_error"
	KindDisallowedImport ErrorKind = "disallowed_import"
	KindDefinition       ErrorKind = "definition_error"
	KindSignature        ErrorKind = "signature_error"
	KindDomainRuntime    ErrorKind = "domain_runtime_error"

	// Subprocess kinds, terminal for the attempt, never repaired.
	KindSubprocessTimeout ErrorKind = "subprocess_timeout"
	KindSubprocessExit    ErrorKind = "subprocess_exit"
	KindNoOutput          ErrorKind = "no_output"

	// Always terminal.
	KindSerialization ErrorKind = "serialization_error"
	KindOracle        ErrorKind = "oracle_unavailable"
	KindRegistry      ErrorKind = "registry_error"
	KindCanceled      ErrorKind = "canceled"
	KindInternal      ErrorKind = "internal_error"
)

// ErrOracleUnavailable is returned by oracle implementations when the repair
// service cannot be reached after their own transient retries.
var ErrOracleUnavailable = errors.New("repair oracle unavailable")

// SerializationError indicates the sanitized domain object still could not be
// strictly encoded. It signals a gap sanitization should have closed, so it
// is never routed to repair.
type SerializationError struct {
	Detail string
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("updated domain object is not serializable: %s", e.Detail)
}

// classify maps an error from any phase to its result kind.
func classify(err error) ErrorKind {
	var (
		compileErr   *sandbox.CompileError
		importErr    *sandbox.DisallowedImportError
		defErr       *sandbox.DefinitionError
		sigErr       *sandbox.SignatureError
		runtimeErr   *sandbox.DomainRuntimeError
		timeoutErr   *launcher.TimeoutError
		exitErr      *launcher.ExitError
		noOutErr     *launcher.NoOutputError
		serializeErr *SerializationError
	)
	switch {
	case errors.As(err, &compileErr):
		return KindCompile
	case errors.As(err, &importErr):
		return KindDisallowedImport
	case errors.As(err, &defErr):
		return KindDefinition
	case errors.As(err, &sigErr):
		return KindSignature
	case errors.As(err, &runtimeErr):
		return KindDomainRuntime
	case errors.As(err, &timeoutErr):
		return KindSubprocessTimeout
	case errors.As(err, &exitErr):
		return KindSubprocessExit
	case errors.As(err, &noOutErr):
		return KindNoOutput
	case errors.As(err, &serializeErr):
		return KindSerialization
	case errors.Is(err, ErrOracleUnavailable):
		return KindOracle
	default:
		return KindInternal
	}
}

// repairable reports whether a kind may be routed to the repair loop.
// Rewriting adapter glue cannot fix a broken tool binary, so subprocess
// kinds are excluded, as are serialization and infrastructure failures.
func repairable(kind ErrorKind) bool {
	switch kind {
	case KindCompile, KindDisallowedImport, KindDefinition, KindSignature, KindDomainRuntime:
		return true
	default:
		return false
	}
}

// errorTrace extracts a stack trace when the error carries one.
func errorTrace(err error) string {
	var runtimeErr *sandbox.DomainRuntimeError
	if errors.As(err, &runtimeErr) {
		return runtimeErr.Trace
	}
	return ""
}
