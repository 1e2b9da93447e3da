package sandbox

import "fmt"

// CompileError indicates the adapter source failed to compile. This covers
// both syntax errors and yaegi type-check failures such as undefined names.
type CompileError struct {
	Detail string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("adapter source failed to compile: %s", e.Detail)
}

// DisallowedImportError indicates the adapter source imports a package
// outside the allow-list. It is raised from the AST scan, before any part
// of the snippet is evaluated.
type DisallowedImportError struct {
	Imports []string
}

func (e *DisallowedImportError) Error() string {
	return fmt.Sprintf("adapter imports disallowed packages: %v", e.Imports)
}

// DefinitionError indicates a syntactically valid snippet that never defines
// the required function.
type DefinitionError struct {
	FunctionName string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("adapter does not define required function %q", e.FunctionName)
}

// SignatureError indicates the bound function has the wrong shape. The
// function is never invoked when this is raised.
type SignatureError struct {
	FunctionName string
	Detail       string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("adapter function %q has invalid signature: %s", e.FunctionName, e.Detail)
}

// DomainRuntimeError indicates the adapter compiled and bound correctly but
// failed while running: a returned error, a panic inside interpreted code, or
// a return value violating the phase contract.
type DomainRuntimeError struct {
	FunctionName string
	Detail       string
	Trace        string
}

func (e *DomainRuntimeError) Error() string {
	return fmt.Sprintf("adapter function %q failed: %s", e.FunctionName, e.Detail)
}
