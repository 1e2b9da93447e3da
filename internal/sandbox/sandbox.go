// Package sandbox compiles and runs adapter source snippets inside a
// capability-restricted yaegi interpreter.
//
// Instead of shelling out to `go build` (which can hang on network access and
// drags in dependency resolution), adapter code is interpreted at runtime with
// a curated symbol table: only an explicit allow-list of stdlib packages is
// visible, so no filesystem, network, or process-spawning primitive is ever
// reachable from adapter code.
//
// Every CompileAndBind call constructs a fresh interpreter. Namespaces are
// never cached or shared between executions.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"reflect"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/traefik/yaegi/interp"
	"go.uber.org/zap"
)

// Interpreter is a factory for sandboxed adapter functions. It is safe for
// concurrent use; each CompileAndBind produces an isolated namespace.
type Interpreter struct {
	log     *zap.Logger
	allowed []string
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithExtraPackages extends the import allow-list. Paths must still resolve
// inside the yaegi stdlib symbol table; anything else stays unreachable.
func WithExtraPackages(pkgs []string) Option {
	return func(s *Interpreter) {
		s.allowed = append(s.allowed, pkgs...)
	}
}

// New creates a sandbox interpreter factory.
func New(log *zap.Logger, opts ...Option) *Interpreter {
	s := &Interpreter{
		log:     log.Named("sandbox"),
		allowed: append([]string(nil), defaultAllowedPackages...),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BoundFunc is a single adapter function bound out of a fresh namespace.
type BoundFunc struct {
	name string
	fn   reflect.Value
	log  *zap.Logger
}

// CompileAndBind compiles one adapter snippet and returns the required
// function. Failure modes, in evaluation order:
//
//   - *CompileError: the snippet does not parse
//   - *DisallowedImportError: an import outside the allow-list (checked on the
//     AST before anything is evaluated)
//   - *CompileError: yaegi rejects the snippet (undefined names etc.)
//   - *DefinitionError: the snippet never defines the required function
func (s *Interpreter) CompileAndBind(source, fnName string) (*BoundFunc, error) {
	wrapped := wrapSource(source)

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "adapter.go", wrapped, 0)
	if err != nil {
		return nil, &CompileError{Detail: err.Error()}
	}

	var disallowed []string
	allowed := make(map[string]bool, len(s.allowed))
	for _, pkg := range s.allowed {
		allowed[pkg] = true
	}
	for _, imp := range file.Imports {
		pkgPath, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			pkgPath = strings.Trim(imp.Path.Value, `"`)
		}
		if !allowed[pkgPath] {
			disallowed = append(disallowed, pkgPath)
		}
	}
	if len(disallowed) > 0 {
		s.log.Warn("rejected adapter imports", zap.Strings("imports", disallowed))
		return nil, &DisallowedImportError{Imports: disallowed}
	}

	// Fresh namespace per call. Only the allow-listed symbols are loaded.
	i := interp.New(interp.Options{})
	if err := i.Use(restrictedSymbols(s.allowed)); err != nil {
		return nil, fmt.Errorf("loading sandbox symbols: %w", err)
	}

	if _, err := i.Eval(wrapped); err != nil {
		return nil, &CompileError{Detail: err.Error()}
	}

	v, err := i.Eval("main." + fnName)
	if err != nil || v.Kind() != reflect.Func {
		return nil, &DefinitionError{FunctionName: fnName}
	}

	return &BoundFunc{
		name: fnName,
		fn:   v,
		log:  s.log,
	}, nil
}

// wrapSource wraps a bare snippet in package main if needed.
func wrapSource(source string) string {
	if strings.Contains(source, "package ") {
		return source
	}
	return "package main\n\n" + source
}

// checkSignature verifies the two-positional-parameter contract shared by
// both phases. It runs before any invocation; a mismatch means the function
// is never called.
func (b *BoundFunc) checkSignature() error {
	t := b.fn.Type()
	if t.NumIn() != 2 || t.IsVariadic() {
		return &SignatureError{
			FunctionName: b.name,
			Detail:       fmt.Sprintf("must accept exactly 2 parameters, has %d", t.NumIn()),
		}
	}
	switch t.NumOut() {
	case 1:
	case 2:
		if !t.Out(1).Implements(reflect.TypeOf((*error)(nil)).Elem()) {
			return &SignatureError{
				FunctionName: b.name,
				Detail:       "second return value must be error",
			}
		}
	default:
		return &SignatureError{
			FunctionName: b.name,
			Detail:       fmt.Sprintf("must return 1 or 2 values, has %d", t.NumOut()),
		}
	}
	return nil
}

// InvokePre runs a pre-process adapter: (domain, params) -> tool input text.
// Non-string return values are coerced by JSON encoding.
func (b *BoundFunc) InvokePre(ctx context.Context, domain, params map[string]any) (string, error) {
	if err := b.checkSignature(); err != nil {
		return "", err
	}
	if params == nil {
		params = map[string]any{}
	}

	out, err := b.call(ctx, domain, params)
	if err != nil {
		return "", err
	}

	if s, ok := out.(string); ok {
		return s, nil
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return "", &DomainRuntimeError{
			FunctionName: b.name,
			Detail:       fmt.Sprintf("return value not encodable as tool input: %v", err),
		}
	}
	return string(encoded), nil
}

// InvokePost runs a post-process adapter: (domain, parsed tool output) ->
// updated domain mapping. The output argument is already parsed; adapters
// that try to re-parse it fail with an ordinary runtime error.
func (b *BoundFunc) InvokePost(ctx context.Context, domain map[string]any, output any) (map[string]any, error) {
	if err := b.checkSignature(); err != nil {
		return nil, err
	}

	out, err := b.call(ctx, domain, output)
	if err != nil {
		return nil, err
	}

	updated, ok := out.(map[string]any)
	if !ok {
		return nil, &DomainRuntimeError{
			FunctionName: b.name,
			Detail:       fmt.Sprintf("must return a mapping, got %T", out),
		}
	}
	return updated, nil
}

// call invokes the bound function with panic recovery, translating returned
// errors and panics into *DomainRuntimeError. The invocation runs in its own
// goroutine so the caller's context can interrupt the wait.
func (b *BoundFunc) call(ctx context.Context, arg0, arg1 any) (any, error) {
	args, err := b.buildArgs(arg0, arg1)
	if err != nil {
		return nil, err
	}

	type callResult struct {
		value any
		err   error
	}
	resultCh := make(chan callResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- callResult{err: &DomainRuntimeError{
					FunctionName: b.name,
					Detail:       fmt.Sprintf("panic: %v", r),
					Trace:        string(debug.Stack()),
				}}
			}
		}()

		outs := b.fn.Call(args)
		if len(outs) == 2 && !outs[1].IsNil() {
			resultCh <- callResult{err: &DomainRuntimeError{
				FunctionName: b.name,
				Detail:       outs[1].Interface().(error).Error(),
			}}
			return
		}
		resultCh <- callResult{value: outs[0].Interface()}
	}()

	select {
	case res := <-resultCh:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// buildArgs converts Go values into reflect arguments matching the bound
// function's parameter types. Interface parameters accept anything; concrete
// parameters must match exactly.
func (b *BoundFunc) buildArgs(values ...any) ([]reflect.Value, error) {
	t := b.fn.Type()
	args := make([]reflect.Value, len(values))
	for i, v := range values {
		paramType := t.In(i)
		if v == nil {
			args[i] = reflect.Zero(paramType)
			continue
		}
		rv := reflect.ValueOf(v)
		if !rv.Type().AssignableTo(paramType) {
			return nil, &SignatureError{
				FunctionName: b.name,
				Detail:       fmt.Sprintf("parameter %d has type %s, cannot accept %s", i, paramType, rv.Type()),
			}
		}
		args[i] = rv
	}
	return args, nil
}
