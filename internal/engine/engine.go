package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"toolbridge/internal/launcher"
	"toolbridge/internal/sandbox"
	"toolbridge/internal/sanitize"
)

// Phase names as they appear in repair requests and logs.
const (
	phasePre  = "pre_process"
	phasePost = "post_process"
)

// Engine runs tool executions. Safe for concurrent use: each Execute call
// gets its own sandbox namespaces and scratch directory, and shares nothing
// mutable with other calls except the registry.
type Engine struct {
	cfg      Config
	registry Registry
	oracle   Oracle
	history  History
	launcher *launcher.Launcher
	sandbox  *sandbox.Interpreter
	log      *zap.Logger
	sem      *semaphore.Weighted
}

// New creates an Engine. Registry, launcher and sandbox are required; oracle
// and history may be nil (repair disabled, no audit log).
func New(cfg Config, reg Registry, orc Oracle, hist History, l *launcher.Launcher, sb *sandbox.Interpreter, log *zap.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.DataPreviewBytes <= 0 {
		cfg.DataPreviewBytes = DefaultConfig().DataPreviewBytes
	}
	if cfg.PersistPolicy == "" {
		cfg.PersistPolicy = PersistOverwrite
	}
	e := &Engine{
		cfg:      cfg,
		registry: reg,
		oracle:   orc,
		history:  hist,
		launcher: l,
		sandbox:  sb,
		log:      log.Named("engine"),
	}
	if cfg.MaxConcurrent > 0 {
		e.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return e
}

// execution is the per-call state. Never shared across calls.
type execution struct {
	req        ExecuteRequest
	entry      *ToolEntry
	activePre  string
	activePost string
	budget     int
	consults   int
	result     *ExecutionResult
	lastErr    error
}

// Execute runs one tool against one domain object. It never returns an
// error: every failure path yields a structured ExecutionResult.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) *ExecutionResult {
	started := time.Now()
	execID := uuid.NewString()
	log := e.log.With(zap.String("execution_id", execID), zap.String("tool_id", req.ToolID))

	x := &execution{
		req:    req,
		budget: req.RepairBudget,
		result: &ExecutionResult{},
	}
	if x.budget < 0 {
		x.budget = e.cfg.RepairBudget
	}

	defer func() {
		x.result.Duration = time.Since(started)
		x.result.RepairAttempts = x.consults
		e.record(execID, started, x)
	}()

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return e.fail(x, KindCanceled, "execution canceled while waiting for a slot")
		}
		defer e.sem.Release(1)
	}

	entry, err := e.registry.Get(ctx, req.ToolID)
	if err != nil {
		log.Warn("registry lookup failed", zap.Error(err))
		return e.fail(x, KindRegistry, fmt.Sprintf("loading tool %q: %v", req.ToolID, err))
	}
	x.entry = entry
	x.activePre = entry.Adapter.PreProcessSource
	x.activePost = entry.Adapter.PostProcessSource

	log.Info("execution started",
		zap.Int("repair_budget", x.budget),
		zap.String("execution_type", entry.Metadata.ExecutionType))

	// PRE_PROCESS, with repair.
	toolInput, ok := e.runRepairable(ctx, log, x, phasePre, func() (string, error) {
		return e.runPre(ctx, x)
	})
	if !ok {
		return e.failWithLastError(log, x, phasePre)
	}
	x.result.ToolInput = toolInput

	// SUBPROCESS. Failures here are terminal for the attempt: rewriting
	// adapter glue cannot fix a broken tool binary.
	timeout := x.req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	launchRes, err := e.launcher.Launch(ctx, launcher.Spec{
		ToolID:         x.entry.Metadata.ToolID,
		ExecutablePath: x.entry.ExecutablePath,
		ExecutionType:  x.entry.Metadata.ExecutionType,
		Input:          toolInput,
		Timeout:        timeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return e.fail(x, KindCanceled, "execution canceled")
		}
		log.Warn("tool process failed", zap.Error(err))
		return e.fail(x, classify(err), err.Error())
	}
	x.result.ToolOutput = launchRes.Output
	x.result.Stdout = launchRes.Stdout
	x.result.Stderr = launchRes.Stderr
	x.result.UsedStdoutFallback = launchRes.UsedStdoutFallback

	// POST_PROCESS, with repair. The adapter receives parsed output.
	parsed := parseToolOutput(launchRes.Output)
	var updated map[string]any
	_, ok = e.runRepairable(ctx, log, x, phasePost, func() (string, error) {
		var runErr error
		updated, runErr = e.runPost(ctx, x, parsed)
		return "", runErr
	})
	if !ok {
		return e.failWithLastError(log, x, phasePost)
	}

	// SANITIZE, then the boundary assertion. A failure past sanitization is
	// a hard serialization error, never repaired.
	cleaned, modified := sanitize.Clean(updated)
	x.result.Sanitized = modified
	updated = cleaned.(map[string]any)
	if _, err := json.Marshal(updated); err != nil {
		serErr := &SerializationError{Detail: err.Error()}
		log.Error("sanitized domain object failed strict encoding", zap.Error(serErr))
		return e.fail(x, KindSerialization, serErr.Error())
	}

	x.result.Success = true
	x.result.Message = "execution completed"
	x.result.UpdatedDomain = updated
	x.result.AdapterMutated = x.adapterMutated()

	if x.result.AdapterMutated {
		e.persistRepair(ctx, log, x)
	}

	log.Info("execution succeeded",
		zap.Int("repair_attempts", x.consults),
		zap.Bool("adapter_mutated", x.result.AdapterMutated),
		zap.Bool("sanitized", modified))
	return x.result
}

// runRepairable drives one sandboxed phase through the repair loop: run the
// phase, and on a repairable failure with budget remaining consult the
// oracle, swap in the replacement source, and re-enter the same phase. The
// consultation counter increments exactly once per oracle call.
func (e *Engine) runRepairable(ctx context.Context, log *zap.Logger, x *execution, phase string, run func() (string, error)) (string, bool) {
	for {
		out, err := run()
		if err == nil {
			return out, true
		}
		x.lastErr = err

		kind := classify(err)
		if !repairable(kind) || x.consults >= x.budget || e.oracle == nil {
			return "", false
		}
		// An abandoned call must not spend repair budget.
		if ctx.Err() != nil {
			return "", false
		}

		log.Info("consulting repair oracle",
			zap.String("phase", phase),
			zap.String("error_kind", string(kind)),
			zap.Int("consultation", x.consults+1),
			zap.Int("budget", x.budget))

		replacement, oracleErr := e.oracle.Repair(ctx, RepairRequest{
			ToolID:        x.entry.Metadata.ToolID,
			Phase:         phase,
			FailingSource: x.activeSource(phase),
			Error: ErrorInfo{
				Kind:    kind,
				Message: err.Error(),
				Trace:   errorTrace(err),
			},
			DataPreview: e.dataPreview(x, phase),
		})
		x.consults++

		if oracleErr != nil {
			log.Warn("repair oracle failed", zap.Error(oracleErr))
			return "", false
		}
		if replacement == "" {
			log.Info("repair oracle declined", zap.String("phase", phase))
			return "", false
		}

		x.setActiveSource(phase, replacement)
		log.Info("adapter source replaced, re-entering phase", zap.String("phase", phase))
	}
}

// runPre compiles the active pre-process source and produces the tool input.
func (e *Engine) runPre(ctx context.Context, x *execution) (string, error) {
	fn, err := e.sandbox.CompileAndBind(x.activePre, PreProcessFunc)
	if err != nil {
		return "", err
	}
	return fn.InvokePre(ctx, x.req.Domain, x.req.Params)
}

// runPost compiles the active post-process source and produces the updated
// domain object from the parsed tool output.
func (e *Engine) runPost(ctx context.Context, x *execution, parsed any) (map[string]any, error) {
	fn, err := e.sandbox.CompileAndBind(x.activePost, PostProcessFunc)
	if err != nil {
		return nil, err
	}
	return fn.InvokePost(ctx, x.req.Domain, parsed)
}

// parseToolOutput decodes the tool's output text. Unparseable output is not
// an error: the adapter receives it wrapped under "raw_output".
func parseToolOutput(text string) any {
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return map[string]any{"raw_output": text}
	}
	return parsed
}

// dataPreview returns the bounded excerpt of the data the failing phase was
// handling: the domain object for pre-process, the raw tool output for
// post-process.
func (e *Engine) dataPreview(x *execution, phase string) string {
	var text string
	if phase == phasePre {
		encoded, err := json.Marshal(x.req.Domain)
		if err != nil {
			text = fmt.Sprintf("%v", x.req.Domain)
		} else {
			text = string(encoded)
		}
	} else {
		text = x.result.ToolOutput
	}
	if len(text) > e.cfg.DataPreviewBytes {
		text = text[:e.cfg.DataPreviewBytes]
	}
	return text
}

// persistRepair writes the repaired adapter back per the configured policy.
// Persistence failures are logged, never fatal: the caller still gets the
// successful result.
func (e *Engine) persistRepair(ctx context.Context, log *zap.Logger, x *execution) {
	if e.cfg.PersistPolicy == PersistNever {
		return
	}
	adapter := AdapterCode{
		ToolID:            x.entry.Metadata.ToolID,
		PreProcessSource:  x.activePre,
		PostProcessSource: x.activePost,
		Version:           x.entry.Adapter.Version,
	}
	if e.cfg.PersistPolicy == PersistVersioned {
		adapter.Version = x.entry.Adapter.Version + 1
	}
	stored, err := e.registry.PutAdapter(ctx, adapter.ToolID, adapter)
	if err != nil {
		log.Warn("failed to persist repaired adapter", zap.Error(err))
		return
	}
	if stored {
		log.Info("repaired adapter persisted",
			zap.String("policy", string(e.cfg.PersistPolicy)),
			zap.Int("version", adapter.Version))
	}
}

// record writes the audit row, best effort.
func (e *Engine) record(execID string, started time.Time, x *execution) {
	if e.history == nil {
		return
	}
	rec := ExecutionRecord{
		ExecutionID:    execID,
		ToolID:         x.req.ToolID,
		Success:        x.result.Success,
		ErrorKind:      x.result.ErrorKind,
		Message:        x.result.Message,
		RepairAttempts: x.result.RepairAttempts,
		AdapterMutated: x.result.AdapterMutated,
		Duration:       x.result.Duration,
		StartedAt:      started,
	}
	recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.history.Record(recordCtx, rec); err != nil {
		e.log.Warn("failed to record execution history", zap.Error(err))
	}
}

// fail finalizes the result for a terminal failure.
func (e *Engine) fail(x *execution, kind ErrorKind, message string) *ExecutionResult {
	x.result.Success = false
	x.result.ErrorKind = kind
	x.result.Message = message
	x.result.AdapterMutated = x.adapterMutated()
	return x.result
}

// failWithLastError finalizes the result from the last captured phase error.
func (e *Engine) failWithLastError(log *zap.Logger, x *execution, phase string) *ExecutionResult {
	err := x.lastErr
	if err == nil {
		return e.fail(x, KindInternal, fmt.Sprintf("%s failed with no recorded error", phase))
	}
	kind := classify(err)
	log.Warn("execution failed",
		zap.String("phase", phase),
		zap.String("error_kind", string(kind)),
		zap.Int("repair_attempts", x.consults),
		zap.Error(err))
	return e.fail(x, kind, fmt.Sprintf("%s failed: %v", phase, err))
}

func (x *execution) activeSource(phase string) string {
	if phase == phasePre {
		return x.activePre
	}
	return x.activePost
}

func (x *execution) setActiveSource(phase, source string) {
	if phase == phasePre {
		x.activePre = source
	} else {
		x.activePost = source
	}
}

// adapterMutated reports whether the active sources differ from what the
// registry originally supplied.
func (x *execution) adapterMutated() bool {
	if x.entry == nil {
		return false
	}
	return x.activePre != x.entry.Adapter.PreProcessSource ||
		x.activePost != x.entry.Adapter.PostProcessSource
}
