// Package engine orchestrates one tool execution end to end: load the tool
// from the registry, run the pre-process adapter in the sandbox, launch the
// external tool process, run the post-process adapter, sanitize the result,
// and drive the bounded repair loop when a sandboxed phase fails.
package engine

import (
	"context"
	"time"
)

// Adapter function names required inside adapter source snippets.
const (
	PreProcessFunc  = "PreProcess"
	PostProcessFunc = "PostProcess"
)

// ToolMetadata describes a registered tool. Immutable per tool version and
// owned by the registry.
type ToolMetadata struct {
	ToolID        string         `json:"tool_id"`
	ToolName      string         `json:"tool_name"`
	Description   string         `json:"description,omitempty"`
	InputSchema   map[string]any `json:"input_schema,omitempty"`
	OutputSchema  map[string]any `json:"output_schema,omitempty"`
	ExecutionType string         `json:"execution_type"`
	FileName      string         `json:"file_name"`
	CreatedAt     time.Time      `json:"created_at"`
}

// AdapterCode is the pair of adapter sources for one tool. A repair replaces
// an entire phase source, never a partial patch.
type AdapterCode struct {
	ToolID            string `json:"tool_id"`
	PreProcessSource  string `json:"pre_process_source"`
	PostProcessSource string `json:"post_process_source"`
	Version           int    `json:"version"`
}

// ToolEntry is everything the engine needs for one execution, returned by
// Registry.Get in a single read.
type ToolEntry struct {
	Metadata       ToolMetadata
	Adapter        AdapterCode
	ExecutablePath string
}

// Registry supplies tool entries and accepts repaired adapters. Injected into
// the Engine constructor, never a process-wide global.
type Registry interface {
	Get(ctx context.Context, toolID string) (*ToolEntry, error)
	PutAdapter(ctx context.Context, toolID string, adapter AdapterCode) (bool, error)
}

// ErrorInfo is the structured error handed to the repair oracle.
type ErrorInfo struct {
	Kind    ErrorKind
	Message string
	Trace   string
}

// RepairRequest asks the oracle for a replacement source for one failing
// phase. DataPreview is a bounded excerpt of the data the phase was handling.
type RepairRequest struct {
	ToolID        string
	Phase         string // "pre_process" or "post_process"
	FailingSource string
	Error         ErrorInfo
	DataPreview   string
}

// Oracle proposes replacement adapter source. An empty reply with a nil
// error means the oracle declines. Transient infrastructure retries are the
// oracle implementation's concern and never consume the repair budget.
type Oracle interface {
	Repair(ctx context.Context, req RepairRequest) (string, error)
}

// History records completed executions. Writes are best effort; failures
// never affect the execution result.
type History interface {
	Record(ctx context.Context, rec ExecutionRecord) error
}

// ExecutionRecord is the audit row persisted after each Execute call.
type ExecutionRecord struct {
	ExecutionID    string
	ToolID         string
	Success        bool
	ErrorKind      ErrorKind
	Message        string
	RepairAttempts int
	AdapterMutated bool
	Duration       time.Duration
	StartedAt      time.Time
}

// PersistPolicy controls what happens to a repaired adapter on success.
type PersistPolicy string

const (
	// PersistOverwrite replaces the stored adapter in place.
	PersistOverwrite PersistPolicy = "overwrite"
	// PersistVersioned writes the repaired adapter with an incremented
	// version so the superseded source stays identifiable.
	PersistVersioned PersistPolicy = "versioned"
	// PersistNever keeps repairs ephemeral to the call.
	PersistNever PersistPolicy = "never"
)

// Config holds engine settings.
type Config struct {
	// RepairBudget is the default maximum number of oracle consultations
	// per execution. Zero disables repair.
	RepairBudget int

	// Timeout is the default tool process timeout.
	Timeout time.Duration

	// PersistPolicy controls repaired-adapter write-back.
	PersistPolicy PersistPolicy

	// MaxConcurrent caps concurrent Execute calls. Zero means unlimited.
	MaxConcurrent int

	// DataPreviewBytes bounds the data excerpt sent to the oracle.
	DataPreviewBytes int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		RepairBudget:     2,
		Timeout:          60 * time.Second,
		PersistPolicy:    PersistOverwrite,
		MaxConcurrent:    0,
		DataPreviewBytes: 5000,
	}
}

// ExecuteRequest is one execution of one tool against one domain object.
type ExecuteRequest struct {
	ToolID string
	Domain map[string]any
	Params map[string]any

	// RepairBudget overrides the engine default when non-negative.
	RepairBudget int
	// Timeout overrides the engine default when positive.
	Timeout time.Duration
}

// ExecutionResult is the single structured outcome of an Execute call. It is
// produced exactly once per call; no failure escapes as a raw error.
type ExecutionResult struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// UpdatedDomain is present only on success and is guaranteed to be
	// strict-JSON serializable with no non-finite numeric values.
	UpdatedDomain map[string]any `json:"updated_domain,omitempty"`

	ToolInput          string `json:"tool_input,omitempty"`
	ToolOutput         string `json:"tool_output,omitempty"`
	Stdout             string `json:"stdout,omitempty"`
	Stderr             string `json:"stderr,omitempty"`
	UsedStdoutFallback bool   `json:"used_stdout_fallback,omitempty"`
	Sanitized          bool   `json:"sanitized,omitempty"`

	Duration       time.Duration `json:"duration"`
	RepairAttempts int           `json:"repair_attempts"`
	AdapterMutated bool          `json:"adapter_mutated"`
}
