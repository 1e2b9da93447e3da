package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"toolbridge/internal/launcher"
	"toolbridge/internal/sandbox"
)

const goodPreSource = `
func PreProcess(domain map[string]any, params map[string]any) string {
	return "{\"query\": \"" + domain["query"].(string) + "\"}"
}
`

const goodPostSource = `
func PostProcess(domain map[string]any, output any) map[string]any {
	updated := map[string]any{}
	for k, v := range domain {
		updated[k] = v
	}
	updated["tool_result"] = output
	return updated
}
`

// brokenPreSource is missing its second parameter, the classic arity bug.
const brokenPreSource = `
func PreProcess(domain map[string]any) string {
	return "{}"
}
`

type mockRegistry struct {
	mu       sync.Mutex
	entry    *ToolEntry
	getErr   error
	puts     []AdapterCode
	putErr   error
	putReply bool
}

func (r *mockRegistry) Get(ctx context.Context, toolID string) (*ToolEntry, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	entry := *r.entry
	return &entry, nil
}

func (r *mockRegistry) PutAdapter(ctx context.Context, toolID string, adapter AdapterCode) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.putErr != nil {
		return false, r.putErr
	}
	r.puts = append(r.puts, adapter)
	return r.putReply, nil
}

func (r *mockRegistry) putCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.puts)
}

type mockOracle struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   []RepairRequest
}

func (o *mockOracle) Repair(ctx context.Context, req RepairRequest) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, req)
	if o.err != nil {
		return "", o.err
	}
	if len(o.replies) == 0 {
		return "", nil
	}
	reply := o.replies[0]
	o.replies = o.replies[1:]
	return reply, nil
}

func (o *mockOracle) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

// writeTool writes an executable shell script implementing the tool ABI
// ($2 is the input path, $4 the output path).
func writeTool(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script tools require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testEntry(exePath, preSource, postSource string) *ToolEntry {
	return &ToolEntry{
		Metadata: ToolMetadata{
			ToolID:        "test-tool",
			ToolName:      "Test Tool",
			ExecutionType: launcher.ExecutionBinary,
			FileName:      "tool.sh",
			CreatedAt:     time.Now(),
		},
		Adapter: AdapterCode{
			ToolID:            "test-tool",
			PreProcessSource:  preSource,
			PostProcessSource: postSource,
			Version:           1,
		},
		ExecutablePath: exePath,
	}
}

func newTestEngine(t *testing.T, cfg Config, reg Registry, orc Oracle) *Engine {
	t.Helper()
	log := zap.NewNop()
	launchCfg := launcher.DefaultConfig()
	launchCfg.WorkDir = t.TempDir()
	return New(cfg, reg, orc, nil, launcher.New(launchCfg, log), sandbox.New(log), log)
}

func TestExecuteHappyPath(t *testing.T) {
	tool := writeTool(t, `cp "$2" "$4"`)
	reg := &mockRegistry{entry: testEntry(tool, goodPreSource, goodPostSource), putReply: true}
	orc := &mockOracle{}
	eng := newTestEngine(t, DefaultConfig(), reg, orc)

	res := eng.Execute(context.Background(), ExecuteRequest{
		ToolID: "test-tool",
		Domain: map[string]any{"query": "hello"},
	})
	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Message)
	}
	if res.RepairAttempts != 0 {
		t.Errorf("RepairAttempts = %d, want 0", res.RepairAttempts)
	}
	if res.AdapterMutated {
		t.Error("adapter must not be marked mutated without repair")
	}
	if res.ToolInput != `{"query": "hello"}` {
		t.Errorf("ToolInput = %q", res.ToolInput)
	}
	result, ok := res.UpdatedDomain["tool_result"].(map[string]any)
	if !ok || result["query"] != "hello" {
		t.Errorf("UpdatedDomain = %v, want tool output merged", res.UpdatedDomain)
	}
	if orc.callCount() != 0 {
		t.Errorf("oracle consulted %d times on the happy path", orc.callCount())
	}
	if reg.putCount() != 0 {
		t.Errorf("adapter written back %d times without repair", reg.putCount())
	}
}

func TestExecuteRepairSuccess(t *testing.T) {
	// A pre-process adapter missing its second parameter fails with a
	// signature error; one oracle consultation replaces it and the second
	// attempt succeeds.
	tool := writeTool(t, `cp "$2" "$4"`)
	reg := &mockRegistry{entry: testEntry(tool, brokenPreSource, goodPostSource), putReply: true}
	orc := &mockOracle{replies: []string{goodPreSource}}
	eng := newTestEngine(t, DefaultConfig(), reg, orc)

	res := eng.Execute(context.Background(), ExecuteRequest{
		ToolID:       "test-tool",
		Domain:       map[string]any{"query": "fix me"},
		RepairBudget: 1,
	})
	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Message)
	}
	if res.RepairAttempts != 1 {
		t.Errorf("RepairAttempts = %d, want 1", res.RepairAttempts)
	}
	if !res.AdapterMutated {
		t.Error("AdapterMutated must be true after a successful repair")
	}

	if len(orc.calls) != 1 {
		t.Fatalf("oracle consulted %d times, want 1", len(orc.calls))
	}
	call := orc.calls[0]
	if call.Phase != "pre_process" {
		t.Errorf("Phase = %q, want pre_process", call.Phase)
	}
	if call.Error.Kind != KindSignature {
		t.Errorf("Error.Kind = %q, want %q", call.Error.Kind, KindSignature)
	}
	if call.FailingSource != brokenPreSource {
		t.Error("oracle must receive the failing source")
	}
	if call.DataPreview == "" {
		t.Error("oracle must receive a domain data preview")
	}

	if reg.putCount() != 1 {
		t.Fatalf("adapter written back %d times, want 1", reg.putCount())
	}
	if reg.puts[0].PreProcessSource != goodPreSource {
		t.Error("persisted adapter must carry the repaired source")
	}
	if reg.puts[0].Version != 1 {
		t.Errorf("overwrite policy must keep version, got %d", reg.puts[0].Version)
	}
}

func TestExecuteZeroBudgetNeverConsults(t *testing.T) {
	tool := writeTool(t, `cp "$2" "$4"`)
	reg := &mockRegistry{entry: testEntry(tool, brokenPreSource, goodPostSource)}
	orc := &mockOracle{replies: []string{goodPreSource}}
	eng := newTestEngine(t, DefaultConfig(), reg, orc)

	res := eng.Execute(context.Background(), ExecuteRequest{
		ToolID:       "test-tool",
		Domain:       map[string]any{"query": "x"},
		RepairBudget: 0,
	})
	if res.Success {
		t.Fatal("expected failure with repair disabled")
	}
	if res.ErrorKind != KindSignature {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, KindSignature)
	}
	if res.RepairAttempts != 0 {
		t.Errorf("RepairAttempts = %d, want 0", res.RepairAttempts)
	}
	if orc.callCount() != 0 {
		t.Errorf("oracle consulted %d times with budget 0", orc.callCount())
	}
}

func TestExecuteBudgetBoundsConsultations(t *testing.T) {
	// The oracle keeps returning the same broken source; consultations must
	// stop exactly at the budget.
	tool := writeTool(t, `cp "$2" "$4"`)
	reg := &mockRegistry{entry: testEntry(tool, brokenPreSource, goodPostSource)}
	orc := &mockOracle{replies: []string{brokenPreSource, brokenPreSource, brokenPreSource, brokenPreSource}}
	eng := newTestEngine(t, DefaultConfig(), reg, orc)

	res := eng.Execute(context.Background(), ExecuteRequest{
		ToolID:       "test-tool",
		Domain:       map[string]any{"query": "x"},
		RepairBudget: 3,
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if orc.callCount() != 3 {
		t.Errorf("oracle consulted %d times, want exactly 3", orc.callCount())
	}
	if res.RepairAttempts != 3 {
		t.Errorf("RepairAttempts = %d, want 3", res.RepairAttempts)
	}
}

func TestExecuteSubprocessFailureNeverRepaired(t *testing.T) {
	tool := writeTool(t, `echo "tool is broken" >&2
exit 1`)
	reg := &mockRegistry{entry: testEntry(tool, goodPreSource, goodPostSource)}
	orc := &mockOracle{replies: []string{goodPreSource}}
	eng := newTestEngine(t, DefaultConfig(), reg, orc)

	res := eng.Execute(context.Background(), ExecuteRequest{
		ToolID:       "test-tool",
		Domain:       map[string]any{"query": "x"},
		RepairBudget: 5,
	})
	if res.Success {
		t.Fatal("expected failure for exit 1 tool")
	}
	if res.ErrorKind != KindSubprocessExit {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, KindSubprocessExit)
	}
	if res.RepairAttempts != 0 {
		t.Errorf("RepairAttempts = %d, want 0", res.RepairAttempts)
	}
	if orc.callCount() != 0 {
		t.Errorf("oracle consulted %d times for a subprocess failure", orc.callCount())
	}
}

func TestExecuteOracleDeclines(t *testing.T) {
	tool := writeTool(t, `cp "$2" "$4"`)
	reg := &mockRegistry{entry: testEntry(tool, brokenPreSource, goodPostSource)}
	orc := &mockOracle{} // empty reply means decline
	eng := newTestEngine(t, DefaultConfig(), reg, orc)

	res := eng.Execute(context.Background(), ExecuteRequest{
		ToolID:       "test-tool",
		Domain:       map[string]any{"query": "x"},
		RepairBudget: 3,
	})
	if res.Success {
		t.Fatal("expected failure after oracle decline")
	}
	if res.ErrorKind != KindSignature {
		t.Errorf("ErrorKind = %q, want the last phase error kind", res.ErrorKind)
	}
	if orc.callCount() != 1 {
		t.Errorf("oracle consulted %d times, want 1 before aborting on decline", orc.callCount())
	}
	if reg.putCount() != 0 {
		t.Error("declined repair must not write back")
	}
}

func TestExecuteOracleUnavailable(t *testing.T) {
	tool := writeTool(t, `cp "$2" "$4"`)
	reg := &mockRegistry{entry: testEntry(tool, brokenPreSource, goodPostSource)}
	orc := &mockOracle{err: ErrOracleUnavailable}
	eng := newTestEngine(t, DefaultConfig(), reg, orc)

	res := eng.Execute(context.Background(), ExecuteRequest{
		ToolID:       "test-tool",
		Domain:       map[string]any{"query": "x"},
		RepairBudget: 3,
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if orc.callCount() != 1 {
		t.Errorf("oracle consulted %d times, want 1", orc.callCount())
	}
}

func TestExecutePersistVersioned(t *testing.T) {
	tool := writeTool(t, `cp "$2" "$4"`)
	reg := &mockRegistry{entry: testEntry(tool, brokenPreSource, goodPostSource), putReply: true}
	orc := &mockOracle{replies: []string{goodPreSource}}
	cfg := DefaultConfig()
	cfg.PersistPolicy = PersistVersioned
	eng := newTestEngine(t, cfg, reg, orc)

	res := eng.Execute(context.Background(), ExecuteRequest{
		ToolID:       "test-tool",
		Domain:       map[string]any{"query": "x"},
		RepairBudget: 1,
	})
	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Message)
	}
	if reg.putCount() != 1 {
		t.Fatalf("adapter written back %d times, want 1", reg.putCount())
	}
	if reg.puts[0].Version != 2 {
		t.Errorf("versioned policy wrote version %d, want 2", reg.puts[0].Version)
	}
}

func TestExecutePersistNever(t *testing.T) {
	tool := writeTool(t, `cp "$2" "$4"`)
	reg := &mockRegistry{entry: testEntry(tool, brokenPreSource, goodPostSource), putReply: true}
	orc := &mockOracle{replies: []string{goodPreSource}}
	cfg := DefaultConfig()
	cfg.PersistPolicy = PersistNever
	eng := newTestEngine(t, cfg, reg, orc)

	res := eng.Execute(context.Background(), ExecuteRequest{
		ToolID:       "test-tool",
		Domain:       map[string]any{"query": "x"},
		RepairBudget: 1,
	})
	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Message)
	}
	if !res.AdapterMutated {
		t.Error("AdapterMutated still reports the in-call mutation")
	}
	if reg.putCount() != 0 {
		t.Errorf("never policy wrote back %d times", reg.putCount())
	}
}

func TestExecuteRegistryError(t *testing.T) {
	reg := &mockRegistry{getErr: errors.New("tool not found")}
	eng := newTestEngine(t, DefaultConfig(), reg, &mockOracle{})

	res := eng.Execute(context.Background(), ExecuteRequest{
		ToolID: "missing",
		Domain: map[string]any{},
	})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorKind != KindRegistry {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, KindRegistry)
	}
}

func TestExecuteSanitizesNonFiniteOutput(t *testing.T) {
	tool := writeTool(t, `cp "$2" "$4"`)
	postWithInf := `
import "math"

func PostProcess(domain map[string]any, output any) map[string]any {
	return map[string]any{"score": math.Inf(1), "ok": 1.0}
}
`
	reg := &mockRegistry{entry: testEntry(tool, goodPreSource, postWithInf)}
	eng := newTestEngine(t, DefaultConfig(), reg, &mockOracle{})

	res := eng.Execute(context.Background(), ExecuteRequest{
		ToolID: "test-tool",
		Domain: map[string]any{"query": "x"},
	})
	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Message)
	}
	if !res.Sanitized {
		t.Error("Sanitized must be true when a non-finite value was scrubbed")
	}
	if res.UpdatedDomain["score"] != nil {
		t.Errorf("score = %v, want nil after sanitization", res.UpdatedDomain["score"])
	}
	if res.UpdatedDomain["ok"] != 1.0 {
		t.Errorf("ok = %v, want 1.0 untouched", res.UpdatedDomain["ok"])
	}
}

func TestExecuteUnparseableOutputWrapped(t *testing.T) {
	tool := writeTool(t, `printf 'plain text, not JSON' > "$4"`)
	postRaw := `
func PostProcess(domain map[string]any, output any) map[string]any {
	m := output.(map[string]any)
	return map[string]any{"raw": m["raw_output"]}
}
`
	reg := &mockRegistry{entry: testEntry(tool, goodPreSource, postRaw)}
	eng := newTestEngine(t, DefaultConfig(), reg, &mockOracle{})

	res := eng.Execute(context.Background(), ExecuteRequest{
		ToolID: "test-tool",
		Domain: map[string]any{"query": "x"},
	})
	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Message)
	}
	if res.UpdatedDomain["raw"] != "plain text, not JSON" {
		t.Errorf("raw = %v, want unparseable output wrapped as raw_output", res.UpdatedDomain["raw"])
	}
}

func TestExecuteStdoutFallbackPropagated(t *testing.T) {
	tool := writeTool(t, `echo '{"from":"stdout"}'`)
	reg := &mockRegistry{entry: testEntry(tool, goodPreSource, goodPostSource)}
	eng := newTestEngine(t, DefaultConfig(), reg, &mockOracle{})

	res := eng.Execute(context.Background(), ExecuteRequest{
		ToolID: "test-tool",
		Domain: map[string]any{"query": "x"},
	})
	if !res.Success {
		t.Fatalf("Execute failed: %s", res.Message)
	}
	if !res.UsedStdoutFallback {
		t.Error("UsedStdoutFallback must be recorded in the result")
	}
}

func TestExecuteTimeoutKind(t *testing.T) {
	tool := writeTool(t, `sleep 30`)
	reg := &mockRegistry{entry: testEntry(tool, goodPreSource, goodPostSource)}
	eng := newTestEngine(t, DefaultConfig(), reg, &mockOracle{})

	res := eng.Execute(context.Background(), ExecuteRequest{
		ToolID:  "test-tool",
		Domain:  map[string]any{"query": "x"},
		Timeout: 200 * time.Millisecond,
	})
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if res.ErrorKind != KindSubprocessTimeout {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, KindSubprocessTimeout)
	}
}

func TestExecuteCancellationSkipsOracle(t *testing.T) {
	tool := writeTool(t, `cp "$2" "$4"`)
	reg := &mockRegistry{entry: testEntry(tool, brokenPreSource, goodPostSource)}
	orc := &mockOracle{replies: []string{goodPreSource}}
	eng := newTestEngine(t, DefaultConfig(), reg, orc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := eng.Execute(ctx, ExecuteRequest{
		ToolID:       "test-tool",
		Domain:       map[string]any{"query": "x"},
		RepairBudget: 3,
	})
	if res.Success {
		t.Fatal("expected failure on canceled context")
	}
	if orc.callCount() != 0 {
		t.Errorf("oracle consulted %d times on a canceled call", orc.callCount())
	}
}

func TestExecuteConcurrentCalls(t *testing.T) {
	tool := writeTool(t, `cp "$2" "$4"`)
	reg := &mockRegistry{entry: testEntry(tool, goodPreSource, goodPostSource)}
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	eng := newTestEngine(t, cfg, reg, &mockOracle{})

	var wg sync.WaitGroup
	results := make([]*ExecutionResult, 6)
	for i := range results {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = eng.Execute(context.Background(), ExecuteRequest{
				ToolID: "test-tool",
				Domain: map[string]any{"query": "concurrent"},
			})
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if !res.Success {
			t.Errorf("call %d failed: %s", i, res.Message)
		}
	}
}
