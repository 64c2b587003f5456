// Package wasm executes functions as WebAssembly modules under wazero's
// pure-Go runtime. Deny-by-default: no filesystem, no network, no host
// clock or randomness, no ambient authority. The module reads its inputs as
// JSON on stdin and writes its outputs as JSON on stdout.
package wasm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/BDNK1/tripwire"
)

const (
	wasmPageSize = 64 * 1024
	// maxWasmPages is the wasm32 address-space ceiling wazero enforces.
	maxWasmPages = 65536
)

// compiledEntry is one cached compilation: the compiled module together with
// the runtime that owns it, since wazero binds compiled code to its runtime.
type compiledEntry struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// Engine instantiates WASM modules from a compiled-module cache keyed by code
// hash and memory limit, so repeated executions of the same function skip
// compilation. CPU time is bounded by the execution context deadline;
// WithCloseOnContextDone makes wazero terminate in-flight guest code when the
// deadline fires.
type Engine struct {
	mu    sync.Mutex
	cache map[string]*compiledEntry
}

// Register wires the engine into a factory under the wasm runtime type.
func Register(f *tripwire.Factory) {
	f.RegisterRuntime(tripwire.RuntimeWASM, func() tripwire.Runtime { return New() })
}

func New() *Engine {
	return &Engine{cache: make(map[string]*compiledEntry)}
}

func (e *Engine) Init(ctx context.Context) error { return nil }

// Reset is a no-op; the compiled-module cache carries no per-execution state.
func (e *Engine) Reset() error { return nil }

// Shutdown closes every cached runtime and its compiled modules.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	cache := e.cache
	e.cache = make(map[string]*compiledEntry)
	e.mu.Unlock()

	for _, entry := range cache {
		_ = entry.runtime.Close(ctx)
	}
	return nil
}

func (e *Engine) Execute(ec *tripwire.ExecutionContext, limits tripwire.ResourceLimits) (*tripwire.ExecutionResult, error) {
	started := time.Now()

	entry, compileErr := e.compiledFor(ec, memoryPages(limits.MaxMemoryBytes))
	if compileErr != nil {
		return failure(tripwire.ExecValidation, compileErr, "wasm: compilation failed: %v", started), nil
	}

	stdin, err := encodeInput(ec)
	if err != nil {
		return failure(tripwire.ExecInternal, err, "wasm: input encoding failed: %v", started), nil
	}

	// WASI with deny-by-default: only stdio is wired. Explicitly no
	// WithFSConfig, no WithSysNanotime, no WithRandSource. The module name is
	// the execution id so concurrent instantiations never collide.
	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(ec.ID).
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	for k, v := range ec.Env {
		modCfg = modCfg.WithEnv(k, v)
	}

	mod, err := entry.runtime.InstantiateModule(ec, entry.compiled, modCfg)
	if err != nil {
		if result, handled := classifyRunError(ec, err, &stderr, started); handled {
			return result, nil
		}
		return failure(tripwire.ExecRuntime, err, "wasm: execution failed: %v", started), nil
	}

	usage := tripwire.ResourceUsage{CPUTime: time.Since(started)}
	if mem := mod.Memory(); mem != nil {
		usage.MemoryBytes = uint64(mem.Size())
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ec), 5*time.Second)
	_ = mod.Close(closeCtx)
	cancel()

	outputs, err := decodeOutput(stdout.Bytes())
	if err != nil {
		return failure(tripwire.ExecRuntime, err, "wasm: output decoding failed: %v", started), nil
	}

	return &tripwire.ExecutionResult{
		Status:   tripwire.StatusSuccess,
		Outputs:  outputs,
		Duration: time.Since(started),
		Usage:    usage,
	}, nil
}

// compiledFor returns the cached compilation for this code and memory limit,
// compiling it into a fresh runtime on first use. The memory limit is part of
// the key because wazero fixes it at runtime construction.
func (e *Engine) compiledFor(ec *tripwire.ExecutionContext, pages uint32) (*compiledEntry, error) {
	sum := sha256.Sum256([]byte(ec.Code))
	key := fmt.Sprintf("%x/%d", sum, pages)

	e.mu.Lock()
	entry, ok := e.cache[key]
	e.mu.Unlock()
	if ok {
		return entry, nil
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if pages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	// The runtime outlives this execution; detach it from the deadline.
	bg := context.WithoutCancel(ec)
	r := wazero.NewRuntimeWithConfig(bg, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(bg, r)

	compiled, err := r.CompileModule(bg, []byte(ec.Code))
	if err != nil {
		_ = r.Close(bg)
		return nil, err
	}

	entry = &compiledEntry{runtime: r, compiled: compiled}
	e.mu.Lock()
	if racing, exists := e.cache[key]; exists {
		e.mu.Unlock()
		_ = r.Close(bg)
		return racing, nil
	}
	e.cache[key] = entry
	e.mu.Unlock()
	return entry, nil
}

// memoryPages converts a byte limit into 64KB wasm pages, clamped to the
// wasm32 maximum so oversized limits degrade to "no effective cap" instead of
// rejecting the runtime configuration.
func memoryPages(maxBytes uint64) uint32 {
	if maxBytes == 0 {
		return 0
	}
	pages := maxBytes / wasmPageSize
	if pages == 0 {
		return 1
	}
	if pages > maxWasmPages {
		return maxWasmPages
	}
	return uint32(pages)
}

// classifyRunError maps wazero errors onto the result taxonomy: deadline →
// Timeout, guest exit code → Failure with that code, memory growth refusal →
// ResourceExceeded.
func classifyRunError(ec *tripwire.ExecutionContext, err error, stderr *bytes.Buffer, started time.Time) (*tripwire.ExecutionResult, bool) {
	if errors.Is(ec.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &tripwire.ExecutionResult{
			Status:   tripwire.StatusTimeout,
			Err:      tripwire.NewExecError(tripwire.ExecTimeout, err, "wasm: execution deadline exceeded"),
			Duration: time.Since(started),
		}, true
	}
	if errors.Is(ec.Err(), context.Canceled) {
		return &tripwire.ExecutionResult{
			Status:   tripwire.StatusCancelled,
			Err:      tripwire.NewExecError(tripwire.ExecRuntime, err, "wasm: execution cancelled"),
			Duration: time.Since(started),
		}, true
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == 0 {
			return &tripwire.ExecutionResult{
				Status:   tripwire.StatusSuccess,
				Outputs:  map[string]any{},
				Duration: time.Since(started),
			}, true
		}
		execErr := tripwire.NewExecError(tripwire.ExecRuntime, err, "wasm: module exited with code %d: %s", exitErr.ExitCode(), stderr.String())
		return &tripwire.ExecutionResult{
			Status:   tripwire.StatusFailure,
			Err:      execErr,
			Duration: time.Since(started),
		}, true
	}

	if strings.Contains(err.Error(), "out of memory") || strings.Contains(err.Error(), "memory") && strings.Contains(err.Error(), "limit") {
		return &tripwire.ExecutionResult{
			Status:   tripwire.StatusFailure,
			Err:      tripwire.NewExecError(tripwire.ExecResourceExceeded, err, "wasm: memory limit exceeded"),
			Duration: time.Since(started),
		}, true
	}
	return nil, false
}

func failure(kind tripwire.ExecErrorKind, err error, msg string, started time.Time) *tripwire.ExecutionResult {
	return &tripwire.ExecutionResult{
		Status:   tripwire.StatusFailure,
		Err:      tripwire.NewExecError(kind, err, msg, err),
		Duration: time.Since(started),
	}
}

func encodeInput(ec *tripwire.ExecutionContext) ([]byte, error) {
	return json.Marshal(map[string]any{
		"input": ec.Inputs,
		"meta":  ec.Metadata(),
	})
}

func decodeOutput(raw []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}
	var outputs map[string]any
	if err := json.Unmarshal(trimmed, &outputs); err != nil {
		return nil, err
	}
	return outputs, nil
}
