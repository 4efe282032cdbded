// Package sandbox executes candidate artifacts inside a disposable,
// resource- and network-isolated environment built on the yaegi
// interpreter. Interpreting the code instead of compiling it removes the
// whole class of build-time failure modes (toolchain hangs, dependency
// resolution, dynamic linking) and lets the allowlist block process, file,
// and network capabilities before a single statement runs.
//
// Every invocation provisions a fresh interpreter and a fresh scratch
// directory holding a read-only copy of the artifact; both are torn down
// on every exit path. Environments are never shared between artifacts.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"runtime"
	"runtime/metrics"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"crucible/internal/artifact"
)

// Limits are the resource ceilings for one sandbox execution.
type Limits struct {
	Timeout      time.Duration `yaml:"timeout"`        // hard wall-clock ceiling
	MemoryBytes  uint64        `yaml:"memory_bytes"`   // heap growth ceiling
	CPUFraction  float64       `yaml:"cpu_fraction"`   // share of one core, advisory high-water mark
	MaxProcs     int           `yaml:"max_procs"`      // enforced structurally: no process spawning capability
	MaxOpenFiles int           `yaml:"max_open_files"` // enforced structurally: no filesystem capability
	AllowNetwork bool          `yaml:"allow_network"`  // off by default; no network packages are loaded
}

// DefaultLimits returns conservative ceilings for untrusted artifacts.
func DefaultLimits() Limits {
	return Limits{
		Timeout:      10 * time.Second,
		MemoryBytes:  64 << 20, // 64 MiB
		CPUFraction:  1.0,
		MaxProcs:     1,
		MaxOpenFiles: 8,
		AllowNetwork: false,
	}
}

// excerptLimit caps captured stdout/stderr stored on the result.
const excerptLimit = 4096

// entryPoint is the function an artifact must expose.
const entryPoint = "main.Run"

// allowedPackages is the stdlib subset interpreted artifacts may import.
// Process control, filesystem, network, and dynamic execution packages
// are deliberately absent; MaxProcs and MaxOpenFiles ceilings hold
// because the capability to consume them is never granted.
var allowedPackages = map[string]bool{
	"bufio":           true,
	"bytes":           true,
	"context":         true,
	"encoding/base64": true,
	"encoding/csv":    true,
	"encoding/hex":    true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"math":            true,
	"math/big":        true,
	"math/rand":       true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
	"unicode":         true,
	"unicode/utf8":    true,
}

// syncBuffer is a mutex-guarded output buffer. An abandoned interpreter
// goroutine keeps writing through yaegi's redirected stdout/stderr after a
// timeout, so reads and writes must be serialized.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Executor runs artifacts under yaegi with enforced limits. Executions
// are serialized: the memory watchdog attributes process-global heap
// growth, which is only meaningful for one artifact at a time.
type Executor struct {
	workDir string
	mu      sync.Mutex
	logger  *zap.Logger
}

// New creates an Executor whose scratch directories live under workDir
// (os.TempDir() if empty).
func New(workDir string, logger *zap.Logger) *Executor {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Executor{workDir: workDir, logger: logger}
}

// Execute runs the artifact under the given limits and reports what it
// observed. Execute never returns an error for artifact misbehavior; all
// failure modes are encoded in the result's ExitStatus. The returned
// error covers only environment provisioning faults.
func (e *Executor) Execute(ctx context.Context, art *artifact.GeneratedArtifact, limits Limits) (*artifact.SandboxResult, error) {
	result := &artifact.SandboxResult{ArtifactID: art.ID}

	scratch, err := os.MkdirTemp(e.workDir, "sandbox-")
	if err != nil {
		return nil, fmt.Errorf("failed to provision sandbox environment: %w", err)
	}
	// Teardown on every exit path: success, timeout, crash, cancellation.
	defer func() {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			e.logger.Warn("sandbox teardown incomplete",
				zap.String("scratch", scratch), zap.Error(rmErr))
		}
	}()

	// Read-only copy of the artifact; the interpreter itself never reads
	// it back, but the scratch dir is the audit-visible execution root.
	if err := os.WriteFile(filepath.Join(scratch, "artifact.go"), []byte(art.SourceText), 0o444); err != nil {
		return nil, fmt.Errorf("failed to stage artifact: %w", err)
	}

	if err := checkImports(art.SourceText); err != nil {
		result.ExitStatus = artifact.ExitRuntimeError
		result.StderrExcerpt = err.Error()
		return result, nil
	}

	var stdout, stderr syncBuffer
	i := interp.New(interp.Options{
		GoPath: scratch,
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load interpreter symbols: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	e.mu.Lock()
	start := time.Now()
	status, runErr := e.run(runCtx, i, art.SourceText, limits, result)
	e.mu.Unlock()
	result.Duration = time.Since(start)
	result.ExitStatus = status
	if runErr != nil && result.StderrExcerpt == "" {
		result.StderrExcerpt = truncate(runErr.Error())
	}
	if result.StdoutExcerpt == "" {
		result.StdoutExcerpt = truncate(stdout.String())
	}
	if result.StderrExcerpt == "" {
		result.StderrExcerpt = truncate(stderr.String())
	}

	e.logger.Info("sandbox execution finished",
		zap.String("artifact_id", art.ID),
		zap.String("exit_status", status.String()),
		zap.Duration("duration", result.Duration),
		zap.Uint64("peak_memory", result.PeakMemory))
	return result, nil
}

// resourcePeaks are the high-water marks observed by the watcher.
type resourcePeaks struct {
	memory      uint64
	cpuFraction float64
}

// run evaluates the artifact and invokes its entry point while a watcher
// samples resource high-water marks. A timed-out or over-limit
// interpreter goroutine cannot be forcibly killed, so it is abandoned;
// the scratch environment is still torn down by the caller and the
// interpreter becomes unreachable.
func (e *Executor) run(ctx context.Context, i *interp.Interpreter, source string, limits Limits, result *artifact.SandboxResult) (artifact.ExitStatus, error) {
	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)
	exceeded := make(chan struct{})
	peaks := make(chan resourcePeaks, 1)
	watchStop := make(chan struct{})

	go watchResources(limits, exceeded, peaks, watchStop)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("artifact panicked: %v", r)}
			}
		}()

		if _, err := i.Eval(source); err != nil {
			done <- outcome{err: fmt.Errorf("evaluation failed: %w", err)}
			return
		}

		v, err := i.Eval(entryPoint)
		if err != nil {
			done <- outcome{err: fmt.Errorf("entry point %s not found: %w", entryPoint, err)}
			return
		}
		runFn, ok := v.Interface().(func() (string, error))
		if !ok {
			done <- outcome{err: fmt.Errorf("%s has wrong signature, want func() (string, error)", entryPoint)}
			return
		}

		out, err := runFn()
		done <- outcome{output: out, err: err}
	}()

	finish := func() resourcePeaks {
		close(watchStop)
		return <-peaks
	}

	select {
	case o := <-done:
		p := finish()
		result.PeakMemory = p.memory
		result.PeakCPUFraction = p.cpuFraction
		if o.err != nil {
			return artifact.ExitRuntimeError, o.err
		}
		result.StdoutExcerpt = truncate(o.output)
		return artifact.ExitCompleted, nil
	case <-exceeded:
		p := <-peaks
		result.PeakMemory = p.memory
		result.PeakCPUFraction = p.cpuFraction
		return artifact.ExitResourceExceeded, fmt.Errorf("memory ceiling exceeded: %d bytes", p.memory)
	case <-ctx.Done():
		p := finish()
		result.PeakMemory = p.memory
		result.PeakCPUFraction = p.cpuFraction
		return artifact.ExitTimeout, fmt.Errorf("wall-clock limit exceeded: %w", ctx.Err())
	}
}

// watchResources samples heap growth and process CPU time while the
// artifact runs. It closes exceeded on a memory ceiling breach and always
// delivers the observed peaks exactly once before returning. Sampling is
// process-global, hence the executor-level serialization of runs; an
// interpreter abandoned by an earlier timeout can still skew the baseline
// if it keeps allocating.
func watchResources(limits Limits, exceeded chan<- struct{}, peaks chan<- resourcePeaks, stop <-chan struct{}) {
	var base runtime.MemStats
	runtime.ReadMemStats(&base)

	cpuSample := []metrics.Sample{{Name: "/cpu/classes/user:cpu-seconds"}}
	metrics.Read(cpuSample)
	baseCPU := cpuSeconds(cpuSample)
	startWall := time.Now()

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	var p resourcePeaks
	defer func() { peaks <- p }()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			var growth uint64
			if ms.HeapAlloc > base.HeapAlloc {
				growth = ms.HeapAlloc - base.HeapAlloc
			}
			if growth > p.memory {
				p.memory = growth
			}

			metrics.Read(cpuSample)
			if wall := time.Since(startWall).Seconds(); wall > 0 {
				frac := (cpuSeconds(cpuSample) - baseCPU) / wall
				if frac > 1.0 {
					frac = 1.0
				}
				if frac > p.cpuFraction {
					p.cpuFraction = frac
				}
			}

			if limits.MemoryBytes > 0 && growth > limits.MemoryBytes {
				close(exceeded)
				return
			}
		}
	}
}

func cpuSeconds(samples []metrics.Sample) float64 {
	if samples[0].Value.Kind() == metrics.KindFloat64 {
		return samples[0].Value.Float64()
	}
	return 0
}

// checkImports rejects artifacts importing anything off the allowlist
// before the interpreter sees them. Parsing failures surface as runtime
// errors: an unparseable artifact reaching the sandbox means the static
// validator was bypassed (diagnostic probes can do that).
func checkImports(source string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "artifact.go", source, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("artifact does not parse: %w", err)
	}

	var forbidden []string
	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if !allowedPackages[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports in sandbox: %s", strings.Join(forbidden, ", "))
	}
	return nil
}

func truncate(s string) string {
	if len(s) <= excerptLimit {
		return s
	}
	return s[:excerptLimit]
}
