package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pdftranslate-server/internal/logger"
	"pdftranslate-server/internal/python"
	"pdftranslate-server/internal/types"
)

// Interpreter runs Python. *python.Env satisfies it.
type Interpreter interface {
	Ensure(ctx context.Context, packages []string) error
	Command(ctx context.Context, args ...string) *exec.Cmd
}

// BabelDOCConfig configures the BabelDOC engine.
type BabelDOCConfig struct {
	Python Interpreter
	// ScriptDir is where the bridge script is written; defaults to the OS temp dir.
	ScriptDir string
	// Packages are checked (and installed when possible) before the first run.
	Packages []string
}

// BabelDOC runs translations in a Python subprocess hosting BabelDOC.
type BabelDOC struct {
	python   Interpreter
	dir      string
	packages []string

	scriptOnce sync.Once
	scriptPath string
	scriptErr  error
}

// NewBabelDOC creates a BabelDOC engine.
func NewBabelDOC(cfg BabelDOCConfig) *BabelDOC {
	dir := cfg.ScriptDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "pdftranslate-server")
	}
	packages := cfg.Packages
	if packages == nil {
		packages = python.RequiredPackages
	}
	return &BabelDOC{python: cfg.Python, dir: dir, packages: packages}
}

// script writes the bridge to disk once per process.
func (b *BabelDOC) script() (string, error) {
	b.scriptOnce.Do(func() {
		if err := os.MkdirAll(b.dir, 0755); err != nil {
			b.scriptErr = fmt.Errorf("failed to create script directory: %w", err)
			return
		}
		path := filepath.Join(b.dir, BridgeScriptName)
		if err := os.WriteFile(path, []byte(BridgeScript), 0644); err != nil {
			b.scriptErr = fmt.Errorf("failed to write bridge script: %w", err)
			return
		}
		b.scriptPath = path
	})
	return b.scriptPath, b.scriptErr
}

// prepare makes sure the interpreter is usable and builds a bridge command.
func (b *BabelDOC) prepare(ctx context.Context, mode string) (*exec.Cmd, error) {
	if err := b.python.Ensure(ctx, b.packages); err != nil {
		return nil, types.NewAppError(types.ErrEngine, "python environment is not ready", err)
	}
	script, err := b.script()
	if err != nil {
		return nil, types.NewAppError(types.ErrEngine, "bridge script unavailable", err)
	}
	return b.python.Command(ctx, "-u", script, mode), nil
}

// Translate starts the bridge in translate mode. The process is bound to ctx
// and to the returned stream's Close.
func (b *BabelDOC) Translate(ctx context.Context, opts Options) (Stream, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(opts)
	if err != nil {
		return nil, types.NewAppError(types.ErrInternal, "failed to encode engine options", err)
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd, err := b.prepare(procCtx, "translate")
	if err != nil {
		cancel()
		return nil, err
	}

	stream, err := startProcess(cmd, cancel, payload)
	if err != nil {
		cancel()
		return nil, err
	}
	logger.Info("engine started",
		logger.String("input", opts.InputFile),
		logger.String("langIn", opts.LangIn),
		logger.String("langOut", opts.LangOut),
		logger.Int("pid", cmd.Process.Pid))
	return stream, nil
}

// stderrTailLines is how much engine stderr is kept for error reports.
const stderrTailLines = 20

// waitDelay bounds how long Wait lingers on pipes held open by grandchildren.
const waitDelay = 5 * time.Second

// tailWriter logs engine stderr line by line and remembers the last lines.
type tailWriter struct {
	mu      sync.Mutex
	partial []byte
	lines   []string
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, p...)
	for {
		idx := bytes.IndexByte(w.partial, '\n')
		if idx < 0 {
			break
		}
		w.add(string(bytes.TrimRight(w.partial[:idx], "\r")))
		w.partial = w.partial[idx+1:]
	}
	return len(p), nil
}

func (w *tailWriter) add(line string) {
	logger.Debug("engine stderr", logger.String("line", line))
	w.lines = append(w.lines, line)
	if len(w.lines) > stderrTailLines {
		w.lines = w.lines[len(w.lines)-stderrTailLines:]
	}
}

// String returns the remembered lines, including an unterminated last line.
func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	lines := w.lines
	if len(w.partial) > 0 {
		lines = append(append([]string(nil), lines...), string(w.partial))
	}
	return strings.Join(lines, "\n")
}

type processStream struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	scanner *bufio.Scanner
	stderr  *tailWriter

	waitOnce sync.Once
	waitErr  error
	done     bool
}

func startProcess(cmd *exec.Cmd, cancel context.CancelFunc, stdin []byte) (*processStream, error) {
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	stderr := &tailWriter{}
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, types.NewAppError(types.ErrEngine, "failed to create stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, types.NewAppError(types.ErrEngine, "failed to start engine", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &processStream{
		cmd:     cmd,
		cancel:  cancel,
		scanner: scanner,
		stderr:  stderr,
	}, nil
}

// Next returns the next event. Lines that are not events are skipped.
func (s *processStream) Next(ctx context.Context) (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, types.NewAppError(types.ErrEngine, "engine stream interrupted", err)
		}
		if !s.scanner.Scan() {
			return Event{}, s.finish()
		}
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		ev, err := ParseEvent([]byte(line))
		if err != nil {
			logger.Debug("skipping engine output", logger.String("line", line))
			continue
		}
		return ev, nil
	}
}

// finish reaps the process once stdout is exhausted.
func (s *processStream) finish() error {
	s.done = true
	scanErr := s.scanner.Err()
	if err := s.wait(); err != nil {
		details := s.stderr.String()
		if details == "" {
			details = err.Error()
		}
		return types.NewAppErrorWithDetails(types.ErrEngine, "engine exited abnormally", details, err)
	}
	if scanErr != nil {
		return types.NewAppError(types.ErrEngine, "failed to read engine output", scanErr)
	}
	return io.EOF
}

func (s *processStream) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
		s.cancel()
	})
	return s.waitErr
}

// Close kills the process if it is still running and reaps it.
func (s *processStream) Close() error {
	s.done = true
	s.cancel()
	s.wait()
	return nil
}
