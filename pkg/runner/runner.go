// Package runner executes the external imaging tools the pipeline is built on.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	xlog "dicom2svr/internal/log"
)

// ErrToolNotFound is returned when the executable cannot be resolved.
var ErrToolNotFound = errors.New("tool not found")

// DefaultGrace is how long a cancelled tool gets between SIGTERM and SIGKILL.
const DefaultGrace = 5 * time.Second

const tailLines = 50

// Invocation describes a single external command.
type Invocation struct {
	// Name labels the tool in logs, errors and metrics (e.g. "dcm2niix").
	Name string
	// Path is the executable name or path.
	Path string
	Args []string
	// Dir is the working directory, the current one when empty.
	Dir     string
	Timeout time.Duration
	// Interactive attaches the tool to the terminal (GUI tools, prompts).
	Interactive bool
}

// Argv returns the full command line.
func (inv Invocation) Argv() []string {
	return append([]string{inv.Path}, inv.Args...)
}

// Result summarises a finished invocation.
type Result struct {
	Argv     []string
	ExitCode int
	Duration time.Duration
	// Tail holds the last lines the tool printed on stdout and stderr.
	Tail []string
}

// ExitError reports a tool that ran but exited unsuccessfully.
type ExitError struct {
	Tool string
	Code int
	Tail []string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.Code)
	if len(e.Tail) > 0 {
		msg += ": " + e.Tail[len(e.Tail)-1]
	}
	return msg
}

// Runner runs external tools.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// Observer is notified after every invocation, successful or not.
type Observer func(inv Invocation, res Result, err error)

// Exec runs tools as child processes.
type Exec struct {
	Logger   zerolog.Logger
	Grace    time.Duration
	Observer Observer
}

// NewExec returns an Exec runner logging through the runner component logger.
func NewExec() *Exec {
	return &Exec{
		Logger: xlog.WithComponent("runner"),
		Grace:  DefaultGrace,
	}
}

// Run starts the tool, streams its output to the logger and waits for it.
// Cancelling ctx or exceeding inv.Timeout terminates the whole process group.
func (e *Exec) Run(ctx context.Context, inv Invocation) (res Result, err error) {
	res.Argv = inv.Argv()
	defer func() {
		if e.Observer != nil {
			e.Observer(inv, res, err)
		}
	}()

	path, err := exec.LookPath(inv.Path)
	if err != nil {
		return res, fmt.Errorf("%w: %s (%s): %v", ErrToolNotFound, inv.Name, inv.Path, err)
	}

	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	logger := e.Logger.With().Str(xlog.FieldTool, inv.Name).Logger()

	cmd := exec.Command(path, inv.Args...)
	cmd.Dir = inv.Dir
	ring := NewRingBuffer(tailLines)

	var wg sync.WaitGroup
	if inv.Interactive {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		setProcessGroup(cmd)
		stdout, perr := cmd.StdoutPipe()
		if perr != nil {
			return res, fmt.Errorf("failed to pipe stdout: %w", perr)
		}
		stderr, perr := cmd.StderrPipe()
		if perr != nil {
			return res, fmt.Errorf("failed to pipe stderr: %w", perr)
		}
		wg.Add(2)
		go e.drain(&wg, stdout, ring, logger, "stdout")
		go e.drain(&wg, stderr, ring, logger, "stderr")
	}

	logger.Info().Strs(xlog.FieldArgv, res.Argv).Str(xlog.FieldDir, inv.Dir).Msg("starting tool")
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return res, fmt.Errorf("exec start %s: %w", inv.Name, err)
	}

	waitCh := make(chan error, 1)
	go func() {
		// Pipes must be fully read before Wait closes them.
		wg.Wait()
		waitCh <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		logger.Warn().Int(xlog.FieldPID, cmd.Process.Pid).Msg("terminating tool")
		waitErr = terminate(cmd, waitCh, e.grace())
	}

	res.Duration = time.Since(start)
	res.Tail = ring.GetAll()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	event := logger.Info()
	if waitErr != nil {
		event = logger.Error()
	}
	event.Int(xlog.FieldExitCode, res.ExitCode).
		Int64(xlog.FieldDurationMS, res.Duration.Milliseconds()).
		Msg("tool finished")

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s interrupted: %w", inv.Name, ctxErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, &ExitError{Tool: inv.Name, Code: res.ExitCode, Tail: res.Tail}
		}
		return res, fmt.Errorf("wait %s: %w", inv.Name, waitErr)
	}
	return res, nil
}

func (e *Exec) grace() time.Duration {
	if e.Grace <= 0 {
		return DefaultGrace
	}
	return e.Grace
}

func (e *Exec) drain(wg *sync.WaitGroup, r io.Reader, ring *RingBuffer, logger zerolog.Logger, stream string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		ring.Add(line)
		logger.Debug().Str("stream", stream).Msg(line)
	}
	// Keep reading after a scanner error so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

// Expand substitutes {name} placeholders in args with values from vars.
// Unknown placeholders are left untouched.
func Expand(args []string, vars map[string]string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		for k, v := range vars {
			arg = strings.ReplaceAll(arg, "{"+k+"}", v)
		}
		out[i] = arg
	}
	return out
}

// RingBuffer keeps the last N lines written to it.
type RingBuffer struct {
	lines []string
	pos   int
	full  bool
	mu    sync.Mutex
}

func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{lines: make([]string, size)}
}

func (r *RingBuffer) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % len(r.lines)
	if r.pos == 0 {
		r.full = true
	}
}

func (r *RingBuffer) GetAll() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.lines[:r.pos]...)
	}
	res := make([]string, len(r.lines))
	copy(res, r.lines[r.pos:])
	copy(res[len(r.lines)-r.pos:], r.lines[:r.pos])
	return res
}
