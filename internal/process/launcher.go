// Package process spawns CLI backends as child processes, each in its own working
// directory, with the prompt on stdin and the answer read from stdout.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/observability"
)

// ErrSpawn indicates the binary could not be started.
var ErrSpawn = errors.New("failed to start process")

const (
	defaultWaitDelay = 2 * time.Second
	maxStderrBytes   = 64 << 10
)

// Command describes one invocation.
type Command struct {
	Argv  []string
	Dir   string // empty: a fresh sandbox directory is created and removed after Wait
	Stdin []byte
	Env   []string // appended to the gateway's environment
}

// Process is a running child.
type Process interface {
	// Stdout streams the child's standard output.
	Stdout() io.Reader

	// Wait blocks until the child exits. A non-zero exit is an *ExitError.
	Wait() error

	// Kill terminates the child immediately.
	Kill()
}

// Runner starts processes. Adapters depend on this so tests can substitute a fake.
type Runner interface {
	Start(ctx context.Context, cmd Command) (Process, error)
}

// ExitError reports a non-zero exit along with the captured stderr.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("process exited with code %d", e.Code)
	}
	return fmt.Sprintf("process exited with code %d: %s", e.Code, e.Stderr)
}

// LauncherConfig configures the Launcher.
type LauncherConfig struct {
	SandboxRoot string        `env:"SANDBOX_ROOT"`
	WaitDelay   time.Duration `env:"PROCESS_WAIT_DELAY" envDefault:"2s"`
}

// Launcher is the exec-based Runner.
type Launcher struct {
	sandboxRoot string
	waitDelay   time.Duration
	goos        string
}

// NewLauncher creates a Launcher. An empty sandbox root uses the OS temp directory.
func NewLauncher(cfg LauncherConfig) *Launcher {
	waitDelay := cfg.WaitDelay
	if waitDelay <= 0 {
		waitDelay = defaultWaitDelay
	}
	return &Launcher{
		sandboxRoot: cfg.SandboxRoot,
		waitDelay:   waitDelay,
		goos:        runtime.GOOS,
	}
}

// Start launches cmd. Canceling ctx kills the child.
func (l *Launcher) Start(ctx context.Context, cmd Command) (Process, error) {
	if len(cmd.Argv) == 0 || cmd.Argv[0] == "" {
		return nil, domain.NewError(domain.KindServer, "empty command", ErrSpawn)
	}
	logger := observability.FromContext(ctx)

	var sandbox *Sandbox
	dir := cmd.Dir
	if dir == "" {
		var err error
		sandbox, err = NewSandbox(l.sandboxRoot)
		if err != nil {
			return nil, domain.NewError(domain.KindServer, "failed to create sandbox", err)
		}
		dir = sandbox.Dir
	}

	argv := ShellArgv(l.goos, cmd.Argv)
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Dir = dir
	c.WaitDelay = l.waitDelay
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.Stdin = bytes.NewReader(cmd.Stdin)

	stderr := &limitedBuffer{limit: maxStderrBytes}
	c.Stderr = stderr

	stdout, err := c.StdoutPipe()
	if err != nil {
		sandbox.Cleanup()
		return nil, domain.NewError(domain.KindServer, "failed to open stdout", err)
	}

	if err := c.Start(); err != nil {
		sandbox.Cleanup()
		logger.Error("failed to spawn backend",
			observability.String("binary", cmd.Argv[0]),
			observability.Error(err),
		)
		return nil, domain.NewError(domain.KindServer,
			fmt.Sprintf("cannot run %s", cmd.Argv[0]), fmt.Errorf("%w: %w", ErrSpawn, err))
	}

	logger.Debug("backend process started",
		observability.String("binary", cmd.Argv[0]),
		observability.Int("pid", c.Process.Pid),
		observability.String("dir", dir),
	)

	return &execProcess{cmd: c, stdout: stdout, stderr: stderr, sandbox: sandbox}, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	stdout  io.Reader
	stderr  *limitedBuffer
	sandbox *Sandbox

	waitOnce sync.Once
	waitErr  error
}

func (p *execProcess) Stdout() io.Reader {
	return p.stdout
}

func (p *execProcess) Wait() error {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.sandbox.Cleanup()

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.waitErr = &ExitError{
				Code:   exitErr.ExitCode(),
				Stderr: strings.TrimSpace(p.stderr.String()),
			}
			return
		}
		p.waitErr = err
	})
	return p.waitErr
}

func (p *execProcess) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// limitedBuffer keeps the first limit bytes written to it.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Run starts cmd and collects its whole stdout.
func Run(ctx context.Context, runner Runner, cmd Command) ([]byte, error) {
	proc, err := runner.Start(ctx, cmd)
	if err != nil {
		return nil, err
	}

	out, readErr := io.ReadAll(proc.Stdout())
	if readErr != nil {
		proc.Kill()
	}
	if waitErr := proc.Wait(); waitErr != nil {
		return out, waitErr
	}
	if readErr != nil {
		return out, fmt.Errorf("failed to read stdout: %w", readErr)
	}
	return out, nil
}

// LookPath reports whether binary resolves to an executable.
func LookPath(binary string) (string, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("%s not found: %w", binary, err)
	}
	return path, nil
}
