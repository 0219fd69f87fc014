// Package processtest provides a scripted process.Runner for adapter tests.
package processtest

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/davidbz/clibridge/internal/process"
)

// ErrKilled is returned by Wait after Kill or context cancellation.
var ErrKilled = errors.New("signal: killed")

// Response scripts one fake process run.
type Response struct {
	StartErr  error
	Stdout    string        // written first, in one piece
	Lines     []string      // then written one line at a time
	LineDelay time.Duration // before each line
	Hang      bool          // keep stdout open until killed
	ExitCode  int
	Stderr    string
}

// Runner records every command and answers with Script.
type Runner struct {
	Script func(cmd process.Command) Response

	mu    sync.Mutex
	calls []process.Command
}

// NewRunner creates a Runner answering every command with resp.
func NewRunner(resp Response) *Runner {
	return &Runner{Script: func(process.Command) Response { return resp }}
}

// Calls returns the commands started so far.
func (r *Runner) Calls() []process.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]process.Command(nil), r.calls...)
}

// LastCall returns the most recent command.
func (r *Runner) LastCall() process.Command {
	calls := r.Calls()
	if len(calls) == 0 {
		return process.Command{}
	}
	return calls[len(calls)-1]
}

// Start implements process.Runner.
func (r *Runner) Start(ctx context.Context, cmd process.Command) (process.Process, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()

	resp := r.Script(cmd)
	if resp.StartErr != nil {
		return nil, resp.StartErr
	}

	pr, pw := io.Pipe()
	p := &fakeProcess{
		stdout: pr,
		resp:   resp,
		done:   make(chan struct{}),
		killed: make(chan struct{}),
	}
	go p.run(ctx, pw)
	return p, nil
}

type fakeProcess struct {
	stdout *io.PipeReader
	resp   Response
	done   chan struct{}

	killOnce sync.Once
	killed   chan struct{}
}

func (p *fakeProcess) run(ctx context.Context, pw *io.PipeWriter) {
	defer close(p.done)
	defer pw.Close()

	go func() {
		select {
		case <-ctx.Done():
			p.Kill()
		case <-p.done:
		}
	}()

	if p.resp.Stdout != "" {
		if _, err := io.Copy(pw, strings.NewReader(p.resp.Stdout)); err != nil {
			return
		}
	}
	for _, line := range p.resp.Lines {
		if p.resp.LineDelay > 0 {
			select {
			case <-time.After(p.resp.LineDelay):
			case <-p.killed:
				return
			}
		}
		if _, err := io.WriteString(pw, line+"\n"); err != nil {
			return
		}
	}
	if p.resp.Hang {
		<-p.killed
	}
}

func (p *fakeProcess) Stdout() io.Reader {
	return p.stdout
}

func (p *fakeProcess) Wait() error {
	<-p.done
	select {
	case <-p.killed:
		return ErrKilled
	default:
	}
	if p.resp.ExitCode != 0 {
		return &process.ExitError{Code: p.resp.ExitCode, Stderr: p.resp.Stderr}
	}
	return nil
}

func (p *fakeProcess) Kill() {
	p.killOnce.Do(func() {
		close(p.killed)
		_ = p.stdout.CloseWithError(ErrKilled)
	})
}
