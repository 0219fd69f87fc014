package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/davidbz/clibridge/internal/domain"
	"github.com/davidbz/clibridge/internal/observability"
	"github.com/davidbz/clibridge/internal/process"
)

const maxLineBuffer = 64 << 10

// readLines splits r on '\n'. Bytes are only split at the newline byte, so multi-byte
// UTF-8 sequences spanning read boundaries stay intact.
func readLines(ctx context.Context, r io.Reader, lines chan<- []byte, done chan<- error) {
	defer close(lines)
	br := bufio.NewReaderSize(r, maxLineBuffer)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			select {
			case lines <- line:
			case <-ctx.Done():
				done <- ctx.Err()
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			done <- err
			return
		}
	}
}

// readStream forwards decoded records as chunks and always finishes with exactly one
// Done chunk.
func (p *Provider) readStream(
	ctx context.Context,
	cancel context.CancelFunc,
	proc process.Process,
	chunks chan<- domain.StreamChunk,
) {
	defer close(chunks)
	logger := observability.FromContext(ctx)

	lines := make(chan []byte)
	readDone := make(chan error, 1)
	go readLines(ctx, proc.Stdout(), lines, readDone)

	timeout := p.cfg.StreamReadTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		final   error
		usage   *domain.Usage
		token   string
		skipped int
	)

read:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break read
			}
			timer.Reset(timeout)

			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			ev, err := p.dialect.ParseStreamLine(line)
			if err != nil {
				skipped++
				continue
			}
			if ev.Token != "" {
				token = ev.Token
			}
			if ev.Usage != nil {
				usage = ev.Usage
			}
			if ev.ErrorMessage != "" && final == nil {
				final = domain.NewError(domain.KindServer,
					fmt.Sprintf("%s reported an error: %s", p.Name(), ev.ErrorMessage), nil)
			}
			if ev.Delta == "" && ev.Thinking == "" {
				continue
			}
			select {
			case chunks <- domain.StreamChunk{Delta: ev.Delta, Thinking: ev.Thinking}:
			case <-ctx.Done():
				final = ctx.Err()
				break read
			}

		case <-timer.C:
			final = domain.Errorf(domain.KindTimeout, "%s produced no output for %s", p.Name(), timeout)
			break read

		case <-ctx.Done():
			final = ctx.Err()
			break read
		}
	}

	if final != nil {
		proc.Kill()
		cancel()
	}
	waitErr := proc.Wait()
	if final == nil {
		if readErr := <-readDone; readErr != nil {
			final = domain.NewError(domain.KindServer, "failed to read backend output", readErr)
		}
	}
	if final == nil && waitErr != nil {
		final = p.classify(ctx, waitErr, timeout, nil)
	}

	if skipped > 0 {
		logger.Debug("skipped malformed stream lines", observability.Int("count", skipped))
	}

	done := domain.StreamChunk{Done: true, Error: final, Usage: usage, ContinuationToken: token}
	if final != nil {
		done.Usage = nil
	}
	// Consumers drain until close, so this send cannot strand the goroutine.
	chunks <- done
}
