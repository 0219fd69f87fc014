package cli

import (
	"bytes"
	"errors"

	"github.com/davidbz/clibridge/internal/domain"
)

// ErrNoJSON indicates batch output contained no JSON object.
var ErrNoJSON = errors.New("no JSON object in output")

// Invocation is everything that shapes a backend's command line.
type Invocation struct {
	Model             string
	SystemPrompt      string
	Permission        domain.Permission
	ContinuationToken string
	Stream            bool
	Thinking          *domain.ThinkingConfig
}

// Result is a parsed batch answer.
type Result struct {
	Content  string
	Thinking string
	Usage    domain.Usage
	Token    string
	// ErrorMessage is set when the backend reported a failure inside its output.
	ErrorMessage string
}

// Event is one decoded stream record. Records that carry nothing the gateway uses
// decode to the zero Event.
type Event struct {
	Delta    string
	Thinking string
	Usage    *domain.Usage
	Token    string
	// ErrorMessage is set when the backend reported a failure.
	ErrorMessage string
}

// Dialect captures one backend's command line and output formats. Implementations are
// stateless; BuildArgs must return the same argv for the same inputs.
type Dialect interface {
	Name() string
	Capabilities() domain.Capabilities

	// SystemPromptInArgs reports whether BuildArgs passes the system prompt as a flag.
	// Otherwise the engine prepends it to the stdin prompt.
	SystemPromptInArgs() bool

	// ApplyThinking maps a thinking request onto the invocation and prompt.
	ApplyThinking(inv Invocation, prompt string) (Invocation, string)

	BuildArgs(binary string, inv Invocation) []string
	ParseBatch(out []byte) (*Result, error)
	ParseStreamLine(line []byte) (Event, error)
}

// ExtractJSON returns out from the first '{', skipping any banner a CLI prints first.
func ExtractJSON(out []byte) ([]byte, error) {
	i := bytes.IndexByte(out, '{')
	if i < 0 {
		return nil, ErrNoJSON
	}
	return bytes.TrimSpace(out[i:]), nil
}

// FoldStream decodes JSONL output line by line into a single Result. Malformed lines
// are skipped.
func FoldStream(d Dialect, out []byte) (*Result, error) {
	res := &Result{}
	seen := false
	for line := range bytes.SplitSeq(out, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		ev, err := d.ParseStreamLine(line)
		if err != nil {
			continue
		}
		seen = true
		res.Content += ev.Delta
		res.Thinking += ev.Thinking
		if ev.Usage != nil {
			res.Usage = *ev.Usage
		}
		if ev.Token != "" {
			res.Token = ev.Token
		}
		if ev.ErrorMessage != "" {
			res.ErrorMessage = ev.ErrorMessage
		}
	}
	if !seen {
		return nil, ErrNoJSON
	}
	return res, nil
}
