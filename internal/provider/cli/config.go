package cli

import (
	"errors"
	"time"

	"github.com/davidbz/clibridge/internal/domain"
)

// BackendConfig is the environment configuration of one CLI backend. It is parsed with
// a per-backend prefix (CLAUDE_, CODEX_, GEMINI_); fields left unset keep the values
// from the dialect's DefaultConfig.
type BackendConfig struct {
	Enabled           bool          `env:"ENABLED"`
	Binary            string        `env:"BINARY"`
	Models            []string      `env:"MODELS"              envSeparator:","`
	Permission        string        `env:"PERMISSION"`
	CallTimeout       time.Duration `env:"CALL_TIMEOUT"`
	StreamReadTimeout time.Duration `env:"STREAM_READ_TIMEOUT"`
	Env               []string      `env:"EXTRA_ENV"           envSeparator:";"`
}

// ToConfig validates b and builds the engine Config.
func (b BackendConfig) ToConfig(sandboxRoot string) (Config, error) {
	if b.Binary == "" {
		return Config{}, errors.New("binary is required")
	}
	if len(b.Models) == 0 {
		return Config{}, errors.New("at least one model is required")
	}
	permission, err := domain.ParsePermission(b.Permission)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Binary:            b.Binary,
		Models:            b.Models,
		Permission:        permission,
		CallTimeout:       b.CallTimeout,
		StreamReadTimeout: b.StreamReadTimeout,
		SandboxRoot:       sandboxRoot,
		Env:               b.Env,
	}, nil
}
