package observability

import (
	"time"

	"go.uber.org/zap"
)

// Field aliases keep call sites free of a direct zap import.
//
//nolint:gochecknoglobals // thin aliases over zap constructors
var (
	String   = zap.String
	Strings  = zap.Strings
	Int      = zap.Int
	Int64    = zap.Int64
	Bool     = zap.Bool
	Float64  = zap.Float64
	Error    = zap.Error
	Any      = zap.Any
	Duration = zap.Duration
)

// Elapsed reports the time since start as a duration field.
func Elapsed(start time.Time) zap.Field {
	return zap.Duration("elapsed", time.Since(start))
}
