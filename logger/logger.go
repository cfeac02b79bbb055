package logger

import (
	"io"
	"time"

	"github.com/jsternberg/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewStructuredLogger builds a logger according to Config.Format: "json"
// for machine-readable output, "logfmt"/"auto" for the key=value encoding
// the rest of the fleet's tooling greps, anything else falls back to the
// plain console encoder.
func NewStructuredLogger(w io.Writer, c Config) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(ts time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(ts.UTC().Format(time.RFC3339))
	}

	var encoder zapcore.Encoder
	switch c.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "logfmt", "auto", "":
		encoder = zaplogfmt.NewEncoder(encoderConfig)
	default:
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	return zap.New(zapcore.NewCore(
		encoder,
		zapcore.Lock(zapcore.AddSync(w)),
		c.Level,
	))
}
