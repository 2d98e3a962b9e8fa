package obs

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// NewLogger returns the service logger: colorful debug output in dev and
// local, JSON elsewhere. Every record carries the service name so log
// pipelines can split staysync from the marketplace backend.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler
	switch env {
	case "dev", "local":
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.RFC3339,
			AddSource:  true,
		})
	default:
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:     slog.LevelInfo,
			AddSource: true,
		})
	}
	return slog.New(handler).With("service", "staysync")
}
