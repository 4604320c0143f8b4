package cli

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/watzon/fngate/internal/config"
)

var logFile *os.File

// setupLogging configures the global zerolog logger. --verbose forces
// debug level.
func setupLogging(cfg config.LoggingConfig, verbose bool) {
	log.Logger = newLogger(cfg, verbose, logOutput(cfg.Output))

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

func newLogger(cfg config.LoggingConfig, verbose bool, out io.Writer) zerolog.Logger {
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out}
	}

	ctx := zerolog.New(out).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	if cfg.Caller || verbose {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

func logOutput(path string) io.Writer {
	if path == "" {
		return os.Stderr
	}
	if logFile != nil && logFile.Name() == path {
		return logFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Cannot open log file, using stderr")
		return os.Stderr
	}
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	return f
}
