package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level     string
	Writer    io.Writer
	Component string
	// File enables a rotated log file next to Writer.
	File string
}

// NewLogger builds a JSON logger. The returned entry carries the component
// field when one is set.
func NewLogger(opts Options) *log.Entry {
	lg := log.New()
	configure(lg, opts)
	entry := log.NewEntry(lg)
	if c := strings.TrimSpace(opts.Component); c != "" {
		entry = entry.WithField("component", c)
	}
	return entry
}

// Setup applies opts to the standard logger used by the runtime packages.
func Setup(opts Options) {
	configure(log.StandardLogger(), opts)
}

// SetLevel changes the standard logger level only, e.g. after user settings
// were reloaded.
func SetLevel(level string) {
	log.SetLevel(parseLevel(level))
}

func configure(lg *log.Logger, opts Options) {
	writer := opts.Writer
	if writer == nil {
		writer = os.Stderr
	}
	if f := strings.TrimSpace(opts.File); f != "" {
		writer = io.MultiWriter(writer, &lumberjack.Logger{
			Filename:   f,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     14,
		})
	}
	lg.SetOutput(writer)
	lg.SetFormatter(&log.JSONFormatter{})
	lg.SetLevel(parseLevel(opts.Level))
}

func parseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return log.TraceLevel
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
