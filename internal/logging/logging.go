// Package logging builds the watermill.LoggerAdapter shared by the whole service.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
)

const (
	FormatText = "text"
	FormatJSON = "json"

	LevelOff = "off"
)

type Config struct {
	// Level is one of trace, debug, info, warn, error or off.
	Level string

	// Format is FormatText or FormatJSON.
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer

	// OmitTime drops the time attribute, useful for stable output.
	OmitTime bool
}

func (c *Config) setDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = FormatText
	}
	if c.Output == nil {
		c.Output = os.Stderr
	}
}

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return watermill.LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, errors.Errorf("unknown log level %q", level)
}

// NewLogger returns a slog backed adapter, or watermill.NopLogger when the level is off.
func NewLogger(config Config) (watermill.LoggerAdapter, error) {
	config.setDefaults()

	if strings.EqualFold(config.Level, LevelOff) {
		return watermill.NopLogger{}, nil
	}

	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	if config.OmitTime {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		}
	}

	var handler slog.Handler
	switch config.Format {
	case FormatText:
		handler = slog.NewTextHandler(config.Output, opts)
	case FormatJSON:
		handler = slog.NewJSONHandler(config.Output, opts)
	default:
		return nil, errors.Errorf("unknown log format %q", config.Format)
	}

	return watermill.NewSlogLogger(slog.New(handler)), nil
}
