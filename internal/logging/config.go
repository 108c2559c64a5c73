package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config selects the level, rendering and destination of a Logger. Empty
// fields take the DefaultConfig values.
type Config struct {
	// Level is one of debug, info, warn (or warning), error, fatal.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
	// Output is stdout, stderr or a file path appended to.
	Output string `yaml:"output"`
}

// DefaultConfig returns the configuration of the service log.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: string(JSONFormat),
		Output: "stderr",
	}
}

// NewLogger builds a Logger from cfg. Unknown levels and formats are
// rejected so a mistyped flag does not silently change what is logged.
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	out, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	return NewWithFormat(level, format, out), nil
}

// ParseLevel maps a level name to a LogLevel. Empty selects InfoLevel.
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return DebugLevel, nil
	case "", "INFO":
		return InfoLevel, nil
	case "WARN", "WARNING":
		return WarnLevel, nil
	case "ERROR":
		return ErrorLevel, nil
	case "FATAL":
		return FatalLevel, nil
	}
	return "", fmt.Errorf("unknown log level %q", name)
}

// ParseFormat maps a format name to a Format. Empty selects JSONFormat.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case "":
		return JSONFormat, nil
	case JSONFormat, TextFormat:
		return f, nil
	}
	return "", fmt.Errorf("unknown log format %q (want json or text)", name)
}

// openOutput resolves a destination. Files are created with their parent
// directory and opened for appending.
func openOutput(dst string) (io.Writer, error) {
	switch dst {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("log output %s: %w", dst, err)
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("log output %s: %w", dst, err)
	}
	return f, nil
}
