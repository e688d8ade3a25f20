// Logger setup from string-based settings, for wiring the logging section
// of the service configuration into a ready Logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ConfigureFromSettings creates a Logger from string parameters as they
// appear in configuration files and environment variables.
//
// Supported values: level "debug"|"info"|"warn"|"error"; format
// "text"|"json"; output "console"|"file"|"both". filename is required for
// "file" and "both" and ignored for "console".
func ConfigureFromSettings(level, format, output, filename string) (*Logger, error) {
	parsedLevel, err := ParseLogLevel(level)
	if err != nil {
		return nil, err
	}

	var parsedFormat LogFormat
	switch format {
	case "text", "":
		parsedFormat = TextFormat
	case "json":
		parsedFormat = JSONFormat
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	var writer io.Writer
	switch output {
	case "console", "":
		writer = os.Stdout
	case "file":
		f, err := openLogFile(filename)
		if err != nil {
			return nil, err
		}
		writer = f
	case "both":
		f, err := openLogFile(filename)
		if err != nil {
			return nil, err
		}
		writer = io.MultiWriter(os.Stdout, f)
	default:
		return nil, fmt.Errorf("invalid log output: %s", output)
	}

	return NewLogger(&Config{
		Level:  parsedLevel,
		Format: parsedFormat,
		Output: writer,
	}), nil
}

// InitFromSettings configures the global logger from string parameters.
func InitFromSettings(level, format, output, filename string) error {
	logger, err := ConfigureFromSettings(level, format, output, filename)
	if err != nil {
		return err
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
	return nil
}

func openLogFile(filename string) (*os.File, error) {
	if filename == "" {
		return nil, fmt.Errorf("log filename required for file output")
	}
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}
