//go:build !prod

package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogger configures the process-wide logger to write to both stdout
// and a rotating log file under the OS-specific logs directory.
func SetupLogger() error {
	logsDir, err := getLogsDir(appName)
	if err != nil {
		return fmt.Errorf("get logs directory: %w", err)
	}

	fileLogger := &lumberjack.Logger{
		Filename:   filepath.Join(logsDir, "application.log"),
		MaxSize:    5,
		MaxBackups: 3,
		MaxAge:     3,
		Compress:   false,
	}

	log.SetOutput(io.MultiWriter(os.Stdout, fileLogger))

	return nil
}
