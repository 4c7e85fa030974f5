//go:build prod

package logger

import (
	"fmt"
	"log"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogger points the process-wide logger at a rotating file only. A
// daemon has no terminal watching stdout, and runs continuously rather than
// for the length of a user session, so retention is sized in days rather
// than run count.
func SetupLogger() error {
	logsDir, err := getLogsDir(appName)
	if err != nil {
		return fmt.Errorf("get logs directory: %w", err)
	}

	fileLogger := &lumberjack.Logger{
		Filename:   filepath.Join(logsDir, "application.log"),
		MaxSize:    20,
		MaxBackups: 14,
		MaxAge:     14,
		Compress:   true,
	}

	log.SetOutput(fileLogger)

	return nil
}
