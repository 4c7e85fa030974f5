// Package logger configures process-wide logging for the asset engine.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const appName = "assetengine"

func getLogsDir(appName string) (string, error) {
	var path string
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get user home directory: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		path = filepath.Join(os.Getenv("LOCALAPPDATA"), appName, "Logs")
	case "darwin":
		path = filepath.Join(homeDir, "Library", "Logs", appName)
	default:
		path = filepath.Join(homeDir, ".local", "share", appName, "logs")
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("create logs directory: %w", err)
	}

	return path, nil
}
