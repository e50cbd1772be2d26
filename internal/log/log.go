package log

import (
	"io"
	stdlog "log"
	"log/slog"
	"os"

	"github.com/adrg/xdg"
	tea "github.com/charmbracelet/bubbletea"
)

var (
	debugEnabled bool
	logFile      *os.File
	logger       = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func Setup(debug bool) error {
	debugEnabled = debug
	if !debug || logFile != nil {
		return nil
	}
	logPath, err := xdg.StateFile("mailsync/debug.log")
	if err != nil {
		return err
	}
	logFile, err = tea.LogToFile(logPath, "mailsync")
	if err != nil {
		return err
	}
	logger = slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return nil
}

func Close() error {
	if logFile == nil {
		return nil
	}
	defer func() {
		logFile = nil
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}()
	return logFile.Close()
}

func DebugEnabled() bool {
	return debugEnabled
}

// Logger returns the structured logger, writing to the debug log when
// debugging is enabled and discarding otherwise.
func Logger() *slog.Logger {
	return logger
}

func Printf(format string, args ...any) {
	if debugEnabled {
		stdlog.Printf("DEBUG: "+format, args...)
	}
}
