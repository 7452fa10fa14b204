// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package logger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// NUCLIDE_DIAGNOSTICS_LOG_FOLDER is the folder to write diagnostics logs to
	// (defaults to a temp folder).
	NUCLIDE_DIAGNOSTICS_LOG_FOLDER = "NUCLIDE_DIAGNOSTICS_LOG_FOLDER"

	// NUCLIDE_DIAGNOSTICS_LOG_LEVEL is the log level to include in diagnostics
	// logs (diagnostics logging is disabled when unset).
	NUCLIDE_DIAGNOSTICS_LOG_LEVEL = "NUCLIDE_DIAGNOSTICS_LOG_LEVEL"

	verbosityFlagName      = "verbosity"
	verbosityFlagShortName = "v"
)

var defaultLogPath = filepath.Join(os.TempDir(), "nuclide", "logs")

// NewLogger builds the process logger: console output on stderr with a
// verbosity flag registered on flags, plus an optional machine-readable
// diagnostics log file controlled by environment variables. The returned
// flush function must be called before the process exits.
func NewLogger(flags *pflag.FlagSet) (logr.Logger, func()) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	consoleAtomicLevel := zap.NewAtomicLevel()
	consoleLog := zapcore.Lock(os.Stderr)

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, consoleLog, consoleAtomicLevel),
	}

	var diagnosticsLogErr error
	if logCore, coreErr := getDiagnosticsLogCore(encoderConfig); coreErr != nil {
		// Ignore the error if the diagnostics log isn't enabled
		if !errors.Is(coreErr, errDiagnosticsLogNotEnabled) {
			diagnosticsLogErr = coreErr
		}
	} else {
		cores = append(cores, logCore)
	}

	zapLogger := zap.New(zapcore.NewTee(cores...))
	log := zapr.NewLogger(zapLogger)

	if diagnosticsLogErr != nil {
		log.Error(diagnosticsLogErr, "failed to enable diagnostics log output")
		fmt.Fprintf(os.Stderr, "failed to enable diagnostics log output: %v\n", diagnosticsLogErr)
	}

	if flags != nil {
		levelVal := NewLevelFlagValue(func(level zapcore.Level) {
			consoleAtomicLevel.SetLevel(level)
		})
		flags.VarP(&levelVal, verbosityFlagName, verbosityFlagShortName,
			"Logging verbosity level (e.g. -v=debug). Can be one of 'debug', 'info', or 'error', or any positive integer corresponding to increasing levels of debug verbosity.")
	}

	return log, func() {
		_ = zapLogger.Sync()
	}
}

var errDiagnosticsLogNotEnabled = errors.New("diagnostics log not enabled")

func getDiagnosticsLogCore(encoderConfig zapcore.EncoderConfig) (zapcore.Core, error) {
	levelStr, found := os.LookupEnv(NUCLIDE_DIAGNOSTICS_LOG_LEVEL)
	if !found {
		return nil, errDiagnosticsLogNotEnabled
	}

	logLevel, levelErr := StringToLevel(levelStr, zapcore.ErrorLevel)
	if levelErr != nil {
		return nil, fmt.Errorf("failed to parse log level: %v", levelStr)
	}

	logFolder, folderErr := ensureDiagnosticsLogsFolder()
	if folderErr != nil {
		return nil, folderErr
	}

	// Log file names include the start time and PID. The same name may
	// already be taken when processes restart quickly, so retry briefly.
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(20*time.Millisecond),
		backoff.WithMaxInterval(100*time.Millisecond),
		backoff.WithMaxElapsedTime(2*time.Second),
	)

	var logOutput *os.File
	openOp := func() error {
		logName := fmt.Sprintf("nuclide-bridge-%d-%d.log", time.Now().UnixMilli(), os.Getpid())
		f, openErr := os.OpenFile(filepath.Join(logFolder, logName), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if openErr != nil {
			return openErr
		}
		logOutput = f
		return nil
	}
	if retryErr := backoff.Retry(openOp, backoff.WithContext(bo, context.Background())); retryErr != nil {
		return nil, fmt.Errorf("failed to create log file: %w", retryErr)
	}

	// Format the diagnostics log to be machine readable
	logEncoder := zapcore.NewJSONEncoder(encoderConfig)

	return zapcore.NewCore(logEncoder, zapcore.AddSync(logOutput), zap.NewAtomicLevelAt(logLevel)), nil
}

func ensureDiagnosticsLogsFolder() (string, error) {
	logFolder, found := os.LookupEnv(NUCLIDE_DIAGNOSTICS_LOG_FOLDER)
	if !found {
		logFolder = defaultLogPath
	}

	info, statErr := os.Stat(logFolder)
	if errors.Is(statErr, fs.ErrNotExist) {
		if mkdirErr := os.MkdirAll(logFolder, 0o700); mkdirErr != nil {
			return "", fmt.Errorf("failed to create the diagnostic log folder '%s': %w", logFolder, mkdirErr)
		}
	} else if statErr != nil {
		return "", fmt.Errorf("failed to verify the existence of the diagnostic log folder '%s': %w", logFolder, statErr)
	} else if !info.IsDir() {
		return "", fmt.Errorf("'%s' is not a directory and cannot be used as a log folder", logFolder)
	}

	return logFolder, nil
}
