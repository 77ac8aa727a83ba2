package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"
)

// Exit codes come from the foundry catalog where it has one. The rest follow
// sysexits(3).
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitUsage       = foundry.ExitInvalidArgument
	ExitNoInput     = foundry.ExitFileNotFound
	ExitReadErr     = foundry.ExitFileReadError
	ExitIOErr       = foundry.ExitFileWriteError
	ExitUnavailable = foundry.ExitExternalServiceUnavailable
	ExitInterrupted = foundry.ExitSignalInt

	ExitDataErr  = 65
	ExitSoftware = 70
	ExitConfig   = 78
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}
	return ExitFailure
}

// ExitWithCode logs msg and err and returns the matching ExitError.
func ExitWithCode(logger *zap.Logger, code int, msg string, err error) error {
	fields := []zap.Field{zap.Int("exit_code", code)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	logger.Error(msg, fields...)
	if err == nil {
		err = fmt.Errorf("%s", msg)
		msg = ""
	}
	return exitError(code, msg, err)
}
