// Package faults holds the closed set of error kinds the engine reports.
// Every kind is a coded go-errors value; callers branch on the code, never
// on the message.
package faults

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	CodeValidation     = "VALIDATION_FAILED"
	CodeAlreadyExists  = "INSTANCE_ALREADY_EXISTS"
	CodeConflict       = "VERSION_CONFLICT"
	CodeLeaseLost      = "SESSION_LEASE_LOST"
	CodeTransient      = "TRANSIENT_FAILURE"
	CodeFatal          = "FATAL_FAILURE"
	CodeNonDeterminism = "NON_DETERMINISTIC_REPLAY"
	CodeTimeout        = "TIMEOUT"
	CodeNotFound       = "NOT_FOUND"
	CodeTerminated     = "SHARD_TERMINATED"
)

var (
	ErrValidation = apperrors.New("validation failed", apperrors.CategoryValidation).
			WithTextCode(CodeValidation)
	ErrAlreadyExists = apperrors.New("instance already exists", apperrors.CategoryConflict).
				WithTextCode(CodeAlreadyExists)
	ErrConflict = apperrors.New("version conflict", apperrors.CategoryConflict).
			WithTextCode(CodeConflict)
	ErrLeaseLost = apperrors.New("session lease lost", apperrors.CategoryConflict).
			WithTextCode(CodeLeaseLost)
	ErrTransient = apperrors.New("transient failure", apperrors.CategoryExternal).
			WithTextCode(CodeTransient)
	ErrFatal = apperrors.New("fatal failure", apperrors.CategoryHandler).
			WithTextCode(CodeFatal)
	ErrNonDeterminism = apperrors.New("non-deterministic replay", apperrors.CategoryHandler).
				WithTextCode(CodeNonDeterminism)
	ErrTimeout = apperrors.New("timed out", apperrors.CategoryExternal).
			WithTextCode(CodeTimeout)
	ErrNotFound = apperrors.New("not found", apperrors.CategoryBadInput).
			WithTextCode(CodeNotFound)
	ErrTerminated = apperrors.New("shard terminated", apperrors.CategoryHandler).
			WithTextCode(CodeTerminated)
)

// New clones base with a specific message, cause and metadata.
func New(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrFatal
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func Validation(message string, metadata map[string]any) error {
	return New(ErrValidation, message, nil, metadata)
}

func Conflict(message string, source error, metadata map[string]any) error {
	return New(ErrConflict, message, source, metadata)
}

func LeaseLost(message string, metadata map[string]any) error {
	return New(ErrLeaseLost, message, nil, metadata)
}

func Transient(message string, source error) error {
	return New(ErrTransient, message, source, nil)
}

func Fatal(message string, source error) error {
	return New(ErrFatal, message, source, nil)
}

func NonDeterminism(message string, metadata map[string]any) error {
	return New(ErrNonDeterminism, message, nil, metadata)
}

func Timeout(message string, metadata map[string]any) error {
	return New(ErrTimeout, message, nil, metadata)
}

func NotFound(message string, metadata map[string]any) error {
	return New(ErrNotFound, message, nil, metadata)
}

// Code returns the text code of the first coded error in the chain.
func Code(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain,
// including inside joined errors.
func Is(err error, code string) bool {
	if err == nil {
		return false
	}
	var ge *apperrors.Error
	if stderrors.As(err, &ge) && ge.TextCode == code {
		return true
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range x.Unwrap() {
			if Is(e, code) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return Is(x.Unwrap(), code)
	}
	return false
}

func IsTransient(err error) bool { return Is(err, CodeTransient) }

func IsFatal(err error) bool { return Is(err, CodeFatal) }

func IsConflict(err error) bool { return Is(err, CodeConflict) }
