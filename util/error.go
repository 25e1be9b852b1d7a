package util

import (
	"errors"
	"fmt"
	"maps"

	"github.com/sirupsen/logrus"
)

// ContextualError carries structured log fields alongside an error so the
// edge of the program can log it with all the detail of the place it was
// raised.
type ContextualError struct {
	RealError error
	Fields    map[string]any
	Context   string
}

func NewContextualError(msg string, fields map[string]any, realError error) *ContextualError {
	return &ContextualError{Context: msg, Fields: fields, RealError: realError}
}

// With returns a copy of ce with one more field.
func (ce *ContextualError) With(key string, value any) *ContextualError {
	fields := make(map[string]any, len(ce.Fields)+1)
	maps.Copy(fields, ce.Fields)
	fields[key] = value
	return &ContextualError{Context: ce.Context, Fields: fields, RealError: ce.RealError}
}

// ContextualizeIfNeeded turns err into a ContextualError unless one is already
// somewhere in its chain.
func ContextualizeIfNeeded(msg string, err error) error {
	var ce *ContextualError
	if errors.As(err, &ce) {
		return err
	}
	return NewContextualError(msg, nil, err)
}

// LogWithContextIfNeeded logs err with the fields of the first ContextualError
// in its chain, or with msg when there is none.
func LogWithContextIfNeeded(msg string, err error, l *logrus.Logger) {
	var ce *ContextualError
	if errors.As(err, &ce) {
		ce.Log(l)
		return
	}
	l.WithError(err).Error(msg)
}

func (ce *ContextualError) Error() string {
	if ce.RealError == nil {
		return ce.Context
	}
	if len(ce.Fields) == 0 {
		return fmt.Sprintf("%s: %v", ce.Context, ce.RealError)
	}
	return fmt.Sprintf("%s (%v): %v", ce.Context, ce.Fields, ce.RealError)
}

func (ce *ContextualError) Unwrap() error {
	return ce.RealError
}

func (ce *ContextualError) Log(lr *logrus.Logger) {
	if ce.RealError != nil {
		lr.WithFields(ce.Fields).WithError(ce.RealError).Error(ce.Context)
	} else {
		lr.WithFields(ce.Fields).Error(ce.Context)
	}
}
