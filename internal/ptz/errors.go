package ptz

import (
	"errors"
	"fmt"
)

var (
	ErrUnreachable        = errors.New("camera onvif endpoint unreachable")
	ErrAuthFailed         = errors.New("onvif authentication failed")
	ErrUnsupportedProfile = errors.New("camera exposes no ptz-capable profile")
	ErrTimeout            = errors.New("onvif operation timed out")
)

// StepError pins a failure to the operation step it happened in so
// handlers can report "GotoPreset failed" rather than a bare cause.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("ptz %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func stepErr(step string, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Step: step, Err: err}
}
