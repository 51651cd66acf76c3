package forecast

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientData is returned when fewer valid points remain after cleaning than a strategy needs.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrInvalidHorizon is returned when the requested number of days is outside [1, max].
	ErrInvalidHorizon = errors.New("invalid horizon")
	// ErrUnknownStrategy is returned by StrategyByName for unsupported names.
	ErrUnknownStrategy = errors.New("unknown strategy")
)

// InsufficientDataError reports how many valid points a city had and how many were required.
type InsufficientDataError struct {
	City  string
	Valid int
	Need  int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for %q: %d valid points, need %d", e.City, e.Valid, e.Need)
}

func (e *InsufficientDataError) Unwrap() error {
	return ErrInsufficientData
}

// InvalidHorizonError reports a horizon outside [1, Max].
type InvalidHorizonError struct {
	Horizon int
	Max     int
}

func (e *InvalidHorizonError) Error() string {
	if e.Max < 1 {
		return fmt.Sprintf("invalid horizon %d: must be at least 1", e.Horizon)
	}
	return fmt.Sprintf("invalid horizon %d: must be between 1 and %d", e.Horizon, e.Max)
}

func (e *InvalidHorizonError) Unwrap() error {
	return ErrInvalidHorizon
}

// ValidateHorizon returns an *InvalidHorizonError when h is outside [1, max].
func ValidateHorizon(h, max int) error {
	if h < 1 || h > max {
		return &InvalidHorizonError{Horizon: h, Max: max}
	}
	return nil
}
