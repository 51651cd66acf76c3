package forecast

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kjstillabower/aqi-forecast-service/internal/models"
)

const (
	StrategyPolynomial = "polynomial"
	StrategyARIMA      = "arima"

	// DefaultMaxHorizon bounds how many days a single forecast may project.
	DefaultMaxHorizon = 30
)

// Strategy fits a trend over cleaned points. Implementations must be pure.
type Strategy interface {
	Name() string
	MinPoints() int
	Fit(points []Point) (*Model, error)
}

// StrategyByName returns the strategy registered under name (case-insensitive).
// An empty name selects the polynomial strategy.
func StrategyByName(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategyPolynomial:
		return Polynomial{Degree: 2}, nil
	case StrategyARIMA:
		return ARIMA{P: 2, D: 1, Q: 2}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// Config selects the engine strategy and horizon limit.
type Config struct {
	Strategy   string
	MaxHorizon int
}

// Engine cleans a series, fits the configured strategy and projects forward.
// It holds no per-city state, so one Engine is safe for concurrent use.
type Engine struct {
	strategy   Strategy
	maxHorizon int
}

func NewEngine(cfg Config) (*Engine, error) {
	s, err := StrategyByName(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	return NewEngineWithStrategy(s, cfg.MaxHorizon), nil
}

// NewEngineWithStrategy builds an engine around an explicit strategy. maxHorizon < 1 means DefaultMaxHorizon.
func NewEngineWithStrategy(s Strategy, maxHorizon int) *Engine {
	if maxHorizon < 1 {
		maxHorizon = DefaultMaxHorizon
	}
	return &Engine{strategy: s, maxHorizon: maxHorizon}
}

func (e *Engine) Strategy() string {
	return e.strategy.Name()
}

func (e *Engine) MaxHorizon() int {
	return e.maxHorizon
}

// Fit cleans series and fits the configured strategy.
func (e *Engine) Fit(series models.TimeSeries) (*Model, error) {
	points := Clean(series.Observations)
	if len(points) < 2 {
		return nil, &InsufficientDataError{City: series.City, Valid: len(points), Need: maxInt(2, e.strategy.MinPoints())}
	}
	m, err := e.strategy.Fit(points)
	if err != nil {
		var ide *InsufficientDataError
		if errors.As(err, &ide) {
			ide.City = series.City
			return nil, ide
		}
		return nil, fmt.Errorf("fit %s for %q: %w", e.strategy.Name(), series.City, err)
	}
	m.City = series.City
	m.FittedAt = time.Now().UTC()
	return m, nil
}

// Predict validates horizon against the engine limit before projecting m.
func (e *Engine) Predict(m *Model, anchor time.Time, horizon int) ([]models.ForecastPoint, error) {
	if err := ValidateHorizon(horizon, e.maxHorizon); err != nil {
		return nil, err
	}
	return m.Predict(anchor, horizon)
}

// Forecast fits series and returns horizon points dated the day after anchor onwards.
// The horizon is checked before any fitting work.
func (e *Engine) Forecast(series models.TimeSeries, horizon int, anchor time.Time) ([]models.ForecastPoint, error) {
	if err := ValidateHorizon(horizon, e.maxHorizon); err != nil {
		return nil, err
	}
	m, err := e.Fit(series)
	if err != nil {
		return nil, err
	}
	return m.Predict(anchor, horizon)
}
