// Package source loads air-quality observations from the configured backend and indexes them by city.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kjstillabower/aqi-forecast-service/internal/models"
)

var (
	// ErrSourceUnavailable means the backing file, database or API could not be read.
	ErrSourceUnavailable = errors.New("observation source unavailable")
	// ErrCityNotFound is returned for a city with no rows in the dataset.
	ErrCityNotFound = errors.New("city not found")
	// ErrNoData is returned when a load produced zero usable rows.
	ErrNoData = errors.New("no observations")
)

// Source produces raw observations. Implementations do not clean or interpolate.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]models.Observation, error)
}

// DateRange filters observations by calendar date, inclusive on both ends. Zero bounds are open.
type DateRange struct {
	From time.Time
	To   time.Time
}

func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// ParseDateRange parses optional YYYY-MM-DD bounds.
func ParseDateRange(from, to string) (DateRange, error) {
	var r DateRange
	var err error
	if from != "" {
		if r.From, err = time.Parse(dateLayout, from); err != nil {
			return DateRange{}, err
		}
	}
	if to != "" {
		if r.To, err = time.Parse(dateLayout, to); err != nil {
			return DateRange{}, err
		}
	}
	if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
		return DateRange{}, errors.New("date range: to is before from")
	}
	return r, nil
}

const dateLayout = "2006-01-02"

// LoadDataset runs src and indexes the result. Zero observations is ErrNoData.
func LoadDataset(ctx context.Context, src Source) (*Dataset, error) {
	obs, err := src.Load(ctx)
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, ErrNoData
	}
	return NewDataset(obs), nil
}

// MultiSource concatenates the output of several sources in order. Later sources win
// when a (city, date) pair repeats, since Dataset keeps the last row seen.
type MultiSource []Source

func (m MultiSource) Name() string {
	names := make([]string, len(m))
	for i, s := range m {
		names[i] = s.Name()
	}
	return strings.Join(names, "+")
}

func (m MultiSource) Load(ctx context.Context) ([]models.Observation, error) {
	var out []models.Observation
	for _, s := range m {
		obs, err := s.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Name(), err)
		}
		out = append(out, obs...)
	}
	return out, nil
}
