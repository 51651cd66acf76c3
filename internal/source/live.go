package source

import (
	"context"
	"fmt"
	"time"

	"github.com/kjstillabower/aqi-forecast-service/internal/client"
	"github.com/kjstillabower/aqi-forecast-service/internal/models"
)

// LiveSource turns current WAQI readings for a fixed city list into today's observations.
// It satisfies Source so a live snapshot can be appended to historical data.
type LiveSource struct {
	Client client.AirQualityClient
	Cities []string
	Now    func() time.Time
}

func (s *LiveSource) Name() string { return "waqi" }

// Load fails only if every city fails; partial results are returned with nil error.
func (s *LiveSource) Load(ctx context.Context) ([]models.Observation, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	y, m, d := now().UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	var (
		out     []models.Observation
		lastErr error
	)
	for _, city := range s.Cities {
		r, err := s.Client.FeedByCity(ctx, city)
		if err != nil {
			lastErr = err
			continue
		}
		if r.AQI == nil {
			continue
		}
		o := models.Observation{City: city, Date: today, AQI: r.AQI, Pollutants: map[string]*float64{}}
		for key, name := range liveKeys {
			if v, ok := r.Pollutants[key]; ok {
				v := v
				o.Pollutants[name] = &v
			}
		}
		out = append(out, o)
	}
	if len(out) == 0 && lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, lastErr)
	}
	return out, nil
}

// liveKeys maps WAQI iaqi keys to dataset pollutant columns.
var liveKeys = map[string]string{
	"pm25": models.PM25,
	"pm10": models.PM10,
	"no2":  models.NO2,
	"so2":  models.SO2,
	"co":   models.CO,
	"o3":   models.O3,
}
