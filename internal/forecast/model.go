package forecast

import (
	"fmt"
	"time"

	"github.com/kjstillabower/aqi-forecast-service/internal/aqi"
	"github.com/kjstillabower/aqi-forecast-service/internal/models"
)

// Model is the fitted state of one strategy for one city. It is plain data so it can be
// serialized and restored; a restored Model predicts exactly what the original did.
type Model struct {
	City     string      `json:"city"`
	Strategy string      `json:"strategy"`
	Origin   time.Time   `json:"origin"`
	LastDate time.Time   `json:"lastDate"`
	Samples  int         `json:"samples"`
	FittedAt time.Time   `json:"fittedAt"`
	Poly     *PolyState  `json:"poly,omitempty"`
	ARIMA    *ARIMAState `json:"arima,omitempty"`
}

// Predict projects horizon consecutive days starting the day after anchor.
// A zero anchor, or one earlier than the last observation, anchors on the last observation.
// Every returned AQI is clamped to [0, 500].
func (m *Model) Predict(anchor time.Time, horizon int) ([]models.ForecastPoint, error) {
	if horizon < 1 {
		return nil, &InvalidHorizonError{Horizon: horizon}
	}
	start := CivilDate(m.LastDate)
	if !anchor.IsZero() && CivilDate(anchor).After(start) {
		start = CivilDate(anchor)
	}

	dates := make([]time.Time, horizon)
	for i := range dates {
		dates[i] = start.AddDate(0, 0, i+1)
	}

	var raw []float64
	switch {
	case m.Poly != nil:
		raw = make([]float64, horizon)
		for i, d := range dates {
			raw[i] = m.Poly.valueAt(float64(DayOffset(m.Origin, d)))
		}
	case m.ARIMA != nil:
		steps := make([]int, horizon)
		for i, d := range dates {
			steps[i] = DayOffset(m.LastDate, d)
		}
		raw = m.ARIMA.valuesAt(steps)
	default:
		return nil, fmt.Errorf("model for %q has no fitted state", m.City)
	}

	out := make([]models.ForecastPoint, horizon)
	for i := range dates {
		out[i] = models.ForecastPoint{Date: dates[i], AQI: aqi.Clamp(raw[i])}
	}
	return out, nil
}
