package forecast

import (
	"math"
	"sort"
	"time"

	"github.com/kjstillabower/aqi-forecast-service/internal/models"
)

const day = 24 * time.Hour

// Point is a cleaned (date, aqi) pair used as fitting input.
type Point struct {
	Date time.Time
	AQI  float64
}

// CivilDate drops the clock component of t, keeping its calendar date, at UTC midnight.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DayOffset returns the whole number of days from origin to d, truncated toward zero.
func DayOffset(origin, d time.Time) int {
	return int(CivilDate(d).Sub(CivilDate(origin)) / day)
}

// Clean turns raw observations into fitting input. Observations are ordered by date,
// missing AQI values are linearly interpolated by position in that order (values before the
// first reading stay missing, values after the last reading repeat it), then anything
// outside the open interval (0, 500) is dropped.
func Clean(obs []models.Observation) []Point {
	sorted := make([]models.Observation, len(obs))
	copy(sorted, obs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})

	vals := make([]float64, len(sorted))
	for i, o := range sorted {
		vals[i] = math.NaN()
		if o.AQI != nil && !math.IsInf(*o.AQI, 0) {
			vals[i] = *o.AQI
		}
	}
	Interpolate(vals)

	out := make([]Point, 0, len(sorted))
	for i, o := range sorted {
		v := vals[i]
		if math.IsNaN(v) || v <= 0 || v >= 500 {
			continue
		}
		out = append(out, Point{Date: CivilDate(o.Date), AQI: v})
	}
	return out
}

// Interpolate fills NaN entries in place: linearly between the surrounding valid values,
// with the last valid value after the final reading. Leading NaNs are left untouched.
func Interpolate(vals []float64) {
	prev := -1
	for i := 0; i < len(vals); i++ {
		if math.IsNaN(vals[i]) {
			continue
		}
		if prev >= 0 && i-prev > 1 {
			step := (vals[i] - vals[prev]) / float64(i-prev)
			for k := prev + 1; k < i; k++ {
				vals[k] = vals[prev] + step*float64(k-prev)
			}
		}
		prev = i
	}
	if prev >= 0 {
		for k := prev + 1; k < len(vals); k++ {
			vals[k] = vals[prev]
		}
	}
}

// InterpolateBoth fills NaN entries like Interpolate and also back-fills leading NaNs
// with the first valid value. All-NaN input is left unchanged.
func InterpolateBoth(vals []float64) {
	Interpolate(vals)
	first := -1
	for i, v := range vals {
		if !math.IsNaN(v) {
			first = i
			break
		}
	}
	for k := 0; k < first; k++ {
		vals[k] = vals[first]
	}
}
