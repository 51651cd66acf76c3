package source

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/kjstillabower/aqi-forecast-service/internal/forecast"
	"github.com/kjstillabower/aqi-forecast-service/internal/models"
)

// Dataset indexes observations by city. It is read-only after construction and safe for concurrent use.
type Dataset struct {
	byCity map[string][]models.Observation
	names  map[string]string
	cities []string
	total  int
}

// NewDataset groups obs by city, orders each city by date and keeps the last row seen for a repeated date.
// Spellings that differ only in case or surrounding space are one city, named by the first spelling seen.
func NewDataset(obs []models.Observation) *Dataset {
	grouped := make(map[string][]models.Observation)
	names := make(map[string]string)
	for _, o := range obs {
		key := cityKey(o.City)
		name, ok := names[key]
		if !ok {
			name = strings.TrimSpace(o.City)
			names[key] = name
		}
		o.City = name
		grouped[name] = append(grouped[name], o)
	}
	d := &Dataset{
		byCity: make(map[string][]models.Observation, len(grouped)),
		names:  names,
	}
	for city, rows := range grouped {
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Date.Before(rows[j].Date) })
		deduped := rows[:0]
		for _, r := range rows {
			if n := len(deduped); n > 0 && deduped[n-1].Date.Equal(r.Date) {
				deduped[n-1] = r
				continue
			}
			deduped = append(deduped, r)
		}
		d.byCity[city] = deduped
		d.cities = append(d.cities, city)
		d.total += len(deduped)
	}
	sort.Strings(d.cities)
	return d
}

// Len returns the number of observations after de-duplication.
func (d *Dataset) Len() int { return d.total }

// Cities returns the city names in sorted order.
func (d *Dataset) Cities() []string {
	return append([]string(nil), d.cities...)
}

// Resolve maps a case-insensitive city name to its canonical spelling.
func (d *Dataset) Resolve(city string) (string, bool) {
	name, ok := d.names[cityKey(city)]
	return name, ok
}

func cityKey(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}

func (d *Dataset) rows(city string) ([]models.Observation, string, error) {
	name, ok := d.Resolve(city)
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrCityNotFound, city)
	}
	return d.byCity[name], name, nil
}

// Series returns a copy of the city's observations ordered by date.
func (d *Dataset) Series(city string) (models.TimeSeries, error) {
	rows, name, err := d.rows(city)
	if err != nil {
		return models.TimeSeries{}, err
	}
	return models.TimeSeries{City: name, Observations: append([]models.Observation(nil), rows...)}, nil
}

// Latest returns the most recent observation that has an AQI value.
func (d *Dataset) Latest(city string) (models.Observation, error) {
	tail, err := d.Tail(city, 1)
	if err != nil {
		return models.Observation{}, err
	}
	if len(tail) == 0 {
		return models.Observation{}, fmt.Errorf("%w: %q has no AQI readings", ErrNoData, city)
	}
	return tail[0], nil
}

// Tail returns up to n most recent observations with an AQI value, oldest first.
func (d *Dataset) Tail(city string, n int) ([]models.Observation, error) {
	rows, _, err := d.rows(city)
	if err != nil {
		return nil, err
	}
	var out []models.Observation
	for i := len(rows) - 1; i >= 0 && len(out) < n; i-- {
		if rows[i].AQI != nil {
			out = append(out, rows[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// PollutantMeans averages each pollutant over the city's non-missing readings.
// Pollutants with no readings are omitted.
func (d *Dataset) PollutantMeans(city string) (map[string]float64, error) {
	rows, _, err := d.rows(city)
	if err != nil {
		return nil, err
	}
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, r := range rows {
		for p, v := range r.Pollutants {
			if v == nil || math.IsNaN(*v) {
				continue
			}
			sums[p] += *v
			counts[p]++
		}
	}
	out := make(map[string]float64, len(sums))
	for p, s := range sums {
		out[p] = s / float64(counts[p])
	}
	return out, nil
}

// All returns every observation ordered by city then date.
func (d *Dataset) All() []models.Observation {
	out := make([]models.Observation, 0, d.total)
	for _, c := range d.cities {
		out = append(out, d.byCity[c]...)
	}
	return out
}

// InterpolatePollutants returns a new dataset whose pollutant gaps are filled per city,
// linearly between readings and with the nearest reading at either end.
// A pollutant with no readings for a city stays missing.
func (d *Dataset) InterpolatePollutants() *Dataset {
	var out []models.Observation
	for _, c := range d.cities {
		rows := d.byCity[c]
		filled := make([]models.Observation, len(rows))
		for i, r := range rows {
			filled[i] = r
			filled[i].Pollutants = make(map[string]*float64, len(models.Pollutants))
		}
		for _, p := range models.Pollutants {
			vals := make([]float64, len(rows))
			for i, r := range rows {
				vals[i] = math.NaN()
				if v := r.Pollutants[p]; v != nil {
					vals[i] = *v
				}
			}
			forecast.InterpolateBoth(vals)
			for i, v := range vals {
				if math.IsNaN(v) {
					filled[i].Pollutants[p] = nil
					continue
				}
				v := v
				filled[i].Pollutants[p] = &v
			}
		}
		out = append(out, filled...)
	}
	return NewDataset(out)
}
