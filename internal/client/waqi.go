package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/aqi-forecast-service/internal/models"
)

// envelope is the outer shape of every WAQI response. On status "error", data is a message string.
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func (e envelope) err() error {
	var msg string
	if err := json.Unmarshal(e.Data, &msg); err != nil {
		msg = strings.TrimSpace(string(e.Data))
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "invalid key"):
		return fmt.Errorf("%w: %s", ErrInvalidToken, msg)
	case strings.Contains(lower, "unknown station"), strings.Contains(lower, "unknown city"):
		return fmt.Errorf("%w: %s", ErrStationNotFound, msg)
	case strings.Contains(lower, "over quota"):
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	}
	return fmt.Errorf("%w: status %q: %s", ErrUpstreamFailure, e.Status, msg)
}

// flexFloat decodes WAQI numeric fields that may arrive as a number, a numeric string, or "-".
type flexFloat struct {
	Value *float64
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil
		}
		f.Value = &v
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	f.Value = &v
	return nil
}

type feedData struct {
	AQI         flexFloat `json:"aqi"`
	Idx         int       `json:"idx"`
	DominentPol string    `json:"dominentpol"`
	City        struct {
		Name string    `json:"name"`
		Geo  []float64 `json:"geo"`
	} `json:"city"`
	IAQI map[string]struct {
		V flexFloat `json:"v"`
	} `json:"iaqi"`
	Time struct {
		S   string `json:"s"`
		ISO string `json:"iso"`
	} `json:"time"`
}

func (d feedData) reading(fallbackName string) models.LiveReading {
	r := models.LiveReading{
		Station:           d.City.Name,
		AQI:               d.AQI.Value,
		DominantPollutant: strings.ToUpper(d.DominentPol),
		ObservedAt:        parseTime(d.Time.ISO),
	}
	if r.Station == "" {
		r.Station = fallbackName
	}
	if len(d.City.Geo) == 2 {
		r.Latitude, r.Longitude = d.City.Geo[0], d.City.Geo[1]
	}
	if len(d.IAQI) > 0 {
		r.Pollutants = make(map[string]float64, len(d.IAQI))
		for name, v := range d.IAQI {
			if v.V.Value != nil {
				r.Pollutants[name] = *v.V.Value
			}
		}
	}
	return r
}

type boundsEntry struct {
	Lat     float64   `json:"lat"`
	Lon     float64   `json:"lon"`
	UID     int       `json:"uid"`
	AQI     flexFloat `json:"aqi"`
	Station struct {
		Name string `json:"name"`
		Time string `json:"time"`
	} `json:"station"`
}

func (e boundsEntry) station() models.Station {
	return models.Station{
		UID:       e.UID,
		Name:      e.Station.Name,
		Latitude:  e.Lat,
		Longitude: e.Lon,
		AQI:       e.AQI.Value,
		UpdatedAt: parseTime(e.Station.Time),
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

// Bounds is a latitude/longitude box for station lookup.
type Bounds struct {
	South, West, North, East float64
}

// IndiaBounds roughly covers the Indian subcontinent.
var IndiaBounds = Bounds{South: 6.0, West: 68.0, North: 36.0, East: 98.0}

// ParseBounds parses "south,west,north,east".
func ParseBounds(s string) (Bounds, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Bounds{}, fmt.Errorf("bounds %q: want south,west,north,east", s)
	}
	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Bounds{}, fmt.Errorf("bounds %q: %w", s, err)
		}
		vals[i] = v
	}
	b := Bounds{South: vals[0], West: vals[1], North: vals[2], East: vals[3]}
	return b, b.Validate()
}

func (b Bounds) Validate() error {
	if b.South < -90 || b.North > 90 || b.South >= b.North {
		return fmt.Errorf("invalid bounds latitude range [%g, %g]", b.South, b.North)
	}
	if b.West < -180 || b.East > 180 || b.West >= b.East {
		return fmt.Errorf("invalid bounds longitude range [%g, %g]", b.West, b.East)
	}
	return nil
}

// String renders the WAQI latlng parameter.
func (b Bounds) String() string {
	return strings.Join([]string{formatCoord(b.South), formatCoord(b.West), formatCoord(b.North), formatCoord(b.East)}, ",")
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
