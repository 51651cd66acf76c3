package models

import "time"

// Pollutant names as they appear in the city_day dataset header.
const (
	PM25    = "PM2.5"
	PM10    = "PM10"
	NO      = "NO"
	NO2     = "NO2"
	NOx     = "NOx"
	NH3     = "NH3"
	CO      = "CO"
	SO2     = "SO2"
	O3      = "O3"
	Benzene = "Benzene"
	Toluene = "Toluene"
	Xylene  = "Xylene"
)

// Pollutants lists the pollutant columns in dataset order.
var Pollutants = []string{PM25, PM10, NO, NO2, NOx, NH3, CO, SO2, O3, Benzene, Toluene, Xylene}

// Observation is one city's readings for one calendar day. Nil pointers mark missing values.
type Observation struct {
	City       string              `json:"city"`
	Date       time.Time           `json:"date"`
	Pollutants map[string]*float64 `json:"pollutants,omitempty"`
	AQI        *float64            `json:"aqi"`
}

// ForecastPoint is a single projected day. AQI is always within [0, 500].
type ForecastPoint struct {
	Date time.Time `json:"date"`
	AQI  float64   `json:"aqi"`
}

// ClassifiedPoint is a ForecastPoint decorated with its AQI band for presentation.
type ClassifiedPoint struct {
	Date     time.Time `json:"date"`
	AQI      float64   `json:"aqi"`
	Category string    `json:"category"`
	Color    string    `json:"color"`
}

// CityForecast is the response payload for a city forecast.
type CityForecast struct {
	City          string            `json:"city"`
	Strategy      string            `json:"strategy"`
	Anchor        time.Time         `json:"anchor"`
	LastObserved  time.Time         `json:"lastObserved"`
	Points        []ClassifiedPoint `json:"points"`
	FirstCategory string            `json:"firstCategory"`
	FirstColor    string            `json:"firstColor"`
	GeneratedAt   time.Time         `json:"generatedAt"`
	Cached        bool              `json:"cached,omitempty"`
}

// TrendPoint is a historical (date, aqi) pair.
type TrendPoint struct {
	Date time.Time `json:"date"`
	AQI  float64   `json:"aqi"`
}

// CitySummary aggregates historical context for a city.
type CitySummary struct {
	City           string             `json:"city"`
	Observations   int                `json:"observations"`
	FirstDate      time.Time          `json:"firstDate"`
	LastDate       time.Time          `json:"lastDate"`
	Latest         Observation        `json:"latest"`
	Trend          []TrendPoint       `json:"trend"`
	PollutantMeans map[string]float64 `json:"pollutantMeans"`
}

// LiveReading is the current air quality reported by the live provider for a station or city.
type LiveReading struct {
	Station           string             `json:"station"`
	AQI               *float64           `json:"aqi"`
	DominantPollutant string             `json:"dominantPollutant,omitempty"`
	Pollutants        map[string]float64 `json:"pollutants,omitempty"`
	Latitude          float64            `json:"lat,omitempty"`
	Longitude         float64            `json:"lon,omitempty"`
	ObservedAt        time.Time          `json:"observedAt"`
	Category          string             `json:"category,omitempty"`
	Color             string             `json:"color,omitempty"`
}

// Station is a monitoring station returned by a bounding-box lookup.
type Station struct {
	UID       int       `json:"uid"`
	Name      string    `json:"name"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	AQI       *float64  `json:"aqi"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
	Category  string    `json:"category,omitempty"`
	Color     string    `json:"color,omitempty"`
}

// TimeSeries is one city's observations ordered by date with at most one observation per day.
type TimeSeries struct {
	City         string        `json:"city"`
	Observations []Observation `json:"observations"`
}

// Len returns the number of observations.
func (s TimeSeries) Len() int {
	return len(s.Observations)
}

// Last returns the most recent observation and false when the series is empty.
func (s TimeSeries) Last() (Observation, bool) {
	if len(s.Observations) == 0 {
		return Observation{}, false
	}
	return s.Observations[len(s.Observations)-1], true
}
