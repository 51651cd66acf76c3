package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/aqi-forecast-service/internal/models"
)

// Column headers of the city_day layout.
const (
	ColCity   = "City"
	ColDate   = "Date"
	ColAQI    = "AQI"
	ColBucket = "AQI_Bucket"
)

var dateLayouts = []string{dateLayout, "2006-01-02 15:04:05", time.RFC3339, "02-01-2006", "2006/01/02"}

// CSVSource reads a city_day style file. Columns are located by header name so extra or
// reordered columns are fine; only City, Date and AQI are required.
type CSVSource struct {
	Path  string
	Range DateRange
}

func (s *CSVSource) Name() string { return "csv" }

func (s *CSVSource) Load(ctx context.Context) ([]models.Observation, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer f.Close()
	return ReadCSV(ctx, f, s.Range)
}

// ReadCSV parses observations from r. Rows with an empty city or an unparseable date are skipped,
// unparseable numbers become missing values.
func ReadCSV(ctx context.Context, r io.Reader, rng DateRange) ([]models.Observation, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoData
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")] = i
	}
	for _, col := range []string{ColCity, ColDate, ColAQI} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}
	pollutantCols := make(map[string]int)
	for _, p := range models.Pollutants {
		if i, ok := idx[p]; ok {
			pollutantCols[p] = i
		}
	}

	var out []models.Observation
	for line := 2; ; line++ {
		if line%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		city := field(rec, idx[ColCity])
		if city == "" {
			continue
		}
		date, ok := parseDate(field(rec, idx[ColDate]))
		if !ok || !rng.Contains(date) {
			continue
		}
		obs := models.Observation{
			City:       city,
			Date:       date,
			AQI:        parseNumber(field(rec, idx[ColAQI])),
			Pollutants: make(map[string]*float64, len(pollutantCols)),
		}
		for p, i := range pollutantCols {
			obs.Pollutants[p] = parseNumber(field(rec, i))
		}
		out = append(out, obs)
	}
	return out, nil
}

func field(rec []string, i int) string {
	if i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

func parseNumber(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// WriteCSV writes observations in city_day layout with every pollutant column and an AQI_Bucket column.
func WriteCSV(w io.Writer, obs []models.Observation, bucket func(float64) string) error {
	cw := csv.NewWriter(w)
	header := append([]string{ColCity, ColDate}, models.Pollutants...)
	header = append(header, ColAQI, ColBucket)
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, len(header))
	for _, o := range obs {
		rec = rec[:0]
		rec = append(rec, o.City, o.Date.Format(dateLayout))
		for _, p := range models.Pollutants {
			rec = append(rec, formatNumber(o.Pollutants[p]))
		}
		rec = append(rec, formatNumber(o.AQI))
		if o.AQI != nil && bucket != nil {
			rec = append(rec, bucket(*o.AQI))
		} else {
			rec = append(rec, "")
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatNumber(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
