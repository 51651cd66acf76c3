// Package validation checks and parses user-supplied request values before they reach the service layer.
package validation

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrCityEmpty is returned when the city is empty or whitespace-only after trim.
	ErrCityEmpty = errors.New("city is required")
	// ErrCityTooShort is returned when the city length is below the minimum.
	ErrCityTooShort = errors.New("city too short")
	// ErrCityTooLong is returned when the city length exceeds the maximum.
	ErrCityTooLong = errors.New("city too long")
	// ErrCityInvalidChars is returned when the city contains disallowed characters.
	ErrCityInvalidChars = errors.New("city contains invalid characters")

	ErrInvalidDays        = errors.New("days must be an integer")
	ErrInvalidAnchor      = errors.New("anchor must be YYYY-MM-DD, today or last")
	ErrInvalidAQI         = errors.New("aqi must be a finite number")
	ErrInvalidCoordinates = errors.New("lat and lon must be valid coordinates")
)

var validate = validator.New()

// ValidateCity trims the input, enforces length bounds (minLen, maxLen in runes),
// and restricts to letters and combining marks (Unicode), digits, space and , - . ' ( ).
// Station names such as "Anand Vihar, Delhi - DPCC" pass. Lookup is case-insensitive downstream.
func ValidateCity(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrCityEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrCityTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrCityTooLong
	}
	for _, c := range r {
		if !isAllowedCityRune(c) {
			return "", ErrCityInvalidChars
		}
	}
	return s, nil
}

func isAllowedCityRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsMark(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'', '(', ')':
		return true
	}
	return false
}

// ParseDays parses the days query value. Empty means def. The range is checked by the forecast engine.
func ParseDays(s string, def int) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDays, s)
	}
	return n, nil
}

// ParseAnchor parses the anchor query value. Empty and "last" mean the last observation
// (zero time); "today" and "now" mean now.
func ParseAnchor(s string, now time.Time) (time.Time, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "last":
		return time.Time{}, nil
	case "today", "now":
		return now, nil
	}
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidAnchor, s)
	}
	return t, nil
}

// ParseAQI parses a numeric AQI for classification. Any finite value is accepted.
func ParseAQI(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAQI, s)
	}
	return v, nil
}

type geoQuery struct {
	Lat string `validate:"required,latitude"`
	Lon string `validate:"required,longitude"`
}

// ParseGeo validates and parses a latitude/longitude pair.
func ParseGeo(lat, lon string) (float64, float64, error) {
	q := geoQuery{Lat: strings.TrimSpace(lat), Lon: strings.TrimSpace(lon)}
	if err := validate.Struct(q); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidCoordinates, err)
	}
	la, err := strconv.ParseFloat(q.Lat, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidCoordinates, err)
	}
	lo, err := strconv.ParseFloat(q.Lon, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidCoordinates, err)
	}
	return la, lo, nil
}
