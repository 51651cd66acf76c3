// Package aqi maps numeric Air Quality Index values to fixed severity bands.
package aqi

import (
	"math"
	"strings"
)

// Category is a stable label for an AQI band. Also used as a metric label.
type Category string

// The six bands in ascending severity.
const (
	CategoryGood         Category = "Good"
	CategorySatisfactory Category = "Satisfactory"
	CategoryModerate     Category = "Moderate"
	CategoryPoor         Category = "Poor"
	CategoryVeryPoor     Category = "Very Poor"
	CategorySevere       Category = "Severe"
)

// Index bounds. Forecast values and classifier input are clamped to [Min, Max].
const (
	Min = 0.0
	Max = 500.0
)

// Band is a category with its display color, emoji and inclusive upper bound.
type Band struct {
	Category Category `json:"category"`
	Color    string   `json:"color"`
	Emoji    string   `json:"emoji"`
	Upper    float64  `json:"upper"`
}

// bands is checked in order; first band whose Upper >= v wins.
var bands = [...]Band{
	{CategoryGood, "#9CFF9C", "🟢", 50},
	{CategorySatisfactory, "#FFFF9C", "🟡", 100},
	{CategoryModerate, "#FFD79C", "🟠", 200},
	{CategoryPoor, "#FF9C9C", "🔴", 300},
	{CategoryVeryPoor, "#B19CFF", "🟣", 400},
	{CategorySevere, "#FF4C4C", "⚫", math.Inf(1)},
}

// Classify returns the band for v. Every input maps to exactly one band:
// values <= 50 are Good (negatives included) and anything above 400, +Inf and NaN are Severe.
func Classify(v float64) Band {
	for _, b := range bands {
		if v <= b.Upper {
			return b
		}
	}
	return bands[len(bands)-1]
}

// Clamp bounds v to [Min, Max]. NaN clamps to Min.
func Clamp(v float64) float64 {
	if math.IsNaN(v) || v < Min {
		return Min
	}
	if v > Max {
		return Max
	}
	return v
}

// ClassifyClamped clamps v before classifying it.
func ClassifyClamped(v float64) Band {
	return Classify(Clamp(v))
}

// Bands returns a copy of the breakpoint table in ascending order.
func Bands() []Band {
	out := make([]Band, len(bands))
	copy(out, bands[:])
	return out
}

// ParseCategory resolves a category label case-insensitively. Accepts "very_poor" and "verypoor".
func ParseCategory(s string) (Category, bool) {
	key := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	for _, b := range bands {
		if strings.ReplaceAll(strings.ToLower(string(b.Category)), " ", "") == key {
			return b.Category, true
		}
	}
	return "", false
}
