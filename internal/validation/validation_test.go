package validation

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateCity_EmptyAndWhitespace(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"spaces", "   "},
		{"tab", "\t"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateCity(tc.input, 1, 100)
			if !errors.Is(err, ErrCityEmpty) {
				t.Errorf("error = %v, want ErrCityEmpty", err)
			}
		})
	}
}

func TestValidateCity_Length(t *testing.T) {
	if _, err := ValidateCity("x", 2, 100); !errors.Is(err, ErrCityTooShort) {
		t.Errorf("error = %v, want ErrCityTooShort", err)
	}
	if _, err := ValidateCity(strings.Repeat("a", 101), 1, 100); !errors.Is(err, ErrCityTooLong) {
		t.Errorf("error = %v, want ErrCityTooLong", err)
	}
	// Length is counted in runes.
	if _, err := ValidateCity("दिल्ली", 1, 6); err != nil {
		t.Errorf("unexpected error for 6-rune name: %v", err)
	}
}

func TestValidateCity_InvalidChars(t *testing.T) {
	for _, in := range []string{"del/hi", "del\\hi", "delhi;drop", "<script>", "a\x00b", "delhi?x=1"} {
		t.Run(in, func(t *testing.T) {
			if _, err := ValidateCity(in, 1, 100); !errors.Is(err, ErrCityInvalidChars) {
				t.Errorf("ValidateCity(%q) error = %v, want ErrCityInvalidChars", in, err)
			}
		})
	}
}

func TestValidateCity_Valid(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Delhi", "Delhi"},
		{"  Thiruvananthapuram  ", "Thiruvananthapuram"},
		{"Anand Vihar, Delhi - DPCC", "Anand Vihar, Delhi - DPCC"},
		{"St. John's (North)", "St. John's (North)"},
		{"São Paulo", "São Paulo"},
	}
	for _, tc := range tests {
		got, err := ValidateCity(tc.input, 1, 100)
		if err != nil {
			t.Errorf("ValidateCity(%q) error = %v", tc.input, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ValidateCity(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestParseDays(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"", 7, false},
		{" 14 ", 14, false},
		{"0", 0, false},
		{"-3", -3, false},
		{"seven", 0, true},
		{"1.5", 0, true},
	}
	for _, tc := range tests {
		got, err := ParseDays(tc.in, 7)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidDays) {
				t.Errorf("ParseDays(%q) error = %v, want ErrInvalidDays", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseDays(%q) = %d, %v; want %d", tc.in, got, err, tc.want)
		}
	}
}

func TestParseAnchor(t *testing.T) {
	now := time.Date(2024, 5, 10, 13, 0, 0, 0, time.UTC)

	for _, in := range []string{"", "last", "LAST"} {
		got, err := ParseAnchor(in, now)
		if err != nil || !got.IsZero() {
			t.Errorf("ParseAnchor(%q) = %v, %v; want zero", in, got, err)
		}
	}
	for _, in := range []string{"today", "Now"} {
		got, err := ParseAnchor(in, now)
		if err != nil || !got.Equal(now) {
			t.Errorf("ParseAnchor(%q) = %v, %v; want now", in, got, err)
		}
	}
	got, err := ParseAnchor("2020-03-01", now)
	if err != nil || !got.Equal(time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("ParseAnchor(date) = %v, %v", got, err)
	}
	if _, err := ParseAnchor("01/03/2020", now); !errors.Is(err, ErrInvalidAnchor) {
		t.Errorf("error = %v, want ErrInvalidAnchor", err)
	}
}

func TestParseAQI(t *testing.T) {
	if v, err := ParseAQI("151.5"); err != nil || v != 151.5 {
		t.Errorf("ParseAQI = %v, %v", v, err)
	}
	if v, err := ParseAQI("-10"); err != nil || v != -10 {
		t.Errorf("negative values are classifiable: %v, %v", v, err)
	}
	for _, in := range []string{"", "abc", "NaN", "Inf", "-Inf"} {
		if _, err := ParseAQI(in); !errors.Is(err, ErrInvalidAQI) {
			t.Errorf("ParseAQI(%q) error = %v, want ErrInvalidAQI", in, err)
		}
	}
}

func TestParseGeo(t *testing.T) {
	lat, lon, err := ParseGeo("28.6139", "77.2090")
	if err != nil || lat != 28.6139 || lon != 77.2090 {
		t.Errorf("ParseGeo = %v, %v, %v", lat, lon, err)
	}
	bad := [][2]string{{"", "77"}, {"91", "77"}, {"28", "181"}, {"north", "east"}}
	for _, b := range bad {
		if _, _, err := ParseGeo(b[0], b[1]); !errors.Is(err, ErrInvalidCoordinates) {
			t.Errorf("ParseGeo(%q, %q) error = %v, want ErrInvalidCoordinates", b[0], b[1], err)
		}
	}
}
