package validation

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
)

// ErrLocationEmpty is returned when location is empty or whitespace-only after trim.
var ErrLocationEmpty = errors.New("location is required")

// ErrLocationTooShort is returned when location length is below the minimum.
var ErrLocationTooShort = errors.New("location too short")

// ErrLocationTooLong is returned when location length exceeds the maximum.
var ErrLocationTooLong = errors.New("location too long")

// ErrLocationInvalidChars is returned when location contains disallowed characters.
var ErrLocationInvalidChars = errors.New("location contains invalid characters")

var (
	ErrCountryCode = errors.New("country_code must be an ISO 3166-1 alpha-2 code")
	ErrStateCode   = errors.New("state_code must be 1 to 3 letters or digits")
	ErrUnits       = errors.New("units must be metric, imperial or standard")
	ErrLang        = errors.New("lang must be a two-letter language code")
	ErrLatitude    = errors.New("lat must be between -90 and 90")
	ErrLongitude   = errors.New("lon must be between -180 and 180")
	ErrOutOfRange  = errors.New("value out of range")
	ErrTimeWindow  = errors.New("start must be before end")
)

// MaxHistoryWindow is the longest span one history request may cover.
const MaxHistoryWindow = 366 * 24 * time.Hour

// Location length bounds in runes.
const (
	MinLocationLen = 1
	MaxLocationLen = 100
)

// ValidateLocation trims the input, enforces length bounds (minLen, maxLen in runes),
// and restricts to allowed characters: letters (Unicode), digits, space, comma,
// hyphen, period and apostrophe.
// Returns the trimmed string. Normalization (e.g. lowercase) is left to cache keys.
func ValidateLocation(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrLocationEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrLocationTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrLocationTooLong
	}
	for _, c := range r {
		if !isAllowedLocationRune(c) {
			return "", ErrLocationInvalidChars
		}
	}
	return s, nil
}

func isAllowedLocationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsMark(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}

// ValidateCountryCode upper-cases a two-letter country code. Empty is allowed.
func ValidateCountryCode(code string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(code))
	if s == "" {
		return "", nil
	}
	if len(s) != 2 || !isASCIIUpper(s) {
		return "", ErrCountryCode
	}
	return s, nil
}

// ValidateStateCode accepts US-style state codes. Empty is allowed.
func ValidateStateCode(code string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(code))
	if s == "" {
		return "", nil
	}
	if len(s) > 3 {
		return "", ErrStateCode
	}
	for _, c := range s {
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return "", ErrStateCode
		}
	}
	return s, nil
}

// ValidateUnits returns the lower-cased units or def when empty.
func ValidateUnits(units, def string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(units))
	if s == "" {
		s = def
	}
	switch s {
	case "metric", "imperial", "standard":
		return s, nil
	}
	return "", ErrUnits
}

// ValidateLang returns the lower-cased language code or def when empty.
func ValidateLang(lang, def string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(lang))
	if s == "" {
		return def, nil
	}
	if len(s) != 2 || s[0] < 'a' || s[0] > 'z' || s[1] < 'a' || s[1] > 'z' {
		return "", ErrLang
	}
	return s, nil
}

// ValidateCoordinates checks WGS84 bounds.
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return ErrLatitude
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return ErrLongitude
	}
	return nil
}

// ValidateRange returns def when v is zero, otherwise requires min <= v <= max.
func ValidateRange(name string, v, def, min, max int) (int, error) {
	if v == 0 {
		return def, nil
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%w: %s must be between %d and %d, got %d", ErrOutOfRange, name, min, max, v)
	}
	return v, nil
}

// ValidateTimeWindow checks unix-second bounds of a history query and returns
// them as UTC times. start must be positive and strictly before end, and the
// window may not exceed max when max > 0.
func ValidateTimeWindow(start, end int64, max time.Duration) (time.Time, time.Time, error) {
	if start <= 0 || end <= 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start and end must be positive unix timestamps", ErrTimeWindow)
	}
	if start >= end {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: got start=%d end=%d", ErrTimeWindow, start, end)
	}
	from, to := time.Unix(start, 0).UTC(), time.Unix(end, 0).UTC()
	if max > 0 && to.Sub(from) > max {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: window %s exceeds %s", ErrTimeWindow, to.Sub(from), max)
	}
	return from, to, nil
}

func isASCIIUpper(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}
