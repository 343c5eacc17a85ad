package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// QueryKind identifies which upstream dataset a query targets.
type QueryKind string

const (
	KindCurrent              QueryKind = "current"
	KindForecast             QueryKind = "forecast"
	KindAirPollution         QueryKind = "air_pollution"
	KindAirPollutionForecast QueryKind = "air_pollution_forecast"
	KindAirPollutionHistory  QueryKind = "air_pollution_history"
)

// Location is a resolved place. Immutable once produced by geocoding.
type Location struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Country   string  `json:"country,omitempty"`
	State     string  `json:"state,omitempty"`
}

// LocationQuery is a direct geocoding request.
type LocationQuery struct {
	City        string
	StateCode   string
	CountryCode string
	Limit       int
}

// Q renders the OpenWeather "q" parameter: city[,state][,country].
func (q LocationQuery) Q() string {
	parts := []string{strings.TrimSpace(q.City)}
	if q.StateCode != "" {
		parts = append(parts, q.StateCode)
	}
	if q.CountryCode != "" {
		parts = append(parts, q.CountryCode)
	}
	return strings.Join(parts, ",")
}

// Key is the normalized cache key for a direct geocoding lookup.
func (q LocationQuery) Key() string {
	return fmt.Sprintf("geocode:direct:%s:limit=%d", strings.ToLower(q.Q()), q.Limit)
}

// ReverseKey is the normalized cache key for a reverse geocoding lookup.
func ReverseKey(lat, lon float64, limit int) string {
	return fmt.Sprintf("geocode:reverse:%s:limit=%d", coordKey(lat, lon), limit)
}

// GeocodeResult holds the locations returned by a geocoding lookup.
type GeocodeResult struct {
	Query     string     `json:"query"`
	Locations []Location `json:"locations"`
	FetchedAt time.Time  `json:"fetchedAt"`
}

// FetchTime implements cache.Entry.
func (g GeocodeResult) FetchTime() time.Time { return g.FetchedAt }

// QueryOptions are the optional parameters shared by weather queries.
type QueryOptions struct {
	Units string `json:"units"`
	Lang  string `json:"lang"`
	Days  int    `json:"days,omitempty"`
}

// WeatherQuery is a location plus kind plus options. Its Key is the cache key.
// Start and End bound KindAirPollutionHistory queries only.
type WeatherQuery struct {
	Kind     QueryKind
	Location Location
	Options  QueryOptions
	Start    time.Time
	End      time.Time
}

// IsAirQuality reports whether k is one of the air pollution datasets, which
// ignore units and language.
func (k QueryKind) IsAirQuality() bool {
	switch k {
	case KindAirPollution, KindAirPollutionForecast, KindAirPollutionHistory:
		return true
	}
	return false
}

// Key returns the normalized cache key. Coordinates are rounded to 4 decimals
// (about 11m) so equivalent resolutions share an entry.
func (q WeatherQuery) Key() string {
	var b strings.Builder
	b.WriteString(string(q.Kind))
	b.WriteByte(':')
	b.WriteString(coordKey(q.Location.Latitude, q.Location.Longitude))
	if !q.Kind.IsAirQuality() {
		fmt.Fprintf(&b, ":units=%s:lang=%s", strings.ToLower(q.Options.Units), strings.ToLower(q.Options.Lang))
	}
	switch q.Kind {
	case KindForecast:
		fmt.Fprintf(&b, ":days=%d", q.Options.Days)
	case KindAirPollutionHistory:
		fmt.Fprintf(&b, ":%d-%d", q.Start.Unix(), q.End.Unix())
	}
	return b.String()
}

func coordKey(lat, lon float64) string {
	return fmt.Sprintf("%.4f,%.4f", round4(lat), round4(lon))
}

func round4(v float64) float64 {
	r := math.Round(v*1e4) / 1e4
	if r == 0 {
		return 0 // avoid "-0.0000"
	}
	return r
}

// CurrentConditions is a point-in-time observation.
type CurrentConditions struct {
	Temperature float64   `json:"temperature"`
	FeelsLike   float64   `json:"feelsLike"`
	TempMin     float64   `json:"tempMin"`
	TempMax     float64   `json:"tempMax"`
	Humidity    int       `json:"humidity"`
	Pressure    int       `json:"pressure"`
	WindSpeed   float64   `json:"windSpeed"`
	WindDeg     int       `json:"windDeg"`
	Clouds      int       `json:"clouds"`
	Visibility  int       `json:"visibility,omitempty"`
	Conditions  string    `json:"conditions"`
	Description string    `json:"description"`
	ObservedAt  time.Time `json:"observedAt"`
	Sunrise     time.Time `json:"sunrise,omitempty"`
	Sunset      time.Time `json:"sunset,omitempty"`
}

// ForecastPoint is one 3-hour forecast step.
type ForecastPoint struct {
	Time                     time.Time `json:"time"`
	Temperature              float64   `json:"temperature"`
	FeelsLike                float64   `json:"feelsLike"`
	TempMin                  float64   `json:"tempMin"`
	TempMax                  float64   `json:"tempMax"`
	Humidity                 int       `json:"humidity"`
	WindSpeed                float64   `json:"windSpeed"`
	Conditions               string    `json:"conditions"`
	Description              string    `json:"description"`
	PrecipitationProbability float64   `json:"pop"`
}

// AirQualitySample is one air pollution reading. AQI is OpenWeather's 1-5 scale.
type AirQualitySample struct {
	Time       time.Time          `json:"time"`
	AQI        int                `json:"aqi"`
	Components map[string]float64 `json:"components"`
}

// WeatherResult is the normalized upstream payload. Immutable once fetched.
type WeatherResult struct {
	Kind       QueryKind          `json:"kind"`
	Location   Location           `json:"location"`
	Units      string             `json:"units,omitempty"`
	Current    *CurrentConditions `json:"current,omitempty"`
	Forecast   []ForecastPoint    `json:"forecast,omitempty"`
	AirQuality []AirQualitySample `json:"airQuality,omitempty"`
	Provider   string             `json:"provider"`
	FetchedAt  time.Time          `json:"fetchedAt"`
}

// FetchTime implements cache.Entry.
func (r WeatherResult) FetchTime() time.Time { return r.FetchedAt }
