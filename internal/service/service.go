package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-mcp/internal/cache"
	"github.com/kjstillabower/weather-mcp/internal/client"
	"github.com/kjstillabower/weather-mcp/internal/models"
	"github.com/kjstillabower/weather-mcp/internal/observability"
)

// Cache names used as metric labels.
const (
	weatherCacheName = "weather"
	geocodeCacheName = "geocode"
)

// DefaultGeocodeLimit is the number of candidates requested when resolving a
// city for a weather query. Only the first is used.
const DefaultGeocodeLimit = 1

// Options configures a WeatherService.
type Options struct {
	WeatherTTL      time.Duration
	GeocodeTTL      time.Duration
	CoalesceTimeout time.Duration
	// FetchTimeout bounds a detached upstream fetch (all retries included).
	FetchTimeout time.Duration
	DefaultUnits string
	DefaultLang  string
	Logger       *zap.Logger
}

// WeatherService orchestrates weather retrieval with a cache-aside pattern:
// geocoding results and weather results are cached separately, and a miss
// elects a single upstream fetch per key.
type WeatherService struct {
	client   client.WeatherClient
	weather  *cache.Cache[models.WeatherResult]
	geocode  *cache.Cache[models.GeocodeResult]
	defaults models.QueryOptions
	logger   *zap.Logger
}

// NewWeatherService creates a WeatherService backed by store.
func NewWeatherService(c client.WeatherClient, store cache.Store, opts Options) *WeatherService {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DefaultUnits == "" {
		opts.DefaultUnits = "metric"
	}
	if opts.DefaultLang == "" {
		opts.DefaultLang = "en"
	}
	if opts.GeocodeTTL <= 0 {
		opts.GeocodeTTL = 24 * time.Hour
	}
	return &WeatherService{
		client: c,
		weather: cache.New[models.WeatherResult](store, cache.Options{
			Name:            weatherCacheName,
			TTL:             opts.WeatherTTL,
			CoalesceTimeout: opts.CoalesceTimeout,
			FetchTimeout:    opts.FetchTimeout,
			Logger:          opts.Logger,
		}),
		geocode: cache.New[models.GeocodeResult](store, cache.Options{
			Name:            geocodeCacheName,
			TTL:             opts.GeocodeTTL,
			CoalesceTimeout: opts.CoalesceTimeout,
			FetchTimeout:    opts.FetchTimeout,
			Logger:          opts.Logger,
		}),
		defaults: models.QueryOptions{Units: opts.DefaultUnits, Lang: opts.DefaultLang},
		logger:   opts.Logger,
	}
}

// WeatherTTL returns the freshness window for weather results.
func (s *WeatherService) WeatherTTL() time.Duration { return s.weather.TTL() }

// ResolveLocation geocodes a city query through the geocode cache.
func (s *WeatherService) ResolveLocation(ctx context.Context, q models.LocationQuery) (models.GeocodeResult, cache.Source, error) {
	q.City = strings.TrimSpace(q.City)
	if q.Limit <= 0 {
		q.Limit = DefaultGeocodeLimit
	}
	res, src, err := s.geocode.GetOrFetch(ctx, q.Key(), func(fctx context.Context) (models.GeocodeResult, error) {
		locs, err := s.client.ResolveLocation(fctx, q)
		if err != nil {
			return models.GeocodeResult{}, err
		}
		return models.GeocodeResult{Query: q.Q(), Locations: locs, FetchedAt: time.Now().UTC()}, nil
	})
	if err != nil {
		return models.GeocodeResult{}, "", fmt.Errorf("resolve %q: %w", q.Q(), err)
	}
	s.logServed(ctx, "geocode", q.Key(), src)
	return res, src, nil
}

// ReverseGeocode resolves coordinates to place names through the geocode cache.
func (s *WeatherService) ReverseGeocode(ctx context.Context, lat, lon float64, limit int) (models.GeocodeResult, cache.Source, error) {
	if limit <= 0 {
		limit = DefaultGeocodeLimit
	}
	key := models.ReverseKey(lat, lon, limit)
	res, src, err := s.geocode.GetOrFetch(ctx, key, func(fctx context.Context) (models.GeocodeResult, error) {
		locs, err := s.client.ReverseGeocode(fctx, lat, lon, limit)
		if err != nil {
			return models.GeocodeResult{}, err
		}
		return models.GeocodeResult{
			Query:     fmt.Sprintf("%.4f,%.4f", lat, lon),
			Locations: locs,
			FetchedAt: time.Now().UTC(),
		}, nil
	})
	if err != nil {
		return models.GeocodeResult{}, "", fmt.Errorf("reverse geocode %.4f,%.4f: %w", lat, lon, err)
	}
	s.logServed(ctx, "reverse_geocode", key, src)
	return res, src, nil
}

// Current returns current conditions for a named place.
func (s *WeatherService) Current(ctx context.Context, q models.LocationQuery, opts models.QueryOptions) (models.WeatherResult, cache.Source, error) {
	loc, err := s.locate(ctx, q)
	if err != nil {
		return models.WeatherResult{}, "", err
	}
	return s.CurrentAt(ctx, loc, opts)
}

// CurrentAt returns current conditions for a resolved location or raw coordinates.
func (s *WeatherService) CurrentAt(ctx context.Context, loc models.Location, opts models.QueryOptions) (models.WeatherResult, cache.Source, error) {
	wq := models.WeatherQuery{Kind: models.KindCurrent, Location: loc, Options: s.withDefaults(opts)}
	return s.fetchWeather(ctx, wq, func(fctx context.Context) (models.WeatherResult, error) {
		return s.client.FetchCurrent(fctx, loc, wq.Options)
	})
}

// Forecast returns the 3-hourly forecast for a named place.
func (s *WeatherService) Forecast(ctx context.Context, q models.LocationQuery, opts models.QueryOptions) (models.WeatherResult, cache.Source, error) {
	loc, err := s.locate(ctx, q)
	if err != nil {
		return models.WeatherResult{}, "", err
	}
	return s.ForecastAt(ctx, loc, opts)
}

// ForecastAt returns the 3-hourly forecast for a resolved location or raw coordinates.
// opts.Days of 0 means the full forecast span.
func (s *WeatherService) ForecastAt(ctx context.Context, loc models.Location, opts models.QueryOptions) (models.WeatherResult, cache.Source, error) {
	opts = s.withDefaults(opts)
	if opts.Days == 0 {
		opts.Days = client.MaxForecastDays
	}
	wq := models.WeatherQuery{Kind: models.KindForecast, Location: loc, Options: opts}
	return s.fetchWeather(ctx, wq, func(fctx context.Context) (models.WeatherResult, error) {
		return s.client.FetchForecast(fctx, loc, opts.Days, opts)
	})
}

// AirPollution returns the current air quality for a named place.
func (s *WeatherService) AirPollution(ctx context.Context, q models.LocationQuery) (models.WeatherResult, cache.Source, error) {
	loc, err := s.locate(ctx, q)
	if err != nil {
		return models.WeatherResult{}, "", err
	}
	return s.AirPollutionAt(ctx, loc)
}

// AirPollutionAt returns the current air quality at a location.
func (s *WeatherService) AirPollutionAt(ctx context.Context, loc models.Location) (models.WeatherResult, cache.Source, error) {
	wq := models.WeatherQuery{Kind: models.KindAirPollution, Location: loc}
	return s.fetchWeather(ctx, wq, func(fctx context.Context) (models.WeatherResult, error) {
		return s.client.FetchAirPollution(fctx, loc)
	})
}

// AirPollutionForecast returns the hourly air quality forecast for a named place.
func (s *WeatherService) AirPollutionForecast(ctx context.Context, q models.LocationQuery) (models.WeatherResult, cache.Source, error) {
	loc, err := s.locate(ctx, q)
	if err != nil {
		return models.WeatherResult{}, "", err
	}
	return s.AirPollutionForecastAt(ctx, loc)
}

// AirPollutionForecastAt returns the hourly air quality forecast at a location.
func (s *WeatherService) AirPollutionForecastAt(ctx context.Context, loc models.Location) (models.WeatherResult, cache.Source, error) {
	wq := models.WeatherQuery{Kind: models.KindAirPollutionForecast, Location: loc}
	return s.fetchWeather(ctx, wq, func(fctx context.Context) (models.WeatherResult, error) {
		return s.client.FetchAirPollutionForecast(fctx, loc)
	})
}

// AirPollutionHistory returns past air quality between start and end for a named place.
func (s *WeatherService) AirPollutionHistory(ctx context.Context, q models.LocationQuery, start, end time.Time) (models.WeatherResult, cache.Source, error) {
	loc, err := s.locate(ctx, q)
	if err != nil {
		return models.WeatherResult{}, "", err
	}
	return s.AirPollutionHistoryAt(ctx, loc, start, end)
}

// AirPollutionHistoryAt returns past air quality between start and end at a
// location. Each window is cached under its own key.
func (s *WeatherService) AirPollutionHistoryAt(ctx context.Context, loc models.Location, start, end time.Time) (models.WeatherResult, cache.Source, error) {
	wq := models.WeatherQuery{Kind: models.KindAirPollutionHistory, Location: loc, Start: start.UTC(), End: end.UTC()}
	return s.fetchWeather(ctx, wq, func(fctx context.Context) (models.WeatherResult, error) {
		return s.client.FetchAirPollutionHistory(fctx, loc, wq.Start, wq.End)
	})
}

// WarmLocation fetches current conditions for a tracked location such as
// "London,GB" so the first real request is a hit. Implements cache.LocationWarmer.
func (s *WeatherService) WarmLocation(ctx context.Context, location string) error {
	_, _, err := s.Current(ctx, ParseLocation(location), models.QueryOptions{})
	return err
}

// ParseLocation splits "city[,state][,country]" into a LocationQuery.
func ParseLocation(s string) models.LocationQuery {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	q := models.LocationQuery{City: parts[0], Limit: DefaultGeocodeLimit}
	switch len(parts) {
	case 1:
	case 2:
		q.CountryCode = strings.ToUpper(parts[1])
	default:
		q.StateCode = strings.ToUpper(parts[1])
		q.CountryCode = strings.ToUpper(parts[len(parts)-1])
	}
	return q
}

// locate resolves a named place to its best match.
func (s *WeatherService) locate(ctx context.Context, q models.LocationQuery) (models.Location, error) {
	observability.RecordWeatherQuery(q.Q())
	q.Limit = DefaultGeocodeLimit
	res, _, err := s.ResolveLocation(ctx, q)
	if err != nil {
		return models.Location{}, err
	}
	if len(res.Locations) == 0 {
		return models.Location{}, fmt.Errorf("resolve %q: %w", q.Q(), client.ErrLocationNotFound)
	}
	return res.Locations[0], nil
}

func (s *WeatherService) fetchWeather(ctx context.Context, wq models.WeatherQuery, fetch func(context.Context) (models.WeatherResult, error)) (models.WeatherResult, cache.Source, error) {
	key := wq.Key()
	res, src, err := s.weather.GetOrFetch(ctx, key, fetch)
	if err != nil {
		return models.WeatherResult{}, "", fmt.Errorf("fetch %s for %s: %w", wq.Kind, key, err)
	}
	s.logServed(ctx, string(wq.Kind), key, src)
	return res, src, nil
}

func (s *WeatherService) withDefaults(opts models.QueryOptions) models.QueryOptions {
	if opts.Units == "" {
		opts.Units = s.defaults.Units
	}
	if opts.Lang == "" {
		opts.Lang = s.defaults.Lang
	}
	return opts
}

func (s *WeatherService) logServed(ctx context.Context, kind, key string, src cache.Source) {
	observability.LoggerFromContext(ctx).Debug("weather served",
		zap.String("kind", kind),
		zap.String("key", key),
		zap.String("source", string(src)),
	)
}
