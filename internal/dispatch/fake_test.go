package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/weather-mcp/internal/cache"
	"github.com/kjstillabower/weather-mcp/internal/client"
	"github.com/kjstillabower/weather-mcp/internal/models"
)

// fakeService records calls and returns canned results.
type fakeService struct {
	mu       sync.Mutex
	calls    []string
	lastOpts models.QueryOptions
	lastLoc  models.Location
	lastQ    models.LocationQuery
	lastLim  int
	lastFrom time.Time
	lastTo   time.Time

	src     cache.Source
	err     error
	panics  bool
	blockOn bool
}

func (f *fakeService) record(name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if f.panics {
		panic("fake service exploded")
	}
	return f.err
}

func (f *fakeService) result(ctx context.Context, kind models.QueryKind, loc models.Location, opts models.QueryOptions) (models.WeatherResult, cache.Source, error) {
	if f.blockOn {
		<-ctx.Done()
		return models.WeatherResult{}, "", ctx.Err()
	}
	src := f.src
	if src == "" {
		src = cache.SourceUpstream
	}
	return models.WeatherResult{
		Kind:      kind,
		Location:  loc,
		Units:     opts.Units,
		Current:   &models.CurrentConditions{Temperature: 30.5, Conditions: "Clouds"},
		Provider:  client.Provider,
		FetchedAt: time.Now().UTC(),
	}, src, nil
}

func (f *fakeService) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeService) ResolveLocation(ctx context.Context, q models.LocationQuery) (models.GeocodeResult, cache.Source, error) {
	if err := f.record("ResolveLocation"); err != nil {
		return models.GeocodeResult{}, "", err
	}
	f.lastQ = q
	return models.GeocodeResult{Query: q.Q(), Locations: []models.Location{{Name: q.City, Latitude: 1, Longitude: 2}}}, cache.SourceUpstream, nil
}

func (f *fakeService) ReverseGeocode(ctx context.Context, lat, lon float64, limit int) (models.GeocodeResult, cache.Source, error) {
	if err := f.record("ReverseGeocode"); err != nil {
		return models.GeocodeResult{}, "", err
	}
	f.lastLim = limit
	return models.GeocodeResult{Locations: []models.Location{{Name: "Somewhere", Latitude: lat, Longitude: lon}}}, cache.SourceCache, nil
}

func (f *fakeService) Current(ctx context.Context, q models.LocationQuery, opts models.QueryOptions) (models.WeatherResult, cache.Source, error) {
	if err := f.record("Current"); err != nil {
		return models.WeatherResult{}, "", err
	}
	f.lastQ, f.lastOpts = q, opts
	return f.result(ctx, models.KindCurrent, models.Location{Name: q.City}, opts)
}

func (f *fakeService) CurrentAt(ctx context.Context, loc models.Location, opts models.QueryOptions) (models.WeatherResult, cache.Source, error) {
	if err := f.record("CurrentAt"); err != nil {
		return models.WeatherResult{}, "", err
	}
	f.lastLoc, f.lastOpts = loc, opts
	return f.result(ctx, models.KindCurrent, loc, opts)
}

func (f *fakeService) Forecast(ctx context.Context, q models.LocationQuery, opts models.QueryOptions) (models.WeatherResult, cache.Source, error) {
	if err := f.record("Forecast"); err != nil {
		return models.WeatherResult{}, "", err
	}
	f.lastQ, f.lastOpts = q, opts
	return f.result(ctx, models.KindForecast, models.Location{Name: q.City}, opts)
}

func (f *fakeService) ForecastAt(ctx context.Context, loc models.Location, opts models.QueryOptions) (models.WeatherResult, cache.Source, error) {
	if err := f.record("ForecastAt"); err != nil {
		return models.WeatherResult{}, "", err
	}
	f.lastLoc, f.lastOpts = loc, opts
	return f.result(ctx, models.KindForecast, loc, opts)
}

func (f *fakeService) AirPollution(ctx context.Context, q models.LocationQuery) (models.WeatherResult, cache.Source, error) {
	if err := f.record("AirPollution"); err != nil {
		return models.WeatherResult{}, "", err
	}
	f.lastQ = q
	return f.result(ctx, models.KindAirPollution, models.Location{Name: q.City}, models.QueryOptions{})
}

func (f *fakeService) AirPollutionAt(ctx context.Context, loc models.Location) (models.WeatherResult, cache.Source, error) {
	if err := f.record("AirPollutionAt"); err != nil {
		return models.WeatherResult{}, "", err
	}
	f.lastLoc = loc
	return f.result(ctx, models.KindAirPollution, loc, models.QueryOptions{})
}

func (f *fakeService) AirPollutionForecast(ctx context.Context, q models.LocationQuery) (models.WeatherResult, cache.Source, error) {
	if err := f.record("AirPollutionForecast"); err != nil {
		return models.WeatherResult{}, "", err
	}
	f.lastQ = q
	return f.result(ctx, models.KindAirPollutionForecast, models.Location{Name: q.City}, models.QueryOptions{})
}

func (f *fakeService) AirPollutionForecastAt(ctx context.Context, loc models.Location) (models.WeatherResult, cache.Source, error) {
	if err := f.record("AirPollutionForecastAt"); err != nil {
		return models.WeatherResult{}, "", err
	}
	f.lastLoc = loc
	return f.result(ctx, models.KindAirPollutionForecast, loc, models.QueryOptions{})
}

func (f *fakeService) AirPollutionHistory(ctx context.Context, q models.LocationQuery, start, end time.Time) (models.WeatherResult, cache.Source, error) {
	if err := f.record("AirPollutionHistory"); err != nil {
		return models.WeatherResult{}, "", err
	}
	f.lastQ, f.lastFrom, f.lastTo = q, start, end
	return f.result(ctx, models.KindAirPollutionHistory, models.Location{Name: q.City}, models.QueryOptions{})
}

func (f *fakeService) AirPollutionHistoryAt(ctx context.Context, loc models.Location, start, end time.Time) (models.WeatherResult, cache.Source, error) {
	if err := f.record("AirPollutionHistoryAt"); err != nil {
		return models.WeatherResult{}, "", err
	}
	f.lastLoc, f.lastFrom, f.lastTo = loc, start, end
	return f.result(ctx, models.KindAirPollutionHistory, loc, models.QueryOptions{})
}
