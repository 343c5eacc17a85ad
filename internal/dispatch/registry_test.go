package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-mcp/internal/cache"
	"github.com/kjstillabower/weather-mcp/internal/client"
	"github.com/kjstillabower/weather-mcp/internal/models"
	"github.com/kjstillabower/weather-mcp/internal/observability"
)

func newTestRegistry(t *testing.T, svc *fakeService, timeout time.Duration) *Registry {
	t.Helper()
	r := NewRegistry(timeout, nil)
	require.NoError(t, RegisterWeatherTools(r, svc, Defaults{Units: "metric", Lang: "en"}))
	return r
}

func invoke(t *testing.T, r *Registry, tool string, args any) Envelope {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return r.Invoke(context.Background(), tool, raw)
}

func TestRegisterWeatherTools_Names(t *testing.T) {
	r := newTestRegistry(t, &fakeService{}, 0)
	assert.Equal(t, []string{
		ToolCurrentWeather, ToolForecast, ToolCurrentWeatherByGeo, ToolForecastByGeo,
		ToolGeocode, ToolReverseGeocode, ToolAirPollution, ToolAirPollutionByGeo,
		ToolAirPollutionForecast, ToolAirPollutionForecastByGeo,
		ToolAirPollutionHistory, ToolAirPollutionHistoryByGeo,
	}, r.Names())
}

func TestRegister_Rejects(t *testing.T) {
	r := NewRegistry(0, nil)
	run := func(context.Context, cityArgs) (Result, error) { return Result{}, nil }
	schema := &jsonschema.Schema{Type: "object"}

	require.NoError(t, Register(r, Spec[cityArgs]{Name: "a", Schema: schema, Run: run}))
	assert.ErrorContains(t, Register(r, Spec[cityArgs]{Name: "a", Schema: schema, Run: run}), "already registered")
	assert.Error(t, Register(r, Spec[cityArgs]{Name: "b", Run: run}))
	assert.Error(t, Register(r, Spec[cityArgs]{Schema: schema, Run: run}))
}

func TestInvoke_CurrentWeatherSuccess(t *testing.T) {
	svc := &fakeService{}
	r := newTestRegistry(t, svc, 0)

	env := invoke(t, r, ToolCurrentWeather, map[string]any{"location": "  Yangon ", "country_code": "mm"})
	require.True(t, env.OK(), "%+v", env.Error)
	assert.Equal(t, ToolCurrentWeather, env.Tool)
	assert.Equal(t, cache.SourceUpstream, env.Source)
	_, err := uuid.Parse(env.RequestID)
	assert.NoError(t, err)

	res, ok := env.Data.(models.WeatherResult)
	require.True(t, ok)
	assert.Equal(t, 30.5, res.Current.Temperature)
	assert.Equal(t, models.LocationQuery{City: "Yangon", CountryCode: "MM"}, svc.lastQ)
	assert.Equal(t, models.QueryOptions{Units: "metric", Lang: "en"}, svc.lastOpts)
}

func TestInvoke_ForecastDefaultsDays(t *testing.T) {
	svc := &fakeService{}
	r := newTestRegistry(t, svc, 0)

	env := invoke(t, r, ToolForecast, map[string]any{"location": "Oslo", "units": "imperial"})
	require.True(t, env.OK())
	assert.Equal(t, client.MaxForecastDays, svc.lastOpts.Days)
	assert.Equal(t, "imperial", svc.lastOpts.Units)

	env = invoke(t, r, ToolForecastByGeo, map[string]any{"lat": 59.91, "lon": 10.75, "days": 2})
	require.True(t, env.OK())
	assert.Equal(t, 2, svc.lastOpts.Days)
	assert.Equal(t, models.Location{Latitude: 59.91, Longitude: 10.75}, svc.lastLoc)
}

// TestInvoke_ZeroCoordinatesAreValid verifies lat/lon of 0 are not treated as missing.
func TestInvoke_ZeroCoordinatesAreValid(t *testing.T) {
	svc := &fakeService{}
	r := newTestRegistry(t, svc, 0)

	env := invoke(t, r, ToolAirPollutionByGeo, map[string]any{"lat": 0, "lon": 0})
	require.True(t, env.OK(), "%+v", env.Error)
	assert.Equal(t, []string{"AirPollutionAt"}, svc.calls)
}

func TestInvoke_GeocodeTools(t *testing.T) {
	svc := &fakeService{}
	r := newTestRegistry(t, svc, 0)

	env := invoke(t, r, ToolGeocode, map[string]any{"city": "Portland", "state_code": "or", "country_code": "us", "limit": 3})
	require.True(t, env.OK())
	assert.Equal(t, models.LocationQuery{City: "Portland", StateCode: "OR", CountryCode: "US", Limit: 3}, svc.lastQ)

	env = invoke(t, r, ToolReverseGeocode, map[string]any{"lat": 45.5, "lon": -122.6})
	require.True(t, env.OK())
	assert.Equal(t, cache.SourceCache, env.Source)
	assert.Equal(t, 1, svc.lastLim)

	env = invoke(t, r, ToolAirPollution, map[string]any{"location": "Delhi"})
	require.True(t, env.OK())
}

func TestInvoke_AirPollutionForecastTools(t *testing.T) {
	svc := &fakeService{}
	r := newTestRegistry(t, svc, 0)

	env := invoke(t, r, ToolAirPollutionForecast, map[string]any{"location": " Delhi ", "country_code": "in"})
	require.True(t, env.OK(), "%+v", env.Error)
	assert.Equal(t, models.LocationQuery{City: "Delhi", CountryCode: "IN"}, svc.lastQ)

	env = invoke(t, r, ToolAirPollutionForecastByGeo, map[string]any{"lat": 28.61, "lon": 77.21})
	require.True(t, env.OK(), "%+v", env.Error)
	assert.Equal(t, models.Location{Latitude: 28.61, Longitude: 77.21}, svc.lastLoc)
	assert.Equal(t, []string{"AirPollutionForecast", "AirPollutionForecastAt"}, svc.calls)
}

func TestInvoke_AirPollutionHistoryTools(t *testing.T) {
	const start, end = 1704067200, 1704153600
	svc := &fakeService{}
	r := newTestRegistry(t, svc, 0)

	env := invoke(t, r, ToolAirPollutionHistory, map[string]any{"location": "Delhi", "start": start, "end": end})
	require.True(t, env.OK(), "%+v", env.Error)
	assert.Equal(t, "Delhi", svc.lastQ.City)
	assert.True(t, svc.lastFrom.Equal(time.Unix(start, 0)))
	assert.True(t, svc.lastTo.Equal(time.Unix(end, 0)))

	env = invoke(t, r, ToolAirPollutionHistoryByGeo, map[string]any{"lat": 28.61, "lon": 77.21, "start": start, "end": end})
	require.True(t, env.OK(), "%+v", env.Error)
	assert.Equal(t, models.Location{Latitude: 28.61, Longitude: 77.21}, svc.lastLoc)
	assert.Equal(t, time.UTC, svc.lastFrom.Location())
	assert.Equal(t, []string{"AirPollutionHistory", "AirPollutionHistoryAt"}, svc.calls)
}

// TestInvoke_ValidationFailures verifies bad arguments never reach the service.
func TestInvoke_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		tool string
		args any
	}{
		{"missing location", ToolCurrentWeather, map[string]any{}},
		{"empty location", ToolCurrentWeather, map[string]any{"location": ""}},
		{"blank location", ToolCurrentWeather, map[string]any{"location": "   "}},
		{"bad chars", ToolCurrentWeather, map[string]any{"location": "<script>"}},
		{"location wrong type", ToolCurrentWeather, map[string]any{"location": 42}},
		{"bad units", ToolCurrentWeather, map[string]any{"location": "Paris", "units": "kelvin"}},
		{"bad country", ToolCurrentWeather, map[string]any{"location": "Paris", "country_code": "FRA"}},
		{"days too high", ToolForecast, map[string]any{"location": "Paris", "days": 6}},
		{"days zero", ToolForecast, map[string]any{"location": "Paris", "days": 0}},
		{"days fractional", ToolForecast, map[string]any{"location": "Paris", "days": 2.5}},
		{"lat out of range", ToolCurrentWeatherByGeo, map[string]any{"lat": 91, "lon": 0}},
		{"lon missing", ToolCurrentWeatherByGeo, map[string]any{"lat": 10}},
		{"lat as string", ToolAirPollutionByGeo, map[string]any{"lat": "10", "lon": 0}},
		{"limit too high", ToolGeocode, map[string]any{"city": "Springfield", "limit": 10}},
		{"bad state", ToolGeocode, map[string]any{"city": "Springfield", "state_code": "ILLINOIS"}},
		{"args not object", ToolCurrentWeather, []string{"Paris"}},
		{"history missing end", ToolAirPollutionHistory, map[string]any{"location": "Delhi", "start": 1704067200}},
		{"history start after end", ToolAirPollutionHistory, map[string]any{"location": "Delhi", "start": 1704153600, "end": 1704067200}},
		{"history equal bounds", ToolAirPollutionHistoryByGeo, map[string]any{"lat": 1, "lon": 2, "start": 1704067200, "end": 1704067200}},
		{"history over a year", ToolAirPollutionHistoryByGeo, map[string]any{"lat": 1, "lon": 2, "start": 1672358400, "end": 1704153600}},
		{"history fractional start", ToolAirPollutionHistoryByGeo, map[string]any{"lat": 1, "lon": 2, "start": 1.5, "end": 1704153600}},
		{"forecast by geo bad lon", ToolAirPollutionForecastByGeo, map[string]any{"lat": 1, "lon": 181}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			r := newTestRegistry(t, svc, 0)
			env := invoke(t, r, tt.tool, tt.args)
			assert.False(t, env.OK())
			require.NotNil(t, env.Error)
			assert.Equal(t, CodeValidation, env.Error.Code)
			assert.Zero(t, svc.callCount())
		})
	}
}

func TestInvoke_NullArguments(t *testing.T) {
	r := newTestRegistry(t, &fakeService{}, 0)
	env := r.Invoke(context.Background(), ToolCurrentWeather, nil)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeValidation, env.Error.Code)
	assert.Contains(t, env.Error.Message, "location")
}

func TestInvoke_UnknownTool(t *testing.T) {
	r := newTestRegistry(t, &fakeService{}, 0)
	env := invoke(t, r, "get_horoscope", map[string]any{})
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeValidation, env.Error.Code)
	assert.Equal(t, "get_horoscope", env.Tool)
}

func TestInvoke_ServiceErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"not found", client.ErrLocationNotFound, CodeNotFound},
		{"upstream", client.ErrUpstreamFailure, CodeUpstream},
		{"rate limited", client.ErrRateLimited, CodeRateLimited},
		{"coalesce timeout", cache.ErrCoalesceTimeout, CodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t, &fakeService{err: tt.err}, 0)
			env := invoke(t, r, ToolCurrentWeather, map[string]any{"location": "Paris"})
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.want, env.Error.Code)
			assert.Nil(t, env.Data)
		})
	}
}

// TestInvoke_PanicBecomesInternalError verifies a panicking handler yields a failure envelope.
func TestInvoke_PanicBecomesInternalError(t *testing.T) {
	r := newTestRegistry(t, &fakeService{panics: true}, 0)
	before := testutil.ToFloat64(observability.ToolCallsTotal.WithLabelValues(ToolCurrentWeather, string(CodeInternal)))

	env := invoke(t, r, ToolCurrentWeather, map[string]any{"location": "Paris"})
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeInternal, env.Error.Code)
	assert.Equal(t, "internal error", env.Error.Message)
	assert.NotEmpty(t, env.RequestID)
	assert.Equal(t, before+1, testutil.ToFloat64(observability.ToolCallsTotal.WithLabelValues(ToolCurrentWeather, string(CodeInternal))))
}

func TestInvoke_Timeout(t *testing.T) {
	r := newTestRegistry(t, &fakeService{blockOn: true}, 20*time.Millisecond)
	env := invoke(t, r, ToolCurrentWeatherByGeo, map[string]any{"lat": 1, "lon": 2})
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeTimeout, env.Error.Code)
}

func statePath(logs *observer.ObservedLogs) []string {
	var path []string
	for _, e := range logs.FilterMessage("tool call state").All() {
		path = append(path, e.ContextMap()["state"].(string))
	}
	return path
}

// TestInvoke_StateTransitions verifies the logged state path for hits, fetches and failures.
func TestInvoke_StateTransitions(t *testing.T) {
	tests := []struct {
		name string
		svc  *fakeService
		args map[string]any
		want []string
	}{
		{
			name: "cache hit",
			svc:  &fakeService{src: cache.SourceCache},
			args: map[string]any{"location": "Paris"},
			want: []string{"received", "validating", "cache-check", "responding", "success"},
		},
		{
			name: "upstream fetch",
			svc:  &fakeService{src: cache.SourceUpstream},
			args: map[string]any{"location": "Paris"},
			want: []string{"received", "validating", "cache-check", "upstream-fetch", "responding", "success"},
		},
		{
			name: "validation failure",
			svc:  &fakeService{},
			args: map[string]any{},
			want: []string{"received", "validating", "failed"},
		},
		{
			name: "upstream failure",
			svc:  &fakeService{err: client.ErrUpstreamFailure},
			args: map[string]any{"location": "Paris"},
			want: []string{"received", "validating", "cache-check", "failed"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			r := NewRegistry(0, zap.New(core))
			require.NoError(t, RegisterWeatherTools(r, tt.svc, Defaults{}))

			raw, _ := json.Marshal(tt.args)
			r.Invoke(context.Background(), ToolCurrentWeather, raw)
			assert.Equal(t, tt.want, statePath(logs))
		})
	}
}

type stampedValue struct {
	V  string    `json:"v"`
	At time.Time `json:"at"`
}

func (s stampedValue) FetchTime() time.Time { return s.At }

// TestInvoke_UpstreamFetchLoggedBeforeFetchRuns verifies the upstream-fetch
// transition is recorded when the cache starts the fetch, not after it returns.
func TestInvoke_UpstreamFetchLoggedBeforeFetchRuns(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := NewRegistry(0, zap.New(core))
	c := cache.New[stampedValue](cache.NewInMemoryStore(), cache.Options{TTL: time.Minute})
	fetchErr := error(nil)

	require.NoError(t, Register(r, Spec[cityArgs]{
		Name:   "cached_echo",
		Schema: &jsonschema.Schema{Type: "object"},
		Run: func(ctx context.Context, _ cityArgs) (Result, error) {
			v, src, err := c.GetOrFetch(ctx, "k", func(fctx context.Context) (stampedValue, error) {
				observability.LoggerFromContext(fctx).Debug("fetching upstream")
				if fetchErr != nil {
					return stampedValue{}, fetchErr
				}
				return stampedValue{V: "v", At: time.Now()}, nil
			})
			return Result{Data: v, Source: src}, err
		},
	}))

	messages := func() []string {
		var out []string
		for _, e := range logs.All() {
			switch e.Message {
			case "tool call state":
				out = append(out, e.ContextMap()["state"].(string))
			case "fetching upstream":
				out = append(out, e.Message)
			}
		}
		return out
	}

	env := r.Invoke(context.Background(), "cached_echo", nil)
	require.True(t, env.OK())
	assert.Equal(t, []string{
		"received", "validating", "cache-check", "upstream-fetch", "fetching upstream", "responding", "success",
	}, messages())

	logs.TakeAll()
	env = r.Invoke(context.Background(), "cached_echo", nil)
	require.True(t, env.OK())
	assert.Equal(t, []string{"received", "validating", "cache-check", "responding", "success"}, messages())

	logs.TakeAll()
	require.NoError(t, c.Delete(context.Background(), "k"))
	fetchErr = client.ErrUpstreamFailure
	env = r.Invoke(context.Background(), "cached_echo", nil)
	require.False(t, env.OK())
	assert.Equal(t, []string{"received", "validating", "cache-check", "upstream-fetch", "fetching upstream", "failed"}, messages())
}

// TestInvoke_UsesContextLogger verifies request-scoped fields flow into call logs.
func TestInvoke_UsesContextLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := newTestRegistry(t, &fakeService{}, 0)
	ctx := observability.WithLogger(context.Background(), zap.New(core))
	ctx = observability.WithCorrelationID(ctx, "corr-123")

	env := r.Invoke(ctx, ToolCurrentWeather, json.RawMessage(`{"location":"Paris"}`))
	require.True(t, env.OK())

	entries := logs.FilterMessage("tool call").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "corr-123", fields["correlation_id"])
	assert.Equal(t, env.RequestID, fields["request_id"])
	assert.Equal(t, "success", fields["status"])
}
