package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/weather-mcp/internal/circuitbreaker"
	"github.com/kjstillabower/weather-mcp/internal/models"
	"github.com/kjstillabower/weather-mcp/internal/observability"
)

const testAPIKey = "test-api-key-12345"

const yangonGeo = `[{"name":"Yangon","local_names":{"my":"ရန်ကုန်"},"lat":16.8053,"lon":96.1561,"country":"MM","state":"Yangon"}]`

const yangonCurrent = `{
	"coord":{"lon":96.1561,"lat":16.8053},
	"weather":[{"id":803,"main":"Clouds","description":"broken clouds"}],
	"main":{"temp":31.2,"feels_like":36.4,"temp_min":30.1,"temp_max":32.0,"pressure":1006,"humidity":66},
	"visibility":8000,
	"wind":{"speed":3.6,"deg":220},
	"clouds":{"all":75},
	"dt":1717400000,
	"sys":{"country":"MM","sunrise":1717368000,"sunset":1717415000},
	"name":"Yangon"
}`

// newTestClient points a client at srv with fast retries.
func newTestClient(t *testing.T, srv *httptest.Server, mutate ...func(*Options)) *OpenWeatherClient {
	t.Helper()
	opts := Options{
		APIKey:         testAPIKey,
		BaseURL:        srv.URL + "/data/2.5",
		GeoURL:         srv.URL + "/geo/1.0",
		Timeout:        time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := NewOpenWeatherClient(opts)
	require.NoError(t, err)
	return c
}

// statusServer always answers with status and body, counting hits.
func statusServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestNewOpenWeatherClient_InvalidAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		apiKey  string
		wantErr error
	}{
		{"empty API key", "", ErrInvalidAPIKey},
		{"too short API key", "short", ErrInvalidAPIKey},
		{"valid API key", "valid-api-key-12345", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewOpenWeatherClient(Options{APIKey: tt.apiKey})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, c)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, c)
		})
	}
}

func TestOpenWeatherClient_YangonScenario(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/geo/1.0/direct", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Yangon", r.URL.Query().Get("q"))
		assert.Equal(t, testAPIKey, r.URL.Query().Get("appid"))
		_, _ = w.Write([]byte(yangonGeo))
	})
	mux.HandleFunc("/data/2.5/weather", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "16.8053", r.URL.Query().Get("lat"))
		assert.Equal(t, "96.1561", r.URL.Query().Get("lon"))
		assert.Equal(t, "metric", r.URL.Query().Get("units"))
		_, _ = w.Write([]byte(yangonCurrent))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := newTestClient(t, srv)
	ctx := context.Background()

	locs, err := c.ResolveLocation(ctx, models.LocationQuery{City: "Yangon", Limit: 1})
	require.NoError(t, err)
	require.Len(t, locs, 1)
	loc := locs[0]
	assert.Equal(t, "Yangon", loc.Name)
	assert.Equal(t, "MM", loc.Country)
	assert.True(t, loc.Latitude >= -90 && loc.Latitude <= 90, "lat out of range: %v", loc.Latitude)
	assert.True(t, loc.Longitude >= -180 && loc.Longitude <= 180, "lon out of range: %v", loc.Longitude)

	res, err := c.FetchCurrent(ctx, loc, models.QueryOptions{Units: "metric"})
	require.NoError(t, err)
	require.NotNil(t, res.Current)
	assert.Equal(t, 31.2, res.Current.Temperature)
	assert.Equal(t, "Clouds", res.Current.Conditions)
	assert.Equal(t, "broken clouds", res.Current.Description)
	assert.Equal(t, 66, res.Current.Humidity)
	assert.Equal(t, time.Unix(1717400000, 0).UTC(), res.Current.ObservedAt)
	assert.Equal(t, models.KindCurrent, res.Kind)
	assert.Equal(t, Provider, res.Provider)
	assert.False(t, res.FetchedAt.IsZero())
	assert.False(t, res.FetchedAt.After(time.Now()), "fetch timestamp must not be in the future")
}

func TestOpenWeatherClient_FetchCurrent_FillsNameForCoordinates(t *testing.T) {
	srv, _ := statusServer(t, http.StatusOK, yangonCurrent)
	c := newTestClient(t, srv)

	res, err := c.FetchCurrent(context.Background(), models.Location{Latitude: 16.8, Longitude: 96.15}, models.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Yangon", res.Location.Name)
	assert.Equal(t, "MM", res.Location.Country)
	assert.Equal(t, 16.8, res.Location.Latitude, "requested coordinates are kept")
}

func TestOpenWeatherClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantErr  error
		wantHits int32
	}{
		{"401 invalid key", http.StatusUnauthorized, `{"cod":401,"message":"Invalid API key"}`, ErrInvalidAPIKey, 1},
		{"404 not found", http.StatusNotFound, `{"cod":"404","message":"city not found"}`, ErrLocationNotFound, 1},
		{"400 bad params", http.StatusBadRequest, `{"cod":"400","message":"wrong latitude"}`, ErrValidation, 1},
		{"429 rate limited", http.StatusTooManyRequests, `{"cod":429}`, ErrRateLimited, 3},
		{"500 server error", http.StatusInternalServerError, ``, ErrUpstreamFailure, 3},
		{"503 unavailable", http.StatusServiceUnavailable, ``, ErrUpstreamFailure, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, hits := statusServer(t, tt.status, tt.body)
			c := newTestClient(t, srv)

			_, err := c.FetchCurrent(context.Background(), models.Location{Latitude: 1, Longitude: 2}, models.QueryOptions{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantHits, hits.Load())
		})
	}
}

func TestOpenWeatherClient_ValidationMessageIncludesUpstreamText(t *testing.T) {
	srv, _ := statusServer(t, http.StatusBadRequest, `{"cod":"400","message":"wrong latitude"}`)
	c := newTestClient(t, srv)

	_, err := c.FetchCurrent(context.Background(), models.Location{}, models.QueryOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong latitude")
}

func TestOpenWeatherClient_ThreeServerErrorsExhaustRetries(t *testing.T) {
	srv, hits := statusServer(t, http.StatusInternalServerError, "")
	c := newTestClient(t, srv)
	before := retryCount()

	_, err := c.FetchForecast(context.Background(), models.Location{Latitude: 1, Longitude: 1}, 5, models.QueryOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamFailure)
	assert.Contains(t, err.Error(), "exhausted retries")
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, before+2, retryCount(), "two retries after the first attempt")
}

func TestOpenWeatherClient_RetryThenSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(yangonCurrent))
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	res, err := c.FetchCurrent(context.Background(), models.Location{Name: "Yangon"}, models.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 31.2, res.Current.Temperature)
	assert.Equal(t, int32(3), hits.Load())
}

func TestOpenWeatherClient_ResolveLocation_EmptyIsNotFound(t *testing.T) {
	srv, hits := statusServer(t, http.StatusOK, `[]`)
	c := newTestClient(t, srv)

	_, err := c.ResolveLocation(context.Background(), models.LocationQuery{City: "Atlantis"})
	assert.ErrorIs(t, err, ErrLocationNotFound)
	assert.Equal(t, int32(1), hits.Load())
}

func TestOpenWeatherClient_ResolveLocation_QueryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/geo/1.0/direct", r.URL.Path)
		assert.Equal(t, "Portland,OR,US", r.URL.Query().Get("q"))
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[{"name":"Portland","lat":45.5152,"lon":-122.6784,"country":"US","state":"Oregon"}]`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	locs, err := c.ResolveLocation(context.Background(), models.LocationQuery{City: "Portland", StateCode: "OR", CountryCode: "US", Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, "Oregon", locs[0].State)
}

func TestOpenWeatherClient_ReverseGeocode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/geo/1.0/reverse", r.URL.Path)
		assert.Equal(t, "51.5074", r.URL.Query().Get("lat"))
		assert.Equal(t, "-0.1278", r.URL.Query().Get("lon"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[{"name":"London","lat":51.5073,"lon":-0.1276,"country":"GB","state":"England"}]`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	locs, err := c.ReverseGeocode(context.Background(), 51.5074, -0.1278, 2)
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, "London", locs[0].Name)
}

func TestOpenWeatherClient_FetchForecast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/data/2.5/forecast", r.URL.Path)
		assert.Equal(t, "16", q.Get("cnt"))
		assert.Equal(t, "imperial", q.Get("units"))
		assert.Equal(t, "de", q.Get("lang"))
		_, _ = w.Write([]byte(`{"cnt":2,"list":[
			{"dt":1717405200,"main":{"temp":88.1,"feels_like":95,"temp_min":87,"temp_max":89,"humidity":70},"weather":[{"main":"Rain","description":"leichter Regen"}],"wind":{"speed":7.2},"pop":0.8},
			{"dt":1717416000,"main":{"temp":85.0,"feels_like":90,"temp_min":84,"temp_max":86,"humidity":75},"weather":[{"main":"Clouds","description":"Bewölkt"}],"wind":{"speed":5.1},"pop":0.2}
		],"city":{"name":"Yangon","coord":{"lat":16.8053,"lon":96.1561},"country":"MM"}}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	res, err := c.FetchForecast(context.Background(), models.Location{Latitude: 16.8053, Longitude: 96.1561}, 2, models.QueryOptions{Units: "imperial", Lang: "de"})
	require.NoError(t, err)
	assert.Equal(t, models.KindForecast, res.Kind)
	assert.Equal(t, "Yangon", res.Location.Name)
	require.Len(t, res.Forecast, 2)
	assert.Equal(t, 88.1, res.Forecast[0].Temperature)
	assert.Equal(t, 0.8, res.Forecast[0].PrecipitationProbability)
	assert.Equal(t, "imperial", res.Units)
}

func TestOpenWeatherClient_FetchForecast_RejectsDays(t *testing.T) {
	srv, hits := statusServer(t, http.StatusOK, `{}`)
	c := newTestClient(t, srv)

	for _, days := range []int{0, 6} {
		_, err := c.FetchForecast(context.Background(), models.Location{}, days, models.QueryOptions{})
		assert.ErrorIs(t, err, ErrValidation, "days=%d", days)
	}
	assert.Equal(t, int32(0), hits.Load())
}

func TestOpenWeatherClient_FetchAirPollution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data/2.5/air_pollution", r.URL.Path)
		assert.Empty(t, r.URL.Query().Get("units"))
		_, _ = w.Write([]byte(`{"coord":{"lon":96.16,"lat":16.81},"list":[{"main":{"aqi":3},"components":{"co":453.95,"pm2_5":28.1},"dt":1717400000}]}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	res, err := c.FetchAirPollution(context.Background(), models.Location{Name: "Yangon", Latitude: 16.81, Longitude: 96.16})
	require.NoError(t, err)
	require.Len(t, res.AirQuality, 1)
	assert.Equal(t, 3, res.AirQuality[0].AQI)
	assert.Equal(t, 28.1, res.AirQuality[0].Components["pm2_5"])
	assert.Equal(t, "Yangon", res.Location.Name)
}

func TestOpenWeatherClient_FetchAirPollutionForecast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data/2.5/air_pollution/forecast", r.URL.Path)
		assert.Equal(t, "16.81", r.URL.Query().Get("lat"))
		_, _ = w.Write([]byte(`{"coord":{"lon":96.16,"lat":16.81},"list":[
			{"main":{"aqi":2},"components":{"pm2_5":12.5},"dt":1717405200},
			{"main":{"aqi":4},"components":{"pm2_5":61.0},"dt":1717408800}
		]}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	res, err := c.FetchAirPollutionForecast(context.Background(), models.Location{Name: "Yangon", Latitude: 16.81, Longitude: 96.16})
	require.NoError(t, err)
	assert.Equal(t, models.KindAirPollutionForecast, res.Kind)
	require.Len(t, res.AirQuality, 2)
	assert.Equal(t, 4, res.AirQuality[1].AQI)
	assert.Equal(t, time.Unix(1717408800, 0).UTC(), res.AirQuality[1].Time)
}

func TestOpenWeatherClient_FetchAirPollutionHistory(t *testing.T) {
	start := time.Unix(1704067200, 0)
	end := time.Unix(1704153600, 0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/data/2.5/air_pollution/history", r.URL.Path)
		assert.Equal(t, "1704067200", q.Get("start"))
		assert.Equal(t, "1704153600", q.Get("end"))
		_, _ = w.Write([]byte(`{"coord":{"lon":96.16,"lat":16.81},"list":[{"main":{"aqi":5},"components":{"pm10":180.2},"dt":1704070800}]}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	res, err := c.FetchAirPollutionHistory(context.Background(), models.Location{Latitude: 16.81, Longitude: 96.16}, start, end)
	require.NoError(t, err)
	assert.Equal(t, models.KindAirPollutionHistory, res.Kind)
	require.Len(t, res.AirQuality, 1)
	assert.Equal(t, 180.2, res.AirQuality[0].Components["pm10"])
}

func TestOpenWeatherClient_FetchAirPollutionHistory_RejectsWindow(t *testing.T) {
	srv, hits := statusServer(t, http.StatusOK, `{}`)
	c := newTestClient(t, srv)

	at := time.Unix(1704067200, 0)
	_, err := c.FetchAirPollutionHistory(context.Background(), models.Location{}, at, at)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = c.FetchAirPollutionHistory(context.Background(), models.Location{}, at.Add(time.Hour), at)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, int32(0), hits.Load())
}

func TestOpenWeatherClient_MalformedJSONNotRetried(t *testing.T) {
	srv, hits := statusServer(t, http.StatusOK, `{"main":`)
	c := newTestClient(t, srv)

	_, err := c.FetchCurrent(context.Background(), models.Location{}, models.QueryOptions{})
	assert.ErrorIs(t, err, ErrMalformedResponse)
	assert.ErrorIs(t, err, ErrUpstreamFailure)
	assert.Equal(t, int32(1), hits.Load())
}

func TestOpenWeatherClient_AttemptTimeout(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	c := newTestClient(t, srv, func(o *Options) {
		o.Timeout = 20 * time.Millisecond
		o.RetryAttempts = 2
	})

	_, err := c.FetchCurrent(context.Background(), models.Location{}, models.QueryOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrUpstreamFailure)
	assert.Equal(t, ErrorCategoryTimeout, CategorizeError(err))
	assert.Equal(t, int32(2), hits.Load())
}

func TestOpenWeatherClient_ContextCancellation(t *testing.T) {
	srv, _ := statusServer(t, http.StatusOK, yangonCurrent)
	c := newTestClient(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.FetchCurrent(ctx, models.Location{}, models.QueryOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenWeatherClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := newTestClient(t, srv, func(o *Options) { o.RetryAttempts = 1 })

	_, err := c.FetchCurrent(context.Background(), models.Location{}, models.QueryOptions{})
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.ErrorIs(t, err, ErrUpstreamFailure)
}

func TestOpenWeatherClient_CorrelationID(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("X-Correlation-ID"))
		_, _ = w.Write([]byte(yangonCurrent))
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	ctx := observability.WithCorrelationID(context.Background(), "corr-123")
	_, err := c.FetchCurrent(ctx, models.Location{}, models.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "corr-123", got.Load())
}

func TestOpenWeatherClient_CircuitOpenFailsFast(t *testing.T) {
	srv, hits := statusServer(t, http.StatusInternalServerError, "")
	breaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Minute, IsFailure: IsUpstreamFault})
	c := newTestClient(t, srv, func(o *Options) { o.Breaker = breaker })

	_, err := c.FetchCurrent(context.Background(), models.Location{}, models.QueryOptions{})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(1), hits.Load(), "second attempt must be short-circuited")
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())

	_, err = c.FetchCurrent(context.Background(), models.Location{}, models.QueryOptions{})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(1), hits.Load())
}

func TestOpenWeatherClient_NotFoundDoesNotTripBreaker(t *testing.T) {
	srv, _ := statusServer(t, http.StatusNotFound, `{"message":"city not found"}`)
	breaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1, IsFailure: IsUpstreamFault})
	c := newTestClient(t, srv, func(o *Options) { o.Breaker = breaker })

	for i := 0; i < 3; i++ {
		_, err := c.FetchCurrent(context.Background(), models.Location{}, models.QueryOptions{})
		assert.ErrorIs(t, err, ErrLocationNotFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())
}

func TestOpenWeatherClient_Ping(t *testing.T) {
	var q atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q.Store(r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, "Tokyo,JP", q.Load())
}

func TestOpenWeatherClient_PingDoesNotRetry(t *testing.T) {
	srv, hits := statusServer(t, http.StatusServiceUnavailable, "")
	c := newTestClient(t, srv)

	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrUpstreamFailure)
	assert.Equal(t, int32(1), hits.Load())
}

func TestHandleErrorResponse_StatusCodes(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{200, nil},
		{204, nil},
		{401, ErrInvalidAPIKey},
		{403, ErrValidation},
		{404, ErrLocationNotFound},
		{422, ErrValidation},
		{429, ErrRateLimited},
		{500, ErrUpstreamFailure},
		{504, ErrUpstreamFailure},
		{302, ErrUpstreamFailure},
	}
	for _, tt := range tests {
		resp := &http.Response{StatusCode: tt.status, Body: http.NoBody}
		err := handleErrorResponse(resp)
		if tt.want == nil {
			assert.NoError(t, err, "status %d", tt.status)
			continue
		}
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(ErrRateLimited))
	assert.True(t, isRetryable(ErrUpstreamFailure))
	assert.True(t, isRetryable(errors.Join(ErrUpstreamFailure, ErrTimeout)))
	assert.False(t, isRetryable(errors.Join(ErrUpstreamFailure, ErrCircuitOpen)))
	assert.False(t, isRetryable(errors.Join(ErrUpstreamFailure, ErrMalformedResponse)))
	assert.False(t, isRetryable(ErrLocationNotFound))
	assert.False(t, isRetryable(ErrValidation))
	assert.False(t, isRetryable(nil))
}

func TestStatusLabel(t *testing.T) {
	for code, want := range map[int]string{200: "success", 429: "rate_limited", 404: "client_error", 502: "server_error", 100: "error"} {
		assert.Equal(t, want, statusLabel(code), "code %d", code)
	}
}

func TestUpstreamMessage_FallsBackToRawBody(t *testing.T) {
	assert.Equal(t, "plain text", upstreamMessage(strings.NewReader(" plain text \n")))
	assert.Equal(t, "bad", upstreamMessage(strings.NewReader(`{"message":"bad"}`)))
}

// retryCount reads the shared retry counter; tests in this package run serially.
func retryCount() float64 {
	return testutil.ToFloat64(observability.WeatherAPIRetriesTotal)
}
