package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-mcp/internal/circuitbreaker"
	"github.com/kjstillabower/weather-mcp/internal/models"
	"github.com/kjstillabower/weather-mcp/internal/observability"
)

// WeatherClient is the upstream contract used by the service layer.
type WeatherClient interface {
	ResolveLocation(ctx context.Context, q models.LocationQuery) ([]models.Location, error)
	ReverseGeocode(ctx context.Context, lat, lon float64, limit int) ([]models.Location, error)
	FetchCurrent(ctx context.Context, loc models.Location, opts models.QueryOptions) (models.WeatherResult, error)
	FetchForecast(ctx context.Context, loc models.Location, days int, opts models.QueryOptions) (models.WeatherResult, error)
	FetchAirPollution(ctx context.Context, loc models.Location) (models.WeatherResult, error)
	FetchAirPollutionForecast(ctx context.Context, loc models.Location) (models.WeatherResult, error)
	FetchAirPollutionHistory(ctx context.Context, loc models.Location, start, end time.Time) (models.WeatherResult, error)
	Ping(ctx context.Context) error
}

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	ErrValidation       = errors.New("upstream rejected request")
	ErrCircuitOpen      = errors.New("upstream circuit open")

	// ErrTimeout, ErrUnreachable and ErrMalformedResponse always travel
	// together with ErrUpstreamFailure.
	ErrTimeout           = errors.New("upstream timeout")
	ErrUnreachable       = errors.New("upstream unreachable")
	ErrMalformedResponse = errors.New("malformed upstream response")
)

// Provider is reported in WeatherResult.Provider.
const Provider = "openweathermap"

// Endpoint labels for metrics and logs.
const (
	endpointDirect  = "geocode_direct"
	endpointReverse = "geocode_reverse"
	endpointCurrent = "weather"
	endpointFcst    = "forecast"
	endpointAir     = "air_pollution"
	endpointAirFcst = "air_pollution_forecast"
	endpointAirHist = "air_pollution_history"
	endpointPing    = "ping"
)

// MaxForecastDays is the span of the 5 day / 3 hour forecast.
const MaxForecastDays = 5

// pingLocation is the readiness ping target.
const pingLocation = "Tokyo,JP"

// Options configures an OpenWeatherClient. Zero values get defaults.
type Options struct {
	APIKey  string
	BaseURL string
	GeoURL  string
	// Timeout bounds a single attempt.
	Timeout time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	Breaker    *circuitbreaker.CircuitBreaker
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// OpenWeatherClient talks to the OpenWeather data and geocoding APIs.
type OpenWeatherClient struct {
	apiKey         string
	baseURL        string
	geoURL         string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	limiter        *rate.Limiter
	breaker        *circuitbreaker.CircuitBreaker
	logger         *zap.Logger
	now            func() time.Time
}

// NewOpenWeatherClient validates opts and builds a client.
func NewOpenWeatherClient(opts Options) (*OpenWeatherClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(opts.APIKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openweathermap.org/data/2.5"
	}
	if opts.GeoURL == "" {
		opts.GeoURL = "https://api.openweathermap.org/geo/1.0"
	}
	for _, raw := range []string{opts.BaseURL, opts.GeoURL} {
		if _, err := url.Parse(raw); err != nil {
			return nil, fmt.Errorf("invalid API URL %q: %w", raw, err)
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 200 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 2 * time.Second
	}
	limit := rate.Inf
	if opts.RateLimitRPS > 0 {
		limit = rate.Limit(opts.RateLimitRPS)
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 1
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &OpenWeatherClient{
		apiKey:         opts.APIKey,
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		geoURL:         strings.TrimRight(opts.GeoURL, "/"),
		timeout:        opts.Timeout,
		client:         opts.HTTPClient,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		limiter:        rate.NewLimiter(limit, opts.RateLimitBurst),
		breaker:        opts.Breaker,
		logger:         opts.Logger,
		now:            time.Now,
	}, nil
}

type geoEntry struct {
	Name    string  `json:"name"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Country string  `json:"country"`
	State   string  `json:"state"`
}

type owmWeather struct {
	Main        string `json:"main"`
	Description string `json:"description"`
}

type owmMain struct {
	Temp      float64 `json:"temp"`
	FeelsLike float64 `json:"feels_like"`
	TempMin   float64 `json:"temp_min"`
	TempMax   float64 `json:"temp_max"`
	Pressure  int     `json:"pressure"`
	Humidity  int     `json:"humidity"`
}

type owmWind struct {
	Speed float64 `json:"speed"`
	Deg   int     `json:"deg"`
}

type owmCoord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type currentResponse struct {
	Coord      owmCoord     `json:"coord"`
	Weather    []owmWeather `json:"weather"`
	Main       *owmMain     `json:"main"`
	Visibility int          `json:"visibility"`
	Wind       owmWind      `json:"wind"`
	Clouds     struct {
		All int `json:"all"`
	} `json:"clouds"`
	Dt  int64 `json:"dt"`
	Sys struct {
		Country string `json:"country"`
		Sunrise int64  `json:"sunrise"`
		Sunset  int64  `json:"sunset"`
	} `json:"sys"`
	Name string `json:"name"`
}

type forecastResponse struct {
	List []struct {
		Dt      int64        `json:"dt"`
		Main    owmMain      `json:"main"`
		Weather []owmWeather `json:"weather"`
		Wind    owmWind      `json:"wind"`
		Pop     float64      `json:"pop"`
	} `json:"list"`
	City struct {
		Name    string   `json:"name"`
		Coord   owmCoord `json:"coord"`
		Country string   `json:"country"`
	} `json:"city"`
}

type airResponse struct {
	List []struct {
		Dt   int64 `json:"dt"`
		Main struct {
			AQI int `json:"aqi"`
		} `json:"main"`
		Components map[string]float64 `json:"components"`
	} `json:"list"`
}

// ResolveLocation geocodes a city name. An empty upstream list is ErrLocationNotFound.
func (c *OpenWeatherClient) ResolveLocation(ctx context.Context, q models.LocationQuery) ([]models.Location, error) {
	params := url.Values{}
	params.Set("q", q.Q())
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	var entries []geoEntry
	if err := c.do(ctx, endpointDirect, c.geoURL+"/direct", params, &entries); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrLocationNotFound, q.Q())
	}
	return toLocations(entries), nil
}

// ReverseGeocode maps coordinates to named places.
func (c *OpenWeatherClient) ReverseGeocode(ctx context.Context, lat, lon float64, limit int) ([]models.Location, error) {
	params := coordParams(lat, lon)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var entries []geoEntry
	if err := c.do(ctx, endpointReverse, c.geoURL+"/reverse", params, &entries); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no place near %.4f,%.4f", ErrLocationNotFound, lat, lon)
	}
	return toLocations(entries), nil
}

// FetchCurrent returns current conditions at loc.
func (c *OpenWeatherClient) FetchCurrent(ctx context.Context, loc models.Location, opts models.QueryOptions) (models.WeatherResult, error) {
	params := coordParams(loc.Latitude, loc.Longitude)
	setUnitsLang(params, opts)

	var resp currentResponse
	if err := c.do(ctx, endpointCurrent, c.baseURL+"/weather", params, &resp); err != nil {
		return models.WeatherResult{}, err
	}
	if resp.Main == nil {
		return models.WeatherResult{}, fmt.Errorf("%w: %w: weather response missing main block", ErrUpstreamFailure, ErrMalformedResponse)
	}

	if loc.Name == "" {
		loc.Name = resp.Name
	}
	if loc.Country == "" {
		loc.Country = resp.Sys.Country
	}
	main, desc := firstWeather(resp.Weather)
	cur := &models.CurrentConditions{
		Temperature: resp.Main.Temp,
		FeelsLike:   resp.Main.FeelsLike,
		TempMin:     resp.Main.TempMin,
		TempMax:     resp.Main.TempMax,
		Humidity:    resp.Main.Humidity,
		Pressure:    resp.Main.Pressure,
		WindSpeed:   resp.Wind.Speed,
		WindDeg:     resp.Wind.Deg,
		Clouds:      resp.Clouds.All,
		Visibility:  resp.Visibility,
		Conditions:  main,
		Description: desc,
		ObservedAt:  unixUTC(resp.Dt),
		Sunrise:     unixUTC(resp.Sys.Sunrise),
		Sunset:      unixUTC(resp.Sys.Sunset),
	}
	return models.WeatherResult{
		Kind:      models.KindCurrent,
		Location:  loc,
		Units:     opts.Units,
		Current:   cur,
		Provider:  Provider,
		FetchedAt: c.now().UTC(),
	}, nil
}

// FetchForecast returns up to days*8 three-hour steps.
func (c *OpenWeatherClient) FetchForecast(ctx context.Context, loc models.Location, days int, opts models.QueryOptions) (models.WeatherResult, error) {
	if days <= 0 || days > MaxForecastDays {
		return models.WeatherResult{}, fmt.Errorf("%w: days must be between 1 and %d", ErrValidation, MaxForecastDays)
	}
	params := coordParams(loc.Latitude, loc.Longitude)
	setUnitsLang(params, opts)
	params.Set("cnt", strconv.Itoa(days*8))

	var resp forecastResponse
	if err := c.do(ctx, endpointFcst, c.baseURL+"/forecast", params, &resp); err != nil {
		return models.WeatherResult{}, err
	}

	if loc.Name == "" {
		loc.Name = resp.City.Name
	}
	if loc.Country == "" {
		loc.Country = resp.City.Country
	}
	points := make([]models.ForecastPoint, 0, len(resp.List))
	for _, it := range resp.List {
		main, desc := firstWeather(it.Weather)
		points = append(points, models.ForecastPoint{
			Time:                     unixUTC(it.Dt),
			Temperature:              it.Main.Temp,
			FeelsLike:                it.Main.FeelsLike,
			TempMin:                  it.Main.TempMin,
			TempMax:                  it.Main.TempMax,
			Humidity:                 it.Main.Humidity,
			WindSpeed:                it.Wind.Speed,
			Conditions:               main,
			Description:              desc,
			PrecipitationProbability: it.Pop,
		})
	}
	return models.WeatherResult{
		Kind:      models.KindForecast,
		Location:  loc,
		Units:     opts.Units,
		Forecast:  points,
		Provider:  Provider,
		FetchedAt: c.now().UTC(),
	}, nil
}

// FetchAirPollution returns the current air quality reading at loc.
func (c *OpenWeatherClient) FetchAirPollution(ctx context.Context, loc models.Location) (models.WeatherResult, error) {
	return c.fetchAir(ctx, endpointAir, "/air_pollution", models.KindAirPollution, loc, coordParams(loc.Latitude, loc.Longitude))
}

// FetchAirPollutionForecast returns the hourly air quality forecast at loc.
func (c *OpenWeatherClient) FetchAirPollutionForecast(ctx context.Context, loc models.Location) (models.WeatherResult, error) {
	return c.fetchAir(ctx, endpointAirFcst, "/air_pollution/forecast", models.KindAirPollutionForecast, loc, coordParams(loc.Latitude, loc.Longitude))
}

// FetchAirPollutionHistory returns hourly air quality at loc between start and
// end, both inclusive at second precision.
func (c *OpenWeatherClient) FetchAirPollutionHistory(ctx context.Context, loc models.Location, start, end time.Time) (models.WeatherResult, error) {
	if !start.Before(end) {
		return models.WeatherResult{}, fmt.Errorf("%w: start must be before end", ErrValidation)
	}
	params := coordParams(loc.Latitude, loc.Longitude)
	params.Set("start", strconv.FormatInt(start.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))
	return c.fetchAir(ctx, endpointAirHist, "/air_pollution/history", models.KindAirPollutionHistory, loc, params)
}

func (c *OpenWeatherClient) fetchAir(ctx context.Context, endpoint, path string, kind models.QueryKind, loc models.Location, params url.Values) (models.WeatherResult, error) {
	var resp airResponse
	if err := c.do(ctx, endpoint, c.baseURL+path, params, &resp); err != nil {
		return models.WeatherResult{}, err
	}
	samples := make([]models.AirQualitySample, 0, len(resp.List))
	for _, it := range resp.List {
		samples = append(samples, models.AirQualitySample{
			Time:       unixUTC(it.Dt),
			AQI:        it.Main.AQI,
			Components: it.Components,
		})
	}
	return models.WeatherResult{
		Kind:       kind,
		Location:   loc,
		AirQuality: samples,
		Provider:   Provider,
		FetchedAt:  c.now().UTC(),
	}, nil
}

// Ping issues one unretried current-weather request. It bypasses the limiter
// and breaker so readiness reflects upstream, not local, state.
func (c *OpenWeatherClient) Ping(ctx context.Context) error {
	params := url.Values{}
	params.Set("q", pingLocation)
	return c.callAPI(ctx, endpointPing, c.baseURL+"/weather", params, nil)
}

// do runs callAPI under the limiter, breaker and retry policy.
func (c *OpenWeatherClient) do(ctx context.Context, endpoint, rawURL string, params url.Values, out any) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBaseDelay
	b.MaxInterval = c.retryMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retryAttempts-1)), ctx)

	attempts := 0
	op := func() error {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return backoff.Permanent(fmt.Errorf("%w: local rate limit: %v", ErrRateLimited, err))
		}
		err := c.guarded(ctx, func() error { return c.callAPI(ctx, endpoint, rawURL, params, out) })
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		observability.WeatherAPIRetriesTotal.Inc()
		c.logger.Warn("retrying upstream call",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", next),
			zap.String("correlation_id", observability.CorrelationID(ctx)),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return nil
	}
	if attempts > 1 && isRetryable(err) {
		return fmt.Errorf("exhausted retries after %d attempts: %w", attempts, err)
	}
	return err
}

func (c *OpenWeatherClient) guarded(ctx context.Context, fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	err := c.breaker.Call(ctx, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %w", ErrCircuitOpen, ErrUpstreamFailure)
	}
	return err
}

// callAPI performs one attempt bounded by the per-attempt timeout.
func (c *OpenWeatherClient) callAPI(ctx context.Context, endpoint, rawURL string, params url.Values, out any) error {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, rawURL, params)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		err = c.transportError(ctx, err)
		label := string(CategorizeError(err))
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, label).Inc()
		observability.WeatherAPIDuration.WithLabelValues(endpoint, label).Observe(time.Since(start).Seconds())
		return err
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.transportError(ctx, fmt.Errorf("read response body: %w", err))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %w: parse %s response: %v", ErrUpstreamFailure, ErrMalformedResponse, endpoint, err)
	}
	return nil
}

// transportError distinguishes caller cancellation (returned as is) from
// per-attempt timeouts and network failures (retryable upstream failures).
func (c *OpenWeatherClient) transportError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return fmt.Errorf("%w: %w: after %s", ErrUpstreamFailure, ErrTimeout, c.timeout)
	}
	return fmt.Errorf("%w: %w: %v", ErrUpstreamFailure, ErrUnreachable, err)
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, rawURL string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("appid", c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if id := observability.CorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	return req, nil
}

// owmError is OpenWeather's error body: {"cod":"400","message":"wrong latitude"}.
type owmError struct {
	Message string `json:"message"`
}

func handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := upstreamMessage(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrInvalidAPIKey, msg)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrLocationNotFound, msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: HTTP %d: %s", ErrValidation, resp.StatusCode, msg)
	}
	return fmt.Errorf("%w: unexpected HTTP %d", ErrUpstreamFailure, resp.StatusCode)
}

func upstreamMessage(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 4<<10))
	var e owmError
	if json.Unmarshal(data, &e) == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(data))
}

func isRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrMalformedResponse) {
		return false
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure)
}

// IsUpstreamFault reports whether err should count against a circuit breaker.
// Caller mistakes (404, 4xx) and cancellation do not.
func IsUpstreamFault(err error) bool {
	return errors.Is(err, ErrUpstreamFailure) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrInvalidAPIKey)
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

func coordParams(lat, lon float64) url.Values {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	return params
}

func setUnitsLang(params url.Values, opts models.QueryOptions) {
	units := opts.Units
	if units == "" {
		units = "metric"
	}
	params.Set("units", units)
	if opts.Lang != "" {
		params.Set("lang", opts.Lang)
	}
}

func toLocations(entries []geoEntry) []models.Location {
	out := make([]models.Location, 0, len(entries))
	for _, e := range entries {
		out = append(out, models.Location{
			Name:      e.Name,
			Latitude:  e.Lat,
			Longitude: e.Lon,
			Country:   e.Country,
			State:     e.State,
		})
	}
	return out
}

func firstWeather(ws []owmWeather) (main, desc string) {
	if len(ws) == 0 {
		return "", ""
	}
	return ws[0].Main, ws[0].Description
}

func unixUTC(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
