package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/kjstillabower/weather-mcp/internal/cache"
	"github.com/kjstillabower/weather-mcp/internal/client"
	"github.com/kjstillabower/weather-mcp/internal/models"
	"github.com/kjstillabower/weather-mcp/internal/validation"
)

// Tool names.
const (
	ToolCurrentWeather      = "get_current_weather"
	ToolForecast            = "get_forecast"
	ToolCurrentWeatherByGeo = "get_current_weather_by_geo"
	ToolForecastByGeo       = "get_forecast_by_geo"
	ToolGeocode             = "geocode_location"
	ToolReverseGeocode      = "reverse_geocode"
	ToolAirPollution        = "get_air_pollution"
	ToolAirPollutionByGeo   = "get_air_pollution_by_geo"

	ToolAirPollutionForecast      = "get_air_pollution_forecast"
	ToolAirPollutionForecastByGeo = "get_air_pollution_forecast_by_geo"
	ToolAirPollutionHistory       = "get_air_pollution_history"
	ToolAirPollutionHistoryByGeo  = "get_air_pollution_history_by_geo"
)

// MaxGeocodeLimit caps geocoding candidates per call.
const MaxGeocodeLimit = 5

// WeatherService is the cache-aside layer the tools call.
type WeatherService interface {
	ResolveLocation(ctx context.Context, q models.LocationQuery) (models.GeocodeResult, cache.Source, error)
	ReverseGeocode(ctx context.Context, lat, lon float64, limit int) (models.GeocodeResult, cache.Source, error)
	Current(ctx context.Context, q models.LocationQuery, opts models.QueryOptions) (models.WeatherResult, cache.Source, error)
	CurrentAt(ctx context.Context, loc models.Location, opts models.QueryOptions) (models.WeatherResult, cache.Source, error)
	Forecast(ctx context.Context, q models.LocationQuery, opts models.QueryOptions) (models.WeatherResult, cache.Source, error)
	ForecastAt(ctx context.Context, loc models.Location, opts models.QueryOptions) (models.WeatherResult, cache.Source, error)
	AirPollution(ctx context.Context, q models.LocationQuery) (models.WeatherResult, cache.Source, error)
	AirPollutionAt(ctx context.Context, loc models.Location) (models.WeatherResult, cache.Source, error)
	AirPollutionForecast(ctx context.Context, q models.LocationQuery) (models.WeatherResult, cache.Source, error)
	AirPollutionForecastAt(ctx context.Context, loc models.Location) (models.WeatherResult, cache.Source, error)
	AirPollutionHistory(ctx context.Context, q models.LocationQuery, start, end time.Time) (models.WeatherResult, cache.Source, error)
	AirPollutionHistoryAt(ctx context.Context, loc models.Location, start, end time.Time) (models.WeatherResult, cache.Source, error)
}

// Defaults fill optional arguments the caller left out.
type Defaults struct {
	Units string
	Lang  string
}

// Tool arguments. Pointers distinguish "absent" from zero for coordinates.
type (
	cityArgs struct {
		Location    string `json:"location"`
		CountryCode string `json:"country_code,omitempty"`
		Units       string `json:"units,omitempty"`
		Lang        string `json:"lang,omitempty"`
		Days        int    `json:"days,omitempty"`
		window
	}
	geoArgs struct {
		Lat   *float64 `json:"lat"`
		Lon   *float64 `json:"lon"`
		Units string   `json:"units,omitempty"`
		Lang  string   `json:"lang,omitempty"`
		Days  int      `json:"days,omitempty"`
		Limit int      `json:"limit,omitempty"`
		window
	}
	// window is a history range in unix seconds; from and to are set by validation.
	window struct {
		Start int64     `json:"start,omitempty"`
		End   int64     `json:"end,omitempty"`
		from  time.Time `json:"-"`
		to    time.Time `json:"-"`
	}
	geocodeArgs struct {
		City        string `json:"city"`
		StateCode   string `json:"state_code,omitempty"`
		CountryCode string `json:"country_code,omitempty"`
		Limit       int    `json:"limit,omitempty"`
	}
)

func (a cityArgs) query() models.LocationQuery {
	return models.LocationQuery{City: a.Location, CountryCode: a.CountryCode}
}

func (a cityArgs) options() models.QueryOptions {
	return models.QueryOptions{Units: a.Units, Lang: a.Lang, Days: a.Days}
}

func (a geoArgs) location() models.Location {
	return models.Location{Latitude: *a.Lat, Longitude: *a.Lon}
}

func (a geoArgs) options() models.QueryOptions {
	return models.QueryOptions{Units: a.Units, Lang: a.Lang, Days: a.Days}
}

func ptr[T any](v T) *T { return &v }

var (
	locationProp = &jsonschema.Schema{
		Type:        "string",
		Description: "City or place name, optionally with region, e.g. \"Yangon\" or \"Portland, OR\"",
		MinLength:   ptr(validation.MinLocationLen),
		MaxLength:   ptr(validation.MaxLocationLen),
	}
	countryProp = &jsonschema.Schema{
		Type:        "string",
		Description: "ISO 3166-1 alpha-2 country code, e.g. \"MM\"",
		Pattern:     "^[A-Za-z]{2}$",
	}
	stateProp = &jsonschema.Schema{
		Type:        "string",
		Description: "State code (US only), e.g. \"OR\"",
		Pattern:     "^[A-Za-z0-9]{1,3}$",
	}
	unitsProp = &jsonschema.Schema{
		Type:        "string",
		Description: "Units of measurement",
		Enum:        []any{"metric", "imperial", "standard"},
	}
	langProp = &jsonschema.Schema{
		Type:        "string",
		Description: "Two-letter language code for condition descriptions",
		Pattern:     "^[A-Za-z]{2}$",
	}
	daysProp = &jsonschema.Schema{
		Type:        "integer",
		Description: "Forecast span in days (1-5, default 5)",
		Minimum:     ptr(1.0),
		Maximum:     ptr(float64(client.MaxForecastDays)),
	}
	latProp = &jsonschema.Schema{
		Type:        "number",
		Description: "Latitude in decimal degrees",
		Minimum:     ptr(-90.0),
		Maximum:     ptr(90.0),
	}
	lonProp = &jsonschema.Schema{
		Type:        "number",
		Description: "Longitude in decimal degrees",
		Minimum:     ptr(-180.0),
		Maximum:     ptr(180.0),
	}
	startProp = &jsonschema.Schema{
		Type:        "integer",
		Description: "Start of the window as a unix timestamp in seconds",
		Minimum:     ptr(1.0),
	}
	endProp = &jsonschema.Schema{
		Type:        "integer",
		Description: "End of the window as a unix timestamp in seconds; after start and at most one year later",
		Minimum:     ptr(1.0),
	}
	limitProp = &jsonschema.Schema{
		Type:        "integer",
		Description: "Maximum number of matches (1-5, default 1)",
		Minimum:     ptr(1.0),
		Maximum:     ptr(float64(MaxGeocodeLimit)),
	}
)

func objectSchema(required []string, props map[string]*jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

// RegisterWeatherTools registers every weather tool against svc.
func RegisterWeatherTools(r *Registry, svc WeatherService, def Defaults) error {
	if def.Units == "" {
		def.Units = "metric"
	}
	if def.Lang == "" {
		def.Lang = "en"
	}
	validateCity := func(a *cityArgs) error {
		var err error
		if a.Location, err = validation.ValidateLocation(a.Location, validation.MinLocationLen, validation.MaxLocationLen); err != nil {
			return err
		}
		if a.CountryCode, err = validation.ValidateCountryCode(a.CountryCode); err != nil {
			return err
		}
		return validateOptions(&a.Units, &a.Lang, def)
	}
	validateCityForecast := func(a *cityArgs) error {
		if err := validateCity(a); err != nil {
			return err
		}
		return validateDays(&a.Days)
	}
	validateGeo := func(a *geoArgs) error {
		if err := validateCoords(a); err != nil {
			return err
		}
		return validateOptions(&a.Units, &a.Lang, def)
	}
	validateGeoForecast := func(a *geoArgs) error {
		if err := validateGeo(a); err != nil {
			return err
		}
		return validateDays(&a.Days)
	}
	validatePlace := func(a *cityArgs) error {
		var err error
		if a.Location, err = validation.ValidateLocation(a.Location, validation.MinLocationLen, validation.MaxLocationLen); err != nil {
			return err
		}
		a.CountryCode, err = validation.ValidateCountryCode(a.CountryCode)
		return err
	}
	placeProps := func(extra map[string]*jsonschema.Schema) map[string]*jsonschema.Schema {
		props := map[string]*jsonschema.Schema{"location": locationProp, "country_code": countryProp}
		for k, v := range extra {
			props[k] = v
		}
		return props
	}
	coordProps := func(extra map[string]*jsonschema.Schema) map[string]*jsonschema.Schema {
		props := map[string]*jsonschema.Schema{"lat": latProp, "lon": lonProp}
		for k, v := range extra {
			props[k] = v
		}
		return props
	}
	windowProps := map[string]*jsonschema.Schema{"start": startProp, "end": endProp}

	return errors.Join(
		Register(r, Spec[cityArgs]{
			Name:        ToolCurrentWeather,
			Description: "Get current weather conditions for a city by name.",
			Schema: objectSchema([]string{"location"}, map[string]*jsonschema.Schema{
				"location": locationProp, "country_code": countryProp, "units": unitsProp, "lang": langProp,
			}),
			Validate: validateCity,
			Run: func(ctx context.Context, a cityArgs) (Result, error) {
				return wrap(svc.Current(ctx, a.query(), a.options()))
			},
		}),
		Register(r, Spec[cityArgs]{
			Name:        ToolForecast,
			Description: "Get the 5 day / 3 hour forecast for a city by name.",
			Schema: objectSchema([]string{"location"}, map[string]*jsonschema.Schema{
				"location": locationProp, "days": daysProp, "country_code": countryProp, "units": unitsProp, "lang": langProp,
			}),
			Validate: validateCityForecast,
			Run: func(ctx context.Context, a cityArgs) (Result, error) {
				return wrap(svc.Forecast(ctx, a.query(), a.options()))
			},
		}),
		Register(r, Spec[geoArgs]{
			Name:        ToolCurrentWeatherByGeo,
			Description: "Get current weather conditions for coordinates.",
			Schema: objectSchema([]string{"lat", "lon"}, map[string]*jsonschema.Schema{
				"lat": latProp, "lon": lonProp, "units": unitsProp, "lang": langProp,
			}),
			Validate: validateGeo,
			Run: func(ctx context.Context, a geoArgs) (Result, error) {
				return wrap(svc.CurrentAt(ctx, a.location(), a.options()))
			},
		}),
		Register(r, Spec[geoArgs]{
			Name:        ToolForecastByGeo,
			Description: "Get the 5 day / 3 hour forecast for coordinates.",
			Schema: objectSchema([]string{"lat", "lon"}, map[string]*jsonschema.Schema{
				"lat": latProp, "lon": lonProp, "days": daysProp, "units": unitsProp, "lang": langProp,
			}),
			Validate: validateGeoForecast,
			Run: func(ctx context.Context, a geoArgs) (Result, error) {
				return wrap(svc.ForecastAt(ctx, a.location(), a.options()))
			},
		}),
		Register(r, Spec[geocodeArgs]{
			Name:        ToolGeocode,
			Description: "Resolve a city name to coordinates.",
			Schema: objectSchema([]string{"city"}, map[string]*jsonschema.Schema{
				"city": locationProp, "state_code": stateProp, "country_code": countryProp, "limit": limitProp,
			}),
			Validate: func(a *geocodeArgs) error {
				var err error
				if a.City, err = validation.ValidateLocation(a.City, validation.MinLocationLen, validation.MaxLocationLen); err != nil {
					return err
				}
				if a.StateCode, err = validation.ValidateStateCode(a.StateCode); err != nil {
					return err
				}
				if a.CountryCode, err = validation.ValidateCountryCode(a.CountryCode); err != nil {
					return err
				}
				a.Limit, err = validation.ValidateRange("limit", a.Limit, 1, 1, MaxGeocodeLimit)
				return err
			},
			Run: func(ctx context.Context, a geocodeArgs) (Result, error) {
				return wrap(svc.ResolveLocation(ctx, models.LocationQuery{
					City: a.City, StateCode: a.StateCode, CountryCode: a.CountryCode, Limit: a.Limit,
				}))
			},
		}),
		Register(r, Spec[geoArgs]{
			Name:        ToolReverseGeocode,
			Description: "Find place names near coordinates.",
			Schema: objectSchema([]string{"lat", "lon"}, map[string]*jsonschema.Schema{
				"lat": latProp, "lon": lonProp, "limit": limitProp,
			}),
			Validate: func(a *geoArgs) error {
				if err := validateCoords(a); err != nil {
					return err
				}
				var err error
				a.Limit, err = validation.ValidateRange("limit", a.Limit, 1, 1, MaxGeocodeLimit)
				return err
			},
			Run: func(ctx context.Context, a geoArgs) (Result, error) {
				return wrap(svc.ReverseGeocode(ctx, *a.Lat, *a.Lon, a.Limit))
			},
		}),
		Register(r, Spec[cityArgs]{
			Name:        ToolAirPollution,
			Description: "Get current air quality (AQI and pollutant concentrations) for a city by name.",
			Schema:      objectSchema([]string{"location"}, placeProps(nil)),
			Validate:    validatePlace,
			Run: func(ctx context.Context, a cityArgs) (Result, error) {
				return wrap(svc.AirPollution(ctx, a.query()))
			},
		}),
		Register(r, Spec[geoArgs]{
			Name:        ToolAirPollutionByGeo,
			Description: "Get current air quality (AQI and pollutant concentrations) for coordinates.",
			Schema:      objectSchema([]string{"lat", "lon"}, coordProps(nil)),
			Validate:    validateCoords,
			Run: func(ctx context.Context, a geoArgs) (Result, error) {
				return wrap(svc.AirPollutionAt(ctx, a.location()))
			},
		}),
		Register(r, Spec[cityArgs]{
			Name:        ToolAirPollutionForecast,
			Description: "Get the hourly air quality forecast for the coming days for a city by name.",
			Schema:      objectSchema([]string{"location"}, placeProps(nil)),
			Validate:    validatePlace,
			Run: func(ctx context.Context, a cityArgs) (Result, error) {
				return wrap(svc.AirPollutionForecast(ctx, a.query()))
			},
		}),
		Register(r, Spec[geoArgs]{
			Name:        ToolAirPollutionForecastByGeo,
			Description: "Get the hourly air quality forecast for the coming days for coordinates.",
			Schema:      objectSchema([]string{"lat", "lon"}, coordProps(nil)),
			Validate:    validateCoords,
			Run: func(ctx context.Context, a geoArgs) (Result, error) {
				return wrap(svc.AirPollutionForecastAt(ctx, a.location()))
			},
		}),
		Register(r, Spec[cityArgs]{
			Name:        ToolAirPollutionHistory,
			Description: "Get hourly historical air quality between two unix timestamps for a city by name.",
			Schema:      objectSchema([]string{"location", "start", "end"}, placeProps(windowProps)),
			Validate: func(a *cityArgs) error {
				if err := validatePlace(a); err != nil {
					return err
				}
				return a.window.validate()
			},
			Run: func(ctx context.Context, a cityArgs) (Result, error) {
				return wrap(svc.AirPollutionHistory(ctx, a.query(), a.from, a.to))
			},
		}),
		Register(r, Spec[geoArgs]{
			Name:        ToolAirPollutionHistoryByGeo,
			Description: "Get hourly historical air quality between two unix timestamps for coordinates.",
			Schema:      objectSchema([]string{"lat", "lon", "start", "end"}, coordProps(windowProps)),
			Validate: func(a *geoArgs) error {
				if err := validateCoords(a); err != nil {
					return err
				}
				return a.window.validate()
			},
			Run: func(ctx context.Context, a geoArgs) (Result, error) {
				return wrap(svc.AirPollutionHistoryAt(ctx, a.location(), a.from, a.to))
			},
		}),
	)
}

func wrap(v any, src cache.Source, err error) (Result, error) {
	if err != nil {
		return Result{}, err
	}
	return Result{Data: v, Source: src}, nil
}

func validateOptions(units, lang *string, def Defaults) error {
	var err error
	if *units, err = validation.ValidateUnits(*units, def.Units); err != nil {
		return err
	}
	*lang, err = validation.ValidateLang(*lang, def.Lang)
	return err
}

func validateDays(days *int) error {
	var err error
	*days, err = validation.ValidateRange("days", *days, client.MaxForecastDays, 1, client.MaxForecastDays)
	return err
}

func (w *window) validate() error {
	var err error
	w.from, w.to, err = validation.ValidateTimeWindow(w.Start, w.End, validation.MaxHistoryWindow)
	return err
}

func validateCoords(a *geoArgs) error {
	if a.Lat == nil || a.Lon == nil {
		return errors.New("lat and lon are required")
	}
	return validation.ValidateCoordinates(*a.Lat, *a.Lon)
}
