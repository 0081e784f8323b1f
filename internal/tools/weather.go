package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ent0n29/abel/internal/apperr"
)

const WeatherToolName = "weather"

type WeatherConfig struct {
	BaseURL    string
	GeocodeURL string
	HTTPClient *http.Client
}

// Weather looks up current conditions and a three day forecast from
// Open-Meteo. It needs no API key.
type Weather struct {
	cfg WeatherConfig
	hc  *http.Client
}

func NewWeather(cfg WeatherConfig) *Weather {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.GeocodeURL = strings.TrimRight(cfg.GeocodeURL, "/")
	return &Weather{cfg: cfg, hc: httpClient(cfg.HTTPClient)}
}

func (w *Weather) Definition() Definition {
	return Definition{
		Name:        WeatherToolName,
		Description: "Current weather and a three day forecast for a city or coordinates.",
		Parameters: map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"required":             []any{"city"},
			"properties": map[string]any{
				"city":      map[string]any{"type": "string", "minLength": 1, "description": "City name, e.g. Paris"},
				"latitude":  map[string]any{"type": "number", "minimum": -90, "maximum": 90},
				"longitude": map[string]any{"type": "number", "minimum": -180, "maximum": 180},
			},
		},
	}
}

func (w *Weather) Probe(context.Context) error {
	if w.cfg.BaseURL == "" {
		return apperr.Configuration(WeatherToolName, "WEATHER_BASE_URL")
	}
	return nil
}

type geocodeResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Country   string  `json:"country"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"results"`
}

type forecastResponse struct {
	Timezone string `json:"timezone"`
	Current  struct {
		Temperature float64 `json:"temperature_2m"`
		FeelsLike   float64 `json:"apparent_temperature"`
		Humidity    float64 `json:"relative_humidity_2m"`
		WindSpeed   float64 `json:"wind_speed_10m"`
		WeatherCode int     `json:"weather_code"`
	} `json:"current"`
	Daily struct {
		Time          []string  `json:"time"`
		TempMax       []float64 `json:"temperature_2m_max"`
		TempMin       []float64 `json:"temperature_2m_min"`
		WeatherCode   []int     `json:"weather_code"`
		Precipitation []float64 `json:"precipitation_probability_max"`
	} `json:"daily"`
}

func (w *Weather) Run(ctx context.Context, params map[string]any) (map[string]any, error) {
	city, _ := params["city"].(string)
	lat, hasLat := params["latitude"].(float64)
	lon, hasLon := params["longitude"].(float64)

	name := city
	if !hasLat || !hasLon {
		var geo geocodeResponse
		q := url.Values{"name": {city}, "count": {"1"}, "language": {"en"}}
		if err := getJSON(ctx, w.hc, WeatherToolName, w.cfg.GeocodeURL+"/v1/search", q, nil, &geo); err != nil {
			return nil, err
		}
		if len(geo.Results) == 0 {
			return nil, apperr.NotFound(fmt.Sprintf("city %q not found", city))
		}
		r := geo.Results[0]
		lat, lon, name = r.Latitude, r.Longitude, r.Name
	}

	var fc forecastResponse
	q := url.Values{
		"latitude":      {strconv.FormatFloat(lat, 'f', 4, 64)},
		"longitude":     {strconv.FormatFloat(lon, 'f', 4, 64)},
		"current":       {"temperature_2m,relative_humidity_2m,apparent_temperature,weather_code,wind_speed_10m"},
		"daily":         {"temperature_2m_max,temperature_2m_min,weather_code,precipitation_probability_max"},
		"timezone":      {"auto"},
		"forecast_days": {"3"},
	}
	if err := getJSON(ctx, w.hc, WeatherToolName, w.cfg.BaseURL+"/v1/forecast", q, nil, &fc); err != nil {
		return nil, err
	}

	forecast := make([]map[string]any, 0, len(fc.Daily.Time))
	for i, day := range fc.Daily.Time {
		forecast = append(forecast, map[string]any{
			"date":                 day,
			"temp_max":             at(fc.Daily.TempMax, i),
			"temp_min":             at(fc.Daily.TempMin, i),
			"precipitation_chance": at(fc.Daily.Precipitation, i),
			"condition":            weatherCondition(at(fc.Daily.WeatherCode, i)),
		})
	}
	condition := weatherCondition(fc.Current.WeatherCode)
	return map[string]any{
		"city":        name,
		"coordinates": map[string]any{"latitude": lat, "longitude": lon},
		"timezone":    fc.Timezone,
		"current": map[string]any{
			"temperature":    fc.Current.Temperature,
			"feels_like":     fc.Current.FeelsLike,
			"humidity":       fc.Current.Humidity,
			"wind_speed":     fc.Current.WindSpeed,
			"condition":      condition,
			"condition_code": fc.Current.WeatherCode,
		},
		"forecast": forecast,
		"summary":  fmt.Sprintf("In %s it is currently %.1f°C, %s.", name, fc.Current.Temperature, strings.ToLower(condition)),
	}, nil
}

func at[T any](s []T, i int) T {
	var zero T
	if i < 0 || i >= len(s) {
		return zero
	}
	return s[i]
}

// WMO weather interpretation codes.
var weatherCodes = map[int]string{
	0:  "Clear sky",
	1:  "Mainly clear",
	2:  "Partly cloudy",
	3:  "Overcast",
	45: "Fog",
	48: "Depositing rime fog",
	51: "Light drizzle",
	53: "Moderate drizzle",
	55: "Dense drizzle",
	61: "Light rain",
	63: "Moderate rain",
	65: "Heavy rain",
	71: "Light snow",
	73: "Moderate snow",
	75: "Heavy snow",
	77: "Snow grains",
	80: "Light showers",
	81: "Moderate showers",
	82: "Violent showers",
	85: "Light snow showers",
	86: "Heavy snow showers",
	95: "Thunderstorm",
	96: "Thunderstorm with light hail",
	99: "Thunderstorm with heavy hail",
}

func weatherCondition(code int) string {
	if c, ok := weatherCodes[code]; ok {
		return c
	}
	return "Unknown"
}
