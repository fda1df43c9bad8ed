package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/failure"
	"github.com/loqalabs/loqa-voice/internal/router"
)

// Weather reports current conditions from an OpenWeatherMap-compatible API.
type Weather struct {
	cfg    config.ActionsConfig
	client *http.Client
}

func NewWeather(cfg config.ActionsConfig, deps Deps) *Weather {
	return &Weather{cfg: cfg, client: deps.HTTPClient}
}

type weatherResponse struct {
	Name    string `json:"name"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity int     `json:"humidity"`
	} `json:"main"`
}

var cityPrefixes = []string{"in ", "for ", "at "}

func (w *Weather) Execute(ctx context.Context, c *router.Context) (router.Outcome, error) {
	city := w.city(Argument(c))
	if city == "" {
		c.Speaker.Speak(ctx, "Which city do you want the weather for?")
		return router.Continue, nil
	}
	if w.cfg.WeatherAPIKey == "" {
		return router.Continue, failure.Errorf(failure.KindPermission, "weather", "weather api key not configured")
	}
	report, err := w.fetch(ctx, city)
	if err != nil {
		return router.Continue, err
	}
	c.Speaker.Speak(ctx, w.describe(city, report))
	return router.Continue, nil
}

func (w *Weather) city(arg string) string {
	arg = strings.Trim(arg, " .!?")
	for _, prefix := range cityPrefixes {
		if strings.HasPrefix(arg, prefix) {
			arg = strings.TrimPrefix(arg, prefix)
			break
		}
	}
	arg = strings.TrimSpace(strings.TrimSuffix(arg, " today"))
	if arg == "" {
		return w.cfg.DefaultCity
	}
	return arg
}

func (w *Weather) fetch(ctx context.Context, city string) (weatherResponse, error) {
	q := url.Values{}
	q.Set("q", city)
	q.Set("appid", w.cfg.WeatherAPIKey)
	q.Set("units", w.cfg.WeatherUnits)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.WeatherEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return weatherResponse{}, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return weatherResponse{}, failure.New(failure.KindOf(err), "weather request", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return weatherResponse{}, failure.Errorf(failure.KindNotFound, "weather request", "unknown city %q", city)
	case resp.StatusCode == http.StatusUnauthorized:
		return weatherResponse{}, failure.Errorf(failure.KindPermission, "weather request", "weather api rejected key")
	case resp.StatusCode >= 300:
		return weatherResponse{}, failure.Errorf(failure.KindUnavailable, "weather request", "weather api returned %s", resp.Status)
	}
	var out weatherResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return weatherResponse{}, failure.New(failure.KindUnavailable, "decode weather", err)
	}
	return out, nil
}

func (w *Weather) describe(city string, r weatherResponse) string {
	name := r.Name
	if name == "" {
		name = city
	}
	desc := "unknown conditions"
	if len(r.Weather) > 0 && r.Weather[0].Description != "" {
		desc = r.Weather[0].Description
	}
	unit := "degrees Celsius"
	switch w.cfg.WeatherUnits {
	case "imperial":
		unit = "degrees Fahrenheit"
	case "standard":
		unit = "kelvin"
	}
	return fmt.Sprintf("The weather in %s is %s with a temperature of %d %s and %d percent humidity.",
		name, desc, int(math.Round(r.Main.Temp)), unit, r.Main.Humidity)
}
