package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kjstillabower/pollen-risk-service/internal/models"
)

// Alignment selects which hourly index is read as "now".
type Alignment string

const (
	// AlignCurrent reads the hourly index whose time equals current_weather.time.
	AlignCurrent Alignment = "current"
	// AlignFirstHour reads index 0 of the hourly arrays.
	//
	// Deprecated: index 0 is the first forecast hour of the local day, not the current hour.
	AlignFirstHour Alignment = "first_hour"
)

var (
	ErrMissingCurrentWeather = errors.New("current_weather")
	ErrMissingHourly         = errors.New("hourly")
	ErrTimestampNotAligned   = errors.New("timestamp not in hourly time series")
	ErrMissingVariable       = errors.New("hourly variable")
)

// ParseAlignment accepts "current" (default for empty input) or "first_hour".
func ParseAlignment(s string) (Alignment, error) {
	switch Alignment(strings.ToLower(strings.TrimSpace(s))) {
	case "", AlignCurrent:
		return AlignCurrent, nil
	case AlignFirstHour:
		return AlignFirstHour, nil
	}
	return "", fmt.Errorf("unknown weather alignment %q (want current or first_hour)", s)
}

// NeedsCurrentWeather reports whether the strategy requires current_weather=true.
func (a Alignment) NeedsCurrentWeather() bool {
	return a != AlignFirstHour
}

// Observe picks the aligned hourly index of f and reads every variable at it.
// Each failure mode is a distinct sentinel: ErrMissingCurrentWeather, ErrMissingHourly,
// ErrTimestampNotAligned or ErrMissingVariable.
func Observe(f *models.Forecast, a Alignment, variables []string) (models.WeatherObservation, error) {
	if f == nil {
		return models.WeatherObservation{}, ErrMissingHourly
	}
	needCurrent := a.NeedsCurrentWeather()
	if needCurrent && f.CurrentWeather.Empty() {
		return models.WeatherObservation{}, ErrMissingCurrentWeather
	}
	if f.Hourly.Empty() {
		return models.WeatherObservation{}, ErrMissingHourly
	}

	idx := 0
	if needCurrent {
		ts := f.CurrentWeather.Time
		if ts == "" {
			return models.WeatherObservation{}, fmt.Errorf("%w: current_weather has no time", ErrTimestampNotAligned)
		}
		idx = indexOf(f.Hourly.Time, ts)
		if idx < 0 {
			return models.WeatherObservation{}, fmt.Errorf("%w: %q", ErrTimestampNotAligned, ts)
		}
	}

	obs := models.WeatherObservation{Values: make(map[string]float64, len(variables))}
	if idx < len(f.Hourly.Time) {
		obs.Time = f.Hourly.Time[idx]
	}
	for _, v := range variables {
		series, ok := f.Hourly.Series[v]
		if !ok {
			return models.WeatherObservation{}, fmt.Errorf("%w %s not returned", ErrMissingVariable, v)
		}
		if idx >= len(series) {
			return models.WeatherObservation{}, fmt.Errorf("%w %s has no index %d", ErrMissingVariable, v, idx)
		}
		if series[idx] == nil {
			return models.WeatherObservation{}, fmt.Errorf("%w %s is null at index %d", ErrMissingVariable, v, idx)
		}
		obs.Values[v] = *series[idx]
	}
	return obs, nil
}

func indexOf(times []string, ts string) int {
	for i, t := range times {
		if t == ts {
			return i
		}
	}
	return -1
}
