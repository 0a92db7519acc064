package models

import (
	"encoding/json"
	"fmt"
)

// Forecast is the subset of an Open-Meteo /v1/forecast response the service reads.
// Both blocks are optional; their absence is reported by the alignment step.
type Forecast struct {
	Latitude       float64         `json:"latitude"`
	Longitude      float64         `json:"longitude"`
	Timezone       string          `json:"timezone,omitempty"`
	CurrentWeather *CurrentWeather `json:"current_weather,omitempty"`
	Hourly         *HourlySeries   `json:"hourly,omitempty"`
}

// CurrentWeather is the provider's current_weather block.
type CurrentWeather struct {
	Time        string   `json:"time"`
	Temperature *float64 `json:"temperature,omitempty"`
	WindSpeed   *float64 `json:"windspeed,omitempty"`
}

// Empty reports whether the block carried no fields at all.
func (c *CurrentWeather) Empty() bool {
	return c == nil || (c.Time == "" && c.Temperature == nil && c.WindSpeed == nil)
}

// HourlySeries holds the hourly time axis and every numeric variable returned with it.
// A nil entry in a series is a null in the provider payload.
type HourlySeries struct {
	Time   []string
	Series map[string][]*float64
}

// Empty reports whether the block has neither a time axis nor any variables.
func (h *HourlySeries) Empty() bool {
	return h == nil || (len(h.Time) == 0 && len(h.Series) == 0)
}

// UnmarshalJSON decodes "time" as strings and every other key as a numeric series.
// Keys that are not numeric arrays are ignored.
func (h *HourlySeries) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("hourly: %w", err)
	}
	h.Series = make(map[string][]*float64, len(raw))
	for k, v := range raw {
		if k == "time" {
			if err := json.Unmarshal(v, &h.Time); err != nil {
				return fmt.Errorf("hourly.time: %w", err)
			}
			continue
		}
		var series []*float64
		if err := json.Unmarshal(v, &series); err != nil {
			continue
		}
		h.Series[k] = series
	}
	return nil
}

// MarshalJSON writes the provider layout back out, so cached forecasts round-trip.
func (h HourlySeries) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(h.Series)+1)
	for k, v := range h.Series {
		out[k] = v
	}
	out["time"] = h.Time
	return json.Marshal(out)
}
