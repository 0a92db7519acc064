package features

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kjstillabower/pollen-risk-service/internal/models"
)

// ErrUnknownFeature is returned for schema names the assembler cannot produce.
var ErrUnknownFeature = errors.New("unknown feature")

// ErrMissingWeatherValue is returned when an observation lacks a variable the schema needs.
var ErrMissingWeatherValue = errors.New("missing weather value")

type source int

const (
	sourceWeather source = iota
	sourceMonth
	sourceDensity
	sourcePad
)

type field struct {
	name     string
	source   source
	variable string // Open-Meteo hourly variable, weather fields only
}

// weatherVariables maps feature names to Open-Meteo hourly variable names.
var weatherVariables = map[string]string{
	"temperature":          "temperature_2m",
	"dewpoint_temperature": "dew_point_2m",
	"relative_humidity":    "relative_humidity_2m",
	"wind_speed":           "wind_speed_10m",
	"total_cloud_cover":    "cloud_cover",
	"cloud_cover":          "cloud_cover",
	"surface_pressure":     "surface_pressure",
}

// Built-in schemas for the model generations in circulation.
var (
	// SchemaV3 is the six-field layout of the balanced model.
	SchemaV3 = []string{"temperature", "dewpoint_temperature", "wind_speed", "relative_humidity", "total_cloud_cover", "month"}
	// SchemaV1 is the ten-slot padded layout; only three slots carry data.
	SchemaV1 = []string{"temperature", "wind_speed", "plant_density", "pad", "pad", "pad", "pad", "pad", "pad", "pad"}
)

// Schema is the ordered list of named inputs a trained model expects.
type Schema struct {
	fields []field
}

// NormalizeName trims and lowercases a feature name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NewSchema resolves every name to a value source. Unknown names fail.
func NewSchema(names []string) (*Schema, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: empty schema", ErrUnknownFeature)
	}
	s := &Schema{fields: make([]field, 0, len(names))}
	for i, raw := range names {
		name := NormalizeName(raw)
		f := field{name: name}
		switch {
		case name == "pad" || strings.HasPrefix(name, "_"):
			f.source = sourcePad
		case name == "month":
			f.source = sourceMonth
		case name == "plant_density" || name == "local_density_score":
			f.source = sourceDensity
		default:
			v, ok := weatherVariables[name]
			if !ok {
				return nil, fmt.Errorf("%w: %q at position %d", ErrUnknownFeature, raw, i)
			}
			f.source = sourceWeather
			f.variable = v
		}
		s.fields = append(s.fields, f)
	}
	return s, nil
}

// Width returns the number of slots in the vector.
func (s *Schema) Width() int {
	return len(s.fields)
}

// Names returns the normalized field names in order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.fields))
	for i, f := range s.fields {
		out[i] = f.name
	}
	return out
}

// HourlyVariables returns the distinct Open-Meteo hourly variables the schema reads,
// in first-use order.
func (s *Schema) HourlyVariables() []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range s.fields {
		if f.source != sourceWeather || seen[f.variable] {
			continue
		}
		seen[f.variable] = true
		out = append(out, f.variable)
	}
	return out
}

// Assemble builds the vector for obs, density and the calendar month of now.
// The returned map echoes every non-padding field by name.
func (s *Schema) Assemble(obs models.WeatherObservation, density float64, now time.Time) (models.FeatureVector, map[string]float64, error) {
	v := models.FeatureVector{
		Names:  s.Names(),
		Values: make([]float64, len(s.fields)),
	}
	used := make(map[string]float64, len(s.fields))
	for i, f := range s.fields {
		var x float64
		switch f.source {
		case sourcePad:
			continue
		case sourceMonth:
			x = float64(now.Month())
		case sourceDensity:
			x = density
		case sourceWeather:
			val, ok := obs.Value(f.variable)
			if !ok {
				return models.FeatureVector{}, nil, fmt.Errorf("%w: %s", ErrMissingWeatherValue, f.variable)
			}
			x = val
		}
		v.Values[i] = x
		used[f.name] = x
	}
	return v, used, nil
}
