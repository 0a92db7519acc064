package models

// WeatherObservation holds the hourly values read at one aligned index of a forecast.
// Values missing from the forecast response are absent from Values.
type WeatherObservation struct {
	Time   string             `json:"time"`
	Values map[string]float64 `json:"values"`
}

// Value returns the named hourly variable and whether it was present.
func (o WeatherObservation) Value(variable string) (float64, bool) {
	v, ok := o.Values[variable]
	return v, ok
}
