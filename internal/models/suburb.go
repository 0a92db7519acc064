package models

// SuburbRecord is one row of the reference table, keyed by normalized name.
type SuburbRecord struct {
	Name         string   `json:"suburb"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	DensityScore float64  `json:"localDensityScore"`
}

// HasCoordinates reports whether both latitude and longitude are present.
func (r SuburbRecord) HasCoordinates() bool {
	return r.Latitude != nil && r.Longitude != nil
}
