package models

// FeatureVector is the ordered model input. Names[i] labels Values[i].
type FeatureVector struct {
	Names  []string
	Values []float64
}

// Len returns the vector width.
func (v FeatureVector) Len() int {
	return len(v.Values)
}

// PredictRequest is the POST /predict body. Latitude and Longitude are optional
// unless the service is configured to require them.
type PredictRequest struct {
	Suburb    string   `json:"suburb"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// PredictionResult is the POST /predict success body.
type PredictionResult struct {
	Suburb              string             `json:"suburb,omitempty"`
	PredictedPollenRisk int                `json:"predicted_pollen_risk"`
	FeaturesUsed        map[string]float64 `json:"features_used,omitempty"`
	// Model is the artifact name@version; logged and published, not rendered.
	Model string `json:"-"`
}

// ErrorResponse is the body of every non-2xx /predict response.
type ErrorResponse struct {
	Error string `json:"error"`
}
