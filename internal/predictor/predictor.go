package predictor

import (
	"errors"
	"fmt"

	"github.com/kjstillabower/pollen-risk-service/internal/models"
)

// ErrWidthMismatch is returned when a vector does not match the model's feature schema.
var ErrWidthMismatch = errors.New("feature vector width does not match model schema")

// Predictor maps a feature vector to an integer pollen risk label.
// Implementations must be safe for concurrent use.
type Predictor interface {
	Predict(v models.FeatureVector) (int, error)
	// Features returns the ordered feature names the model was trained on.
	Features() []string
}

func checkWidth(v models.FeatureVector, want int) error {
	if v.Len() != want {
		return fmt.Errorf("%w: got %d, want %d", ErrWidthMismatch, v.Len(), want)
	}
	return nil
}
