package service

import (
	"errors"
	"fmt"

	"github.com/kjstillabower/pollen-risk-service/internal/client"
	"github.com/kjstillabower/pollen-risk-service/internal/features"
	"github.com/kjstillabower/pollen-risk-service/internal/predictor"
)

var (
	// ErrSuburbNotFound matches every *NotFoundError.
	ErrSuburbNotFound = errors.New("suburb not found")
	// ErrPrediction matches every *PredictionError.
	ErrPrediction = errors.New("prediction failed")
	// ErrSchemaMismatch is returned by New when the feature schema does not match the model.
	ErrSchemaMismatch = errors.New("feature schema does not match model")
)

// NotFoundError reports a suburb that cannot be resolved to coordinates.
type NotFoundError struct {
	// Suburb is the normalized name.
	Suburb string
	// Listed is true when the suburb is in the reference table but has no coordinates.
	Listed bool
}

func (e *NotFoundError) Error() string {
	if e.Listed {
		return fmt.Sprintf("No coordinates for suburb '%s'", e.Suburb)
	}
	return fmt.Sprintf("Suburb '%s' not found", e.Suburb)
}

// Is makes errors.Is(err, ErrSuburbNotFound) true.
func (e *NotFoundError) Is(target error) bool { return target == ErrSuburbNotFound }

// PredictionError wraps a predictor failure or recovered panic. Its message is the cause's.
type PredictionError struct {
	Err error
}

func (e *PredictionError) Error() string { return e.Err.Error() }

func (e *PredictionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrPrediction) true.
func (e *PredictionError) Is(target error) bool { return target == ErrPrediction }

// IsMissingData reports whether err is an incomplete-forecast failure.
func IsMissingData(err error) bool {
	return errors.Is(err, client.ErrMissingCurrentWeather) ||
		errors.Is(err, client.ErrMissingHourly) ||
		errors.Is(err, client.ErrMissingVariable) ||
		errors.Is(err, features.ErrMissingWeatherValue)
}

// Category returns the predictionErrorsTotal label for err.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSuburbNotFound):
		return "not_found"
	case errors.Is(err, ErrPrediction), errors.Is(err, predictor.ErrWidthMismatch):
		return "prediction"
	case IsMissingData(err):
		return string(client.ErrorCategoryMissingData)
	}
	return string(client.CategorizeError(err))
}
