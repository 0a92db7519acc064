package validation

import (
	"errors"
	"strings"
	"unicode"

	"github.com/kjstillabower/pollen-risk-service/internal/models"
)

// DefaultMaxSuburbLength bounds suburb names in runes.
const DefaultMaxSuburbLength = 100

// Error messages double as the 400 response body.
var (
	// ErrMissingSuburb is returned when suburb is empty and coordinates are optional.
	ErrMissingSuburb = errors.New("Missing suburb")
	// ErrMissingFields is returned when coordinates are required and any field is missing.
	ErrMissingFields = errors.New("Missing suburb, latitude or longitude")
	// ErrCoordinatePair is returned when only one of latitude and longitude is supplied.
	ErrCoordinatePair = errors.New("Latitude and longitude must be supplied together")
	// ErrLatitudeRange is returned for a latitude outside [-90, 90].
	ErrLatitudeRange = errors.New("Latitude must be between -90 and 90")
	// ErrLongitudeRange is returned for a longitude outside [-180, 180].
	ErrLongitudeRange = errors.New("Longitude must be between -180 and 180")
	// ErrSuburbTooLong is returned when suburb length exceeds the maximum.
	ErrSuburbTooLong = errors.New("Suburb name too long")
	// ErrSuburbInvalidChars is returned when suburb contains disallowed characters.
	ErrSuburbInvalidChars = errors.New("Suburb contains invalid characters")
)

// Options configures ValidatePredictRequest.
type Options struct {
	// RequireCoordinates rejects requests without both latitude and longitude.
	RequireCoordinates bool
	// MaxSuburbLength in runes; DefaultMaxSuburbLength when zero.
	MaxSuburbLength int
}

// ValidatePredictRequest checks a decoded /predict body and returns it with the
// suburb trimmed. Normalization (lowercase) is left to the reference table.
func ValidatePredictRequest(req models.PredictRequest, opts Options) (models.PredictRequest, error) {
	missing := ErrMissingSuburb
	if opts.RequireCoordinates {
		missing = ErrMissingFields
	}

	suburb, err := ValidateSuburb(req.Suburb, opts.MaxSuburbLength)
	if errors.Is(err, ErrMissingSuburb) {
		return req, missing
	}
	if err != nil {
		return req, err
	}
	req.Suburb = suburb

	switch {
	case req.Latitude == nil && req.Longitude == nil:
		if opts.RequireCoordinates {
			return req, ErrMissingFields
		}
		return req, nil
	case req.Latitude == nil || req.Longitude == nil:
		if opts.RequireCoordinates {
			return req, ErrMissingFields
		}
		return req, ErrCoordinatePair
	}

	if lat := *req.Latitude; lat < -90 || lat > 90 {
		return req, ErrLatitudeRange
	}
	if lon := *req.Longitude; lon < -180 || lon > 180 {
		return req, ErrLongitudeRange
	}
	return req, nil
}

// ValidateSuburb trims the input, enforces the length bound (maxLen runes,
// DefaultMaxSuburbLength when zero) and restricts to allowed characters:
// letters (Unicode), digits, space, hyphen, apostrophe, period.
func ValidateSuburb(input string, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxSuburbLength
	}
	s := strings.TrimSpace(input)
	r := []rune(s)
	if len(r) == 0 {
		return "", ErrMissingSuburb
	}
	if len(r) > maxLen {
		return "", ErrSuburbTooLong
	}
	for _, c := range r {
		if !isAllowedSuburbRune(c) {
			return "", ErrSuburbInvalidChars
		}
	}
	return s, nil
}

func isAllowedSuburbRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', '-', '\'', '’', '.':
		return true
	}
	return false
}
