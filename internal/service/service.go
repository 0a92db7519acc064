package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/kjstillabower/pollen-risk-service/internal/cache"
	"github.com/kjstillabower/pollen-risk-service/internal/client"
	"github.com/kjstillabower/pollen-risk-service/internal/events"
	"github.com/kjstillabower/pollen-risk-service/internal/features"
	"github.com/kjstillabower/pollen-risk-service/internal/models"
	"github.com/kjstillabower/pollen-risk-service/internal/observability"
	"github.com/kjstillabower/pollen-risk-service/internal/predictor"
	"github.com/kjstillabower/pollen-risk-service/internal/reftable"
)

// SuburbTable resolves normalized suburb names. *reftable.Table implements it.
type SuburbTable interface {
	Lookup(name string) (models.SuburbRecord, bool)
}

// Deps holds the collaborators of a PredictionService. Table, Predictor, Schema
// and Client are required.
type Deps struct {
	Table     SuburbTable
	Predictor predictor.Predictor
	Schema    *features.Schema
	Client    client.WeatherClient
	Alignment client.Alignment

	// Cache is optional; nil disables forecast caching.
	Cache     cache.Cache
	CacheType string
	CacheTTL  time.Duration
	// Coalesce shares concurrent identical forecast calls.
	Coalesce bool

	// Publisher is optional; nil discards prediction events.
	Publisher events.Publisher
	// Now is the wall clock for the month feature; time.Now when nil.
	Now    func() time.Time
	Logger *zap.Logger
}

// PredictionService runs LOOKUP, FETCH_WEATHER, ASSEMBLE and PREDICT for one request.
// It holds only immutable state and is safe for concurrent use.
type PredictionService struct {
	table     SuburbTable
	predictor predictor.Predictor
	schema    *features.Schema
	client    client.WeatherClient
	alignment client.Alignment
	variables []string

	cache     cache.Cache
	cacheType string
	ttl       time.Duration
	coalescer *forecastCoalescer

	publisher events.Publisher
	now       func() time.Time
	logger    *zap.Logger
	model     string
}

// New validates deps and pairs the feature schema with the model. A schema whose
// names or width differ from the model's features fails with ErrSchemaMismatch.
func New(deps Deps) (*PredictionService, error) {
	if deps.Table == nil || deps.Predictor == nil || deps.Schema == nil || deps.Client == nil {
		return nil, errors.New("prediction service: table, predictor, schema and client are required")
	}
	if want := deps.Predictor.Features(); !slices.Equal(deps.Schema.Names(), normalizeNames(want)) {
		return nil, fmt.Errorf("%w: schema %v, model %v", ErrSchemaMismatch, deps.Schema.Names(), want)
	}
	if deps.Alignment == "" {
		deps.Alignment = client.AlignCurrent
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Noop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.CacheType == "" {
		deps.CacheType = "forecast"
	}
	s := &PredictionService{
		table:     deps.Table,
		predictor: deps.Predictor,
		schema:    deps.Schema,
		client:    deps.Client,
		alignment: deps.Alignment,
		variables: deps.Schema.HourlyVariables(),
		cache:     deps.Cache,
		cacheType: deps.CacheType,
		ttl:       deps.CacheTTL,
		publisher: deps.Publisher,
		now:       deps.Now,
		logger:    deps.Logger,
		model:     modelName(deps.Predictor),
	}
	if deps.Coalesce {
		s.coalescer = &forecastCoalescer{}
	}
	return s, nil
}

func normalizeNames(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = features.NormalizeName(n)
	}
	return out
}

func modelName(p predictor.Predictor) string {
	if n, ok := p.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "unknown"
}

// Model returns the loaded model's name@version.
func (s *PredictionService) Model() string {
	return s.model
}

// target is the resolved location of one request.
type target struct {
	suburb       string
	lat, lon     float64
	density      float64
	densityKnown bool
}

// Predict returns the pollen risk for req. req must already be validated.
// Errors: *NotFoundError, *client.FetchError, the client alignment sentinels,
// or *PredictionError.
func (s *PredictionService) Predict(ctx context.Context, req models.PredictRequest) (models.PredictionResult, error) {
	logger := observability.LoggerFromContext(ctx, s.logger)
	start := time.Now()

	tgt, err := s.resolve(req)
	if err != nil {
		return models.PredictionResult{}, err
	}
	if !tgt.densityKnown {
		logger.Debug("plant density unknown, using 0",
			zap.String("suburb", tgt.suburb),
			zap.Bool("density_known", false))
	}

	forecast, err := s.forecast(ctx, tgt)
	if err != nil {
		return models.PredictionResult{}, err
	}

	obs, err := client.Observe(forecast, s.alignment, s.variables)
	if err != nil {
		return models.PredictionResult{}, err
	}

	vec, used, err := s.schema.Assemble(obs, tgt.density, s.now())
	if err != nil {
		return models.PredictionResult{}, err
	}

	risk, err := s.predict(vec)
	if err != nil {
		return models.PredictionResult{}, err
	}

	result := models.PredictionResult{
		Suburb:              titleCase(tgt.suburb),
		PredictedPollenRisk: risk,
		FeaturesUsed:        used,
		Model:               s.model,
	}
	observability.RecordPrediction(risk)
	logger.Debug("prediction served",
		zap.String("suburb", tgt.suburb),
		zap.String("observation_time", obs.Time),
		zap.Int("risk", risk),
		zap.Duration("duration", time.Since(start)))

	s.publish(ctx, logger, tgt, result)
	return result, nil
}

// resolve performs LOOKUP: request coordinates win over table coordinates.
func (s *PredictionService) resolve(req models.PredictRequest) (target, error) {
	key := reftable.Normalize(req.Suburb)
	rec, found := s.table.Lookup(key)

	tgt := target{suburb: key}
	if found {
		tgt.density = rec.DensityScore
		tgt.densityKnown = true
	}

	switch {
	case req.Latitude != nil && req.Longitude != nil:
		tgt.lat, tgt.lon = *req.Latitude, *req.Longitude
		if found {
			observability.RecordSuburbLookup("found")
		} else {
			observability.RecordSuburbLookup("coordinates_only")
		}
	case found && rec.HasCoordinates():
		tgt.lat, tgt.lon = *rec.Latitude, *rec.Longitude
		observability.RecordSuburbLookup("found")
	default:
		observability.RecordSuburbLookup("not_found")
		return target{}, &NotFoundError{Suburb: key, Listed: found}
	}
	return tgt, nil
}

// forecast performs FETCH_WEATHER through the optional cache and coalescer.
func (s *PredictionService) forecast(ctx context.Context, tgt target) (*models.Forecast, error) {
	q := client.ForecastQuery{
		Latitude:       tgt.lat,
		Longitude:      tgt.lon,
		Hourly:         s.variables,
		CurrentWeather: s.alignment.NeedsCurrentWeather(),
	}
	if s.cache == nil {
		return s.client.GetForecast(ctx, q)
	}

	logger := observability.LoggerFromContext(ctx, s.logger)
	key := cache.Key(q.Latitude, q.Longitude, q.Hourly, q.CurrentWeather)

	cached, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues(s.cacheType, "get").Inc()
		logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		observability.CacheHitsTotal.WithLabelValues(s.cacheType).Inc()
		logger.Debug("cache hit", zap.String("key", key))
		return cached, nil
	}

	var f *models.Forecast
	if s.coalescer != nil {
		var shared bool
		f, shared, err = s.coalescer.Do(ctx, key, func(ctx context.Context) (*models.Forecast, error) {
			return s.client.GetForecast(ctx, q)
		})
		if shared {
			logger.Debug("forecast call coalesced", zap.String("key", key))
		}
		if err != nil && !errors.Is(err, client.ErrWeatherFetch) {
			err = &client.FetchError{Err: err}
		}
	} else {
		f, err = s.client.GetForecast(ctx, q)
	}
	if err != nil {
		return nil, err
	}

	if setErr := s.cache.Set(ctx, key, f, s.cacheTTL()); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues(s.cacheType, "set").Inc()
		logger.Warn("cache set failed", zap.String("key", key), zap.Error(setErr))
	}
	return f, nil
}

// cacheTTL caps the configured TTL at the next hour boundary so a cached
// forecast's current conditions never outlive the hour they describe.
func (s *PredictionService) cacheTTL() time.Duration {
	now := s.now()
	untilHour := now.Truncate(time.Hour).Add(time.Hour).Sub(now)
	if s.ttl > untilHour {
		return untilHour
	}
	return s.ttl
}

// predict performs PREDICT. Any error or panic becomes a *PredictionError.
func (s *PredictionService) predict(vec models.FeatureVector) (risk int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PredictionError{Err: fmt.Errorf("%v", r)}
		}
	}()
	risk, err = s.predictor.Predict(vec)
	if err != nil {
		return 0, &PredictionError{Err: err}
	}
	return risk, nil
}

func (s *PredictionService) publish(ctx context.Context, logger *zap.Logger, tgt target, result models.PredictionResult) {
	e := events.NewPredictionEvent(events.PredictionEvent{
		CorrelationID:       observability.CorrelationID(ctx),
		Suburb:              result.Suburb,
		Latitude:            tgt.lat,
		Longitude:           tgt.lon,
		DensityKnown:        tgt.densityKnown,
		PredictedPollenRisk: result.PredictedPollenRisk,
		Model:               result.Model,
		Features:            result.FeaturesUsed,
	}, s.now())
	if err := s.publisher.Publish(ctx, e); err != nil {
		logger.Warn("prediction event not published", zap.Error(err))
	}
}

// WarmSuburb fetches and caches the forecast for a reference-table suburb.
// It implements cache.SuburbWarmer.
func (s *PredictionService) WarmSuburb(ctx context.Context, suburb string) error {
	if s.cache == nil {
		return errors.New("forecast cache disabled")
	}
	tgt, err := s.resolve(models.PredictRequest{Suburb: suburb})
	if err != nil {
		return err
	}
	_, err = s.forecast(ctx, tgt)
	return err
}

// titleCase capitalizes each word of a normalized suburb name. Letters after an
// apostrophe are capitalized too ("o'connor" becomes "O'Connor").
func titleCase(name string) string {
	caser := cases.Title(language.English)
	var b strings.Builder
	start := 0
	for i, r := range name {
		if r == '\'' || r == '’' {
			b.WriteString(caser.String(name[start:i]))
			b.WriteRune(r)
			start = i + utf8.RuneLen(r)
		}
	}
	b.WriteString(caser.String(name[start:]))
	return b.String()
}
