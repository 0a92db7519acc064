package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/pollen-risk-service/internal/cache"
	"github.com/kjstillabower/pollen-risk-service/internal/client"
	"github.com/kjstillabower/pollen-risk-service/internal/events"
	"github.com/kjstillabower/pollen-risk-service/internal/features"
	"github.com/kjstillabower/pollen-risk-service/internal/models"
	"github.com/kjstillabower/pollen-risk-service/internal/predictor"
	"github.com/kjstillabower/pollen-risk-service/internal/reftable"
)

const referenceCSV = `suburb,latitude,longitude,local_density_score
Parramatta,-33.815,151.0011,0.42
Newtown,,,0.9
`

type mockWeatherClient struct {
	mu       sync.Mutex
	forecast *models.Forecast
	err      error
	delay    time.Duration
	calls    atomic.Int32
	last     client.ForecastQuery
}

func (m *mockWeatherClient) GetForecast(ctx context.Context, q client.ForecastQuery) (*models.Forecast, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.last = q
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.forecast, m.err
}

type mockPredictor struct {
	risk   int
	err    error
	panics bool
	calls  int
	got    models.FeatureVector
	schema []string
}

func (m *mockPredictor) Predict(v models.FeatureVector) (int, error) {
	m.calls++
	m.got = v
	if m.panics {
		var arr []int
		_ = arr[v.Len()]
	}
	return m.risk, m.err
}

func (m *mockPredictor) Features() []string { return m.schema }

type mockCache struct {
	data   map[string]*models.Forecast
	getErr error
	sets   int
	ttl    time.Duration
}

func (m *mockCache) Get(ctx context.Context, key string) (*models.Forecast, bool, error) {
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	f, ok := m.data[key]
	return f, ok, nil
}

func (m *mockCache) Set(ctx context.Context, key string, value *models.Forecast, ttl time.Duration) error {
	if m.data == nil {
		m.data = make(map[string]*models.Forecast)
	}
	m.data[key] = value
	m.sets++
	m.ttl = ttl
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.PredictionEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.PredictionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func fp(v float64) *float64 { return &v }

// parramattaForecast has current_weather.time at hourly index 3.
func parramattaForecast() *models.Forecast {
	series := func(at float64) []*float64 {
		return []*float64{fp(0), fp(0), fp(0), fp(at), fp(0)}
	}
	return &models.Forecast{
		CurrentWeather: &models.CurrentWeather{Time: "2024-05-01T10:00"},
		Hourly: &models.HourlySeries{
			Time: []string{"2024-05-01T07:00", "2024-05-01T08:00", "2024-05-01T09:00", "2024-05-01T10:00", "2024-05-01T11:00"},
			Series: map[string][]*float64{
				"temperature_2m":       series(18.5),
				"dew_point_2m":         series(10.2),
				"relative_humidity_2m": series(55),
				"cloud_cover":          series(20),
				"wind_speed_10m":       series(12.0),
			},
		},
	}
}

var may = func() time.Time { return time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC) }

func newTestService(t *testing.T, c client.WeatherClient, p predictor.Predictor, mutate func(*Deps)) *PredictionService {
	t.Helper()
	table, err := reftable.LoadCSV(strings.NewReader(referenceCSV))
	if err != nil {
		t.Fatalf("LoadCSV() error = %v", err)
	}
	schema, err := features.NewSchema(p.Features())
	if err != nil {
		t.Fatalf("NewSchema() error = %v", err)
	}
	deps := Deps{Table: table, Predictor: p, Schema: schema, Client: c, Now: may}
	if mutate != nil {
		mutate(&deps)
	}
	s, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func v3Predictor(risk int) *mockPredictor {
	return &mockPredictor{risk: risk, schema: features.SchemaV3}
}

// TestPredict_Parramatta runs the full pipeline against the bundled test model.
func TestPredict_Parramatta(t *testing.T) {
	forest, err := predictor.LoadFile("../predictor/testdata/stump.json")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	wc := &mockWeatherClient{forecast: parramattaForecast()}
	pub := &recordingPublisher{}
	s := newTestService(t, wc, forest, func(d *Deps) { d.Publisher = pub })

	got, err := s.Predict(context.Background(), models.PredictRequest{Suburb: "  PARRAMATTA "})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if got.Suburb != "Parramatta" {
		t.Errorf("Suburb = %q, want Parramatta", got.Suburb)
	}
	if got.PredictedPollenRisk != 2 {
		t.Errorf("PredictedPollenRisk = %d, want 2", got.PredictedPollenRisk)
	}
	want := map[string]float64{
		"temperature": 18.5, "dewpoint_temperature": 10.2, "wind_speed": 12.0,
		"relative_humidity": 55, "total_cloud_cover": 20, "month": 5,
	}
	if len(got.FeaturesUsed) != len(want) {
		t.Errorf("FeaturesUsed = %v, want %v", got.FeaturesUsed, want)
	}
	for k, v := range want {
		if got.FeaturesUsed[k] != v {
			t.Errorf("FeaturesUsed[%s] = %v, want %v", k, got.FeaturesUsed[k], v)
		}
	}
	if got.Model != "pollen_risk_stump@test" {
		t.Errorf("Model = %q", got.Model)
	}

	if wc.last.Latitude != -33.815 || wc.last.Longitude != 151.0011 || !wc.last.CurrentWeather {
		t.Errorf("query = %+v, want table coordinates with current_weather", wc.last)
	}
	if len(pub.events) != 1 || pub.events[0].PredictedPollenRisk != 2 || !pub.events[0].DensityKnown {
		t.Errorf("published events = %+v", pub.events)
	}
}

func TestPredict_VectorOrder(t *testing.T) {
	p := v3Predictor(1)
	s := newTestService(t, &mockWeatherClient{forecast: parramattaForecast()}, p, nil)

	if _, err := s.Predict(context.Background(), models.PredictRequest{Suburb: "parramatta"}); err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	want := []float64{18.5, 10.2, 12.0, 55, 20, 5}
	for i := range want {
		if p.got.Values[i] != want[i] {
			t.Fatalf("vector = %v, want %v", p.got.Values, want)
		}
	}
}

func TestPredict_UnknownSuburbWithoutCoordinates(t *testing.T) {
	wc := &mockWeatherClient{forecast: parramattaForecast()}
	p := v3Predictor(1)
	s := newTestService(t, wc, p, nil)

	_, err := s.Predict(context.Background(), models.PredictRequest{Suburb: " Atlantis "})
	if !errors.Is(err, ErrSuburbNotFound) {
		t.Fatalf("error = %v, want ErrSuburbNotFound", err)
	}
	if err.Error() != "Suburb 'atlantis' not found" {
		t.Errorf("message = %q", err.Error())
	}
	if wc.calls.Load() != 0 || p.calls != 0 {
		t.Errorf("weather calls = %d, predict calls = %d, want none", wc.calls.Load(), p.calls)
	}
}

func TestPredict_ListedSuburbWithoutCoordinates(t *testing.T) {
	wc := &mockWeatherClient{forecast: parramattaForecast()}
	s := newTestService(t, wc, v3Predictor(1), nil)

	_, err := s.Predict(context.Background(), models.PredictRequest{Suburb: "Newtown"})
	var nf *NotFoundError
	if !errors.As(err, &nf) || !nf.Listed {
		t.Fatalf("error = %v, want listed NotFoundError", err)
	}
	if wc.calls.Load() != 0 {
		t.Error("weather provider must not be called")
	}
}

func TestPredict_RequestCoordinatesWin(t *testing.T) {
	wc := &mockWeatherClient{forecast: parramattaForecast()}
	s := newTestService(t, wc, v3Predictor(1), nil)

	_, err := s.Predict(context.Background(), models.PredictRequest{Suburb: "Parramatta", Latitude: fp(-34), Longitude: fp(150)})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if wc.last.Latitude != -34 || wc.last.Longitude != 150 {
		t.Errorf("query = %+v, want request coordinates", wc.last)
	}
}

func TestPredict_UnknownSuburbWithCoordinatesUsesZeroDensity(t *testing.T) {
	p := &mockPredictor{risk: 0, schema: features.SchemaV1}
	forecast := parramattaForecast()
	s := newTestService(t, &mockWeatherClient{forecast: forecast}, p, nil)

	got, err := s.Predict(context.Background(), models.PredictRequest{Suburb: "atlantis", Latitude: fp(1), Longitude: fp(2)})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if got.FeaturesUsed["plant_density"] != 0 {
		t.Errorf("plant_density = %v, want 0", got.FeaturesUsed["plant_density"])
	}
	if p.got.Len() != 10 {
		t.Errorf("vector width = %d, want 10", p.got.Len())
	}
	if got.Suburb != "Atlantis" {
		t.Errorf("Suburb = %q, want Atlantis", got.Suburb)
	}
}

func TestPredict_WeatherFailures(t *testing.T) {
	misaligned := parramattaForecast()
	misaligned.CurrentWeather.Time = "2024-05-01T10:30"
	noHourly := parramattaForecast()
	noHourly.Hourly = nil
	noCurrent := parramattaForecast()
	noCurrent.CurrentWeather = nil
	fetchErr := &client.FetchError{Err: errors.New("http request failed: connection refused")}

	tests := []struct {
		name     string
		forecast *models.Forecast
		err      error
		want     error
		category string
	}{
		{"fetch failure", nil, fetchErr, client.ErrWeatherFetch, "network"},
		{"missing hourly", noHourly, nil, client.ErrMissingHourly, "missing_data"},
		{"missing current_weather", noCurrent, nil, client.ErrMissingCurrentWeather, "missing_data"},
		{"misaligned timestamp", misaligned, nil, client.ErrTimestampNotAligned, "alignment"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := v3Predictor(1)
			s := newTestService(t, &mockWeatherClient{forecast: tt.forecast, err: tt.err}, p, nil)

			_, err := s.Predict(context.Background(), models.PredictRequest{Suburb: "Parramatta"})
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if p.calls != 0 {
				t.Error("predictor must not be called")
			}
			if got := Category(err); got != tt.category {
				t.Errorf("Category() = %q, want %q", got, tt.category)
			}
		})
	}
}

func TestPredict_FirstHourAlignment(t *testing.T) {
	wc := &mockWeatherClient{forecast: parramattaForecast()}
	p := v3Predictor(1)
	s := newTestService(t, wc, p, func(d *Deps) { d.Alignment = client.AlignFirstHour })

	got, err := s.Predict(context.Background(), models.PredictRequest{Suburb: "Parramatta"})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if wc.last.CurrentWeather {
		t.Error("first_hour alignment should not request current_weather")
	}
	if got.FeaturesUsed["temperature"] != 0 {
		t.Errorf("temperature = %v, want index 0 value", got.FeaturesUsed["temperature"])
	}
}

func TestPredict_PredictorFailures(t *testing.T) {
	tests := []struct {
		name string
		p    *mockPredictor
	}{
		{"error", &mockPredictor{err: errors.New("model exploded"), schema: features.SchemaV3}},
		{"panic", &mockPredictor{panics: true, schema: features.SchemaV3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestService(t, &mockWeatherClient{forecast: parramattaForecast()}, tt.p, nil)
			_, err := s.Predict(context.Background(), models.PredictRequest{Suburb: "Parramatta"})
			if !errors.Is(err, ErrPrediction) {
				t.Fatalf("error = %v, want ErrPrediction", err)
			}
			if Category(err) != "prediction" {
				t.Errorf("Category() = %q", Category(err))
			}
		})
	}
}

func TestNew_SchemaMismatch(t *testing.T) {
	table, _ := reftable.LoadCSV(strings.NewReader(referenceCSV))
	schema, _ := features.NewSchema(features.SchemaV1)
	_, err := New(Deps{Table: table, Predictor: v3Predictor(1), Schema: schema, Client: &mockWeatherClient{}})
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("New() error = %v, want ErrSchemaMismatch", err)
	}

	if _, err := New(Deps{}); err == nil {
		t.Error("New() with missing deps should fail")
	}
}

func TestPredict_CacheAside(t *testing.T) {
	wc := &mockWeatherClient{forecast: parramattaForecast()}
	c := &mockCache{}
	s := newTestService(t, wc, v3Predictor(1), func(d *Deps) {
		d.Cache = c
		d.CacheTTL = 10 * time.Minute
	})

	for i := 0; i < 3; i++ {
		if _, err := s.Predict(context.Background(), models.PredictRequest{Suburb: "Parramatta"}); err != nil {
			t.Fatalf("Predict() error = %v", err)
		}
	}
	if wc.calls.Load() != 1 {
		t.Errorf("weather calls = %d, want 1", wc.calls.Load())
	}
	if c.sets != 1 {
		t.Errorf("cache sets = %d, want 1", c.sets)
	}
	if c.ttl != 10*time.Minute {
		t.Errorf("cache ttl = %v, want 10m", c.ttl)
	}
}

// TestPredict_CacheTTLCappedAtHour verifies a cached forecast expires at the next
// hour boundary when the configured TTL would carry it into the next hour.
func TestPredict_CacheTTLCappedAtHour(t *testing.T) {
	wc := &mockWeatherClient{forecast: parramattaForecast()}
	c := &mockCache{}
	s := newTestService(t, wc, v3Predictor(1), func(d *Deps) {
		d.Cache = c
		d.CacheTTL = 2 * time.Hour
	})

	if _, err := s.Predict(context.Background(), models.PredictRequest{Suburb: "Parramatta"}); err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if c.ttl != 30*time.Minute {
		t.Errorf("cache ttl = %v, want 30m until 11:00", c.ttl)
	}
}

func TestPredict_CacheErrorFallsBackToFetch(t *testing.T) {
	wc := &mockWeatherClient{forecast: parramattaForecast()}
	s := newTestService(t, wc, v3Predictor(1), func(d *Deps) {
		d.Cache = &mockCache{getErr: errors.New("connection refused")}
	})

	if _, err := s.Predict(context.Background(), models.PredictRequest{Suburb: "Parramatta"}); err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	if wc.calls.Load() != 1 {
		t.Errorf("weather calls = %d, want 1", wc.calls.Load())
	}
}

func TestPredict_Coalescing(t *testing.T) {
	wc := &mockWeatherClient{forecast: parramattaForecast(), delay: 50 * time.Millisecond}
	s := newTestService(t, wc, &mockPredictor{risk: 1, schema: features.SchemaV3}, func(d *Deps) {
		d.Cache = cache.NewInMemoryCache()
		d.CacheTTL = time.Minute
		d.Coalesce = true
	})

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.forecast(context.Background(), target{suburb: "parramatta", lat: -33.815, lon: 151.0011})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d error = %v", i, err)
		}
	}
	if wc.calls.Load() != 1 {
		t.Errorf("weather calls = %d, want 1 (coalesced)", wc.calls.Load())
	}
}

func TestCoalescer_WaiterCancellation(t *testing.T) {
	var c forecastCoalescer
	release := make(chan struct{})
	go func() {
		_, _, _ = c.Do(context.Background(), "k", func(ctx context.Context) (*models.Forecast, error) {
			<-release
			return &models.Forecast{}, nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.Do(ctx, "k", func(ctx context.Context) (*models.Forecast, error) {
		t.Error("second caller must not start a new call")
		return nil, nil
	})
	close(release)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
}

func TestWarmSuburb(t *testing.T) {
	wc := &mockWeatherClient{forecast: parramattaForecast()}
	c := &mockCache{}
	s := newTestService(t, wc, v3Predictor(1), func(d *Deps) { d.Cache = c })

	if err := s.WarmSuburb(context.Background(), "Parramatta"); err != nil {
		t.Fatalf("WarmSuburb() error = %v", err)
	}
	if c.sets != 1 {
		t.Errorf("cache sets = %d, want 1", c.sets)
	}
	if err := s.WarmSuburb(context.Background(), "atlantis"); !errors.Is(err, ErrSuburbNotFound) {
		t.Errorf("WarmSuburb(atlantis) = %v, want ErrSuburbNotFound", err)
	}

	noCache := newTestService(t, wc, v3Predictor(1), nil)
	if err := noCache.WarmSuburb(context.Background(), "Parramatta"); err == nil {
		t.Error("WarmSuburb() without cache should fail")
	}
}

func TestTitleCase(t *testing.T) {
	tests := map[string]string{
		"parramatta":       "Parramatta",
		"north parramatta": "North Parramatta",
		"kings-langley":    "Kings-Langley",
		"st ives":          "St Ives",
		"o'connor":         "O'Connor",
		"o’connor":         "O’Connor",
		"d'arcy's point":   "D'Arcy'S Point",
	}
	for in, want := range tests {
		if got := titleCase(in); got != want {
			t.Errorf("title(%q) = %q, want %q", in, got, want)
		}
	}
}
