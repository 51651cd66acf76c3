package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/aqi-forecast-service/internal/client"
	"github.com/kjstillabower/aqi-forecast-service/internal/forecast"
	"github.com/kjstillabower/aqi-forecast-service/internal/models"
	"github.com/kjstillabower/aqi-forecast-service/internal/modelstore"
	"github.com/kjstillabower/aqi-forecast-service/internal/source"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func obsSeries(city string, vals ...float64) []models.Observation {
	out := make([]models.Observation, len(vals))
	for i, v := range vals {
		v := v
		pm := v / 2
		out[i] = models.Observation{
			City:       city,
			Date:       day0.AddDate(0, 0, i),
			AQI:        &v,
			Pollutants: map[string]*float64{models.PM25: &pm},
		}
	}
	return out
}

func dataOf(obs ...[]models.Observation) *Data {
	var all []models.Observation
	for _, o := range obs {
		all = append(all, o...)
	}
	return NewStaticData(source.NewDataset(all))
}

type mockCache struct {
	mu   sync.Mutex
	data map[string]models.CityForecast
	err  error
	sets int
}

func (m *mockCache) Get(ctx context.Context, key string) (models.CityForecast, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.CityForecast{}, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mockCache) Set(ctx context.Context, key string, value models.CityForecast, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if m.err != nil {
		return m.err
	}
	if m.data == nil {
		m.data = make(map[string]models.CityForecast)
	}
	m.data[key] = value
	return nil
}

type mockStore struct {
	mu      sync.Mutex
	models  map[string]*forecast.Model
	loadErr error
	saveErr error
	saved   []string
}

func (m *mockStore) Save(ctx context.Context, model *forecast.Model) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.models == nil {
		m.models = make(map[string]*forecast.Model)
	}
	m.models[model.City] = model
	m.saved = append(m.saved, model.City)
	return nil
}

func (m *mockStore) Load(ctx context.Context, city string) (*forecast.Model, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if model, ok := m.models[city]; ok {
		return model, nil
	}
	return nil, modelstore.ErrNotFound
}

func (m *mockStore) List(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for c := range m.models {
		out = append(out, c)
	}
	return out, nil
}

func newEngine(t *testing.T) *forecast.Engine {
	t.Helper()
	e, err := forecast.NewEngine(forecast.Config{Strategy: forecast.StrategyPolynomial, MaxHorizon: 30})
	require.NoError(t, err)
	return e
}

func newService(t *testing.T, data *Data, c *mockCache, store modelstore.Store, cfg ForecastConfig) *ForecastService {
	t.Helper()
	return NewForecastService(data, newEngine(t), c, store, cfg, nil)
}

func TestForecast_LinearSeries(t *testing.T) {
	c := &mockCache{}
	svc := newService(t, dataOf(obsSeries("Delhi", 100, 110, 120)), c, nil, ForecastConfig{})

	got, err := svc.Forecast(context.Background(), ForecastRequest{City: "delhi", Days: 2})
	require.NoError(t, err)

	require.Len(t, got.Points, 2)
	assert.Equal(t, "Delhi", got.City)
	assert.Equal(t, forecast.StrategyPolynomial, got.Strategy)
	assert.InDelta(t, 130, got.Points[0].AQI, 1e-6)
	assert.InDelta(t, 140, got.Points[1].AQI, 1e-6)
	assert.Equal(t, day0.AddDate(0, 0, 3), got.Points[0].Date)
	assert.Equal(t, day0.AddDate(0, 0, 4), got.Points[1].Date)
	assert.Equal(t, "Moderate", got.FirstCategory)
	assert.Equal(t, "#FFD79C", got.FirstColor)
	assert.Equal(t, day0.AddDate(0, 0, 2), got.Anchor)
	assert.False(t, got.Cached)
	assert.Equal(t, 1, c.sets)
}

func TestForecast_CacheHit(t *testing.T) {
	c := &mockCache{}
	svc := newService(t, dataOf(obsSeries("Delhi", 100, 110, 120)), c, nil, ForecastConfig{})
	ctx := context.Background()

	first, err := svc.Forecast(ctx, ForecastRequest{City: "Delhi", Days: 3})
	require.NoError(t, err)
	second, err := svc.Forecast(ctx, ForecastRequest{City: "Delhi", Days: 3})
	require.NoError(t, err)

	assert.True(t, second.Cached)
	assert.Equal(t, first.Points, second.Points)
	assert.Equal(t, 1, c.sets, "cache hit must not recompute")
}

func TestForecast_DefaultDays(t *testing.T) {
	svc := newService(t, dataOf(obsSeries("Delhi", 100, 110, 120)), &mockCache{}, nil, ForecastConfig{DefaultDays: 5})
	got, err := svc.Forecast(context.Background(), ForecastRequest{City: "Delhi"})
	require.NoError(t, err)
	assert.Len(t, got.Points, 5)
}

func TestForecast_Errors(t *testing.T) {
	data := dataOf(obsSeries("Delhi", 100, 110, 120), obsSeries("Leh", 80))
	tests := []struct {
		name string
		req  ForecastRequest
		want error
	}{
		{"unknown city", ForecastRequest{City: "Atlantis", Days: 3}, source.ErrCityNotFound},
		{"horizon too large", ForecastRequest{City: "Delhi", Days: 31}, forecast.ErrInvalidHorizon},
		{"negative horizon", ForecastRequest{City: "Delhi", Days: -1}, forecast.ErrInvalidHorizon},
		{"single point", ForecastRequest{City: "Leh", Days: 3}, forecast.ErrInsufficientData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &mockCache{}
			svc := newService(t, data, c, nil, ForecastConfig{})
			_, err := svc.Forecast(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, c.sets)
		})
	}
}

func TestForecast_DataNotLoaded(t *testing.T) {
	svc := newService(t, NewData(nil, false, nil), &mockCache{}, nil, ForecastConfig{})
	_, err := svc.Forecast(context.Background(), ForecastRequest{City: "Delhi", Days: 1})
	assert.ErrorIs(t, err, source.ErrSourceUnavailable)
}

func TestForecast_UsesPersistedModel(t *testing.T) {
	engine := newEngine(t)
	persisted, err := engine.Fit(models.TimeSeries{City: "Delhi", Observations: obsSeries("Delhi", 200, 210, 220)})
	require.NoError(t, err)
	store := &mockStore{models: map[string]*forecast.Model{"Delhi": persisted}}

	svc := NewForecastService(dataOf(obsSeries("Delhi", 100, 110, 120)), engine, &mockCache{}, store, ForecastConfig{}, nil)
	got, err := svc.Forecast(context.Background(), ForecastRequest{City: "Delhi", Days: 1})
	require.NoError(t, err)
	assert.InDelta(t, 230, got.Points[0].AQI, 1e-6)
}

func TestForecast_StalePersistedModelIgnored(t *testing.T) {
	engine := newEngine(t)
	stale, err := engine.Fit(models.TimeSeries{City: "Delhi", Observations: obsSeries("Delhi", 200, 210)})
	require.NoError(t, err)
	store := &mockStore{models: map[string]*forecast.Model{"Delhi": stale}}

	svc := NewForecastService(dataOf(obsSeries("Delhi", 100, 110, 120)), engine, &mockCache{}, store, ForecastConfig{}, nil)
	got, err := svc.Forecast(context.Background(), ForecastRequest{City: "Delhi", Days: 1})
	require.NoError(t, err)
	assert.InDelta(t, 130, got.Points[0].AQI, 1e-6)
}

func TestForecast_PersistedModelForOtherCityIgnored(t *testing.T) {
	engine := newEngine(t)
	other, err := engine.Fit(models.TimeSeries{City: "Pune", Observations: obsSeries("Pune", 200, 210, 220)})
	require.NoError(t, err)
	store := &mockStore{models: map[string]*forecast.Model{"Delhi": other}}

	svc := NewForecastService(dataOf(obsSeries("Delhi", 100, 110, 120)), engine, &mockCache{}, store, ForecastConfig{}, nil)
	got, err := svc.Forecast(context.Background(), ForecastRequest{City: "Delhi", Days: 1})
	require.NoError(t, err)
	assert.Equal(t, "Delhi", got.City)
	assert.InDelta(t, 130, got.Points[0].AQI, 1e-6)
}

func TestForecast_FileStoreKeepsSimilarNamesApart(t *testing.T) {
	store, err := modelstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	data := dataOf(obsSeries("Navi Mumbai", 100, 110, 120), obsSeries("Navi-Mumbai", 300, 310, 320))
	engine := newEngine(t)
	report, err := NewTrainer(data, engine, store, 2, nil).TrainAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Navi Mumbai", "Navi-Mumbai"}, report.Trained)

	svc := NewForecastService(data, engine, &mockCache{}, store, ForecastConfig{}, nil)
	tests := []struct {
		city string
		want float64
	}{
		{"Navi Mumbai", 130},
		{"Navi-Mumbai", 330},
	}
	for _, tt := range tests {
		got, err := svc.Forecast(context.Background(), ForecastRequest{City: tt.city, Days: 1})
		require.NoError(t, err)
		assert.Equal(t, tt.city, got.City)
		assert.InDelta(t, tt.want, got.Points[0].AQI, 1e-6, tt.city)
	}
}

func TestForecast_StoreErrorFallsBackToFit(t *testing.T) {
	store := &mockStore{loadErr: errors.New("disk gone")}
	svc := newService(t, dataOf(obsSeries("Delhi", 100, 110, 120)), &mockCache{}, store, ForecastConfig{})
	got, err := svc.Forecast(context.Background(), ForecastRequest{City: "Delhi", Days: 1})
	require.NoError(t, err)
	assert.InDelta(t, 130, got.Points[0].AQI, 1e-6)
}

func TestForecast_CacheErrorStillServes(t *testing.T) {
	c := &mockCache{err: errors.New("connection refused")}
	svc := newService(t, dataOf(obsSeries("Delhi", 100, 110, 120)), c, nil, ForecastConfig{})
	got, err := svc.Forecast(context.Background(), ForecastRequest{City: "Delhi", Days: 1})
	require.NoError(t, err)
	assert.Len(t, got.Points, 1)
}

func TestForecast_AnchorToday(t *testing.T) {
	now := day0.AddDate(0, 0, 4).Add(15 * time.Hour)
	svc := newService(t, dataOf(obsSeries("Delhi", 100, 110, 120)), &mockCache{}, nil, ForecastConfig{
		AnchorToday: true,
		Now:         func() time.Time { return now },
	})
	got, err := svc.Forecast(context.Background(), ForecastRequest{City: "Delhi", Days: 1})
	require.NoError(t, err)
	assert.Equal(t, day0.AddDate(0, 0, 5), got.Points[0].Date)
	assert.InDelta(t, 150, got.Points[0].AQI, 1e-6)
	assert.Equal(t, day0.AddDate(0, 0, 4), got.Anchor)
	assert.Equal(t, day0.AddDate(0, 0, 2), got.LastObserved)
}

func TestForecast_ExplicitAnchorSeparatesCacheEntries(t *testing.T) {
	c := &mockCache{}
	svc := newService(t, dataOf(obsSeries("Delhi", 100, 110, 120)), c, nil, ForecastConfig{})
	ctx := context.Background()

	a, err := svc.Forecast(ctx, ForecastRequest{City: "Delhi", Days: 1})
	require.NoError(t, err)
	b, err := svc.Forecast(ctx, ForecastRequest{City: "Delhi", Days: 1, Anchor: day0.AddDate(0, 0, 9)})
	require.NoError(t, err)

	assert.False(t, b.Cached)
	assert.NotEqual(t, a.Points[0].Date, b.Points[0].Date)
	assert.Equal(t, 2, c.sets)
}

func TestWarmCity(t *testing.T) {
	c := &mockCache{}
	svc := newService(t, dataOf(obsSeries("Delhi", 100, 110, 120)), c, nil, ForecastConfig{})
	require.NoError(t, svc.WarmCity(context.Background(), "Delhi"))
	assert.Equal(t, 1, c.sets)
	assert.ErrorIs(t, svc.WarmCity(context.Background(), "Atlantis"), source.ErrCityNotFound)
}

func TestCities(t *testing.T) {
	svc := newService(t, dataOf(obsSeries("Pune", 1, 2), obsSeries("Delhi", 1, 2)), &mockCache{}, nil, ForecastConfig{})
	got, err := svc.Cities()
	require.NoError(t, err)
	assert.Equal(t, []string{"Delhi", "Pune"}, got)
}

func TestSummary(t *testing.T) {
	vals := []float64{40, 60, 80, 100, 120, 140, 160, 180, 200}
	svc := newService(t, dataOf(obsSeries("Delhi", vals...)), &mockCache{}, nil, ForecastConfig{})

	got, err := svc.Summary(context.Background(), "DELHI")
	require.NoError(t, err)

	assert.Equal(t, "Delhi", got.City)
	assert.Equal(t, len(vals), got.Observations)
	assert.Equal(t, day0, got.FirstDate)
	assert.Equal(t, day0.AddDate(0, 0, 8), got.LastDate)
	require.NotNil(t, got.Latest.AQI)
	assert.Equal(t, 200.0, *got.Latest.AQI)
	require.Len(t, got.Trend, 7)
	assert.Equal(t, 80.0, got.Trend[0].AQI)
	assert.Equal(t, 200.0, got.Trend[6].AQI)
	assert.InDelta(t, 60, got.PollutantMeans[models.PM25], 1e-9)

	_, err = svc.Summary(context.Background(), "Atlantis")
	assert.ErrorIs(t, err, source.ErrCityNotFound)
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{source.ErrCityNotFound, "city_not_found"},
		{&forecast.InvalidHorizonError{Horizon: 0, Max: 30}, "invalid_horizon"},
		{&forecast.InsufficientDataError{City: "x"}, "insufficient_data"},
		{source.ErrNoData, "no_data"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, failureReason(tt.err), "%v", tt.err)
	}
}

type fakeAirClient struct {
	reading  models.LiveReading
	stations []models.Station
	err      error
	bounds   client.Bounds
}

func (f *fakeAirClient) FeedByCity(ctx context.Context, city string) (models.LiveReading, error) {
	return f.reading, f.err
}

func (f *fakeAirClient) FeedByGeo(ctx context.Context, lat, lon float64) (models.LiveReading, error) {
	return f.reading, f.err
}

func (f *fakeAirClient) Stations(ctx context.Context, bounds client.Bounds) ([]models.Station, error) {
	f.bounds = bounds
	return f.stations, f.err
}

func (f *fakeAirClient) ValidateToken(ctx context.Context) error {
	return f.err
}

func ptr(v float64) *float64 { return &v }

func TestLiveService_Current(t *testing.T) {
	fc := &fakeAirClient{reading: models.LiveReading{Station: "Anand Vihar, Delhi", AQI: ptr(312), DominantPollutant: "PM25"}}
	svc := NewLiveService(fc, client.IndiaBounds, nil)

	got, err := svc.Current(context.Background(), "delhi")
	require.NoError(t, err)
	assert.Equal(t, "Very Poor", got.Category)
	assert.Equal(t, "#B19CFF", got.Color)

	got, err = svc.CurrentAt(context.Background(), 28.6, 77.2)
	require.NoError(t, err)
	assert.Equal(t, "Very Poor", got.Category)
}

func TestLiveService_NoAQILeavesCategoryEmpty(t *testing.T) {
	svc := NewLiveService(&fakeAirClient{reading: models.LiveReading{Station: "x"}}, client.IndiaBounds, nil)
	got, err := svc.Current(context.Background(), "x")
	require.NoError(t, err)
	assert.Empty(t, got.Category)
}

func TestLiveService_Errors(t *testing.T) {
	_, err := NewLiveService(nil, client.IndiaBounds, nil).Current(context.Background(), "delhi")
	assert.ErrorIs(t, err, ErrLiveDisabled)

	svc := NewLiveService(&fakeAirClient{err: client.ErrStationNotFound}, client.IndiaBounds, nil)
	_, err = svc.Current(context.Background(), "nowhere")
	assert.ErrorIs(t, err, client.ErrStationNotFound)

	_, err = svc.Stations(context.Background(), nil)
	assert.ErrorIs(t, err, client.ErrStationNotFound)
}

func TestLiveService_Stations(t *testing.T) {
	fc := &fakeAirClient{stations: []models.Station{
		{UID: 2, Name: "Pune", AQI: ptr(45)},
		{UID: 1, Name: "Delhi", AQI: ptr(450)},
		{UID: 3, Name: "Offline"},
	}}
	svc := NewLiveService(fc, client.IndiaBounds, nil)

	got, err := svc.Stations(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, client.IndiaBounds, fc.bounds)
	assert.Equal(t, "Delhi", got[0].Name)
	assert.Equal(t, "Severe", got[0].Category)
	assert.Empty(t, got[1].Category)
	assert.Equal(t, "Good", got[2].Category)

	custom := client.Bounds{South: 10, West: 70, North: 20, East: 80}
	_, err = svc.Stations(context.Background(), &custom)
	require.NoError(t, err)
	assert.Equal(t, custom, fc.bounds)
}

func TestTrainer_TrainAll(t *testing.T) {
	store := &mockStore{}
	data := dataOf(obsSeries("Delhi", 100, 110, 120), obsSeries("Pune", 50, 55, 60, 58), obsSeries("Leh", 80))
	trainer := NewTrainer(data, newEngine(t), store, 2, nil)

	report, err := trainer.TrainAll(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, []string{"Delhi", "Pune"}, report.Trained)
	assert.Contains(t, report.Skipped, "Leh")
	assert.Empty(t, report.Failed)
	assert.ElementsMatch(t, []string{"Delhi", "Pune"}, store.saved)
	assert.False(t, report.Finished.Before(report.Started))

	m, err := store.Load(context.Background(), "Delhi")
	require.NoError(t, err)
	pts, err := m.Predict(time.Time{}, 1)
	require.NoError(t, err)
	assert.InDelta(t, 130, pts[0].AQI, 1e-6)
}

func TestTrainer_TrainAll_AllFailed(t *testing.T) {
	store := &mockStore{saveErr: errors.New("read-only file system")}
	trainer := NewTrainer(dataOf(obsSeries("Delhi", 100, 110, 120)), newEngine(t), store, 0, nil)

	report, err := trainer.TrainAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, report.Failed, "Delhi")
}

func TestTrainer_TrainAll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	trainer := NewTrainer(dataOf(obsSeries("Delhi", 100, 110, 120)), newEngine(t), &mockStore{}, 1, nil)
	_, err := trainer.TrainAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrainer_NoData(t *testing.T) {
	_, err := NewTrainer(NewData(nil, false, nil), newEngine(t), nil, 1, nil).TrainAll(context.Background())
	assert.ErrorIs(t, err, source.ErrSourceUnavailable)
}
