package catalog

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zip"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HWMO-Fire-Map/MapDemo/internal/events"
	"github.com/HWMO-Fire-Map/MapDemo/internal/models"
	"github.com/HWMO-Fire-Map/MapDemo/internal/observability"
	"github.com/HWMO-Fire-Map/MapDemo/internal/projection"
	"github.com/HWMO-Fire-Map/MapDemo/internal/shapefile"
)

const geographicWKT = `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`

// memRepo is an in-memory DatasetRepository preserving insertion order.
type memRepo struct {
	mu    sync.Mutex
	order []string
	rows  map[string]models.DatasetMetadata
	fail  error
}

func newMemRepo() *memRepo {
	return &memRepo{rows: map[string]models.DatasetMetadata{}}
}

func (r *memRepo) List(ctx context.Context) ([]models.DatasetMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	out := []models.DatasetMetadata{}
	for _, name := range r.order {
		out = append(out, r.rows[name])
	}
	return out, nil
}

func (r *memRepo) Get(ctx context.Context, name string) (*models.DatasetMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	meta, ok := r.rows[name]
	if !ok {
		return nil, nil
	}
	return &meta, nil
}

func (r *memRepo) InsertIfAbsent(ctx context.Context, meta models.DatasetMetadata) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[meta.Name]; ok {
		return false, nil
	}
	r.rows[meta.Name] = meta
	r.order = append(r.order, meta.Name)
	return true, nil
}

func (r *memRepo) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.CatalogEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.CatalogEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type fixture struct {
	cat     *Catalog
	repo    *memRepo
	pub     *recordingPublisher
	metrics *observability.Metrics
	clock   *clockwork.FakeClock
	root    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:    newMemRepo(),
		pub:     &recordingPublisher{},
		metrics: observability.NewMetricsForTesting(),
		clock:   clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
		root:    filepath.Join(t.TempDir(), "data"),
	}
	cat, err := New(Options{
		Root:      f.root,
		Repo:      f.repo,
		Publisher: f.pub,
		Metrics:   f.metrics,
		Clock:     f.clock,
	})
	require.NoError(t, err)
	f.cat = cat
	return f
}

func square(x, y, size float64) models.Polygon {
	return models.Polygon{Polygon: orb.Polygon{{{x, y}, {x, y + size}, {x + size, y + size}, {x + size, y}, {x, y}}}}
}

func sampleRecords() []models.IncidentRecord {
	return []models.IncidentRecord{
		{Geometry: square(144.7, 13.4, 0.01), Year: 2020, Month: "March", Island: "Guam", Acreage: 5},
		{Geometry: square(145.7, 15.1, 0.01), Year: 2019, Month: "January", Island: "Saipan", Acreage: 150},
		{Geometry: square(144.8, 13.5, 0.01), Year: 2020, Month: "January", Island: "Guam", Acreage: 0.2},
	}
}

// writeBundle creates <dir>/<name>.zip holding <name>.shp and friends, either
// flat or under a top-level folder.
func writeBundle(t *testing.T, dir, name string, nested bool, records []models.IncidentRecord) string {
	t.Helper()

	work := t.TempDir()
	require.NoError(t, shapefile.Write(filepath.Join(work, name+".shp"), records, geographicWKT))

	entries, err := os.ReadDir(work)
	require.NoError(t, err)

	files := map[string][]byte{}
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(work, e.Name()))
		require.NoError(t, err)
		entry := e.Name()
		if nested {
			entry = name + "/" + entry
		}
		files[entry] = data
	}
	return writeZip(t, dir, name+".zip", files)
}

func writeZip(t *testing.T, dir, filename string, files map[string][]byte) string {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write(files[n])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, filename)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Repo: newMemRepo()})
	assert.Error(t, err)

	_, err = New(Options{Root: t.TempDir()})
	assert.Error(t, err)
}

func TestRegisterDataset_FlatAndNested(t *testing.T) {
	for _, nested := range []bool{false, true} {
		name := map[bool]string{false: "flat", true: "nested"}[nested]
		t.Run(name, func(t *testing.T) {
			// Arrange
			f := newFixture(t)
			bundle := writeBundle(t, f.root, "fires_2020", nested, sampleRecords())

			// Act
			err := f.cat.RegisterDataset(context.Background(), bundle)

			// Assert
			require.NoError(t, err)
			assert.FileExists(t, filepath.Join(f.root, "fires_2020", "fires_2020.shp"))

			distinct, err := f.cat.GetDistinctValues(context.Background(), "fires_2020")
			require.NoError(t, err)
			assert.Equal(t, []int{2019, 2020}, distinct.Years)
			assert.Equal(t, []string{"January", "March"}, distinct.Months)
			assert.Equal(t, []string{"Guam", "Saipan"}, distinct.Islands)

			require.Len(t, f.pub.events, 1)
			assert.Equal(t, events.DatasetRegistered, f.pub.events[0].Type)
			assert.Equal(t, "fires_2020", f.pub.events[0].Dataset)
			assert.Equal(t, f.clock.Now(), f.pub.events[0].OccurredAt)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DatasetsKnown))
		})
	}
}

func TestRegisterDataset_Idempotent(t *testing.T) {
	f := newFixture(t)
	bundle := writeBundle(t, f.root, "fires", false, sampleRecords())
	ctx := context.Background()

	require.NoError(t, f.cat.RegisterDataset(ctx, bundle))
	out, err := f.cat.register(ctx, bundle)

	require.NoError(t, err)
	assert.Equal(t, outcomeSkipped, out)
	assert.Len(t, f.pub.events, 1, "second registration must not publish")
}

func TestRegisterDataset_ExistingDirectoryNotReextracted(t *testing.T) {
	f := newFixture(t)
	bundle := writeBundle(t, f.root, "fires", false, sampleRecords())

	// A pre-existing directory without a shapefile stays as it is
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "fires"), 0o755))

	err := f.cat.RegisterDataset(context.Background(), bundle)

	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(f.root, "fires", "fires.shp"))
	names, err := f.cat.ListDatasets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestRegisterDataset_MissingShapefile(t *testing.T) {
	f := newFixture(t)
	bundle := writeZip(t, f.root, "notes.zip", map[string][]byte{"readme.txt": []byte("hello")})

	err := f.cat.RegisterDataset(context.Background(), bundle)

	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(f.root, "notes"))
	assert.Empty(t, f.pub.events)
}

func TestRegisterDataset_ZipSlip(t *testing.T) {
	f := newFixture(t)
	bundle := writeZip(t, f.root, "evil.zip", map[string][]byte{
		"evil.shp":         []byte("x"),
		"../../escape.txt": []byte("gotcha"),
	})

	err := f.cat.RegisterDataset(context.Background(), bundle)

	require.Error(t, err)
	assert.ErrorIs(t, err, errUnsafePath)
	assert.NoDirExists(t, filepath.Join(f.root, "evil"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(f.root), "escape.txt"))
}

func TestRegisterDataset_NotAZip(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.root, "broken.zip")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a zip"), 0o644))

	err := f.cat.RegisterDataset(context.Background(), path)

	assert.ErrorIs(t, err, ErrInvalidBundle)
	assert.NoDirExists(t, filepath.Join(f.root, "broken"))

	err = f.cat.RegisterDataset(context.Background(), filepath.Join(f.root, "data.tar"))
	assert.ErrorIs(t, err, ErrInvalidBundle)
}

func TestRegisterDataset_PublishFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("broker down")
	bundle := writeBundle(t, f.root, "fires", false, sampleRecords())

	err := f.cat.RegisterDataset(context.Background(), bundle)

	require.NoError(t, err)
	_, err = f.cat.GetDistinctValues(context.Background(), "fires")
	assert.NoError(t, err)
}

func TestListAndDefaultDataset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.cat.DefaultDataset(ctx)
	assert.ErrorIs(t, err, ErrDatasetNotFound)

	require.NoError(t, f.cat.RegisterDataset(ctx, writeBundle(t, f.root, "b_later_name", false, sampleRecords())))
	require.NoError(t, f.cat.RegisterDataset(ctx, writeBundle(t, f.root, "a_second", false, sampleRecords())))

	names, err := f.cat.ListDatasets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b_later_name", "a_second"}, names)

	def, err := f.cat.DefaultDataset(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b_later_name", def)
}

func TestListDatasets_RepositoryError(t *testing.T) {
	f := newFixture(t)
	f.repo.fail = errors.New("connection refused")

	_, err := f.cat.ListDatasets(context.Background())
	assert.Error(t, err)
	_, err = f.cat.GetDistinctValues(context.Background(), "fires")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrDatasetNotFound)
}

func TestGetDistinctValues_Unknown(t *testing.T) {
	f := newFixture(t)

	_, err := f.cat.GetDistinctValues(context.Background(), "nope")

	assert.ErrorIs(t, err, ErrDatasetNotFound)
}

func TestLoadRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.cat.RegisterDataset(ctx, writeBundle(t, f.root, "fires", true, sampleRecords())))

	records, err := f.cat.LoadRecords(ctx, "fires")

	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "Saipan", records[1].Island)
	assert.Equal(t, 150.0, records[1].Acreage)
}

func TestLoadRecords_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		dataset string
		setup   func()
		want    error
	}{
		{name: "unknown dataset", dataset: "missing", want: ErrDatasetNotFound},
		{name: "path traversal", dataset: "../etc", want: ErrDatasetNotFound},
		{name: "hidden name", dataset: ".extract-x", want: ErrDatasetNotFound},
		{
			name:    "directory without shapefile",
			dataset: "empty",
			setup:   func() { require.NoError(t, os.MkdirAll(filepath.Join(f.root, "empty"), 0o755)) },
			want:    ErrMalformedDataset,
		},
		{
			name:    "corrupt shapefile",
			dataset: "corrupt",
			setup: func() {
				dir := filepath.Join(f.root, "corrupt")
				require.NoError(t, os.MkdirAll(dir, 0o755))
				require.NoError(t, os.WriteFile(filepath.Join(dir, "corrupt.shp"), []byte("garbage"), 0o644))
			},
			want: ErrMalformedDataset,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			_, err := f.cat.LoadRecords(ctx, tt.dataset)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadRecords_CancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.cat.LoadRecords(ctx, "fires")

	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadProjection_Memoised(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.cat.RegisterDataset(ctx, writeBundle(t, f.root, "fires", false, sampleRecords())))

	p1, err := f.cat.LoadProjection(ctx, "fires")
	require.NoError(t, err)
	assert.Equal(t, "GCS_WGS_1984", p1.Name())
	assert.Equal(t, 1, f.cat.projections.Len())

	_, err = f.cat.LoadProjection(ctx, "fires")
	require.NoError(t, err)
	assert.Equal(t, 1, f.cat.projections.Len())

	// Replacing the file changes the cache key
	prj := filepath.Join(f.root, "fires", "fires.prj")
	webMercator := `PROJCS["WGS_1984_Web_Mercator_Auxiliary_Sphere",GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",` +
		`SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]],` +
		`PROJECTION["Mercator_Auxiliary_Sphere"],PARAMETER["False_Easting",0.0],PARAMETER["False_Northing",0.0],` +
		`PARAMETER["Central_Meridian",0.0],PARAMETER["Standard_Parallel_1",0.0],PARAMETER["Auxiliary_Sphere_Type",0.0],` +
		`UNIT["Meter",1.0]]`
	require.NoError(t, os.WriteFile(prj, []byte(webMercator), 0o644))
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(prj, later, later))

	p2, err := f.cat.LoadProjection(ctx, "fires")
	require.NoError(t, err)
	assert.IsType(t, projection.Projected{}, p2)
	assert.Equal(t, 2, f.cat.projections.Len())
}

func TestLoadProjection_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.cat.RegisterDataset(ctx, writeBundle(t, f.root, "fires", false, sampleRecords())))
	prj := filepath.Join(f.root, "fires", "fires.prj")

	require.NoError(t, os.WriteFile(prj, []byte(`PROJCS["x",GEOGCS["y",DATUM["d",SPHEROID["s",6378137,298.25]]],PROJECTION["Lambert_Conformal_Conic"]]`), 0o644))
	_, err := f.cat.LoadProjection(ctx, "fires")
	assert.ErrorIs(t, err, ErrMalformedDataset)
	assert.ErrorIs(t, err, projection.ErrUnsupportedProjection)

	require.NoError(t, os.Remove(prj))
	_, err = f.cat.LoadProjection(ctx, "fires")
	assert.ErrorIs(t, err, ErrMalformedDataset)
	_, err = f.cat.LoadPRJ(ctx, "fires")
	assert.ErrorIs(t, err, ErrMalformedDataset)

	_, err = f.cat.LoadProjection(ctx, "missing")
	assert.ErrorIs(t, err, ErrDatasetNotFound)
}

func TestRemoveDataset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.cat.RegisterDataset(ctx, writeBundle(t, f.root, "fires", false, sampleRecords())))

	err := f.cat.RemoveDataset(ctx, "fires")

	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(f.root, "fires"))
	assert.NoFileExists(t, filepath.Join(f.root, "fires.zip"))
	_, err = f.cat.GetDistinctValues(ctx, "fires")
	assert.ErrorIs(t, err, ErrDatasetNotFound)

	require.Len(t, f.pub.events, 2)
	assert.Equal(t, events.DatasetRemoved, f.pub.events[1].Type)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.DatasetsKnown))

	assert.ErrorIs(t, f.cat.RemoveDataset(ctx, "fires"), ErrDatasetNotFound)
	assert.ErrorIs(t, f.cat.RemoveDataset(ctx, "../data"), ErrDatasetNotFound)
}

func TestSaveBundle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := writeBundle(t, t.TempDir(), "uploaded", false, sampleRecords())
	data, err := os.ReadFile(src)
	require.NoError(t, err)

	name, err := f.cat.SaveBundle(ctx, `C:\Users\me\uploaded.zip`, bytes.NewReader(data))

	require.NoError(t, err)
	assert.Equal(t, "uploaded", name)
	assert.FileExists(t, filepath.Join(f.root, "uploaded.zip"))
	assert.FileExists(t, filepath.Join(f.root, "uploaded", "uploaded.shp"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Ingestions.WithLabelValues("registered")))

	_, err = f.cat.SaveBundle(ctx, "uploaded.zip", bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrDatasetExists)
}

func TestSaveBundle_Invalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.cat.SaveBundle(ctx, "fires.txt", bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrInvalidBundle)

	_, err = f.cat.SaveBundle(ctx, ".zip", bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrInvalidBundle)

	_, err = f.cat.SaveBundle(ctx, "fires.zip", bytes.NewReader([]byte("not a zip")))
	assert.ErrorIs(t, err, ErrInvalidBundle)
	assert.NoFileExists(t, filepath.Join(f.root, "fires.zip"))

	// no leftover upload files
	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIngestAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	writeBundle(t, f.root, "fires_a", false, sampleRecords())
	writeBundle(t, f.root, "fires_b", true, sampleRecords())
	writeZip(t, f.root, "empty_bundle.zip", map[string][]byte{"readme.txt": []byte("hi")})
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "broken.zip"), []byte("nope"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "notes.txt"), []byte("ignored"), 0o644))

	report := f.cat.IngestAll(ctx, 2)

	assert.Equal(t, 2, report.Registered)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Failed)
	assert.Len(t, report.Errors, 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Ingestions.WithLabelValues("registered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Ingestions.WithLabelValues("failed")))

	// A second pass finds nothing new
	again := f.cat.IngestAll(ctx, 2)
	assert.Equal(t, 0, again.Registered)
	assert.Equal(t, 3, again.Skipped)
	assert.Equal(t, 1, again.Failed)
}

func TestIngestAll_Recursive(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	writeBundle(t, f.root, "Top2020", false, sampleRecords())
	writeBundle(t, filepath.Join(f.root, "region"), "Nested2020", true, sampleRecords())
	writeBundle(t, filepath.Join(f.root, "region", "archive", "2018"), "Deep2018", false, sampleRecords())
	writeBundle(t, filepath.Join(f.root, ".extract-stale"), "Hidden", false, sampleRecords())
	writeBundle(t, filepath.Join(f.root, macOSMetadata), "Fork", false, sampleRecords())

	// Act
	report := f.cat.IngestAll(ctx, 2)

	// Assert
	assert.Equal(t, 3, report.Registered)
	assert.Zero(t, report.Failed)

	names, err := f.cat.ListDatasets(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Top2020", "Nested2020", "Deep2018"}, names)

	assert.Equal(t, "Top2020", f.repo.rows["Top2020"].Dir)
	assert.Equal(t, "region/Nested2020", f.repo.rows["Nested2020"].Dir)
	assert.Equal(t, "region/archive/2018/Deep2018", f.repo.rows["Deep2018"].Dir)
	assert.FileExists(t, filepath.Join(f.root, "region", "Nested2020", "Nested2020.shp"))
	assert.NoDirExists(t, filepath.Join(f.root, "Nested2020"))

	records, err := f.cat.LoadRecords(ctx, "Nested2020")
	require.NoError(t, err)
	assert.Len(t, records, 3)
	_, err = f.cat.LoadProjection(ctx, "Deep2018")
	require.NoError(t, err)
	prj, err := f.cat.LoadPRJ(ctx, "Nested2020")
	require.NoError(t, err)
	assert.Equal(t, geographicWKT, prj)
}

func TestIngestAll_DuplicateNameInSubdirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	writeBundle(t, f.root, "fires", false, sampleRecords())
	writeBundle(t, filepath.Join(f.root, "copies"), "fires", false, sampleRecords())

	report := f.cat.IngestAll(ctx, 1)

	assert.Equal(t, 1, report.Registered)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, "copies/fires", f.repo.rows["fires"].Dir, "bundles are registered in path order")
	assert.NoDirExists(t, filepath.Join(f.root, "fires"))
}

func TestRemoveDataset_Nested(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bundle := writeBundle(t, filepath.Join(f.root, "region"), "Nested2020", false, sampleRecords())
	require.NoError(t, f.cat.RegisterDataset(ctx, bundle))

	err := f.cat.RemoveDataset(ctx, "Nested2020")

	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(f.root, "region", "Nested2020"))
	assert.NoFileExists(t, bundle)
	assert.DirExists(t, filepath.Join(f.root, "region"))
}

func TestRegisterDataset_OutsideRoot(t *testing.T) {
	f := newFixture(t)
	bundle := writeBundle(t, t.TempDir(), "elsewhere", false, sampleRecords())

	err := f.cat.RegisterDataset(context.Background(), bundle)

	assert.ErrorIs(t, err, ErrInvalidBundle)
}

func TestIngestAll_MissingRoot(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.RemoveAll(f.root))

	report := f.cat.IngestAll(context.Background(), 1)

	assert.Equal(t, 1, report.Failed)
}

func TestWatch(t *testing.T) {
	// Arrange
	f := newFixture(t)
	fake := f.clock
	ctx, cancel := context.WithCancel(context.Background())
	reports := make(chan IngestReport, 1)
	done := make(chan struct{})

	go func() {
		f.cat.Watch(ctx, time.Minute, 1, func(r IngestReport) { reports <- r })
		close(done)
	}()
	require.NoError(t, fake.BlockUntilContext(ctx, 1))
	writeBundle(t, f.root, "fires", false, sampleRecords())

	// Act
	fake.Advance(time.Minute)

	// Assert
	select {
	case r := <-reports:
		assert.Equal(t, 1, r.Registered)
	case <-time.After(5 * time.Second):
		t.Fatal("no ingestion after the interval elapsed")
	}

	cancel()
	<-done
}

func TestWatch_Disabled(t *testing.T) {
	f := newFixture(t)

	// returns immediately
	f.cat.Watch(context.Background(), 0, 1, nil)
}

func TestFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.cat.RegisterDataset(ctx, writeBundle(t, f.root, "fires", false, sampleRecords())))
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, ".extract-stale"), 0o755))

	nodes, err := f.cat.Files(ctx)

	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "fires", nodes[0].Name)
	assert.True(t, nodes[0].IsDir)
	assert.Len(t, nodes[0].Files, 4)

	var sum int64
	for _, child := range nodes[0].Files {
		assert.False(t, child.IsDir)
		sum += child.Size
	}
	assert.Equal(t, sum, nodes[0].Size)

	assert.Equal(t, "fires.zip", nodes[1].Name)
	assert.False(t, nodes[1].IsDir)
	assert.NotEmpty(t, nodes[1].ModDate)
}

func TestFiles_NestedIDs(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "region", "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "region", "docs", "guide.pdf"), []byte("%PDF"), 0o644))

	nodes, err := f.cat.Files(context.Background())

	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "region", nodes[0].ID)
	require.Len(t, nodes[0].Files, 1)
	assert.Equal(t, "region/docs", nodes[0].Files[0].ID)
	require.Len(t, nodes[0].Files[0].Files, 1)
	assert.Equal(t, "region/docs/guide.pdf", nodes[0].Files[0].Files[0].ID)
}

func TestBundle(t *testing.T) {
	// Arrange
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.cat.RegisterDataset(ctx, writeBundle(t, f.root, "fires", false, sampleRecords())))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "FireDataText.txt"), []byte("about the data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "fires", ".DS_Store"), []byte("x"), 0o644))

	// Act
	data, err := f.cat.Bundle(ctx, []string{"FireDataText.txt", "fires", "gone.zip"})

	// Assert
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	contents := map[string]string{}
	for _, file := range zr.File {
		rc, err := file.Open()
		require.NoError(t, err)
		var buf bytes.Buffer
		_, err = buf.ReadFrom(rc)
		require.NoError(t, err)
		rc.Close()
		contents[file.Name] = buf.String()
	}

	names := make([]string, 0, len(contents))
	for n := range contents {
		names = append(names, n)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"FireDataText.txt", "fires/fires.dbf", "fires/fires.prj", "fires/fires.shp", "fires/fires.shx"}, names)
	assert.Equal(t, "about the data", contents["FireDataText.txt"])
	assert.Equal(t, geographicWKT, contents["fires/fires.prj"])
}

func TestBundle_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.cat.Bundle(ctx, []string{"gone.zip"})
	assert.ErrorIs(t, err, ErrFileNotFound)

	for _, bad := range []string{"../secret", "region/../../secret", ".extract-x", "a/.hidden", `a\b`, ""} {
		_, err := f.cat.Bundle(ctx, []string{bad})
		assert.ErrorIs(t, err, ErrInvalidFileID, bad)
	}
}

func TestOpenFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "docs", "guide.pdf"), []byte("%PDF-1.4"), 0o644))

	file, info, err := f.cat.OpenFile(ctx, "docs/guide.pdf")
	require.NoError(t, err)
	defer file.Close()
	assert.Equal(t, int64(8), info.Size())

	_, _, err = f.cat.OpenFile(ctx, "docs")
	assert.ErrorIs(t, err, ErrFileNotFound)
	_, _, err = f.cat.OpenFile(ctx, "docs/absent.pdf")
	assert.ErrorIs(t, err, ErrFileNotFound)
	_, _, err = f.cat.OpenFile(ctx, "../outside.pdf")
	assert.ErrorIs(t, err, ErrInvalidFileID)
}

func TestCommonFolder(t *testing.T) {
	mk := func(names ...string) []*zip.File {
		files := make([]*zip.File, len(names))
		for i, n := range names {
			files[i] = &zip.File{FileHeader: zip.FileHeader{Name: n}}
		}
		return files
	}

	assert.Equal(t, "fires/", commonFolder(mk("fires/", "fires/a.shp", "fires/a.dbf", "__MACOSX/fires/._a.shp")))
	assert.Equal(t, "", commonFolder(mk("a.shp", "a.dbf")))
	assert.Equal(t, "", commonFolder(mk("x/a.shp", "y/a.dbf")))
	assert.Equal(t, "", commonFolder(mk("x/a.shp", "a.dbf")))
}

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()

	got, err := safeJoin(root, "sub/a.shp")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "sub", "a.shp"), got)

	for _, bad := range []string{"../a", "/etc/passwd", "sub/../../a", `..\a`} {
		_, err := safeJoin(root, bad)
		assert.ErrorIs(t, err, errUnsafePath, bad)
	}
}
