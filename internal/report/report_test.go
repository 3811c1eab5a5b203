package report

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/klauspost/compress/zip"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HWMO-Fire-Map/MapDemo/internal/acreage"
	"github.com/HWMO-Fire-Map/MapDemo/internal/models"
)

func square(x, y, size float64) models.Polygon {
	return models.Polygon{Polygon: orb.Polygon{{{x, y}, {x, y + size}, {x + size, y + size}, {x + size, y}, {x, y}}}}
}

func geoRecords() []models.IncidentRecord {
	return []models.IncidentRecord{
		{Geometry: square(144.70, 13.40, 0.02), Year: 2015, Month: "March", Island: "Guam", Acreage: 0.1},
		{Geometry: square(144.80, 13.50, 0.02), Year: 2016, Month: "April", Island: "Guam", Acreage: 50.0},
	}
}

func TestAssignYearColors(t *testing.T) {
	records := []models.IncidentRecord{{Year: 2018}, {Year: 2015}, {Year: 2018}, {Year: 2016}}

	colors := AssignYearColors(records)

	require.Len(t, colors, 3)
	assert.Equal(t, YearColor{Year: 2015, Color: Palette[0]}, colors[0])
	assert.Equal(t, YearColor{Year: 2016, Color: Palette[1]}, colors[1])
	assert.Equal(t, YearColor{Year: 2018, Color: Palette[2]}, colors[2])
	assert.Equal(t, Palette[2], colors.ColorOf(2018))
	assert.Equal(t, Palette[0], colors.ColorOf(1999))
}

func TestAssignYearColors_Cycles(t *testing.T) {
	var records []models.IncidentRecord
	for y := 2000; y < 2014; y++ {
		records = append(records, models.IncidentRecord{Year: y})
	}

	colors := AssignYearColors(records)

	require.Len(t, colors, 14)
	assert.Equal(t, colors[0].Color, colors[12].Color)
	assert.Equal(t, colors[1].Color, colors[13].Color)
}

func TestBuildMapDocument(t *testing.T) {
	// Arrange
	records := geoRecords()
	summary := acreage.Aggregate(records)
	summary.PercentBurned = "0.04%"

	// Act
	doc, err := BuildMapDocument(records, AssignYearColors(records), summary)

	// Assert
	require.NoError(t, err)
	html := string(doc)
	assert.True(t, strings.HasPrefix(html, "<!DOCTYPE html>"))
	assert.Contains(t, html, "Size Classes (acres)")
	assert.Contains(t, html, "Number of Burns")
	assert.Contains(t, html, "Burn Acreage")
	assert.Contains(t, html, "<td>0-0.25</td><td>1</td><td>0.10</td>")
	assert.Contains(t, html, "<td>10-99</td><td>1</td><td>50.00</td>")
	assert.Contains(t, html, "<th>Totals</th><th>2</th><th>50.10</th>")
	assert.Contains(t, html, "Total % Land Area Burned")
	assert.Contains(t, html, "0.04%")
	assert.Contains(t, html, Palette[0])
	assert.Contains(t, html, Palette[1])
	assert.Contains(t, html, "World_Imagery")
	// centered on the first record's centroid
	m := setViewPattern.FindStringSubmatch(html)
	require.Len(t, m, 3, "document has no setView call")
	lat, err := strconv.ParseFloat(m[1], 64)
	require.NoError(t, err)
	lon, err := strconv.ParseFloat(m[2], 64)
	require.NoError(t, err)
	assert.InDelta(t, 13.41, lat, 1e-9)
	assert.InDelta(t, 144.71, lon, 1e-9)
	assert.Contains(t, html, "setView([13.41,144.71],")
}

var setViewPattern = regexp.MustCompile(`setView\(\[([-0-9.e]+),([-0-9.e]+)\]`)

func TestBuildMapDocument_EscapesAttributes(t *testing.T) {
	records := geoRecords()[:1]
	records[0].Month = "</script><script>alert(1)</script>"

	doc, err := BuildMapDocument(records, AssignYearColors(records), acreage.Aggregate(records))

	require.NoError(t, err)
	assert.NotContains(t, string(doc), "<script>alert(1)")
}

func TestBuildMapDocument_Empty(t *testing.T) {
	_, err := BuildMapDocument(nil, nil, acreage.Summary{})
	assert.ErrorIs(t, err, ErrEmptySelection)
}

func TestFallbackDocument(t *testing.T) {
	doc := string(FallbackDocument())

	assert.Contains(t, doc, "World_Imagery")
	assert.Contains(t, doc, "setView([15,145.6],")
	assert.NotContains(t, doc, "markerClusterGroup")
}

func TestBuildArchive_RoundTrip(t *testing.T) {
	// Arrange
	scratch := t.TempDir()
	records := []models.IncidentRecord{
		{Geometry: square(251234.5678, 1482345.125, 340.75), Year: 2016, Month: "March", Island: "Guam", Acreage: 12.34},
		{Geometry: square(260000.0001, 1490000.9999, 12.5), Year: 2017, Month: "June", Island: "Saipan", Acreage: 0.2},
	}
	prj := `PROJCS["WGS_1984_UTM_Zone_55N"]`

	// Act
	data, err := BuildArchive(records, prj, ArchiveOptions{ScratchDir: scratch, Key: "7", BaseName: "fires"})

	// Assert
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
		assert.Equal(t, zip.Deflate, f.Method)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"fires.dbf", "fires.prj", "fires.shp", "fires.shx"}, names)

	leftovers, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, leftovers, "scratch directory must be removed")

	zipPath := filepath.Join(t.TempDir(), "export.zip")
	require.NoError(t, os.WriteFile(zipPath, data, 0o644))
	reader, err := shp.OpenZip(zipPath)
	require.NoError(t, err)
	defer reader.Close()

	i := 0
	for reader.Next() {
		_, shape := reader.Shape()
		got, ok := shape.(*shp.Polygon)
		require.True(t, ok, "shape %d is %T", i, shape)

		want := records[i].Geometry.(models.Polygon).Exterior()
		require.Len(t, got.Points, len(want))
		for j, p := range got.Points {
			assert.Equal(t, want[j][0], p.X)
			assert.Equal(t, want[j][1], p.Y)
		}
		assert.Equal(t, records[i].Island, dbfValue(reader.Attribute(2)))
		i++
	}
	assert.Equal(t, len(records), i)
}

func TestBuildArchive_DefaultNameKeepsAttributes(t *testing.T) {
	// Arrange
	records := []models.IncidentRecord{
		{Geometry: square(251234.5, 1482345.0, 100), Year: 2019, Month: "January", Island: "Guam", Acreage: 120.55},
	}

	// Act
	data, err := BuildArchive(records, "", ArchiveOptions{ScratchDir: t.TempDir(), Key: "3"})

	// Assert
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"filtered.dbf", "filtered.shp", "filtered.shx"}, names)

	zipPath := filepath.Join(t.TempDir(), "filtered.zip")
	require.NoError(t, os.WriteFile(zipPath, data, 0o644))
	reader, err := shp.OpenZip(zipPath)
	require.NoError(t, err)
	defer reader.Close()

	require.True(t, reader.Next())
	assert.Equal(t, "2019", dbfValue(reader.Attribute(0)))
	assert.Equal(t, "January", dbfValue(reader.Attribute(1)))
	assert.Equal(t, "120.550000", dbfValue(reader.Attribute(3)))
}

// dbfValue strips the blank and NUL padding of a fixed-width attribute.
func dbfValue(raw string) string {
	return strings.Trim(raw, " \x00")
}

func TestBuildArchive_Empty(t *testing.T) {
	data, err := BuildArchive(nil, "", ArchiveOptions{ScratchDir: t.TempDir(), Key: "1"})

	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Len(t, zr.File, 3, "no .prj without a projection")
}

func TestBuildArchive_CleansUpOnError(t *testing.T) {
	scratch := t.TempDir()
	records := []models.IncidentRecord{{Geometry: nil, Year: 2016}}

	_, err := BuildArchive(records, "", ArchiveOptions{ScratchDir: scratch, Key: "9"})

	assert.ErrorIs(t, err, models.ErrUnsupportedGeometry)
	leftovers, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("<html>a</html>"))
	b := Fingerprint([]byte("<html>b</html>"))

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Fingerprint([]byte("<html>a</html>")))
	assert.True(t, strings.HasPrefix(a, `"`) && strings.HasSuffix(a, `"`))
}
