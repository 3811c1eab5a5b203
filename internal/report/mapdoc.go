// Package report renders map documents and shapefile archives for a filtered selection.
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"math"

	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/HWMO-Fire-Map/MapDemo/internal/acreage"
	"github.com/HWMO-Fire-Map/MapDemo/internal/models"
)

// ErrEmptySelection is returned when there are no records to render.
var ErrEmptySelection = errors.New("no records match the selection")

const defaultZoom = 10

// fallbackCenter frames the Mariana Islands when no selection has been rendered yet.
var fallbackCenter = [2]float64{15.0, 145.6}

var (
	mapTemplate      = template.Must(template.New("map").Parse(mapHTML))
	fallbackTemplate = template.Must(template.New("fallback").Parse(fallbackHTML))
)

type marker struct {
	Lat   float64  `json:"lat"`
	Lon   float64  `json:"lon"`
	Acres *float64 `json:"acres"`
	Year  int      `json:"year"`
	Month string   `json:"month"`
}

type legendEntry struct {
	Year   int
	Swatch template.CSS
}

type mapView struct {
	Center        [2]float64
	Zoom          int
	Features      template.JS
	Markers       template.JS
	Rows          []acreage.Row
	Totals        acreage.Row
	PercentBurned string
	Legend        []legendEntry
}

// BuildMapDocument renders a self-contained HTML map of records, which must
// already be in geographic coordinates. The map is centered on the centroid of
// the first record; polygons are filled by year and each record gets a marker
// with an Acres/Year/Month popup. The summary table and year legend float over the map.
func BuildMapDocument(records []models.IncidentRecord, colors YearColors, summary acreage.Summary) ([]byte, error) {
	if len(records) == 0 {
		return nil, ErrEmptySelection
	}

	center, _ := planar.CentroidArea(records[0].Geometry.Orb())

	fc := geojson.NewFeatureCollection()
	markers := make([]marker, 0, len(records))
	for _, rec := range records {
		f := geojson.NewFeature(rec.Geometry.Orb())
		f.Properties["year"] = rec.Year
		f.Properties["color"] = colors.ColorOf(rec.Year)
		fc.Append(f)

		c, _ := planar.CentroidArea(rec.Geometry.Orb())
		m := marker{Lat: c[1], Lon: c[0], Year: rec.Year, Month: rec.Month}
		if !math.IsNaN(rec.Acreage) {
			acres := math.Round(rec.Acreage*100) / 100
			m.Acres = &acres
		}
		markers = append(markers, m)
	}

	features, err := json.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode features: %w", err)
	}
	markerJSON, err := json.Marshal(markers)
	if err != nil {
		return nil, fmt.Errorf("failed to encode markers: %w", err)
	}

	legend := make([]legendEntry, len(colors))
	for i, c := range colors {
		legend[i] = legendEntry{Year: c.Year, Swatch: template.CSS("background: " + c.Color)}
	}

	view := mapView{
		Center:        [2]float64{roundCoord(center[1]), roundCoord(center[0])},
		Zoom:          defaultZoom,
		Features:      template.JS(features),
		Markers:       template.JS(markerJSON),
		Rows:          summary.Rows,
		Totals:        summary.Totals,
		PercentBurned: summary.PercentBurned,
		Legend:        legend,
	}

	var buf bytes.Buffer
	if err := mapTemplate.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("failed to render map: %w", err)
	}
	return buf.Bytes(), nil
}

// FallbackDocument renders the map shown before any selection has been rendered
// for a cache key: imagery only, no features.
func FallbackDocument() []byte {
	var buf bytes.Buffer
	data := struct {
		Center [2]float64
		Zoom   int
	}{Center: fallbackCenter, Zoom: 7}
	if err := fallbackTemplate.Execute(&buf, data); err != nil {
		// the template and its data are fixed
		panic(err)
	}
	return buf.Bytes()
}

const fallbackHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Fire Map</title>
<link rel="stylesheet" href="https://unpkg.com/leaflet@1.9.4/dist/leaflet.css">
<script src="https://unpkg.com/leaflet@1.9.4/dist/leaflet.js"></script>
<style>html, body, #map { height: 100%; margin: 0; }</style>
</head>
<body>
<div id="map"></div>
<script>
var map = L.map('map').setView({{.Center}}, {{.Zoom}});
L.tileLayer('https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}', {
  attribution: 'Tiles &copy; Esri', maxZoom: 18
}).addTo(map);
</script>
</body>
</html>
`

const mapHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Fire Map</title>
<link rel="stylesheet" href="https://unpkg.com/leaflet@1.9.4/dist/leaflet.css">
<link rel="stylesheet" href="https://unpkg.com/leaflet.markercluster@1.5.3/dist/MarkerCluster.css">
<link rel="stylesheet" href="https://unpkg.com/leaflet.markercluster@1.5.3/dist/MarkerCluster.Default.css">
<script src="https://unpkg.com/leaflet@1.9.4/dist/leaflet.js"></script>
<script src="https://unpkg.com/leaflet.markercluster@1.5.3/dist/leaflet.markercluster.js"></script>
<style>
html, body, #map { height: 100%; margin: 0; }
.panel { position: fixed; z-index: 1000; background: white; padding: 8px; border: 2px solid grey; font: 12px sans-serif; }
.summary { top: 10px; right: 10px; }
.legend { bottom: 30px; right: 10px; }
.panel table { border-collapse: collapse; }
.panel td, .panel th { border: 1px solid #ccc; padding: 2px 6px; }
.swatch { display: inline-block; width: 12px; height: 12px; margin-right: 6px; border: 1px solid black; }
</style>
</head>
<body>
<div id="map"></div>
<div class="panel summary">
<table>
<tr><th>Size Classes (acres)</th><th>Number of Burns</th><th>Burn Acreage</th></tr>
{{range .Rows}}<tr><td>{{.Label}}</td><td>{{.Count}}</td><td>{{printf "%.2f" .Acreage}}</td></tr>
{{end}}<tr><th>{{.Totals.Label}}</th><th>{{.Totals.Count}}</th><th>{{printf "%.2f" .Totals.Acreage}}</th></tr>
<tr><td>Total % Land Area Burned</td><td colspan="2">{{.PercentBurned}}</td></tr>
</table>
</div>
<div class="panel legend">
<b>Year</b><br>
{{range .Legend}}<span class="swatch" style="{{.Swatch}}"></span>{{.Year}}<br>
{{end}}</div>
<script>
var map = L.map('map').setView({{.Center}}, {{.Zoom}});
L.tileLayer('https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}', {
  attribution: 'Tiles &copy; Esri', maxZoom: 18
}).addTo(map);

L.geoJSON({{.Features}}, {
  style: function (f) {
    return { fillColor: f.properties.color, color: 'black', weight: 1, fillOpacity: 0.6 };
  }
}).addTo(map);

function esc(s) {
  return String(s).replace(/[&<>"']/g, function (c) {
    return { '&': '&amp;', '<': '&lt;', '>': '&gt;', '"': '&quot;', "'": '&#39;' }[c];
  });
}

var cluster = L.markerClusterGroup();
{{.Markers}}.forEach(function (m) {
  var acres = m.acres === null ? 'n/a' : m.acres;
  var popup = '<table>' +
    '<tr><th>Acres</th><td>' + esc(acres) + '</td></tr>' +
    '<tr><th>Year</th><td>' + esc(m.year) + '</td></tr>' +
    '<tr><th>Month</th><td>' + esc(m.month) + '</td></tr>' +
    '</table>';
  cluster.addLayer(L.marker([m.lat, m.lon]).bindPopup(popup));
});
map.addLayer(cluster);
</script>
</body>
</html>
`

// roundCoord trims float noise from a centroid, well below Leaflet's display precision.
func roundCoord(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
