// Package shapefile reads and writes incident records as ESRI shapefiles.
package shapefile

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"

	"github.com/HWMO-Fire-Map/MapDemo/internal/models"
)

// Attribute names used by the incident datasets. "Acerage" is the column's real spelling.
const (
	FieldYear    = "Year"
	FieldMonth   = "FireMonth"
	FieldIsland  = "Island"
	FieldAcreage = "Acerage"
)

var (
	// ErrMissingField is returned when a required attribute column is absent.
	ErrMissingField = errors.New("missing attribute field")
	// ErrInvalidAttribute is returned when a year value cannot be parsed.
	ErrInvalidAttribute = errors.New("invalid attribute value")
)

type fieldIndex struct {
	year, month, island, acreage int
}

// Read loads every record of the shapefile at path. The .dbf must sit next to it.
func Read(path string) ([]models.IncidentRecord, error) {
	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open shapefile: %w", err)
	}
	defer r.Close()

	idx, err := lookupFields(r.Fields())
	if err != nil {
		return nil, err
	}

	var records []models.IncidentRecord
	for r.Next() {
		n, shape := r.Shape()

		geom, err := toGeometry(shape)
		if err != nil {
			return nil, fmt.Errorf("shape %d: %w", n, err)
		}

		year, err := parseYear(attribute(r, n, idx.year))
		if err != nil {
			return nil, fmt.Errorf("shape %d: %w", n, err)
		}

		records = append(records, models.IncidentRecord{
			Geometry: geom,
			Year:     year,
			Month:    attribute(r, n, idx.month),
			Island:   attribute(r, n, idx.island),
			Acreage:  parseAcreage(attribute(r, n, idx.acreage)),
		})
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("failed to read shapes: %w", err)
	}

	return records, nil
}

// ReadPRJ returns the WKT text of the .prj next to the shapefile at path.
func ReadPRJ(path string) (string, error) {
	data, err := os.ReadFile(strings.TrimSuffix(path, ".shp") + ".prj")
	if err != nil {
		return "", fmt.Errorf("failed to read projection file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Write creates path (which must end in .shp) with its .shx and .dbf, plus a .prj
// holding prj when prj is non-empty. Geometry coordinates are written unchanged.
func Write(path string, records []models.IncidentRecord, prj string) error {
	if !strings.HasSuffix(path, ".shp") {
		return fmt.Errorf("shapefile path %q must end in .shp", path)
	}
	base := strings.TrimSuffix(path, ".shp")

	w, err := shp.Create(path, shp.POLYGON)
	if err != nil {
		return fmt.Errorf("failed to create shapefile: %w", err)
	}

	if err := writeRecords(w, records); err != nil {
		w.Close()
		os.Remove(base + "dbf")
		return err
	}
	w.Close()

	// go-shp v0.1.1 names the attribute table "<base>dbf".
	if err := os.Rename(base+"dbf", base+".dbf"); err != nil {
		return fmt.Errorf("failed to place attribute table: %w", err)
	}

	if prj != "" {
		if err := os.WriteFile(base+".prj", []byte(prj), 0o644); err != nil {
			return fmt.Errorf("failed to write projection file: %w", err)
		}
	}

	return nil
}

func writeRecords(w *shp.Writer, records []models.IncidentRecord) error {
	fields := []shp.Field{
		shp.NumberField(FieldYear, 10),
		shp.StringField(FieldMonth, 50),
		shp.StringField(FieldIsland, 50),
		shp.FloatField(FieldAcreage, 24, 6),
	}
	if err := w.SetFields(fields); err != nil {
		return fmt.Errorf("failed to set fields: %w", err)
	}

	for i, rec := range records {
		parts, err := toParts(rec.Geometry)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}

		poly := shp.Polygon(*shp.NewPolyLine(parts))
		row := int(w.Write(&poly))

		values := []interface{}{rec.Year, rec.Month, rec.Island, rec.Acreage}
		for field, value := range values {
			if err := w.WriteAttribute(row, field, value); err != nil {
				return fmt.Errorf("record %d field %s: %w", i, fields[field], err)
			}
		}
	}
	return nil
}

func lookupFields(fields []shp.Field) (fieldIndex, error) {
	idx := fieldIndex{year: -1, month: -1, island: -1, acreage: -1}
	for i, f := range fields {
		switch strings.ToLower(f.String()) {
		case strings.ToLower(FieldYear):
			idx.year = i
		case strings.ToLower(FieldMonth):
			idx.month = i
		case strings.ToLower(FieldIsland):
			idx.island = i
		case strings.ToLower(FieldAcreage):
			idx.acreage = i
		}
	}

	var missing []string
	if idx.year < 0 {
		missing = append(missing, FieldYear)
	}
	if idx.month < 0 {
		missing = append(missing, FieldMonth)
	}
	if idx.island < 0 {
		missing = append(missing, FieldIsland)
	}
	if idx.acreage < 0 {
		missing = append(missing, FieldAcreage)
	}
	if len(missing) > 0 {
		return idx, fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}
	return idx, nil
}

func attribute(r *shp.Reader, row, field int) string {
	return strings.TrimSpace(strings.Trim(r.ReadAttribute(row, field), "\x00"))
}

func parseYear(raw string) (int, error) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: year %q", ErrInvalidAttribute, raw)
	}
	return int(f), nil
}

func parseAcreage(raw string) float64 {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

// toGeometry groups shapefile parts into polygons. Clockwise rings start a new
// polygon and counter-clockwise rings are holes of the polygon before them.
// More than one outer ring makes the record a MultiPolygon.
func toGeometry(shape shp.Shape) (models.Geometry, error) {
	var parts []int32
	var points []shp.Point

	switch s := shape.(type) {
	case *shp.Polygon:
		parts, points = s.Parts, s.Points
	case *shp.PolygonZ:
		parts, points = s.Parts, s.Points
	case *shp.PolygonM:
		parts, points = s.Parts, s.Points
	default:
		return nil, fmt.Errorf("%w: %T", models.ErrUnsupportedGeometry, shape)
	}

	var polygons []orb.Polygon
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || start > end || int(end) > len(points) {
			return nil, fmt.Errorf("%w: corrupt part offsets", models.ErrUnsupportedGeometry)
		}

		ring := make(orb.Ring, 0, end-start)
		for _, p := range points[start:end] {
			ring = append(ring, orb.Point{p.X, p.Y})
		}

		if len(polygons) == 0 || ring.Orientation() == orb.CW {
			polygons = append(polygons, orb.Polygon{ring})
			continue
		}
		last := len(polygons) - 1
		polygons[last] = append(polygons[last], ring)
	}

	switch len(polygons) {
	case 0:
		return nil, fmt.Errorf("%w: empty polygon", models.ErrUnsupportedGeometry)
	case 1:
		return models.Polygon{Polygon: polygons[0]}, nil
	default:
		return models.MultiPolygon{MultiPolygon: orb.MultiPolygon(polygons)}, nil
	}
}

func toParts(g models.Geometry) ([][]shp.Point, error) {
	var rings []orb.Ring

	switch geom := g.(type) {
	case models.Polygon:
		rings = geom.Polygon
	case models.MultiPolygon:
		for _, poly := range geom.MultiPolygon {
			rings = append(rings, poly...)
		}
	default:
		return nil, fmt.Errorf("%w: %T", models.ErrUnsupportedGeometry, g)
	}

	parts := make([][]shp.Point, len(rings))
	for i, ring := range rings {
		parts[i] = make([]shp.Point, len(ring))
		for j, p := range ring {
			parts[i][j] = shp.Point{X: p[0], Y: p[1]}
		}
	}
	return parts, nil
}
