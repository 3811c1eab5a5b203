package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ErrUnsupportedGeometry is returned when a geometry is neither a Polygon nor a MultiPolygon.
var ErrUnsupportedGeometry = errors.New("unsupported geometry type")

// Geometry is the closed set of shapes an incident record can carry.
// Only Polygon and MultiPolygon implement it.
type Geometry interface {
	// Type returns the GeoJSON type name.
	Type() string
	// Orb returns the geometry as an orb value for planar operations.
	Orb() orb.Geometry
	sealed()
}

// Polygon is a single polygon. Ring 0 is the exterior, the rest are holes.
type Polygon struct {
	orb.Polygon
}

// MultiPolygon holds several disjoint polygons recorded as one incident.
type MultiPolygon struct {
	orb.MultiPolygon
}

func (Polygon) Type() string { return "Polygon" }

func (p Polygon) Orb() orb.Geometry { return p.Polygon }

func (Polygon) sealed() {}

func (MultiPolygon) Type() string { return "MultiPolygon" }

func (mp MultiPolygon) Orb() orb.Geometry { return mp.MultiPolygon }

func (MultiPolygon) sealed() {}

// Exterior returns the exterior ring, or nil for an empty polygon.
func (p Polygon) Exterior() orb.Ring {
	if len(p.Polygon) == 0 {
		return nil
	}
	return p.Polygon[0]
}

// MarshalJSON implements json.Marshaler and emits a GeoJSON geometry.
func (p Polygon) MarshalJSON() ([]byte, error) {
	return json.Marshal(geojson.NewGeometry(p.Polygon))
}

// UnmarshalJSON implements json.Unmarshaler for a GeoJSON Polygon.
func (p *Polygon) UnmarshalJSON(data []byte) error {
	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return fmt.Errorf("failed to unmarshal polygon: %w", err)
	}

	poly, ok := g.Geometry().(orb.Polygon)
	if !ok {
		return fmt.Errorf("expected Polygon type, got %s", g.Type)
	}

	p.Polygon = poly
	return nil
}

// MarshalJSON implements json.Marshaler and emits a GeoJSON geometry.
func (mp MultiPolygon) MarshalJSON() ([]byte, error) {
	return json.Marshal(geojson.NewGeometry(mp.MultiPolygon))
}

// UnmarshalJSON implements json.Unmarshaler for a GeoJSON MultiPolygon.
func (mp *MultiPolygon) UnmarshalJSON(data []byte) error {
	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return fmt.Errorf("failed to unmarshal multipolygon: %w", err)
	}

	multi, ok := g.Geometry().(orb.MultiPolygon)
	if !ok {
		return fmt.Errorf("expected MultiPolygon type, got %s", g.Type)
	}

	mp.MultiPolygon = multi
	return nil
}

// IsMulti reports whether g is a MultiPolygon.
func IsMulti(g Geometry) bool {
	_, ok := g.(MultiPolygon)
	return ok
}
