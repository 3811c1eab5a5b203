// Package projection converts projected dataset coordinates to WGS84 longitude/latitude.
package projection

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/wroge/wgs84"
)

// ErrUnsupportedProjection is returned for coordinate systems this package cannot invert.
var ErrUnsupportedProjection = errors.New("unsupported projection")

// Projection inverts a dataset's coordinate system.
type Projection interface {
	// Inverse converts native x/y to longitude and latitude in degrees.
	Inverse(x, y float64) (lon, lat float64)
	Name() string
}

// Parse builds a Projection from a WKT1 (ESRI or OGC flavoured) definition.
func Parse(wkt string) (Projection, error) {
	root, err := parseWKT(strings.TrimSpace(wkt))
	if err != nil {
		return nil, fmt.Errorf("invalid WKT: %w", err)
	}

	switch root.keyword {
	case "GEOGCS":
		return Geographic{name: root.name()}, nil
	case "PROJCS":
		return parseProjected(root)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProjection, root.keyword)
	}
}

func parseProjected(root *node) (Projection, error) {
	method := root.child("PROJECTION")
	if method == nil {
		return nil, fmt.Errorf("PROJCS %q has no PROJECTION", root.name())
	}

	a, invF, err := spheroid(root)
	if err != nil {
		return nil, err
	}

	unit := 1.0
	if u := root.child("UNIT"); u != nil {
		if unit, err = u.number(1); err != nil {
			return nil, err
		}
		if unit <= 0 {
			return nil, fmt.Errorf("invalid linear unit %v", unit)
		}
	}

	params, err := root.parameters()
	if err != nil {
		return nil, err
	}
	get := func(key string, def float64) float64 {
		if v, ok := params[key]; ok {
			return v
		}
		return def
	}

	datum := wgs84.Datum{Spheroid: ellipsoid{a: a, invF: invF}}
	p := Projected{name: root.name(), unit: unit}

	switch strings.ToLower(strings.ReplaceAll(method.name(), " ", "_")) {
	case "transverse_mercator":
		p.crs = datum.TransverseMercator(
			get("central_meridian", 0),
			get("latitude_of_origin", 0),
			get("scale_factor", 1),
			get("false_easting", 0)*unit,
			get("false_northing", 0)*unit,
		)
	case "mercator_auxiliary_sphere", "popular_visualisation_pseudo_mercator":
		// the library's web mercator has no origin parameters
		p.crs = datum.WebMercator()
		p.lon0 = get("central_meridian", 0)
		p.east0 = get("false_easting", 0) * unit
		p.north0 = get("false_northing", 0) * unit
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProjection, method.name())
	}
	return p, nil
}

// spheroid returns the semi-major axis and inverse flattening of the datum's ellipsoid.
func spheroid(root *node) (float64, float64, error) {
	geog := root.child("GEOGCS")
	if geog == nil {
		return 0, 0, fmt.Errorf("PROJCS %q has no GEOGCS", root.name())
	}
	datum := geog.child("DATUM")
	if datum == nil {
		return 0, 0, fmt.Errorf("GEOGCS %q has no DATUM", geog.name())
	}
	sph := datum.child("SPHEROID")
	if sph == nil {
		sph = datum.child("ELLIPSOID")
	}
	if sph == nil {
		return 0, 0, fmt.Errorf("DATUM %q has no SPHEROID", datum.name())
	}

	a, err := sph.number(1)
	if err != nil {
		return 0, 0, err
	}
	invF, err := sph.number(2)
	if err != nil {
		return 0, 0, err
	}
	if a <= 0 {
		return 0, 0, fmt.Errorf("invalid semi-major axis %v", a)
	}
	if invF == 0 {
		// sphere
		invF = math.Inf(1)
	}
	return a, invF, nil
}

// ellipsoid is a wgs84.Spheroid read from WKT.
type ellipsoid struct {
	a, invF float64
}

func (e ellipsoid) A() float64 { return e.a }
func (e ellipsoid) Fi() float64 { return e.invF }

// Geographic is a coordinate system already in longitude/latitude degrees.
type Geographic struct {
	name string
}

func (g Geographic) Inverse(x, y float64) (float64, float64) { return x, y }

func (g Geographic) Name() string { return g.name }

// Projected is a grid coordinate system inverted with the wgs84 package.
// Coordinates are in the grid's linear unit; the result stays on the grid's own datum.
type Projected struct {
	name string
	crs  wgs84.ProjectedReferenceSystem
	unit float64

	// origin offsets applied around projections that lack them
	lon0, east0, north0 float64
}

// UTM returns the WGS84 UTM zone projection for the northern or southern hemisphere.
func UTM(zone int, north bool) Projected {
	return Projected{name: "WGS 84 / UTM", crs: wgs84.UTM(float64(zone), north), unit: 1}
}

func (p Projected) Inverse(x, y float64) (float64, float64) {
	lon, lat := p.crs.Projection.ToLonLat(x*p.unit-p.east0, y*p.unit-p.north0, p.crs.Datum)
	return lon + p.lon0, lat
}

// Forward converts longitude and latitude in degrees to grid coordinates.
func (p Projected) Forward(lon, lat float64) (float64, float64) {
	x, y := p.crs.Projection.FromLonLat(lon-p.lon0, lat, p.crs.Datum)
	return (x + p.east0) / p.unit, (y + p.north0) / p.unit
}

func (p Projected) Name() string { return p.name }
