package projection

import (
	"fmt"

	"github.com/paulmach/orb"

	"github.com/HWMO-Fire-Map/MapDemo/internal/models"
)

// ToGeographic inverts every vertex of each polygon's exterior ring.
// Interior rings are not carried into the result.
func ToGeographic(g models.Geometry, p Projection) (models.Geometry, error) {
	switch geom := g.(type) {
	case models.Polygon:
		return models.Polygon{Polygon: exterior(geom.Polygon, p)}, nil
	case models.MultiPolygon:
		out := make(orb.MultiPolygon, len(geom.MultiPolygon))
		for i, poly := range geom.MultiPolygon {
			out[i] = exterior(poly, p)
		}
		return models.MultiPolygon{MultiPolygon: out}, nil
	default:
		return nil, fmt.Errorf("%w: %T", models.ErrUnsupportedGeometry, g)
	}
}

// RecordsToGeographic returns copies of records with geographic geometry.
func RecordsToGeographic(records []models.IncidentRecord, p Projection) ([]models.IncidentRecord, error) {
	out := make([]models.IncidentRecord, len(records))
	for i, rec := range records {
		geom, err := ToGeographic(rec.Geometry, p)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		rec.Geometry = geom
		out[i] = rec
	}
	return out, nil
}

func exterior(poly orb.Polygon, p Projection) orb.Polygon {
	if len(poly) == 0 {
		return orb.Polygon{}
	}
	ring := make(orb.Ring, len(poly[0]))
	for i, pt := range poly[0] {
		lon, lat := p.Inverse(pt[0], pt[1])
		ring[i] = orb.Point{lon, lat}
	}
	return orb.Polygon{ring}
}
