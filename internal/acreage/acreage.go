// Package acreage bins burn areas into size classes and summarises them.
package acreage

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/HWMO-Fire-Map/MapDemo/internal/models"
)

// ErrNoLandArea is returned when none of the selected islands has a known land area.
var ErrNoLandArea = errors.New("no land area for selected islands")

// Class is an acreage size bin label.
type Class string

const (
	ClassTiny      Class = "0-0.25"
	ClassSmall     Class = "0.26-9"
	ClassMedium    Class = "10-99"
	ClassLarge     Class = "100-299"
	ClassVeryLarge Class = "300-999"
	ClassHuge      Class = "1000-9999"
	ClassUndefined Class = "Undefined"

	// Totals labels the synthetic summary row.
	Totals = "Totals"
)

type bucket struct {
	class    Class
	min, max float64
}

// Buckets are closed at both ends and ordered by lower bound.
var buckets = []bucket{
	{ClassTiny, 0, 0.25},
	{ClassSmall, 0.26, 9.99},
	{ClassMedium, 10, 99.99},
	{ClassLarge, 100, 299.99},
	{ClassVeryLarge, 300, 999.99},
	{ClassHuge, 1000, 9999.99},
}

// DefaultLandAreas are island land areas in acres.
var DefaultLandAreas = map[string]float64{
	"Tinian": 25010,
	"Saipan": 29400,
	"Rota":   21036.8,
	"Guam":   135700,
	"Palau":  113300,
	"Yap":    24710,
}

// Classify assigns an acreage to its size class. The value is rounded to two
// decimals first; NaN, negative and oversize values are Undefined.
func Classify(acreage float64) Class {
	if math.IsNaN(acreage) || acreage < 0 {
		return ClassUndefined
	}
	rounded := round2(acreage)
	for _, b := range buckets {
		if rounded >= b.min && rounded <= b.max {
			return b.class
		}
	}
	return ClassUndefined
}

// Row is one line of the summary table.
type Row struct {
	Label   string  `json:"label"`
	Count   int     `json:"count"`
	Acreage float64 `json:"acreage"`
}

// Summary holds the per-class rows, in bucket order with Undefined last,
// and the Totals row.
type Summary struct {
	Rows          []Row  `json:"rows"`
	Totals        Row    `json:"totals"`
	PercentBurned string `json:"percentBurned,omitempty"`
}

// Aggregate counts records and sums acreage per class. Only classes with at
// least one record appear. NaN acreage is counted but never summed. Each record
// contributes its acreage rounded to hundredths, the value it was classified by.
func Aggregate(records []models.IncidentRecord) Summary {
	counts := make(map[Class]*Row)
	totals := Row{Label: Totals}

	for _, rec := range records {
		class := Classify(rec.Acreage)
		row, ok := counts[class]
		if !ok {
			row = &Row{Label: string(class)}
			counts[class] = row
		}
		row.Count++
		totals.Count++
		if !math.IsNaN(rec.Acreage) {
			acres := round2(rec.Acreage)
			row.Acreage += acres
			totals.Acreage += acres
		}
	}

	rows := make([]Row, 0, len(counts))
	for _, row := range counts {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return order(Class(rows[i].Label)) < order(Class(rows[j].Label))
	})

	return Summary{Rows: rows, Totals: totals}
}

func order(c Class) int {
	for i, b := range buckets {
		if b.class == c {
			return i
		}
	}
	return len(buckets)
}

// PercentBurned is total acreage as a percentage of the land area of the
// selected islands that are present in the dataset. An empty selection means
// every available island. The result is rounded to two decimals, e.g. "0.04%".
func PercentBurned(total float64, selected, available []string, landAreas map[string]float64) (string, error) {
	islands := available
	if len(selected) > 0 {
		avail := make(map[string]struct{}, len(available))
		for _, a := range available {
			avail[a] = struct{}{}
		}
		islands = islands[:0:0]
		for _, s := range selected {
			if _, ok := avail[s]; ok {
				islands = append(islands, s)
			}
		}
	}

	seen := make(map[string]struct{}, len(islands))
	var land float64
	for _, island := range islands {
		if _, dup := seen[island]; dup {
			continue
		}
		seen[island] = struct{}{}
		land += landAreas[island]
	}
	if land <= 0 {
		return "", fmt.Errorf("%w: %s", ErrNoLandArea, strings.Join(islands, ","))
	}

	return FormatPercent(total / land * 100), nil
}

// FormatPercent renders a percentage with at most two decimals.
func FormatPercent(v float64) string {
	s := strconv.FormatFloat(round2(v), 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s + "%"
}

// ParseLandAreas reads "Island=acres,Island=acres" overrides.
func ParseLandAreas(raw string) (map[string]float64, error) {
	areas := make(map[string]float64)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid land area entry %q", part)
		}
		acres, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || acres < 0 {
			return nil, fmt.Errorf("invalid land area for %q: %q", name, value)
		}
		areas[strings.TrimSpace(name)] = acres
	}
	return areas, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
